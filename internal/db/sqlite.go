package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jonathan/threads-autopost/internal/types"
)

// sqliteTimeLayout is fixed width and always UTC so that text comparison matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z07:00"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		image_urls TEXT NOT NULL DEFAULT '[]',
		genre TEXT NOT NULL DEFAULT 'general',
		scheduled_time TEXT NOT NULL,
		buffer_sent_time TEXT,
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'scheduled', 'failed')),
		concept_source TEXT NOT NULL DEFAULT '',
		reference_post TEXT NOT NULL DEFAULT '',
		remote_id TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_status_scheduled ON posts (status, scheduled_time)`,
	`CREATE TABLE IF NOT EXISTS automation_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		data TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS processed_files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		filename TEXT NOT NULL UNIQUE,
		processed_at TEXT NOT NULL,
		posts_generated INTEGER NOT NULL DEFAULT 0
	)`,
}

const sqlitePostColumns = `id, text, image_urls, genre, scheduled_time, buffer_sent_time, status,
	concept_source, reference_post, remote_id, last_error, created_at, updated_at`

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database file at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows a single writer
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	for _, q := range sqliteSchema {
		if _, err := conn.ExecContext(ctx, q); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to init schema: %w", err)
		}
	}

	return &SQLiteStore{db: conn}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", value, err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLitePost(row rowScanner) (*types.Post, error) {
	var (
		post                                   types.Post
		imageURLs, scheduled, created, updated string
		sent                                   sql.NullString
		status                                 string
	)
	err := row.Scan(&post.ID, &post.Text, &imageURLs, &post.Genre, &scheduled, &sent, &status,
		&post.ConceptSource, &post.ReferencePost, &post.RemoteID, &post.LastError, &created, &updated)
	if err != nil {
		return nil, err
	}

	post.Status = types.PostStatus(status)
	if post.ImageURLs, err = decodeImageURLs([]byte(imageURLs)); err != nil {
		return nil, err
	}
	if post.ScheduledTime, err = parseTime(scheduled); err != nil {
		return nil, err
	}
	if post.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if post.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if sent.Valid {
		t, err := parseTime(sent.String)
		if err != nil {
			return nil, err
		}
		post.BufferSentTime = &t
	}
	return &post, nil
}

func (s *SQLiteStore) queryPosts(ctx context.Context, query string, args ...any) ([]types.Post, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	posts := make([]types.Post, 0)
	for rows.Next() {
		post, err := scanSQLitePost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		posts = append(posts, *post)
	}
	return posts, rows.Err()
}

// SavePosts implements Store.
func (s *SQLiteStore) SavePosts(ctx context.Context, posts []types.Post) error {
	if len(posts) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO posts (`+sqlitePostColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := range posts {
		p := &posts[i]
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.Status == "" {
			p.Status = types.StatusPending
		}
		imageURLs, err := encodeImageURLs(p.ImageURLs)
		if err != nil {
			return err
		}
		var sent any
		if p.BufferSentTime != nil {
			sent = formatTime(*p.BufferSentTime)
		}

		_, err = stmt.ExecContext(ctx, p.ID, p.Text, string(imageURLs), p.Genre, formatTime(p.ScheduledTime), sent,
			string(p.Status), p.ConceptSource, p.ReferencePost, p.RemoteID, p.LastError,
			formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert post %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit posts: %w", err)
	}
	return nil
}

// GetPost implements Store.
func (s *SQLiteStore) GetPost(ctx context.Context, id string) (*types.Post, error) {
	post, err := scanSQLitePost(s.db.QueryRowContext(ctx,
		`SELECT `+sqlitePostColumns+` FROM posts WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get post: %w", err)
	}
	return post, nil
}

// ListPosts implements Store.
func (s *SQLiteStore) ListPosts(ctx context.Context, filter PostFilter) ([]types.Post, error) {
	query := `SELECT ` + sqlitePostColumns + ` FROM posts`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, scheduled_time ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	posts, err := s.queryPosts(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	return posts, nil
}

// UpdatePost implements Store.
func (s *SQLiteStore) UpdatePost(ctx context.Context, id string, edit types.PostEdit, now time.Time) (*types.Post, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	post, err := scanSQLitePost(tx.QueryRowContext(ctx,
		`SELECT `+sqlitePostColumns+` FROM posts WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load post: %w", err)
	}

	applyEdit(post, edit, now)

	imageURLs, err := encodeImageURLs(post.ImageURLs)
	if err != nil {
		return nil, err
	}
	var sent any
	if post.BufferSentTime != nil {
		sent = formatTime(*post.BufferSentTime)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE posts SET text = ?, image_urls = ?, genre = ?, scheduled_time = ?, buffer_sent_time = ?,
		 status = ?, remote_id = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		post.Text, string(imageURLs), post.Genre, formatTime(post.ScheduledTime), sent,
		string(post.Status), post.RemoteID, post.LastError, formatTime(post.UpdatedAt), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update post: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit post update: %w", err)
	}
	return post, nil
}

// DeletePost implements Store.
func (s *SQLiteStore) DeletePost(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DuePendingPosts implements Store.
func (s *SQLiteStore) DuePendingPosts(ctx context.Context, before time.Time, limit int) ([]types.Post, error) {
	posts, err := s.queryPosts(ctx,
		`SELECT `+sqlitePostColumns+` FROM posts
		 WHERE status = 'pending' AND scheduled_time <= ?
		 ORDER BY scheduled_time ASC LIMIT ?`,
		formatTime(before), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due posts: %w", err)
	}
	return posts, nil
}

// MarkScheduled implements Store.
func (s *SQLiteStore) MarkScheduled(ctx context.Context, id string, sentAt time.Time, remoteID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = 'scheduled', buffer_sent_time = ?, remote_id = ?, last_error = '', updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		formatTime(sentAt), remoteID, formatTime(sentAt), id)
	if err != nil {
		return fmt.Errorf("failed to mark post scheduled: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// MarkFailed implements Store.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = 'failed', last_error = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		reason, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark post failed: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

// checkTransition tells a missing post apart from one that already left pending.
func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, id string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM posts WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check post: %w", err)
	}
	return ErrNotPending
}

// CountPending implements Store.
func (s *SQLiteStore) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending posts: %w", err)
	}
	return n, nil
}

// NextPendingTime implements Store.
func (s *SQLiteStore) NextPendingTime(ctx context.Context) (*time.Time, error) {
	var next sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT MIN(scheduled_time) FROM posts WHERE status = 'pending'`).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("failed to query next pending time: %w", err)
	}
	if !next.Valid {
		return nil, nil
	}
	t, err := parseTime(next.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// IsFileProcessed implements Store.
func (s *SQLiteStore) IsFileProcessed(ctx context.Context, filename string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_files WHERE filename = ?`, filename).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check processed file: %w", err)
	}
	return n > 0, nil
}

// MarkFileProcessed implements Store.
func (s *SQLiteStore) MarkFileProcessed(ctx context.Context, filename string, postsGenerated int, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_files (filename, processed_at, posts_generated) VALUES (?, ?, ?)
		 ON CONFLICT (filename) DO NOTHING`,
		filename, formatTime(at), postsGenerated)
	if err != nil {
		return false, fmt.Errorf("failed to mark file processed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListProcessedFiles implements Store.
func (s *SQLiteStore) ListProcessedFiles(ctx context.Context, limit int) ([]types.ProcessedFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, filename, processed_at, posts_generated FROM processed_files
		 ORDER BY id DESC LIMIT ?`, logLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list processed files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	files := make([]types.ProcessedFile, 0)
	for rows.Next() {
		var f types.ProcessedFile
		var processed string
		if err := rows.Scan(&f.ID, &f.Filename, &processed, &f.PostsGenerated); err != nil {
			return nil, fmt.Errorf("failed to scan processed file: %w", err)
		}
		if f.ProcessedAt, err = parseTime(processed); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// AppendLog implements Store.
func (s *SQLiteStore) AppendLog(ctx context.Context, entry *types.LogEntry) error {
	var data any
	if len(entry.Data) > 0 {
		data = string(entry.Data)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO automation_logs (action, status, message, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		entry.Action, string(entry.Status), entry.Message, data, formatTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read log id: %w", err)
	}
	return nil
}

// ListLogs implements Store.
func (s *SQLiteStore) ListLogs(ctx context.Context, filter LogFilter) ([]types.LogEntry, error) {
	query := `SELECT id, action, status, message, data, created_at FROM automation_logs`
	args := []any{}
	if filter.Action != "" {
		query += ` WHERE instr(action, ?) > 0`
		args = append(args, filter.Action)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, logLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]types.LogEntry, 0)
	for rows.Next() {
		var (
			e       types.LogEntry
			status  string
			data    sql.NullString
			created string
		)
		if err := rows.Scan(&e.ID, &e.Action, &status, &e.Message, &data, &created); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		e.Status = types.LogStatus(status)
		if data.Valid && strings.TrimSpace(data.String) != "" {
			e.Data = json.RawMessage(data.String)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
