package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jonathan/threads-autopost/internal/types"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		image_urls JSONB NOT NULL DEFAULT '[]',
		genre TEXT NOT NULL DEFAULT 'general',
		scheduled_time TIMESTAMPTZ NOT NULL,
		buffer_sent_time TIMESTAMPTZ,
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'scheduled', 'failed')),
		concept_source TEXT NOT NULL DEFAULT '',
		reference_post TEXT NOT NULL DEFAULT '',
		remote_id TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_posts_status_scheduled ON posts (status, scheduled_time)`,
	`CREATE TABLE IF NOT EXISTS automation_logs (
		id BIGSERIAL PRIMARY KEY,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		data JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS processed_files (
		id BIGSERIAL PRIMARY KEY,
		filename TEXT NOT NULL UNIQUE,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		posts_generated INTEGER NOT NULL DEFAULT 0
	)`,
}

const pgPostColumns = `id, text, image_urls, genre, scheduled_time, buffer_sent_time, status,
	concept_source, reference_post, remote_id, last_error, created_at, updated_at`

// PostgresStore implements Store on a PostgreSQL connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect establishes a connection pool to the database and applies the schema.
func Connect(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, q := range postgresSchema {
		if _, err := pool.Exec(ctx, q); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to init schema: %w", err)
		}
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool
func (db *PostgresStore) Close() error {
	if db.pool != nil {
		db.pool.Close()
	}
	return nil
}

func scanPgPost(row pgx.Row) (*types.Post, error) {
	var (
		post      types.Post
		imageURLs []byte
		status    string
		sent      *time.Time
	)
	err := row.Scan(&post.ID, &post.Text, &imageURLs, &post.Genre, &post.ScheduledTime, &sent, &status,
		&post.ConceptSource, &post.ReferencePost, &post.RemoteID, &post.LastError, &post.CreatedAt, &post.UpdatedAt)
	if err != nil {
		return nil, err
	}

	post.Status = types.PostStatus(status)
	post.BufferSentTime = sent
	if post.ImageURLs, err = decodeImageURLs(imageURLs); err != nil {
		return nil, err
	}
	return &post, nil
}

func (db *PostgresStore) queryPosts(ctx context.Context, query string, args ...any) ([]types.Post, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	posts := make([]types.Post, 0)
	for rows.Next() {
		post, err := scanPgPost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		posts = append(posts, *post)
	}
	return posts, rows.Err()
}

// SavePosts implements Store.
func (db *PostgresStore) SavePosts(ctx context.Context, posts []types.Post) error {
	if len(posts) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
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
		batch.Queue(`INSERT INTO posts (`+pgPostColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			p.ID, p.Text, imageURLs, p.Genre, p.ScheduledTime, p.BufferSentTime, string(p.Status),
			p.ConceptSource, p.ReferencePost, p.RemoteID, p.LastError, p.CreatedAt, p.UpdatedAt)
	}

	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("failed to save posts: %w", err)
	}
	return nil
}

// GetPost implements Store.
func (db *PostgresStore) GetPost(ctx context.Context, id string) (*types.Post, error) {
	post, err := scanPgPost(db.pool.QueryRow(ctx, `SELECT `+pgPostColumns+` FROM posts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get post: %w", err)
	}
	return post, nil
}

// ListPosts implements Store.
func (db *PostgresStore) ListPosts(ctx context.Context, filter PostFilter) ([]types.Post, error) {
	query := `SELECT ` + pgPostColumns + ` FROM posts`
	args := []any{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` WHERE status = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC, scheduled_time ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	posts, err := db.queryPosts(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list posts: %w", err)
	}
	return posts, nil
}

// UpdatePost implements Store.
func (db *PostgresStore) UpdatePost(ctx context.Context, id string, edit types.PostEdit, now time.Time) (*types.Post, error) {
	var updated *types.Post
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		post, err := scanPgPost(tx.QueryRow(ctx,
			`SELECT `+pgPostColumns+` FROM posts WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load post: %w", err)
		}

		applyEdit(post, edit, now)

		imageURLs, err := encodeImageURLs(post.ImageURLs)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE posts SET text = $1, image_urls = $2, genre = $3, scheduled_time = $4, buffer_sent_time = $5,
			 status = $6, remote_id = $7, last_error = $8, updated_at = $9 WHERE id = $10`,
			post.Text, imageURLs, post.Genre, post.ScheduledTime, post.BufferSentTime,
			string(post.Status), post.RemoteID, post.LastError, post.UpdatedAt, id)
		if err != nil {
			return fmt.Errorf("failed to update post: %w", err)
		}
		updated = post
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeletePost implements Store.
func (db *PostgresStore) DeletePost(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM posts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DuePendingPosts implements Store.
func (db *PostgresStore) DuePendingPosts(ctx context.Context, before time.Time, limit int) ([]types.Post, error) {
	posts, err := db.queryPosts(ctx,
		`SELECT `+pgPostColumns+` FROM posts
		 WHERE status = 'pending' AND scheduled_time <= $1
		 ORDER BY scheduled_time ASC LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due posts: %w", err)
	}
	return posts, nil
}

// MarkScheduled implements Store.
func (db *PostgresStore) MarkScheduled(ctx context.Context, id string, sentAt time.Time, remoteID string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE posts SET status = 'scheduled', buffer_sent_time = $1, remote_id = $2, last_error = '', updated_at = $1
		 WHERE id = $3 AND status = 'pending'`,
		sentAt, remoteID, id)
	if err != nil {
		return fmt.Errorf("failed to mark post scheduled: %w", err)
	}
	return db.checkTransition(ctx, tag, id)
}

// MarkFailed implements Store.
func (db *PostgresStore) MarkFailed(ctx context.Context, id string, reason string, at time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE posts SET status = 'failed', last_error = $1, updated_at = $2
		 WHERE id = $3 AND status = 'pending'`,
		reason, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark post failed: %w", err)
	}
	return db.checkTransition(ctx, tag, id)
}

func (db *PostgresStore) checkTransition(ctx context.Context, tag pgconn.CommandTag, id string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM posts WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check post: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrNotPending
}

// CountPending implements Store.
func (db *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM posts WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending posts: %w", err)
	}
	return n, nil
}

// NextPendingTime implements Store.
func (db *PostgresStore) NextPendingTime(ctx context.Context) (*time.Time, error) {
	var next *time.Time
	err := db.pool.QueryRow(ctx, `SELECT MIN(scheduled_time) FROM posts WHERE status = 'pending'`).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("failed to query next pending time: %w", err)
	}
	return next, nil
}

// IsFileProcessed implements Store.
func (db *PostgresStore) IsFileProcessed(ctx context.Context, filename string) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM processed_files WHERE filename = $1)`, filename).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed file: %w", err)
	}
	return exists, nil
}

// MarkFileProcessed implements Store.
func (db *PostgresStore) MarkFileProcessed(ctx context.Context, filename string, postsGenerated int, at time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO processed_files (filename, processed_at, posts_generated) VALUES ($1, $2, $3)
		 ON CONFLICT (filename) DO NOTHING`,
		filename, at, postsGenerated)
	if err != nil {
		return false, fmt.Errorf("failed to mark file processed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListProcessedFiles implements Store.
func (db *PostgresStore) ListProcessedFiles(ctx context.Context, limit int) ([]types.ProcessedFile, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, filename, processed_at, posts_generated FROM processed_files
		 ORDER BY id DESC LIMIT $1`, logLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list processed files: %w", err)
	}
	defer rows.Close()

	files := make([]types.ProcessedFile, 0)
	for rows.Next() {
		var f types.ProcessedFile
		if err := rows.Scan(&f.ID, &f.Filename, &f.ProcessedAt, &f.PostsGenerated); err != nil {
			return nil, fmt.Errorf("failed to scan processed file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// AppendLog implements Store.
func (db *PostgresStore) AppendLog(ctx context.Context, entry *types.LogEntry) error {
	var data []byte
	if len(entry.Data) > 0 {
		data = entry.Data
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO automation_logs (action, status, message, data, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		entry.Action, string(entry.Status), entry.Message, data, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// ListLogs implements Store.
func (db *PostgresStore) ListLogs(ctx context.Context, filter LogFilter) ([]types.LogEntry, error) {
	query := `SELECT id, action, status, message, data, created_at FROM automation_logs`
	args := []any{}
	if filter.Action != "" {
		args = append(args, filter.Action)
		query += fmt.Sprintf(` WHERE strpos(action, $%d) > 0`, len(args))
	}
	args = append(args, logLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY id DESC LIMIT $%d`, len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	entries := make([]types.LogEntry, 0)
	for rows.Next() {
		var (
			e      types.LogEntry
			status string
			data   []byte
		)
		if err := rows.Scan(&e.ID, &e.Action, &status, &e.Message, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log: %w", err)
		}
		e.Status = types.LogStatus(status)
		if len(data) > 0 {
			e.Data = data
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
