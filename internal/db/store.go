// Package db provides durable storage for posts, the processed-file ledger and the
// automation activity log. SQLite is the default backend; PostgreSQL is used when a
// connection URL is configured.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonathan/threads-autopost/internal/types"
)

var (
	// ErrNotFound is returned when a post does not exist
	ErrNotFound = errors.New("not found")
	// ErrNotPending is returned when a status transition targets a post that is no longer pending
	ErrNotPending = errors.New("post is not pending")
)

// DefaultLogLimit bounds log queries that do not set a limit.
const DefaultLogLimit = 50

// PostFilter narrows ListPosts.
type PostFilter struct {
	// Status keeps only posts in this status when set
	Status types.PostStatus
	// Limit caps the result; zero means no cap
	Limit int
}

// LogFilter narrows ListLogs.
type LogFilter struct {
	// Action keeps entries whose action contains this substring
	Action string
	// Limit caps the result; zero means DefaultLogLimit
	Limit int
}

// Store is the persistence contract shared by the SQLite and PostgreSQL backends.
// Every method is a single statement or a single short transaction; none waits on
// network calls other than the database itself.
type Store interface {
	// SavePosts inserts a batch of posts atomically. Posts without an ID get one.
	SavePosts(ctx context.Context, posts []types.Post) error
	GetPost(ctx context.Context, id string) (*types.Post, error)
	// ListPosts returns posts newest first
	ListPosts(ctx context.Context, filter PostFilter) ([]types.Post, error)
	// UpdatePost applies an operator edit and returns the updated post
	UpdatePost(ctx context.Context, id string, edit types.PostEdit, now time.Time) (*types.Post, error)
	DeletePost(ctx context.Context, id string) error

	// DuePendingPosts returns pending posts with scheduled_time <= before, earliest first
	DuePendingPosts(ctx context.Context, before time.Time, limit int) ([]types.Post, error)
	// MarkScheduled moves a pending post to scheduled; ErrNotPending if it moved already
	MarkScheduled(ctx context.Context, id string, sentAt time.Time, remoteID string) error
	// MarkFailed moves a pending post to failed; ErrNotPending if it moved already
	MarkFailed(ctx context.Context, id string, reason string, at time.Time) error
	CountPending(ctx context.Context) (int, error)
	// NextPendingTime is the earliest scheduled_time among pending posts, nil when none
	NextPendingTime(ctx context.Context) (*time.Time, error)

	IsFileProcessed(ctx context.Context, filename string) (bool, error)
	// MarkFileProcessed records a ledger entry. It reports false when the filename
	// was already recorded, leaving the existing entry untouched.
	MarkFileProcessed(ctx context.Context, filename string, postsGenerated int, at time.Time) (bool, error)
	ListProcessedFiles(ctx context.Context, limit int) ([]types.ProcessedFile, error)

	// AppendLog stores an entry and sets its ID
	AppendLog(ctx context.Context, entry *types.LogEntry) error
	// ListLogs returns entries newest first
	ListLogs(ctx context.Context, filter LogFilter) ([]types.LogEntry, error)

	Close() error
}

func encodeImageURLs(urls []string) ([]byte, error) {
	if urls == nil {
		urls = []string{}
	}
	data, err := json.Marshal(urls)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal image urls: %w", err)
	}
	return data, nil
}

func decodeImageURLs(data []byte) ([]string, error) {
	urls := []string{}
	if len(data) == 0 {
		return urls, nil
	}
	if err := json.Unmarshal(data, &urls); err != nil {
		return nil, fmt.Errorf("failed to unmarshal image urls: %w", err)
	}
	if urls == nil {
		urls = []string{}
	}
	return urls, nil
}

// applyEdit mutates post according to edit. It never touches the ID or CreatedAt.
func applyEdit(post *types.Post, edit types.PostEdit, now time.Time) {
	if edit.Text != nil {
		post.Text = *edit.Text
	}
	if edit.ImageURLs != nil {
		post.ImageURLs = append([]string{}, edit.ImageURLs...)
	}
	if edit.Genre != nil {
		post.Genre = *edit.Genre
	}
	if edit.ScheduledTime != nil {
		post.ScheduledTime = *edit.ScheduledTime
	}
	if edit.Requeue {
		post.Status = types.StatusPending
		post.BufferSentTime = nil
		post.RemoteID = ""
		post.LastError = ""
	}
	post.UpdatedAt = now
}

func logLimit(limit int) int {
	if limit <= 0 {
		return DefaultLogLimit
	}
	return limit
}

// Open connects to PostgreSQL when databaseURL is set and opens the SQLite file at
// databasePath otherwise.
func Open(ctx context.Context, databaseURL, databasePath string) (Store, error) {
	if databaseURL != "" {
		return Connect(ctx, databaseURL)
	}
	if databasePath == "" {
		return nil, errors.New("no database configured")
	}
	return OpenSQLite(ctx, databasePath)
}
