// Package activity records automation activity: each entry is appended to the store's
// audit log, written to the structured logger and pushed to live subscribers.
package activity

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jonathan/threads-autopost/internal/types"
)

// Appender is the slice of the store the activity log needs.
type Appender interface {
	AppendLog(ctx context.Context, entry *types.LogEntry) error
}

// Logger fans an activity entry out to the store, slog and the hub.
// A nil *Logger discards everything.
type Logger struct {
	store  Appender
	hub    *Hub
	logger *slog.Logger
	// Now is overridable in tests
	Now func() time.Time
}

// New creates an activity Logger. hub may be nil.
func New(store Appender, hub *Hub, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{store: store, hub: hub, logger: logger, Now: time.Now}
}

// Record appends an entry. data is marshaled to JSON when non-nil. Storage failures
// are logged, not returned: an audit write must never abort the operation it describes.
func (l *Logger) Record(ctx context.Context, action string, status types.LogStatus, message string, data any) types.LogEntry {
	if l == nil {
		return types.LogEntry{}
	}

	entry := types.LogEntry{
		Action:    action,
		Status:    status,
		Message:   message,
		CreatedAt: l.Now(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			l.logger.Warn("activity data not serializable",
				"event", "activity_data_invalid", "component", "activity", "action", action, "error", err)
		} else {
			entry.Data = raw
		}
	}

	if l.store != nil {
		// Detached so that a cancelled caller still leaves its audit trail
		if err := l.store.AppendLog(context.WithoutCancel(ctx), &entry); err != nil {
			l.logger.Error("failed to append activity log",
				"event", "activity_append_failed", "component", "activity", "action", action, "error", err)
		}
	}

	level := slog.LevelInfo
	if status == types.LogError {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, message, "event", action, "component", "activity", "status", string(status))

	l.hub.Publish(entry)
	return entry
}
