// Package buffer submits posts to the Buffer scheduling service.
package buffer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonathan/threads-autopost/internal/config"
)

// Result describes an accepted dispatch.
type Result struct {
	RemoteID    string    `json:"remoteId"`
	ScheduledAt time.Time `json:"scheduledAt"`
	Mock        bool      `json:"mock"`
}

// Scheduler hands a post to the external scheduling service.
type Scheduler interface {
	Schedule(ctx context.Context, text string, scheduledTime time.Time, media []string) (Result, error)
}

// FromConfig returns the HTTP client when Buffer credentials are configured and the
// mock scheduler otherwise.
func FromConfig(cfg *config.Config, logger *slog.Logger) Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.BufferConfigured() {
		logger.Info("buffer credentials not configured, using mock scheduler",
			"event", "scheduler_selected", "component", "buffer", "mode", "mock")
		return NewMockScheduler()
	}

	logger.Info("buffer credentials configured",
		"event", "scheduler_selected", "component", "buffer", "mode", "http")
	return NewClient(Options{
		BaseURL:     cfg.BufferBaseURL,
		AccessToken: cfg.BufferAccessToken,
		ProfileID:   cfg.BufferProfileID,
		Timeout:     cfg.AdapterTimeout.Duration,
		Logger:      logger,
	})
}

// MockScheduler accepts every post and returns a synthesized remote id.
type MockScheduler struct {
	seq atomic.Int64
	// Now is overridable in tests
	Now func() time.Time
}

// NewMockScheduler creates a MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{Now: time.Now}
}

// Schedule implements Scheduler.
func (m *MockScheduler) Schedule(ctx context.Context, _ string, scheduledTime time.Time, _ []string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, &Error{Kind: KindNetwork, Message: "context done", Cause: err}
	}
	n := m.seq.Add(1)
	return Result{
		RemoteID:    fmt.Sprintf("mock_%d_%d", m.Now().UnixMilli(), n),
		ScheduledAt: scheduledTime,
		Mock:        true,
	}, nil
}
