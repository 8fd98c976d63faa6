// Package scheduling dispatches due pending posts to the scheduling service.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonathan/threads-autopost/internal/activity"
	"github.com/jonathan/threads-autopost/internal/buffer"
	"github.com/jonathan/threads-autopost/internal/db"
	"github.com/jonathan/threads-autopost/internal/types"
)

// Gates that turn a tick into a no-op, in evaluation order.
const (
	GateStopped      = "stopped"
	GateOutsideHours = "outside_hours"
	GateQuota        = "quota_reached"
)

// Counters is the runtime state the loop reads and updates.
type Counters interface {
	IsRunning() bool
	TodayPosts() int
	// RecordDispatch counts one successful dispatch
	RecordDispatch(at time.Time)
	SetNextScheduled(next *time.Time)
}

// Options configures a Loop.
type Options struct {
	// StartHour is the first hour posts may be dispatched (inclusive)
	StartHour int
	// EndHour is the hour dispatching stops (exclusive)
	EndHour    int
	DailyLimit int
	// BatchSize caps dispatches per tick
	BatchSize int
	// Lookahead widens the due window past now
	Lookahead time.Duration
	Location  *time.Location
	Activity  *activity.Logger
	Logger    *slog.Logger
	// Now is overridable in tests
	Now func() time.Time
}

// TickResult summarizes one tick.
type TickResult struct {
	// Gate names the gate that stopped the tick; empty when the tick ran
	Gate          string     `json:"gate,omitempty"`
	Considered    int        `json:"considered"`
	Dispatched    int        `json:"dispatched"`
	Failed        int        `json:"failed"`
	NextScheduled *time.Time `json:"nextScheduled,omitempty"`
}

// DispatchError reports a post the scheduling service refused. The post is now failed.
type DispatchError struct {
	PostID string
	Cause  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch post %s: %v", e.PostID, e.Cause)
}

func (e *DispatchError) Unwrap() error {
	return e.Cause
}

// Loop runs scheduling ticks. Ticks and manual dispatches are serialized.
type Loop struct {
	store     db.Store
	scheduler buffer.Scheduler
	state     Counters
	opts      Options
	logger    *slog.Logger
	mu        sync.Mutex
}

// New creates a Loop.
func New(store db.Store, scheduler buffer.Scheduler, state Counters, opts Options) *Loop {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		store:     store,
		scheduler: scheduler,
		state:     state,
		opts:      opts,
		logger:    logger.With("component", "scheduling"),
	}
}

// Tick dispatches due posts when every gate passes.
func (l *Loop) Tick(ctx context.Context) (TickResult, error) {
	return l.tick(ctx, false)
}

// ForceTick is Tick without the running gate. Hour and quota gates still apply.
func (l *Loop) ForceTick(ctx context.Context) (TickResult, error) {
	return l.tick(ctx, true)
}

func (l *Loop) tick(ctx context.Context, ignoreRunning bool) (TickResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.opts.Now()
	if gate := l.closedGate(now, ignoreRunning); gate != "" {
		l.logger.Debug("tick skipped", "event", "tick_skipped", "gate", gate)
		return TickResult{Gate: gate}, nil
	}

	limit := min(l.opts.BatchSize, l.opts.DailyLimit-l.state.TodayPosts())
	due, err := l.store.DuePendingPosts(ctx, now.Add(l.opts.Lookahead), limit)
	if err != nil {
		return TickResult{}, fmt.Errorf("load due posts: %w", err)
	}

	res := TickResult{Considered: len(due)}
	for _, post := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := l.dispatch(ctx, post); err != nil {
			res.Failed++
			continue
		}
		res.Dispatched++
	}

	next, err := l.RefreshNextScheduled(ctx)
	if err != nil {
		return res, err
	}
	res.NextScheduled = next

	if len(due) > 0 {
		l.logger.Info("tick complete", "event", "tick_complete",
			"dispatched", res.Dispatched, "failed", res.Failed)
	}
	return res, nil
}

// closedGate returns the first gate that blocks a tick at now, or "".
func (l *Loop) closedGate(now time.Time, ignoreRunning bool) string {
	if !ignoreRunning && !l.state.IsRunning() {
		return GateStopped
	}
	if !l.InPostingHours(now) {
		return GateOutsideHours
	}
	if l.state.TodayPosts() >= l.opts.DailyLimit {
		return GateQuota
	}
	return ""
}

// InPostingHours reports whether now falls in [StartHour, EndHour) in the configured zone.
func (l *Loop) InPostingHours(now time.Time) bool {
	hour := now.In(l.opts.Location).Hour()
	return hour >= l.opts.StartHour && hour < l.opts.EndHour
}

// Dispatch sends one pending post now, bypassing the gates. It still counts
// toward the daily total.
func (l *Loop) Dispatch(ctx context.Context, id string) (*types.Post, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	post, err := l.store.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	if post.Status != types.StatusPending {
		return post, db.ErrNotPending
	}

	dispatchErr := l.dispatch(ctx, *post)
	if _, err := l.RefreshNextScheduled(ctx); err != nil {
		l.logger.Warn("failed to refresh next scheduled time", "event", "next_scheduled_failed", "error", err)
	}

	updated, err := l.store.GetPost(ctx, id)
	if err != nil {
		return nil, errors.Join(dispatchErr, err)
	}
	return updated, dispatchErr
}

// dispatch hands one post to the scheduling service and records the outcome.
func (l *Loop) dispatch(ctx context.Context, post types.Post) error {
	res, err := l.scheduler.Schedule(ctx, post.Text, post.ScheduledTime, post.ImageURLs)
	now := l.opts.Now()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Not the service's verdict; leave the post pending
			return ctxErr
		}
		if markErr := l.store.MarkFailed(ctx, post.ID, err.Error(), now); markErr != nil {
			l.logger.Error("failed to mark post failed", "event", "post_mark_failed_failed",
				"post_id", post.ID, "error", markErr)
		}
		data := map[string]any{"postId": post.ID, "error": err.Error()}
		var bufErr *buffer.Error
		if errors.As(err, &bufErr) {
			data["kind"] = string(bufErr.Kind)
		}
		l.opts.Activity.Record(ctx, types.ActionPostScheduled, types.LogError,
			fmt.Sprintf("Failed to schedule post %s: %v", post.ID, err), data)
		return &DispatchError{PostID: post.ID, Cause: err}
	}

	if err := l.store.MarkScheduled(ctx, post.ID, now, res.RemoteID); err != nil {
		// The service accepted it but the post changed underneath us
		l.logger.Error("failed to mark post scheduled", "event", "post_mark_scheduled_failed",
			"post_id", post.ID, "remote_id", res.RemoteID, "error", err)
		return fmt.Errorf("mark post %s scheduled: %w", post.ID, err)
	}
	l.state.RecordDispatch(now)

	l.opts.Activity.Record(ctx, types.ActionPostScheduled, types.LogSuccess,
		fmt.Sprintf("Post scheduled: %s", post.ID),
		map[string]any{
			"postId":        post.ID,
			"remoteId":      res.RemoteID,
			"scheduledTime": post.ScheduledTime,
			"mock":          res.Mock,
		})
	return nil
}

// RefreshNextScheduled recomputes the earliest pending scheduled time and stores it in the state.
func (l *Loop) RefreshNextScheduled(ctx context.Context) (*time.Time, error) {
	next, err := l.store.NextPendingTime(ctx)
	if err != nil {
		return nil, fmt.Errorf("load next scheduled time: %w", err)
	}
	l.state.SetNextScheduled(next)
	return next, nil
}
