package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jonathan/threads-autopost/internal/activity"
	"github.com/jonathan/threads-autopost/internal/collection"
	"github.com/jonathan/threads-autopost/internal/db"
	"github.com/jonathan/threads-autopost/internal/ingestion"
	"github.com/jonathan/threads-autopost/internal/scheduling"
	"github.com/jonathan/threads-autopost/internal/types"
)

var (
	// ErrAlreadyRunning is returned by Start when automation is running
	ErrAlreadyRunning = errors.New("automation is already running")
	// ErrNotRunning is returned by Stop when automation is stopped
	ErrNotRunning = errors.New("automation is not running")
)

// dailyResetSpec fires at midnight in the configured zone.
const dailyResetSpec = "0 0 * * *"

// Options configures a Controller.
type Options struct {
	Store    db.Store
	Pipeline *ingestion.Pipeline
	Loop     *scheduling.Loop
	Trigger  *collection.Trigger
	State    *State
	Activity *activity.Logger

	ScheduleTick     time.Duration
	ScrapingInterval time.Duration
	ScrapingEnabled  bool
	WatchStability   time.Duration
	Location         *time.Location

	Logger *slog.Logger
	// Now is overridable in tests
	Now func() time.Time
}

// StartError reports a failed start. Work done before the failing step, such as
// ingested backlog files, is kept.
type StartError struct {
	Step  string
	Cause error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("automation start failed at %s: %v", e.Step, e.Cause)
}

func (e *StartError) Unwrap() error {
	return e.Cause
}

// Controller switches automation between stopped and running.
type Controller struct {
	opts   Options
	state  *State
	logger *slog.Logger

	// base outlives Start/Stop so in-flight work survives a stop
	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	watcher *Watcher
	ticks   *cron.Cron
	clock   *cron.Cron
}

// New creates a stopped Controller.
func New(opts Options) *Controller {
	if opts.State == nil {
		opts.State = NewState()
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.ScheduleTick <= 0 {
		opts.ScheduleTick = 5 * time.Minute
	}
	if opts.ScrapingInterval <= 0 {
		opts.ScrapingInterval = 8 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Controller{
		opts:   opts,
		state:  opts.State,
		logger: logger.With("component", "automation"),
		base:   base,
		cancel: cancel,
	}
}

// State returns the shared runtime state.
func (c *Controller) State() *State {
	return c.state
}

func (c *Controller) newCron() *cron.Cron {
	return cron.New(
		cron.WithLocation(c.opts.Location),
		cron.WithLogger(cronLogger{c.logger}),
		cron.WithChain(cron.Recover(cronLogger{c.logger}), cron.SkipIfStillRunning(cronLogger{c.logger})),
	)
}

// Start moves automation to running. It prepares the watch folder, starts watching,
// ingests files already there, starts the periodic ticks and runs one scheduling
// tick immediately.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.IsRunning() {
		return ErrAlreadyRunning
	}

	if err := c.start(ctx); err != nil {
		c.teardown()
		c.opts.Activity.Record(ctx, types.ActionAutomationFailed, types.LogError, err.Error(), nil)
		return err
	}

	c.state.setRunning(true)
	c.opts.Activity.Record(ctx, types.ActionAutomationStarted, types.LogSuccess, "Automation started",
		map[string]any{"watchDir": c.opts.Pipeline.WatchDir(), "scrapingEnabled": c.opts.ScrapingEnabled})

	if _, err := c.opts.Loop.Tick(ctx); err != nil {
		c.logger.Warn("initial scheduling tick failed", "event", "initial_tick_failed", "error", err)
	}
	return nil
}

func (c *Controller) start(ctx context.Context) error {
	if err := c.opts.Pipeline.EnsureDirs(); err != nil {
		return &StartError{Step: "directories", Cause: err}
	}

	// Watch before draining so a file arriving mid-drain is not missed. A file seen
	// by both is ingested once per the ledger.
	watcher, err := StartWatcher(c.base, c.opts.Pipeline.WatchDir(), c.opts.WatchStability, c.ingestFile, c.logger)
	if err != nil {
		return &StartError{Step: "watch", Cause: err}
	}
	c.watcher = watcher

	results, err := c.opts.Pipeline.Drain(ctx)
	if err != nil {
		return &StartError{Step: "backlog", Cause: err}
	}
	if len(results) > 0 {
		c.logger.Info("backlog drained", "event", "backlog_drained", "files", len(results))
	}

	c.ticks = c.newCron()
	c.ticks.Schedule(cron.Every(c.opts.ScheduleTick), cron.FuncJob(c.scheduleTick))
	if c.opts.ScrapingEnabled {
		c.ticks.Schedule(cron.Every(c.opts.ScrapingInterval), cron.FuncJob(c.collectTick))
		next := c.opts.Now().Add(c.opts.ScrapingInterval)
		c.state.SetNextScraping(&next)
	}
	c.ticks.Start()

	if err := c.refreshQueue(ctx); err != nil {
		return &StartError{Step: "queue", Cause: err}
	}
	return nil
}

// Stop moves automation to stopped. Work already in flight is not waited for.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.IsRunning() {
		return ErrNotRunning
	}
	c.teardown()
	c.state.setRunning(false)
	c.state.SetNextScraping(nil)

	c.opts.Activity.Record(ctx, types.ActionAutomationStopped, types.LogSuccess, "Automation stopped", nil)
	return nil
}

// teardown cancels the watcher and periodic ticks and returns a function that
// waits for their in-flight work. Callers hold c.mu.
func (c *Controller) teardown() (wait func()) {
	var waits []func()
	if c.watcher != nil {
		if err := c.watcher.Close(); err != nil {
			c.logger.Warn("failed to close watcher", "event", "watch_close_failed", "error", err)
		}
		waits = append(waits, c.watcher.Wait)
		c.watcher = nil
	}
	if c.ticks != nil {
		done := c.ticks.Stop()
		waits = append(waits, func() { <-done.Done() })
		c.ticks = nil
	}
	return func() {
		for _, w := range waits {
			w()
		}
	}
}

// Status returns the runtime state with queue figures recomputed from the store.
func (c *Controller) Status(ctx context.Context) (types.AutomationStatus, error) {
	if err := c.refreshQueue(ctx); err != nil {
		return c.state.Snapshot(), err
	}
	return c.state.Snapshot(), nil
}

func (c *Controller) refreshQueue(ctx context.Context) error {
	queued, err := c.opts.Store.CountPending(ctx)
	if err != nil {
		return fmt.Errorf("count pending posts: %w", err)
	}
	c.state.SetQueued(queued)

	if _, err := c.opts.Loop.RefreshNextScheduled(ctx); err != nil {
		return err
	}
	return nil
}

// StartDailyReset zeroes the daily post counter every midnight in the configured
// zone, whether or not automation is running. Calling it again has no effect.
func (c *Controller) StartDailyReset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.clock != nil {
		return nil
	}
	clock := c.newCron()
	if _, err := clock.AddFunc(dailyResetSpec, c.resetDaily); err != nil {
		return fmt.Errorf("failed to schedule daily reset: %w", err)
	}
	clock.Start()
	c.clock = clock
	return nil
}

func (c *Controller) resetDaily() {
	before := c.state.TodayPosts()
	c.state.ResetDaily()
	c.opts.Activity.Record(c.base, types.ActionDailyReset, types.LogInfo, "Daily post counter reset",
		map[string]any{"previous": before})
}

// Close stops everything, including the daily reset, cancels in-flight work and
// waits for it to return.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancel()
	wait := c.teardown()
	c.state.setRunning(false)
	if c.clock != nil {
		<-c.clock.Stop().Done()
		c.clock = nil
	}
	wait()
	return nil
}

func (c *Controller) ingestFile(ctx context.Context, path string) {
	res, err := c.opts.Pipeline.Ingest(ctx, path)
	if err != nil {
		c.logger.Warn("watched file failed", "event", "watch_ingest_failed",
			"filename", filepath.Base(path), "error", err)
		return
	}
	if !res.Skipped {
		c.state.SetQueued(c.countPending(ctx))
		if _, err := c.opts.Loop.RefreshNextScheduled(ctx); err != nil {
			c.logger.Warn("failed to refresh next scheduled time", "event", "next_scheduled_failed", "error", err)
		}
	}
}

func (c *Controller) countPending(ctx context.Context) int {
	n, err := c.opts.Store.CountPending(ctx)
	if err != nil {
		c.logger.Warn("failed to count pending posts", "event", "count_pending_failed", "error", err)
		return c.state.Snapshot().QueuedPosts
	}
	return n
}

func (c *Controller) scheduleTick() {
	if _, err := c.opts.Loop.Tick(c.base); err != nil {
		c.logger.Error("scheduling tick failed", "event", "tick_failed", "error", err)
	}
}

func (c *Controller) collectTick() {
	if !c.state.IsRunning() || !c.opts.ScrapingEnabled {
		return
	}
	if _, err := c.opts.Trigger.Collect(c.base, nil); err != nil {
		c.logger.Error("collection run failed", "event", "collection_failed", "error", err)
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
