package collection

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonathan/threads-autopost/internal/activity"
	"github.com/jonathan/threads-autopost/internal/csvimport"
	"github.com/jonathan/threads-autopost/internal/types"
)

// Recorder receives the time of each completed collection run and the next planned one.
type Recorder interface {
	RecordCollection(last, next time.Time)
}

// Options configures a Trigger.
type Options struct {
	// WatchDir receives the generated CSV files
	WatchDir string
	// Interval spaces scheduled runs
	Interval time.Duration
	// Targets replaces DefaultTargets when set
	Targets []types.CollectionTarget
	// Concurrency bounds targets collected at once (default 3)
	Concurrency int
	// TargetTimeout bounds each Source call; zero means no bound
	TargetTimeout time.Duration
	Recorder      Recorder
	Activity      *activity.Logger
	Logger        *slog.Logger
	// Now is overridable in tests
	Now func() time.Time
}

// TargetResult is the outcome for one target.
type TargetResult struct {
	Source    string `json:"source"`
	Collected int    `json:"collected"`
	File      string `json:"file,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Result summarizes one collection run.
type Result struct {
	TotalCollected int            `json:"totalCollected"`
	Targets        []TargetResult `json:"targets"`
	NextRunAt      time.Time      `json:"nextRunAt"`
}

// Trigger runs collection over a set of targets.
type Trigger struct {
	source Source
	opts   Options
	logger *slog.Logger

	nameMu sync.Mutex
	names  map[string]struct{}
}

// New creates a Trigger.
func New(source Source, opts Options) *Trigger {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.Interval <= 0 {
		opts.Interval = 8 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{
		source: source,
		opts:   opts,
		logger: logger.With("component", "collection"),
		names:  make(map[string]struct{}),
	}
}

// Targets returns the targets used when Collect is called without any.
func (t *Trigger) Targets() []types.CollectionTarget {
	if len(t.opts.Targets) > 0 {
		return t.opts.Targets
	}
	return DefaultTargets()
}

// Collect gathers every target and writes one CSV per non-empty target into the
// watch folder. A failing target is logged and does not affect the others.
func (t *Trigger) Collect(ctx context.Context, targets []types.CollectionTarget) (Result, error) {
	if len(targets) == 0 {
		targets = t.Targets()
	}
	if err := os.MkdirAll(t.opts.WatchDir, 0755); err != nil {
		return Result{}, fmt.Errorf("failed to create watch folder: %w", err)
	}

	t.opts.Activity.Record(ctx, types.ActionScrapingStarted, types.LogInfo,
		fmt.Sprintf("Collection started for %d targets", len(targets)), nil)

	results := make([]TargetResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.opts.Concurrency)
	for i, target := range targets {
		g.Go(func() error {
			results[i] = t.collectTarget(gctx, target)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return Result{Targets: results}, err
	}

	res := Result{Targets: results}
	for _, r := range results {
		res.TotalCollected += r.Collected
	}

	now := t.opts.Now()
	res.NextRunAt = now.Add(t.opts.Interval)
	if t.opts.Recorder != nil {
		t.opts.Recorder.RecordCollection(now, res.NextRunAt)
	}

	t.opts.Activity.Record(ctx, types.ActionScrapingCompleted, types.LogSuccess,
		fmt.Sprintf("Collected %d total posts", res.TotalCollected),
		map[string]any{"totalCollected": res.TotalCollected, "targets": len(targets), "nextRunAt": res.NextRunAt})
	return res, nil
}

func (t *Trigger) collectTarget(ctx context.Context, target types.CollectionTarget) TargetResult {
	res := TargetResult{Source: target.Source}

	if t.opts.TargetTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.TargetTimeout)
		defer cancel()
	}

	records, err := t.source.Collect(ctx, target)
	if err == nil && len(records) > 0 {
		res.File, err = t.writeFile(target.Source, records)
	}
	if err != nil {
		res.Error = err.Error()
		t.opts.Activity.Record(ctx, types.ActionScrapingError, types.LogError,
			fmt.Sprintf("Failed to collect %s: %v", target.Source, err),
			map[string]any{"source": target.Source, "error": err.Error()})
		return res
	}

	res.Collected = len(records)
	t.logger.Info("target collected", "event", "target_collected",
		"source", target.Source, "collected", res.Collected, "file", res.File)
	return res
}

// writeFile stores records as auto_scraped_<source>_<unixmillis>.csv. The content is
// written under a hidden name first so a watcher never reads a partial file.
func (t *Trigger) writeFile(source string, records []types.CollectedRecord) (string, error) {
	candidates := make([]types.CandidateRecord, len(records))
	for i, r := range records {
		candidates[i] = r.CandidateRecord
	}

	name := t.reserveName(source)
	path := filepath.Join(t.opts.WatchDir, name)
	tmp := filepath.Join(t.opts.WatchDir, "."+name+".tmp")

	if err := os.WriteFile(tmp, []byte(csvimport.Format(candidates)), 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to publish %s: %w", name, err)
	}
	return path, nil
}

// reserveName picks an unused filename for source, suffixing a counter when two
// runs land on the same millisecond.
func (t *Trigger) reserveName(source string) string {
	t.nameMu.Lock()
	defer t.nameMu.Unlock()

	stem := fmt.Sprintf("auto_scraped_%s_%d", fileSafe(source), t.opts.Now().UnixMilli())
	name := stem + ".csv"
	for n := 1; ; n++ {
		_, taken := t.names[name]
		if !taken {
			if _, err := os.Stat(filepath.Join(t.opts.WatchDir, name)); os.IsNotExist(err) {
				break
			}
		}
		name = fmt.Sprintf("%s_%d.csv", stem, n)
	}
	t.names[name] = struct{}{}
	return name
}

func fileSafe(source string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return -1
	}, source)
	if safe == "" {
		return "source"
	}
	return safe
}
