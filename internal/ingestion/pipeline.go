// Package ingestion turns CSV files dropped into the watch folder into pending posts.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/jonathan/threads-autopost/internal/activity"
	"github.com/jonathan/threads-autopost/internal/csvimport"
	"github.com/jonathan/threads-autopost/internal/db"
	"github.com/jonathan/threads-autopost/internal/generation"
	"github.com/jonathan/threads-autopost/internal/types"
)

// Subdirectories of the watch folder.
const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// archiveStampLayout prefixes archived filenames.
const archiveStampLayout = "20060102T150405.000"

// Recorder receives the time of each successful ingestion.
type Recorder interface {
	RecordIngestion(at time.Time)
}

// Options configures a Pipeline.
type Options struct {
	// WatchDir is the folder CSV files arrive in; archives live beneath it
	WatchDir string
	// TopN truncates the ranked candidates (csvimport.DefaultTopN when zero)
	TopN int
	// PostInterval spaces staggered scheduled times
	PostInterval time.Duration
	// Location stamps archived filenames (UTC when nil)
	Location *time.Location
	Recorder Recorder
	Activity *activity.Logger
	Logger   *slog.Logger
	// Now is overridable in tests
	Now func() time.Time
}

// Result summarizes one ingestion.
type Result struct {
	Filename string `json:"filename"`
	// Skipped is set when the ledger already lists the file or the file has gone
	Skipped    bool `json:"skipped"`
	Candidates int  `json:"candidates"`
	// PostsGenerated counts successful generations
	PostsGenerated int `json:"postsGenerated"`
	// SavedCount counts posts persisted to the store
	SavedCount int `json:"savedCount"`
	// Failures counts records whose generation failed
	Failures   int    `json:"failures"`
	ArchivedTo string `json:"archivedTo,omitempty"`
}

// FileError is a file-level failure: the file could not be read or has no usable header.
// The file is moved to the failed folder.
type FileError struct {
	Filename string
	MovedTo  string
	Cause    error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("ingest %s: %v", e.Filename, e.Cause)
}

func (e *FileError) Unwrap() error {
	return e.Cause
}

// Pipeline ingests CSV files. It is safe for concurrent use; concurrent calls for
// the same filename share one run.
type Pipeline struct {
	store     db.Store
	generator generation.Generator
	opts      Options
	logger    *slog.Logger
	group     singleflight.Group
}

// New creates a Pipeline.
func New(store db.Store, generator generation.Generator, opts Options) *Pipeline {
	if opts.TopN <= 0 {
		opts.TopN = csvimport.DefaultTopN
	}
	if opts.PostInterval <= 0 {
		opts.PostInterval = time.Hour
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
	return &Pipeline{
		store:     store,
		generator: generator,
		opts:      opts,
		logger:    logger.With("component", "ingestion"),
	}
}

// WatchDir returns the watched folder.
func (p *Pipeline) WatchDir() string {
	return p.opts.WatchDir
}

// EnsureDirs creates the watch folder and its archive subfolders.
func (p *Pipeline) EnsureDirs() error {
	for _, dir := range []string{
		p.opts.WatchDir,
		filepath.Join(p.opts.WatchDir, ProcessedDir),
		filepath.Join(p.opts.WatchDir, FailedDir),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Ingest processes one CSV file as a csv_import batch.
func (p *Pipeline) Ingest(ctx context.Context, path string) (Result, error) {
	return p.IngestAs(ctx, path, types.SourceCSVImport)
}

// IngestAs processes one CSV file, tagging created posts with conceptSource.
func (p *Pipeline) IngestAs(ctx context.Context, path, conceptSource string) (Result, error) {
	filename := filepath.Base(path)
	v, err, _ := p.group.Do(filename, func() (any, error) {
		return p.ingest(ctx, path, filename, conceptSource)
	})
	res, _ := v.(Result)
	return res, err
}

func (p *Pipeline) ingest(ctx context.Context, path, filename, conceptSource string) (Result, error) {
	res := Result{Filename: filename}

	processed, err := p.store.IsFileProcessed(ctx, filename)
	if err != nil {
		return res, fmt.Errorf("ledger lookup for %s: %w", filename, err)
	}
	if processed {
		p.logger.Debug("file already processed", "event", "ingest_skipped", "filename", filename)
		res.Skipped = true
		return res, nil
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		// Another trigger archived it first
		res.Skipped = true
		return res, nil
	}
	if err != nil {
		return res, p.fail(ctx, path, filename, err)
	}

	candidates, err := csvimport.Normalize(string(content), p.opts.TopN)
	if err != nil {
		return res, p.fail(ctx, path, filename, err)
	}
	res.Candidates = len(candidates)

	if len(candidates) == 0 {
		p.opts.Activity.Record(ctx, types.ActionCSVProcessed, types.LogInfo,
			fmt.Sprintf("%s: no usable records", filename),
			map[string]any{"filename": filename, "postsGenerated": 0})
		res.ArchivedTo = p.archive(ctx, path, filename)
		return res, nil
	}

	queued, err := p.store.CountPending(ctx)
	if err != nil {
		return res, fmt.Errorf("count pending posts: %w", err)
	}

	posts, err := p.generate(ctx, filename, conceptSource, candidates, queued)
	if err != nil {
		return res, err
	}
	res.PostsGenerated = len(posts)
	res.Failures = len(candidates) - len(posts)

	if len(posts) == 0 {
		p.opts.Activity.Record(ctx, types.ActionCSVProcessed, types.LogError,
			fmt.Sprintf("%s: generation failed for all %d records", filename, len(candidates)),
			map[string]any{"filename": filename, "failures": res.Failures})
		res.ArchivedTo = p.archive(ctx, path, filename)
		return res, nil
	}

	if err := p.store.SavePosts(ctx, posts); err != nil {
		p.opts.Activity.Record(ctx, types.ActionCSVProcessed, types.LogError,
			fmt.Sprintf("%s: failed to save posts: %v", filename, err),
			map[string]any{"filename": filename})
		return res, fmt.Errorf("save posts from %s: %w", filename, err)
	}
	res.SavedCount = len(posts)

	now := p.opts.Now()
	_, ledgerErr := p.store.MarkFileProcessed(ctx, filename, len(posts), now)
	if ledgerErr != nil {
		p.logger.Error("failed to record processed file",
			"event", "ledger_write_failed", "filename", filename, "error", ledgerErr)
	}
	if p.opts.Recorder != nil {
		p.opts.Recorder.RecordIngestion(now)
	}

	res.ArchivedTo = p.archive(ctx, path, filename)

	p.opts.Activity.Record(ctx, types.ActionCSVProcessed, types.LogSuccess,
		fmt.Sprintf("%s: %d posts generated", filename, len(posts)),
		map[string]any{
			"filename":       filename,
			"candidates":     res.Candidates,
			"postsGenerated": res.PostsGenerated,
			"failures":       res.Failures,
		})

	if ledgerErr != nil {
		return res, fmt.Errorf("record processed file %s: %w", filename, ledgerErr)
	}
	return res, nil
}

// generate runs the generator over candidates in ranked order. Per-record failures
// are logged and skipped; only cancellation aborts the batch.
func (p *Pipeline) generate(ctx context.Context, filename, conceptSource string, candidates []types.CandidateRecord, queued int) ([]types.Post, error) {
	posts := make([]types.Post, 0, len(candidates))
	for i, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, err := p.generator.Generate(ctx, candidate.PostText, candidates)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			p.opts.Activity.Record(ctx, types.ActionGenerationFailed, types.LogError,
				fmt.Sprintf("%s: generation failed for record %d: %v", filename, i+1, err),
				map[string]any{"filename": filename, "record": i + 1, "error": err.Error()})
			continue
		}

		now := p.opts.Now()
		slot := time.Duration(len(posts)+queued+1) * p.opts.PostInterval
		post := types.Post{
			ID:            uuid.NewString(),
			Text:          out.ImprovedText,
			ImageURLs:     []string{},
			Genre:         candidate.Genre,
			ScheduledTime: now.Add(slot),
			Status:        types.StatusPending,
			ConceptSource: conceptSource,
			ReferencePost: candidate.PostText,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if candidate.ImageURL != "" {
			post.ImageURLs = []string{candidate.ImageURL}
		}
		posts = append(posts, post)

		p.logger.Debug("post generated", "event", "post_generated", "filename", filename,
			"post_id", post.ID, "fallback", out.IsFallback, "confidence", out.Confidence)
	}
	return posts, nil
}

// fail moves an unusable file to the failed folder and records the failure.
func (p *Pipeline) fail(ctx context.Context, path, filename string, cause error) error {
	dest := filepath.Join(p.opts.WatchDir, FailedDir, p.stamp(filename))
	movedTo := ""
	if err := moveFile(path, dest); err != nil {
		p.logger.Error("failed to move unusable file", "event", "move_failed_file_failed",
			"filename", filename, "error", err)
	} else {
		movedTo = dest
	}

	p.opts.Activity.Record(ctx, types.ActionCSVProcessed, types.LogError,
		fmt.Sprintf("%s: %v", filename, cause),
		map[string]any{"filename": filename, "movedTo": movedTo})
	return &FileError{Filename: filename, MovedTo: movedTo, Cause: cause}
}

// archive moves a handled file to the processed folder. Failure is logged only.
func (p *Pipeline) archive(ctx context.Context, path, filename string) string {
	dest := filepath.Join(p.opts.WatchDir, ProcessedDir, p.stamp(filename))
	if err := moveFile(path, dest); err != nil {
		p.opts.Activity.Record(ctx, types.ActionArchiveFailed, types.LogError,
			fmt.Sprintf("%s: archive failed: %v", filename, err),
			map[string]any{"filename": filename})
		return ""
	}
	return dest
}

func (p *Pipeline) stamp(filename string) string {
	return p.opts.Now().In(p.opts.Location).Format(archiveStampLayout) + "_" + filename
}

func moveFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	return os.Rename(src, dest)
}

// Drain ingests every CSV file already present in the watch folder, oldest name
// first. Per-file errors are logged and do not stop the drain.
func (p *Pipeline) Drain(ctx context.Context) ([]Result, error) {
	files, err := p.Pending()
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(files))
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := p.Ingest(ctx, path)
		if err != nil {
			p.logger.Warn("backlog file failed", "event", "backlog_ingest_failed",
				"filename", filepath.Base(path), "error", err)
		}
		results = append(results, res)
	}
	return results, nil
}

// Pending lists CSV files directly inside the watch folder, sorted by name.
func (p *Pipeline) Pending() ([]string, error) {
	entries, err := os.ReadDir(p.opts.WatchDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", p.opts.WatchDir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !IsCSV(entry.Name()) {
			continue
		}
		files = append(files, filepath.Join(p.opts.WatchDir, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// IsCSV reports whether name has a .csv extension, ignoring case and hidden files.
func IsCSV(name string) bool {
	base := filepath.Base(name)
	return !strings.HasPrefix(base, ".") && strings.EqualFold(filepath.Ext(base), ".csv")
}
