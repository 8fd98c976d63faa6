package automation

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jonathan/threads-autopost/internal/ingestion"
)

// watchQueueSize bounds settled files waiting for the handler.
const watchQueueSize = 64

// Watcher reports CSV files that appear in a directory once their writes have
// settled. Files are handed to handle one at a time.
type Watcher struct {
	fs        *fsnotify.Watcher
	dir       string
	stability time.Duration
	handle    func(ctx context.Context, path string)
	logger    *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	queue  chan string
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// StartWatcher begins watching dir. handle runs on a single worker goroutine with ctx.
func StartWatcher(ctx context.Context, dir string, stability time.Duration, handle func(ctx context.Context, path string), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w := &Watcher{
		fs:        fsw,
		dir:       filepath.Clean(dir),
		stability: stability,
		handle:    handle,
		logger:    logger.With("component", "watcher"),
		timers:    make(map[string]*time.Timer),
		queue:     make(chan string, watchQueueSize),
		done:      make(chan struct{}),
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.worker(ctx)
	return w, nil
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if filepath.Dir(ev.Name) != w.dir || !ingestion.IsCSV(ev.Name) {
				continue
			}
			w.settle(ev.Name)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "event", "watch_error", "error", err)
		}
	}
}

// settle restarts the stability timer for path. The file is queued once no event
// has touched it for the stability window.
func (w *Watcher) settle(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Reset(w.stability)
		return
	}
	w.timers[path] = time.AfterFunc(w.stability, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		select {
		case w.queue <- path:
		case <-w.done:
		}
	})
}

func (w *Watcher) worker(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return
		case path := <-w.queue:
			w.logger.Debug("file settled", "event", "file_detected", "filename", filepath.Base(path))
			w.handle(ctx, path)
		}
	}
}

// Close stops watching. A file already being handled finishes in the background.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		w.mu.Lock()
		for path, t := range w.timers {
			t.Stop()
			delete(w.timers, path)
		}
		w.mu.Unlock()
		err = w.fs.Close()
	})
	return err
}

// Wait blocks until the watcher goroutines have exited.
func (w *Watcher) Wait() {
	w.wg.Wait()
}
