package pbc

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// BindingsWatcher hot-reloads the step bindings file into an engine when it
// changes on disk. File events are debounced so an editor's
// write-then-rename lands as one reload. A reload that fails validation is
// logged and skipped; the engine keeps its previous bindings.
type BindingsWatcher struct {
	path     string
	engine   *Engine
	logger   *slog.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBindingsWatcher creates a watcher for the bindings file at path.
func NewBindingsWatcher(path string, engine *Engine, logger *slog.Logger) (*BindingsWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save and
	// a watch on the old inode goes silent.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch bindings directory: %w", err)
	}

	return &BindingsWatcher{
		path:     path,
		engine:   engine,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		watcher:  fw,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching until Stop or ctx cancellation.
func (w *BindingsWatcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
}

// Stop terminates the watcher and waits for the loop to exit.
func (w *BindingsWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
	w.watcher.Close()
}

func (w *BindingsWatcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("bindings watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

// flushPending reloads the bindings once the debounce window after the last
// event has passed.
func (w *BindingsWatcher) flushPending() {
	w.mu.Lock()
	pending := w.pending
	if pending.IsZero() || time.Since(pending) < w.debounce {
		w.mu.Unlock()
		return
	}
	w.pending = time.Time{}
	w.mu.Unlock()

	w.reload()
}

func (w *BindingsWatcher) reload() {
	bindings, err := LoadBindings(w.path)
	if err != nil {
		w.logger.Warn("bindings reload failed, keeping previous bindings",
			"path", w.path, "error", err)
		return
	}
	if err := w.engine.Rebind(bindings); err != nil {
		w.logger.Warn("bindings rejected, keeping previous bindings",
			"path", w.path, "error", err)
		return
	}
	w.logger.Info("step bindings reloaded", "path", w.path, "bound_steps", len(bindings))
}
