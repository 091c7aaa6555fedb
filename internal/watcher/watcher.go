// Package watcher turns filesystem notifications into debounced sync
// triggers. It does not track per-file state itself: a trigger just
// means "the tree changed, run a pass", and the orchestrator's diff
// works out what is actually dirty. Editors produce bursts of events
// (write, rename, chmod in quick succession), so everything within the
// debounce window coalesces into one trigger.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codeatlas/codeatlas/internal/ignore"
)

// DefaultDebounce is the event coalescing window.
const DefaultDebounce = 500 * time.Millisecond

// triggerBuffer bounds queued triggers; a slow consumer gets batches
// merged, never a growing backlog.
const triggerBuffer = 4

// Watcher watches a project tree recursively.
type Watcher struct {
	root     string
	matcher  *ignore.Matcher
	debounce time.Duration

	fsw      *fsnotify.Watcher
	triggers chan []string
	errs     chan error

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	stopped bool
}

// New creates a watcher for the project root. The matcher filters out
// ignored paths so churn in excluded directories never wakes the syncer.
func New(root string, matcher *ignore.Matcher, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if matcher == nil {
		matcher = ignore.New()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		root:     root,
		matcher:  matcher,
		debounce: debounce,
		fsw:      fsw,
		triggers: make(chan []string, triggerBuffer),
		errs:     make(chan error, 1),
		pending:  make(map[string]struct{}),
	}, nil
}

// Start registers watches on every non-ignored directory and begins
// processing events until ctx is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addTree(w.root); err != nil {
		return err
	}

	go w.loop(ctx)
	return nil
}

// Triggers returns the channel of debounced change batches. Each batch
// holds the relative paths seen during the window; consumers typically
// only care that it is non-empty.
func (w *Watcher) Triggers() <-chan []string {
	return w.triggers
}

// Errors returns non-fatal watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errs
}

// addTree walks a directory registering watches, skipping ignored
// subtrees.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, skip
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			return nil
		}
		if rel != "." && w.matcher.Match(filepath.ToSlash(rel), true) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			slog.Warn("cannot watch directory",
				slog.String("path", path),
				slog.String("error", err.Error()))
		}
		return nil
	})
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.mu.Lock()
			if !w.stopped {
				select {
				case w.errs <- err:
				default:
				}
			}
			w.mu.Unlock()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// Chmod-only events carry no content change worth a sync pass.
	if event.Op == fsnotify.Chmod {
		return
	}

	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	info, statErr := os.Stat(event.Name)
	isDir := statErr == nil && info.IsDir()

	if w.matcher.Match(rel, isDir) {
		return
	}

	// New directories need their own watches; fsnotify is not recursive.
	if isDir && event.Op.Has(fsnotify.Create) {
		if err := w.addTree(event.Name); err != nil {
			slog.Warn("cannot watch new directory",
				slog.String("path", event.Name),
				slog.String("error", err.Error()))
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	w.pending[rel] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

// flush emits the coalesced batch. When the consumer is behind, the
// batch merges back into pending instead of piling up.
func (w *Watcher) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped || len(w.pending) == 0 {
		return
	}

	batch := make([]string, 0, len(w.pending))
	for path := range w.pending {
		batch = append(batch, path)
	}
	w.pending = make(map[string]struct{})

	select {
	case w.triggers <- batch:
	default:
		slog.Debug("trigger queue full, deferring batch",
			slog.Int("paths", len(batch)))
		for _, path := range batch {
			w.pending[path] = struct{}{}
		}
		w.timer = time.AfterFunc(w.debounce, w.flush)
	}
}

// Close stops the watcher and closes the trigger channel. Safe to call
// more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	close(w.triggers)
	close(w.errs)
	w.mu.Unlock()

	return w.fsw.Close()
}
