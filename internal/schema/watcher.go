package schema

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 500 * time.Millisecond

// Reloader is the part of the registry the watcher drives.
type Reloader interface {
	Reload(ctx context.Context) (int, error)
}

// Watcher reloads the registry when documents under the schema directory
// change. Bursts of events are collapsed into one reload.
type Watcher struct {
	dir      string
	target   Reloader
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	timer    *time.Timer
	fs       *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher creates a watcher for dir. A zero debounce uses the default.
func NewWatcher(dir string, target Reloader, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return &Watcher{
		dir:      filepath.Clean(dir),
		target:   target,
		debounce: debounce,
		logger:   logger.With("component", "schema-watcher"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins watching. It stops when ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if w.target == nil {
		return errors.New("schema watcher: no reload target")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.addTree(fw, w.dir); err != nil {
		_ = fw.Close()
		return err
	}

	w.mu.Lock()
	w.fs = fw
	w.mu.Unlock()

	go w.loop(fw)
	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.stopCh:
		}
	}()
	w.logger.Info("watching schema directory", "dir", w.dir)
	return nil
}

// Stop terminates the watcher and cancels any pending reload.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		if w.fs != nil {
			_ = w.fs.Close()
		}
		w.mu.Unlock()
	})
}

// Done is closed once the event loop has exited.
func (w *Watcher) Done() <-chan struct{} { return w.done }

func (w *Watcher) addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}
		return fw.Add(path)
	})
}

func (w *Watcher) loop(fw *fsnotify.Watcher) {
	defer close(w.done)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handle(fw, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("schema watcher error", "err", err)
		}
	}
}

func (w *Watcher) handle(fw *fsnotify.Watcher, event fsnotify.Event) {
	if event.Name == "" {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// fsnotify is not recursive.
			if err := w.addTree(fw, event.Name); err != nil {
				w.logger.Warn("cannot watch new schema directory", "dir", event.Name, "err", err)
			}
			w.schedule()
			return
		}
	}
	if event.Op&(fsnotify.Remove|fsnotify.Rename) == 0 && !isSchemaFile(event.Name) {
		return
	}
	w.schedule()
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		n, err := w.target.Reload(context.Background())
		if err != nil {
			w.logger.Warn("schema reload failed", "err", err)
			return
		}
		w.logger.Info("schemas reloaded after change", "count", n)
	})
}
