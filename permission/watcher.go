package permission

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of writes to the rules file.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reloads a rules file into one source of an Engine whenever it
// changes. A file that fails to parse leaves the previous rules in place;
// a removed file clears them.
type Watcher struct {
	engine   *Engine
	source   Source
	path     string
	debounce time.Duration
	logger   *slog.Logger
	onReload func([]Rule, error)

	fw      *fsnotify.Watcher
	done    chan struct{}
	mu      sync.Mutex
	timer   *time.Timer
	started bool
	closed  bool
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithSource sets the rule source. It defaults to SourceProject.
func WithSource(s Source) WatcherOption {
	return func(w *Watcher) { w.source = s }
}

// WithDebounce sets the debounce interval.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithWatcherLogger sets the logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// OnReload registers a callback run after every reload attempt.
func OnReload(fn func([]Rule, error)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher watches the directory holding path, so editors that replace
// the file by rename are seen too.
func NewWatcher(engine *Engine, path string, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		engine:   engine,
		source:   SourceProject,
		path:     abs,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create rules watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w.fw = fw
	return w, nil
}

// Start loads the file once and then follows changes.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("rules watcher is closed")
	}
	if w.started {
		return errors.New("rules watcher already started")
	}
	w.started = true
	w.reload()
	go w.watch()
	return nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	close(w.done)
	return w.fw.Close()
}

func (w *Watcher) watch() {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rules watcher error", "path", w.path, "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if !w.closed {
			w.reload()
		}
	})
}

// reload runs with w.mu held.
func (w *Watcher) reload() {
	rules, err := LoadRules(w.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		w.engine.SetRules(w.source, nil)
		w.logger.Info("rules file removed", "path", w.path, "source", w.source)
		err = nil
	case err != nil:
		w.logger.Warn("rules file invalid, keeping previous rules", "path", w.path, "error", err)
	default:
		w.engine.SetRules(w.source, rules)
		w.logger.Info("rules reloaded", "path", w.path, "source", w.source, "rules", len(rules))
	}
	if w.onReload != nil {
		w.onReload(rules, err)
	}
}
