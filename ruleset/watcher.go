package ruleset

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	ratelimiter "github.com/jassus213/go-route-limiter"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 100 * time.Millisecond

// ErrWatcherRunning is returned by Watch when the watcher is already active.
var ErrWatcherRunning = errors.New("watcher already running")

// LoadFunc reads a rule file. Load and LoadWithEnvOverrides both satisfy it.
type LoadFunc func(path string) ([]ratelimiter.Rule, error)

// Watcher reloads a Registry whenever its rule file changes.
//
// The parent directory is watched rather than the file itself, so editors
// that save by renaming a temporary file are picked up too. A file that fails
// to load leaves the current rules in place.
type Watcher struct {
	path     string
	registry *ratelimiter.Registry
	load     LoadFunc
	logger   ratelimiter.Logger
	debounce *Debouncer
	fsw      *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	onReload func(error)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = NewDebouncer(d)
		}
	}
}

// WithLoader replaces Load, e.g. with LoadWithEnvOverrides.
func WithLoader(f LoadFunc) WatcherOption {
	return func(w *Watcher) {
		if f != nil {
			w.load = f
		}
	}
}

// WithWatchLogger sets the logger for reload results and watcher errors.
func WithWatchLogger(l ratelimiter.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithReloadHook is called after every reload attempt with its error, if any.
func WithReloadHook(f func(error)) WatcherOption {
	return func(w *Watcher) { w.onReload = f }
}

// NewWatcher creates a watcher for the rule file at path.
func NewWatcher(path string, registry *ratelimiter.Registry, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		registry: registry,
		load:     Load,
		logger:   nopLogger{},
		debounce: NewDebouncer(DefaultDebounce),
		fsw:      fsw,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Reload loads the rule file and swaps it into the registry.
func (w *Watcher) Reload() error {
	rules, err := w.load(w.path)
	if err == nil {
		err = w.registry.Reload(rules)
	}
	if err != nil {
		w.logger.Errorf("Rule reload from %s failed, keeping previous rules: %v", w.path, err)
	} else {
		w.logger.Debugf("Reloaded %d rules from %s", len(rules), w.path)
	}
	if w.onReload != nil {
		w.onReload(err)
	}
	return err
}

// Watch blocks, reloading on changes, until ctx is done or Stop is called.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return ErrWatcherRunning
	}
	w.running = true
	stopCh, doneCh := make(chan struct{}), make(chan struct{})
	w.stopCh, w.doneCh = stopCh, doneCh
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.stopCh, w.doneCh = nil, nil
		w.mu.Unlock()
		close(doneCh)
	}()

	dir := filepath.Dir(w.path)
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", w.path, err)
	}
	defer w.fsw.Remove(dir) //nolint:errcheck
	w.logger.Debugf("Watching rule file %s", w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !w.relevant(event) {
				continue
			}
			w.debounce.Trigger(func() { _ = w.Reload() })
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			w.logger.Errorf("Rule file watcher error: %v", err)
		}
	}
}

// Stop ends Watch, cancels a pending reload and releases the fsnotify handle.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	stopCh, doneCh := w.stopCh, w.doneCh
	w.stopCh = nil
	w.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-doneCh
	}
	w.debounce.Stop()
	return w.fsw.Close()
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

// Debouncer collapses bursts of events into one callback run after a quiet period.
type Debouncer struct {
	interval time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewDebouncer creates a debouncer with the given quiet period.
func NewDebouncer(interval time.Duration) *Debouncer {
	return &Debouncer{interval: interval}
}

// Trigger schedules fn, replacing any callback still waiting.
func (d *Debouncer) Trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		stopped := d.stopped
		d.mu.Unlock()
		if !stopped {
			fn()
		}
	})
}

// Stop cancels any pending callback. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Errorf(string, ...interface{}) {}
