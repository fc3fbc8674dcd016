// Package filewatcher detects new and modified landing files under a
// configured root and emits an event once a file's mtime has been quiet
// for a configured period (spec §4.A). It is grounded on the teacher's
// fsnotify-plus-debounce runtime config watcher, generalized from
// watching one file to tracking the files directly under one directory
// (subdirectories are not scanned) with mtime-quiescence semantics
// instead of simple change notification.
package filewatcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dsa110/ingestcore/internal/async"
	"github.com/dsa110/ingestcore/internal/logging"
)

// StableEvent reports a file whose mtime has not changed for QuietPeriod.
type StableEvent struct {
	Path        string
	StableMtime time.Time
	Size        int64
}

// Option customizes a Watcher.
type Option func(*Watcher)

// WithLogger sets the diagnostic logger.
func WithLogger(logger logging.Logger) Option {
	return func(w *Watcher) { w.logger = logging.OrNop(logger) }
}

// WithPollInterval sets the directory rescan cadence used as a fallback
// to (and validation of) OS notifications. Default 5s.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithForgetAfter sets how long an untouched path is tracked before
// eviction from memory. Default 24h.
func WithForgetAfter(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.forgetAfter = d
		}
	}
}

type trackedFile struct {
	lastSeenMtime time.Time
	lastChangeTS  time.Time
	lastTouchedAt time.Time
	size          int64
	emittedStable bool
}

// Watcher polls the root directory for new/modified files matching a
// glob and emits StableEvent once each file's mtime has been unchanged
// for quietPeriod. Only files directly under root are considered;
// subdirectories are not scanned.
type Watcher struct {
	root         string
	pattern      string
	quietPeriod  time.Duration
	pollInterval time.Duration
	forgetAfter  time.Duration
	logger       logging.Logger

	events chan StableEvent

	mu     sync.Mutex
	seen   map[string]*trackedFile
	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New constructs a Watcher for root/pattern with the given quiet period.
// Pattern is a filepath.Match-style glob applied to the file's base name.
func New(root, pattern string, quietPeriod time.Duration, opts ...Option) *Watcher {
	w := &Watcher{
		root:         root,
		pattern:      pattern,
		quietPeriod:  quietPeriod,
		pollInterval: 5 * time.Second,
		forgetAfter:  24 * time.Hour,
		logger:       logging.Nop,
		events:       make(chan StableEvent, 256),
		seen:         make(map[string]*trackedFile),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Events returns the stream of stability events. Closed after Stop.
func (w *Watcher) Events() <-chan StableEvent {
	return w.events
}

// Start begins watching. A missing root is fatal at start time (spec
// §4.A failure semantics); mid-run scan errors are logged and retried.
func (w *Watcher) Start(ctx context.Context) error {
	if _, err := os.Stat(w.root); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.root); err != nil {
		_ = fsw.Close()
		return err
	}
	w.fsw = fsw

	async.Go(w.logger, "filewatcher.notify", w.notifyLoop)
	async.Go(w.logger, "filewatcher.poll", w.pollLoop)
	if ctx != nil {
		async.Go(w.logger, "filewatcher.ctx", func() {
			<-ctx.Done()
			w.Stop()
		})
	}
	return nil
}

// Stop terminates the watcher and closes the event stream.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
		if w.fsw != nil {
			_ = w.fsw.Close()
		}
		w.wg.Wait()
		close(w.events)
	})
}

// Name identifies this watcher for lifecycle.DrainAll logging.
func (w *Watcher) Name() string { return "filewatcher:" + w.root }

// Drain stops the watcher, satisfying internal/app/lifecycle.Drainable.
// Stop is unconditional and already bounded by the caller's wg; ctx is
// honored only to the extent that a caller awaiting Drain can give up.
func (w *Watcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) notifyLoop() {
	w.wg.Add(1)
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case _, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.scanOnce()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filewatcher: notify error: %v", err)
		}
	}
}

func (w *Watcher) pollLoop() {
	w.wg.Add(1)
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.scanOnce()
			w.checkQuiescence()
			w.evictStale()
		}
	}
}

func (w *Watcher) scanOnce() {
	entries, err := filepath.Glob(filepath.Join(w.root, w.pattern))
	if err != nil {
		w.logger.Warn("filewatcher: scan error: %v", err)
		return
	}
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, path := range entries {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		tf, ok := w.seen[path]
		if !ok {
			tf = &trackedFile{lastSeenMtime: info.ModTime(), lastChangeTS: now}
			w.seen[path] = tf
		} else if !info.ModTime().Equal(tf.lastSeenMtime) {
			tf.lastSeenMtime = info.ModTime()
			tf.lastChangeTS = now
			tf.emittedStable = false
		}
		tf.lastTouchedAt = now
		tf.size = info.Size()
	}
}

func (w *Watcher) checkQuiescence() {
	now := time.Now()
	w.mu.Lock()
	var toEmit []StableEvent
	for path, tf := range w.seen {
		if tf.emittedStable {
			continue
		}
		if now.Sub(tf.lastChangeTS) >= w.quietPeriod {
			tf.emittedStable = true
			toEmit = append(toEmit, StableEvent{Path: path, StableMtime: tf.lastSeenMtime, Size: tf.size})
		}
	}
	w.mu.Unlock()

	for _, ev := range toEmit {
		select {
		case w.events <- ev:
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) evictStale() {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, tf := range w.seen {
		if now.Sub(tf.lastTouchedAt) > w.forgetAfter {
			delete(w.seen, path)
		}
	}
}
