// Package watcher restarts the backend when its executable is rebuilt during
// development. It watches the bundle directory rather than the file itself so
// that builds which replace the binary by rename are still seen.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/sidecar/internal/events"
)

const (
	DefaultDebounce = 500 * time.Millisecond
	DefaultCooldown = 5 * time.Second
)

// Watcher fires onChange once per burst of writes to one file.
type Watcher struct {
	path     string
	fs       *fsnotify.Watcher
	onChange func(path string)
	pub      events.Publisher
	log      *slog.Logger
	debounce time.Duration
	cooldown time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	last    time.Time
	closed  bool
	closeCh chan struct{}
	loop    sync.WaitGroup
	pending sync.WaitGroup
}

type Option func(*Watcher)

func WithDebounce(d time.Duration) Option { return func(w *Watcher) { w.debounce = d } }

// WithCooldown ignores changes for d after a fire; the restart it triggered
// may itself touch the file.
func WithCooldown(d time.Duration) Option { return func(w *Watcher) { w.cooldown = d } }

func WithPublisher(p events.Publisher) Option { return func(w *Watcher) { w.pub = p } }

func WithLogger(l *slog.Logger) Option { return func(w *Watcher) { w.log = l } }

// New watches path. The containing directory must exist.
func New(path string, onChange func(path string), opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	w := &Watcher{
		path:     abs,
		onChange: onChange,
		debounce: DefaultDebounce,
		cooldown: DefaultCooldown,
		closeCh:  make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	if w.pub == nil {
		w.pub = events.Nop{}
	}
	if w.log == nil {
		w.log = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w.fs = fw

	w.loop.Add(1)
	go w.run()
	return w, nil
}

// Path returns the watched file.
func (w *Watcher) Path() string { return w.path }

// Close stops watching and waits for an in-flight onChange to return.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil && w.timer.Stop() {
		w.pending.Done()
	}
	close(w.closeCh)
	w.mu.Unlock()

	err := w.fs.Close()
	w.loop.Wait()
	w.pending.Wait()
	return err
}

func (w *Watcher) run() {
	defer w.loop.Done()
	for {
		select {
		case <-w.closeCh:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("binary watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	// chmod fires when the binary is executed; reacting to it loops restarts
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	if filepath.Clean(ev.Name) != w.path {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil && w.timer.Stop() {
		w.pending.Done()
	}
	w.pending.Add(1)
	w.timer = time.AfterFunc(w.debounce, func() {
		defer w.pending.Done()
		w.fire()
	})
}

func (w *Watcher) fire() {
	w.mu.Lock()
	if w.closed || (!w.last.IsZero() && time.Since(w.last) < w.cooldown) {
		w.mu.Unlock()
		return
	}
	w.last = time.Now()
	w.mu.Unlock()

	var mod time.Time
	if st, err := os.Stat(w.path); err == nil {
		mod = st.ModTime()
	}
	w.log.Info("backend binary changed", "path", w.path)
	_ = w.pub.Publish(context.Background(), events.Event{
		Type:    events.BinaryChanged,
		Source:  events.SourceSupervisor,
		Message: "Backend binary changed: " + w.path,
		Payload: map[string]any{"path": w.path, "mod_time": mod.Format(time.RFC3339)},
	})
	if w.onChange != nil {
		w.onChange(w.path)
	}
}
