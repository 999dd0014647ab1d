// Package watcher turns raw filesystem notifications into debounced encode
// and delete events for the ingestion pipeline. The fsnotify receive loop
// runs on its own goroutine and forwards into a bounded queue; under a write
// storm, bursts for the same path coalesce in the debouncer instead of
// growing the queue without bound.
package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rsguard/rsguard/internal/logging"
)

// Config controls debounce and queue behavior.
type Config struct {
	DebounceWindow    time.Duration
	StabilityInterval time.Duration
	QueueSize         int
}

// Watcher watches directory trees recursively and emits debounced events.
type Watcher struct {
	cfg      Config
	logger   *logging.Logger
	fsw      *fsnotify.Watcher
	debounce *Debouncer
	events   chan Event
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a watcher. Call Watch for each root, then Start.
func New(cfg Config, logger *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fs watcher: %w", err)
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	w := &Watcher{
		cfg:    cfg,
		logger: logger,
		fsw:    fsw,
		events: make(chan Event, cfg.QueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	w.debounce = NewDebouncer(cfg.DebounceWindow, cfg.StabilityInterval, w.forward)

	return w, nil
}

// Watch adds a directory tree to the watch, recursively.
func (w *Watcher) Watch(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk %s: %w", path, err)
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// Events returns the debounced event stream.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start begins the receive loop on a dedicated goroutine.
func (w *Watcher) Start() {
	go w.run()
}

// Stop shuts down the watcher and closes the event stream.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
	w.debounce.Stop()
	close(w.events)
}

// forward pushes a debounced event into the bounded queue. A full queue
// drops the event with a warning; the periodic check catches anything missed.
func (w *Watcher) forward(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("Event queue full, dropping event", "path", ev.Path, "op", ev.Op)
	}
}

// run is the blocking fsnotify receive loop.
func (w *Watcher) run() {
	defer close(w.doneCh)
	defer func() { _ = w.fsw.Close() }()

	for {
		select {
		case <-w.stopCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)
		}
	}
}

// handle routes one raw fsnotify event into the debouncer.
func (w *Watcher) handle(ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			// New subdirectory: extend the watch and pick up files that
			// landed before the watch was in place
			if err := w.Watch(ev.Name); err != nil {
				w.logger.Warn("Failed to watch new directory", "path", ev.Name, "error", err)
			}
			w.enqueueExisting(ev.Name)
			return
		}
		w.debounce.Observe(ev.Name, false)

	case ev.Op.Has(fsnotify.Write):
		w.debounce.Observe(ev.Name, false)

	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		// Held for the debounce window: a create of the same path within it
		// cancels the delete (rename-based atomic saves)
		w.debounce.Observe(ev.Name, true)
	}
}

// enqueueExisting observes every regular file already under dir.
func (w *Watcher) enqueueExisting(dir string) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		w.debounce.Observe(path, false)
		return nil
	})
	if err != nil {
		w.logger.Warn("Failed to scan new directory", "path", dir, "error", err)
	}
}
