package watcher

import (
	"os"
	"sync"
	"time"
)

// Op classifies a debounced filesystem change.
type Op int

const (
	// OpEncode means the file settled after a change and should be encoded.
	OpEncode Op = iota
	// OpDelete means the file was removed and stayed removed past the window.
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpEncode:
		return "encode"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is one debounced change, ready for the ingestion pipeline.
type Event struct {
	Op   Op
	Path string
}

// Debouncer collapses bursts of raw events per path into a single Event.
// Editors and copy tools emit many events for one logical write; each raw
// event resets the path's quiescence timer, and only after the window passes
// with the file size stable across two polls is an encode emitted.
//
// A remove followed by a create of the same path within the window is an
// atomic-save pattern and collapses to an encode, not a delete.
type Debouncer struct {
	window    time.Duration
	stability time.Duration
	emit      func(Event)

	mu       sync.Mutex
	pending  map[string]*pendingPath
	stopped  bool
	inFlight sync.WaitGroup // settles past the stopped check but not yet emitted
}

type pendingPath struct {
	timer   *time.Timer
	removed bool
}

// NewDebouncer creates a debouncer that calls emit for each settled change.
// emit is called from timer goroutines and must be safe for concurrent use.
func NewDebouncer(window, stability time.Duration, emit func(Event)) *Debouncer {
	return &Debouncer{
		window:    window,
		stability: stability,
		emit:      emit,
		pending:   make(map[string]*pendingPath),
	}
}

// Observe feeds one raw event for a path. removed marks remove/rename-away
// events; any later non-removed event within the window clears the mark.
func (d *Debouncer) Observe(path string, removed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if p, ok := d.pending[path]; ok {
		p.removed = removed
		p.timer.Reset(d.window)
		return
	}

	p := &pendingPath{removed: removed}
	p.timer = time.AfterFunc(d.window, func() { d.settle(path) })
	d.pending[path] = p
}

// settle runs when a path's quiescence window elapses with no new events.
func (d *Debouncer) settle(path string) {
	d.mu.Lock()
	p, ok := d.pending[path]
	if !ok || d.stopped {
		d.mu.Unlock()
		return
	}
	delete(d.pending, path)
	removed := p.removed
	d.inFlight.Add(1)
	d.mu.Unlock()
	defer d.inFlight.Done()

	if removed {
		// Confirm the file is actually gone; a missed create event must not
		// turn a modify into a deletion.
		if _, err := os.Stat(path); err != nil {
			d.emit(Event{Op: OpDelete, Path: path})
			return
		}
	}

	d.stabilize(path)
}

// stabilize emits an encode only once the file size holds steady across two
// consecutive polls. Encoding a file mid-write would capture incoherent
// content.
func (d *Debouncer) stabilize(path string) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			d.emit(Event{Op: OpDelete, Path: path})
		}
		return
	}
	size := info.Size()

	time.Sleep(d.stability)

	info, err = os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			d.emit(Event{Op: OpDelete, Path: path})
		}
		return
	}

	if info.Size() != size {
		// Still being written; restart the quiescence window
		d.Observe(path, false)
		return
	}

	d.emit(Event{Op: OpEncode, Path: path})
}

// Stop cancels all pending timers and waits for settles already past the
// stopped check. No events are emitted after Stop returns.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	for path, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, path)
	}
	d.mu.Unlock()

	d.inFlight.Wait()
}

// PendingCount returns the number of paths waiting out their window.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
