package protect

import (
	"sync"
	"time"

	"github.com/rsguard/rsguard/internal/logging"
	"github.com/rsguard/rsguard/internal/watcher"
)

// Pipeline routes debounced filesystem events to per-path workers. Each path
// gets its own worker with a buffered channel, so encodes for distinct files
// run in parallel while events for the same file stay strictly ordered.
type Pipeline struct {
	workers     map[string]*pathWorker // key: absolute file path
	workersMu   sync.RWMutex
	encoder     *Encoder
	logger      *logging.Logger
	bufferSize  int
	idleTimeout time.Duration
	stopCh      chan struct{}
	wg          sync.WaitGroup
	workerWg    sync.WaitGroup
}

// pathWorker serializes all events for one file path.
type pathWorker struct {
	path       string
	eventCh    chan watcher.Event
	encoder    *Encoder
	logger     *logging.Logger
	lastActive time.Time
	stopCh     chan struct{}
	stopped    bool
	mu         sync.Mutex
}

// NewPipeline creates the event pipeline.
func NewPipeline(encoder *Encoder, logger *logging.Logger) *Pipeline {
	return &Pipeline{
		workers:     make(map[string]*pathWorker),
		encoder:     encoder,
		logger:      logger,
		bufferSize:  16,
		idleTimeout: 5 * time.Minute,
		stopCh:      make(chan struct{}),
	}
}

// Start consumes the event stream until it is closed and runs the idle
// worker cleanup routine.
func (p *Pipeline) Start(events <-chan watcher.Event) {
	p.wg.Add(2)
	go p.consume(events)
	go p.cleanupIdleWorkers()
	p.logger.Info("Protection pipeline started")
}

// Stop stops all workers after draining their queues. It returns only once
// every in-flight encode has finished, so callers may close the stores
// immediately afterwards.
func (p *Pipeline) Stop() {
	close(p.stopCh)

	// The consumer must exit before the workers stop, or it could route an
	// event to a worker that is already gone
	p.wg.Wait()

	p.workersMu.Lock()
	for _, worker := range p.workers {
		worker.Stop()
	}
	p.workersMu.Unlock()

	p.workerWg.Wait()
	p.logger.Info("Protection pipeline stopped")
}

// Submit routes one event to its path worker.
func (p *Pipeline) Submit(ev watcher.Event) {
	worker := p.getOrCreateWorker(ev.Path)

	select {
	case worker.eventCh <- ev:
	case <-p.stopCh:
	}
}

func (p *Pipeline) consume(events <-chan watcher.Event) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.Submit(ev)
		}
	}
}

// getOrCreateWorker gets an existing worker or creates a new one.
func (p *Pipeline) getOrCreateWorker(path string) *pathWorker {
	// Fast path: read lock
	p.workersMu.RLock()
	worker, exists := p.workers[path]
	p.workersMu.RUnlock()

	if exists {
		worker.touch()
		return worker
	}

	// Slow path: write lock
	p.workersMu.Lock()
	defer p.workersMu.Unlock()

	// Double check
	if worker, exists = p.workers[path]; exists {
		worker.touch()
		return worker
	}

	worker = &pathWorker{
		path:       path,
		eventCh:    make(chan watcher.Event, p.bufferSize),
		encoder:    p.encoder,
		logger:     p.logger,
		lastActive: time.Now(),
		stopCh:     make(chan struct{}),
	}

	p.workers[path] = worker
	p.workerWg.Add(1)
	go func() {
		defer p.workerWg.Done()
		worker.run()
	}()

	p.logger.Debug("Created path worker", "path", path)
	return worker
}

// cleanupIdleWorkers periodically removes workers with no recent events.
func (p *Pipeline) cleanupIdleWorkers() {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.doCleanup()
		}
	}
}

func (p *Pipeline) doCleanup() {
	p.workersMu.Lock()
	defer p.workersMu.Unlock()

	now := time.Now()
	for path, worker := range p.workers {
		if now.Sub(worker.getLastActive()) > p.idleTimeout && len(worker.eventCh) == 0 {
			worker.Stop()
			delete(p.workers, path)
			p.logger.Debug("Removed idle path worker", "path", path)
		}
	}
}

// WorkerCount returns the number of live path workers.
func (p *Pipeline) WorkerCount() int {
	p.workersMu.RLock()
	defer p.workersMu.RUnlock()
	return len(p.workers)
}

// pathWorker methods

func (w *pathWorker) run() {
	for {
		select {
		case <-w.stopCh:
			w.drain()
			return
		case ev := <-w.eventCh:
			w.process(ev)
		}
	}
}

// process applies one event. Failures are logged, not fatal; the periodic
// check picks up anything a failed encode left unprotected.
func (w *pathWorker) process(ev watcher.Event) {
	w.touch()

	var err error
	switch ev.Op {
	case watcher.OpEncode:
		err = w.encoder.EncodeFile(ev.Path)
	case watcher.OpDelete:
		err = w.encoder.DeleteFile(ev.Path)
	}

	if err != nil {
		w.logger.Error("Event processing failed", "path", ev.Path, "op", ev.Op, "error", err)
	}
}

// drain processes remaining events in the channel.
func (w *pathWorker) drain() {
	for {
		select {
		case ev := <-w.eventCh:
			w.process(ev)
		default:
			return
		}
	}
}

// Stop stops the worker.
func (w *pathWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stopCh)
}

func (w *pathWorker) touch() {
	w.mu.Lock()
	w.lastActive = time.Now()
	w.mu.Unlock()
}

func (w *pathWorker) getLastActive() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActive
}
