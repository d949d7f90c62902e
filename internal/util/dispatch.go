package util

import (
	"sync"

	"go.uber.org/zap"
)

// Dispatcher runs queued callbacks one at a time in the order they were
// enqueued. Callers enqueue while holding whatever lock defines the order
// and call Drain after releasing it. Only one goroutine drains at a time;
// a callback that enqueues more work (directly or by re-entering the code
// that enqueues) has that work run by the active drainer once it returns.
type Dispatcher struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
	logger   *zap.Logger
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{logger: logger}
}

// Enqueue appends fn to the queue without running it.
func (d *Dispatcher) Enqueue(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
}

// Drain runs queued callbacks until the queue is empty. It returns at once
// if another goroutine is already draining.
func (d *Dispatcher) Drain() {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	for len(d.queue) > 0 {
		fn := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()
		d.run(fn)
		d.mu.Lock()
	}
	d.queue = nil
	d.draining = false
	d.mu.Unlock()
}

// Pending returns the number of callbacks waiting to run.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Dispatched callback panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
