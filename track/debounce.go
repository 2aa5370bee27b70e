package track

import (
	"sync"
	"time"
)

// Debouncer is a single buffered slot with a scheduled flush. A new Push
// overwrites the slot and reschedules the flush, so a burst of updates
// collapses into at most one delivery per window.
type Debouncer[T any] struct {
	mu      sync.Mutex
	window  time.Duration
	flush   func(T)
	timer   *time.Timer
	pending T
	has     bool
	closed  bool
}

func NewDebouncer[T any](window time.Duration, flush func(T)) *Debouncer[T] {
	if window <= 0 {
		window = 250 * time.Millisecond
	}
	return &Debouncer[T]{window: window, flush: flush}
}

// Push buffers v, replacing any pending value, and reschedules the flush.
func (d *Debouncer[T]) Push(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.pending = v
	d.has = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.fire)
}

func (d *Debouncer[T]) fire() {
	d.mu.Lock()
	if !d.has || d.closed {
		d.mu.Unlock()
		return
	}
	v := d.pending
	d.has = false
	d.mu.Unlock()
	d.flush(v)
}

// Close drops any pending value and stops future flushes.
func (d *Debouncer[T]) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.has = false
	if d.timer != nil {
		d.timer.Stop()
	}
}
