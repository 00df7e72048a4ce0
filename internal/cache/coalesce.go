package cache

import (
	"sync"
	"time"
)

type inflight struct {
	done chan struct{}
	err  error
}

// coalescer serializes refreshes. A caller that arrives while a refresh
// is in flight waits for that refresh instead of starting another; the
// leader sleeps for the debounce window before running so near-simultaneous
// requests collapse into one network round trip.
type coalescer struct {
	mu      sync.Mutex
	window  time.Duration
	pending *inflight
}

func newCoalescer(window time.Duration) *coalescer {
	return &coalescer{window: window}
}

// Do runs fn once for all callers that overlap in time. Every caller
// receives the same error.
func (c *coalescer) Do(fn func() error) error {
	c.mu.Lock()
	if p := c.pending; p != nil {
		c.mu.Unlock()
		<-p.done
		return p.err
	}
	p := &inflight{done: make(chan struct{})}
	c.pending = p
	c.mu.Unlock()

	if c.window > 0 {
		time.Sleep(c.window)
	}
	p.err = fn()

	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
	close(p.done)
	return p.err
}
