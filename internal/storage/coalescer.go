package storage

import (
	"sync"
	"time"
)

// Coalescer throttles writes of a single key. The first write after a quiet
// period goes straight to the store; writes arriving within interval of the
// previous one are folded into a single trailing write carrying the latest
// value.
type Coalescer struct {
	store    Store
	key      string
	interval time.Duration
	onError  func(error)

	mu        sync.Mutex
	pending   []byte
	dirty     bool
	timer     *time.Timer
	lastWrite time.Time
	closed    bool
}

// NewCoalescer creates a coalescing writer for key. onError may be nil.
func NewCoalescer(store Store, key string, interval time.Duration, onError func(error)) *Coalescer {
	if onError == nil {
		onError = func(error) {}
	}
	return &Coalescer{store: store, key: key, interval: interval, onError: onError}
}

// Write schedules value to be stored.
func (c *Coalescer) Write(value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.pending = value
	c.dirty = true

	wait := c.interval - time.Since(c.lastWrite)
	if c.interval <= 0 || wait <= 0 {
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		c.flushLocked()
		return
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(wait, c.fire)
	}
}

// Flush writes any pending value immediately.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.flushLocked()
}

// Close flushes the pending value and rejects further writes.
func (c *Coalescer) Close() {
	c.Flush()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Coalescer) fire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = nil
	c.flushLocked()
}

func (c *Coalescer) flushLocked() {
	if !c.dirty {
		return
	}
	value := c.pending
	c.pending = nil
	c.dirty = false
	c.lastWrite = time.Now()
	if err := c.store.Set(c.key, value); err != nil {
		c.onError(err)
	}
}
