package testutil

import "sync"

// ManualClock is a wall clock that only moves when a test moves it.
//
// Pass its Now method to crdt.WithWallClock to pin a replica's physical time,
// hold it constant, or move it backwards.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ManualClock struct {
	mu     sync.Mutex
	millis int64
}

// NewManualClock creates a clock reading start (Unix milliseconds).
func NewManualClock(start int64) *ManualClock {
	return &ManualClock{millis: start}
}

// Now returns the current reading.
//
// Has the signature of crdt.WallClock.
func (c *ManualClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.millis
}

// Set moves the clock to millis, forwards or backwards.
func (c *ManualClock) Set(millis int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.millis = millis
}

// Advance moves the clock by delta milliseconds and returns the new reading.
func (c *ManualClock) Advance(delta int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.millis += delta
	return c.millis
}
