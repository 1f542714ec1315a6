package crdt

import (
	"log/slog"
	"sync"
	"time"
)

// WallClock returns the current wall time in Unix milliseconds.
type WallClock func() int64

// SystemWall reads the system clock.
func SystemWall() int64 {
	return time.Now().UnixMilli()
}

// Clock is a hybrid logical clock owned by one replica.
//
// Every timestamp returned by Now is strictly greater than the previous one
// and than every timestamp passed to Receive, regardless of what the wall
// clock does. Clock is safe for concurrent use, though the engine's
// single-writer design means one goroutine usually drives it.
type Clock struct {
	mu       sync.Mutex
	last     Timestamp
	wall     WallClock
	maxDrift time.Duration
}

// ClockOption configures a Clock.
type ClockOption func(*Clock)

// WithWallClock replaces the system wall clock. Tests use it to hold time
// still or move it backwards.
func WithWallClock(wall WallClock) ClockOption {
	return func(c *Clock) {
		c.wall = wall
	}
}

// WithMaxDrift sets how far ahead of the wall clock a received timestamp may
// be before Receive logs a warning. Zero disables the check.
func WithMaxDrift(d time.Duration) ClockOption {
	return func(c *Clock) {
		c.maxDrift = d
	}
}

// NewClock creates a clock for node starting at the zero instant.
func NewClock(node string, opts ...ClockOption) *Clock {
	return RestoreClock(Timestamp{Node: node}, opts...)
}

// RestoreClock creates a clock resuming from a persisted timestamp.
// The node of last becomes the clock's node.
func RestoreClock(last Timestamp, opts ...ClockOption) *Clock {
	c := &Clock{
		last: last,
		wall: SystemWall,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now issues the next local timestamp.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.last = tick(c.last, c.wall())
	return c.last
}

// Receive folds a remote timestamp into the clock so that every later local
// timestamp orders after it. Remote timestamps at or behind the clock are
// ignored.
func (c *Clock) Receive(remote Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.wall()
	if c.maxDrift > 0 && remote.Millis-wall > c.maxDrift.Milliseconds() {
		slog.Warn("remote timestamp ahead of wall clock",
			"remote", remote.String(),
			"drift_ms", remote.Millis-wall,
			"max_drift", c.maxDrift,
		)
	}
	c.last = Advance(c.last, remote, wall)
}

// Last returns the most recent timestamp issued or received.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Node returns the replica id stamped on local timestamps.
func (c *Clock) Node() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last.Node
}

// Advance is the pure receive rule: it returns the clock state after folding
// remote into last at wall time wall. The node of last is kept. If remote does
// not order after last, last is returned unchanged.
func Advance(last, remote Timestamp, wall int64) Timestamp {
	if !remote.After(last) {
		return last
	}

	phys := max(last.Millis, remote.Millis, wall)
	next := Timestamp{Millis: phys, Node: last.Node}
	switch {
	case phys == last.Millis && phys == remote.Millis:
		next = bump(phys, max(last.Counter, remote.Counter), last.Node)
	case phys == last.Millis:
		next = bump(phys, last.Counter, last.Node)
	case phys == remote.Millis:
		next = bump(phys, remote.Counter, last.Node)
	}
	return next
}

func tick(last Timestamp, wall int64) Timestamp {
	if wall > last.Millis {
		return Timestamp{Millis: wall, Node: last.Node}
	}
	return bump(last.Millis, last.Counter, last.Node)
}

// bump returns the timestamp right after (millis, counter), escalating millis
// on counter overflow.
func bump(millis int64, counter uint16, node string) Timestamp {
	if counter == MaxCounter {
		return Timestamp{Millis: millis + 1, Node: node}
	}
	return Timestamp{Millis: millis, Counter: counter + 1, Node: node}
}
