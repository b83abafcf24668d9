package engine

import "sync/atomic"

// Clock is the logical clock that numbers a run's events.
//
// A step starts the clock at the run's last stored sequence number and
// stamps each event it emits with Next. Event order is therefore decided
// by the state machine alone, never by wall time, and replay produces the
// same numbering.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations),
// though a step only ever uses it from one goroutine.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock that continues after start.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
