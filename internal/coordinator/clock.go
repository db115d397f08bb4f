package coordinator

import "sync/atomic"

// Clock is a monotonic logical clock for event ordering.
//
// All events are stamped with a strictly increasing seq number from this
// clock, so the journal reflects the order the coordinator decided on rather
// than wall-clock arrival times.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
// In practice Next is only called with the coordinator lock held.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific sequence number.
// Used to continue numbering after events already in the journal.
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
