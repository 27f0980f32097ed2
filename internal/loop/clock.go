package loop

import "sync/atomic"

// Clock is a monotonic logical counter.
//
// Frame-handler ids, frame request ids and trace sequence numbers all come
// from a Clock. Values are never reused, so a stale id can never alias a
// newer registration.
//
// Safe for concurrent use; the store's recorder calls Next from broadcast
// goroutines.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock whose first Next returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock positioned at start.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next advances the clock and returns the new value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued value without advancing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
