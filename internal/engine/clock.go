package engine

import (
	"sync/atomic"
	"time"
)

// TimeSource supplies wall-clock readings. Implemented by SystemTime and,
// in tests, by testutil.DeterministicClock.
type TimeSource interface {
	Now() time.Time
}

// SystemTime reads the system clock.
type SystemTime struct{}

// Now returns the current UTC time.
func (SystemTime) Now() time.Time { return time.Now().UTC() }

// Clock stamps observed_at on everything the engine appends.
//
// Readings are strictly increasing even when the underlying source stalls
// or steps backwards: a reading not after the previous one is moved to one
// nanosecond past it. The persisted layout has nanosecond precision, so
// the order survives a round trip through the store.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	src  TimeSource
	last atomic.Int64 // unix nanoseconds of the previous reading
}

// NewClock creates a clock over src. A nil src reads the system clock.
func NewClock(src TimeSource) *Clock {
	if src == nil {
		src = SystemTime{}
	}
	return &Clock{src: src}
}

// Now returns the next reading.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Now() time.Time {
	for {
		last := c.last.Load()
		next := c.src.Now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if c.last.CompareAndSwap(last, next) {
			return time.Unix(0, next).UTC()
		}
	}
}
