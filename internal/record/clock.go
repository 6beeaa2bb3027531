package record

import (
	"sync/atomic"
	"time"
)

// Clock stamps captured records.
//
// Implementations must be safe for concurrent use: both readers call Now from
// their own goroutines.
type Clock interface {
	Now() Timestamp
}

// SystemClock stamps records with the host wall clock and a monotonic offset
// from the moment it was created.
type SystemClock struct {
	origin time.Time
}

// NewSystemClock creates a clock whose monotonic origin is now.
func NewSystemClock() *SystemClock {
	return &SystemClock{origin: time.Now()}
}

// Now returns the current capture timestamp.
func (c *SystemClock) Now() Timestamp {
	now := time.Now()
	// time.Since-style subtraction uses the monotonic reading carried by both values.
	return Timestamp{Wall: now.Round(0), Mono: now.Sub(c.origin)}
}

// Origin returns the wall time at which the clock was created.
func (c *SystemClock) Origin() time.Time {
	return c.origin.Round(0)
}

// Sequence is a per-source logical counter.
//
// Each reader owns one Sequence so records from the same source keep their
// receive order even when two records share a timestamp.
type Sequence struct {
	seq atomic.Int64
}

// Next returns the next sequence number, starting at 1.
func (s *Sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the last issued sequence number without incrementing.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}
