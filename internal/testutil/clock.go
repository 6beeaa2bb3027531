package testutil

import (
	"sync"
	"time"

	"github.com/roach88/vicap/internal/record"
)

// DefaultEpoch is the wall time at which a DeterministicClock starts.
var DefaultEpoch = time.Date(2024, 7, 25, 14, 0, 0, 0, time.UTC)

// DeterministicClock is a record.Clock that advances by a fixed step on
// every call, so a test that takes N timestamps always sees the same N
// values.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu    sync.Mutex
	epoch time.Time
	step  time.Duration
	calls int64
}

// NewDeterministicClock creates a clock starting at epoch. A zero epoch
// selects DefaultEpoch; a non-positive step selects one millisecond.
//
// The first call to Now() returns epoch+step.
func NewDeterministicClock(epoch time.Time, step time.Duration) *DeterministicClock {
	if epoch.IsZero() {
		epoch = DefaultEpoch
	}
	if step <= 0 {
		step = time.Millisecond
	}
	return &DeterministicClock{epoch: epoch, step: step}
}

// Now advances the clock one step and returns the new instant.
func (c *DeterministicClock) Now() record.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	d := time.Duration(c.calls) * c.step
	return record.Timestamp{Wall: c.epoch.Add(d), Mono: d}
}

// Calls returns how many timestamps have been handed out.
func (c *DeterministicClock) Calls() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Reset rewinds the clock to its epoch.
//
// After Reset(), the next call to Now() returns epoch+step again.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = 0
}
