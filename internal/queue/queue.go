// Package queue provides the bounded per-source FIFO that sits between a
// reader goroutine and the single store writer.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Push after Close, and by Pop once the queue is
// closed and drained.
var ErrClosed = errors.New("queue closed")

// Policy decides what Push does when the queue is full.
type Policy int

const (
	// DropOldest evicts the oldest unconsumed item so Push never blocks.
	// Used for the UDP motion stream, where blocking the socket read would
	// overflow the kernel receive buffer instead.
	DropOldest Policy = iota + 1

	// Block makes Push wait for space (or ctx cancellation). Used for the
	// remote log stream, where TCP flow control absorbs the stall.
	Block
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case Block:
		return "block"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time snapshot of queue counters.
// Pushed, Popped and Dropped only ever increase.
type Stats struct {
	Pushed    uint64 `json:"pushed"`
	Popped    uint64 `json:"popped"`
	Dropped   uint64 `json:"dropped"`
	Len       int    `json:"len"`
	Cap       int    `json:"cap"`
	HighWater int    `json:"high_water"`
}

// Queue is a bounded, thread-safe FIFO ring buffer.
//
// Any number of goroutines may Push; a single consumer is expected to use
// TryPop with Wait, or Pop. Order of accepted items is preserved.
//
// The queue uses channels for signaling so both sides can wait with a
// context (a sync.Cond cannot be selected on).
type Queue[T any] struct {
	mu        sync.Mutex
	buf       []T
	head      int
	n         int
	policy    Policy
	closed    bool
	pushed    uint64
	popped    uint64
	dropped   uint64
	highWater int

	signal chan struct{} // item available (buffered, size 1)
	space  chan struct{} // slot freed (buffered, size 1)
}

// New creates a queue holding at most capacity items.
// Capacity below 1 is treated as 1.
func New[T any](capacity int, policy Policy) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		buf:    make([]T, capacity),
		policy: policy,
		signal: make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
	}
}

// Push appends v to the back of the queue.
//
// Under DropOldest, Push never blocks; when full the oldest item is evicted
// and counted in Stats.Dropped. Under Block, Push waits for space and returns
// ctx.Err() if ctx ends first. Both return ErrClosed after Close.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}

		if q.n == len(q.buf) && q.policy == DropOldest {
			var zero T
			q.buf[q.head] = zero
			q.head = (q.head + 1) % len(q.buf)
			q.n--
			q.dropped++
		}

		if q.n < len(q.buf) {
			q.buf[(q.head+q.n)%len(q.buf)] = v
			q.n++
			q.pushed++
			if q.n > q.highWater {
				q.highWater = q.n
			}
			// Signal under the lock: Close closes the channel.
			notify(q.signal)
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.space:
		}
	}
}

// TryPop removes and returns the front item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.n == 0 {
		return zero, false
	}

	v := q.buf[q.head]
	// Clear the slot so the ring does not retain references after consumption.
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	q.popped++

	if !q.closed {
		notify(q.space)
	}
	return v, true
}

// Pop blocks until an item is available, the queue is closed and drained
// (ErrClosed), or ctx ends.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		if v, ok := q.TryPop(); ok {
			return v, nil
		}
		if q.Drained() {
			var zero T
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.signal:
		}
	}
}

// Wait returns a channel that signals when items may be available.
// The channel is closed by Close, so a closed queue always reads as ready;
// callers must check Drained after TryPop fails.
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // TryPop until empty
//	}
func (q *Queue[T]) Wait() <-chan struct{} {
	return q.signal
}

// Close stops further pushes and wakes all waiters. Items already accepted
// remain poppable. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
	close(q.space)
}

// Drained reports whether the queue is closed and empty.
func (q *Queue[T]) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && q.n == 0
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Policy returns the overflow policy the queue was created with.
func (q *Queue[T]) Policy() Policy {
	return q.policy
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pushed:    q.pushed,
		Popped:    q.popped,
		Dropped:   q.dropped,
		Len:       q.n,
		Cap:       len(q.buf),
		HighWater: q.highWater,
	}
}

// notify performs a non-blocking send; a buffer of 1 coalesces signals.
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
