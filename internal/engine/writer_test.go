package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vicap/internal/queue"
	"github.com/roach88/vicap/internal/record"
	"github.com/roach88/vicap/internal/store"
	"github.com/roach88/vicap/internal/testutil"
)

func newTestWriter(s *store.Store, sessionID string, batchSize int) *writer {
	return &writer{
		store:     s,
		sessionID: sessionID,
		motion:    queue.New[record.MotionFrame](64, queue.DropOldest),
		logs:      queue.New[record.LogRecord](64, queue.Block),
		batchSize: batchSize,
		logger:    quietLogger,
	}
}

func beginSession(t *testing.T, s *store.Store, id string) {
	t.Helper()
	_, err := s.BeginSession(context.Background(), record.Session{
		ID:        id,
		Name:      id,
		StartedAt: testutil.DefaultEpoch,
	})
	require.NoError(t, err)
}

func runWriter(w *writer) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.run(context.Background())
	}()
	return done
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not finish")
	}
}

func TestWriter_StampsSessionAndDrains(t *testing.T) {
	s := openTestStore(t)
	beginSession(t, s, "s1")
	clock := testutil.NewDeterministicClock(time.Time{}, 0)

	w := newTestWriter(s, "s1", 3)
	done := runWriter(w)

	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		require.NoError(t, w.motion.Push(ctx, record.MotionFrame{Seq: int64(i), Captured: clock.Now(), Object: "cart"}))
	}
	for i := 1; i <= 7; i++ {
		require.NoError(t, w.logs.Push(ctx, record.LogRecord{Seq: int64(i), Captured: clock.Now(), Line: "line"}))
	}
	w.motion.Close()
	w.logs.Close()
	waitClosed(t, done)

	require.NoError(t, w.Err())
	assert.Equal(t, uint64(10), w.motionWritten.Load())
	assert.Equal(t, uint64(7), w.logsWritten.Load())
	assert.Zero(t, w.discarded.Load())

	frames, err := s.ReadMotionFrames(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, frames, 10)
	for i, f := range frames {
		assert.Equal(t, "s1", f.SessionID)
		assert.Equal(t, int64(i+1), f.Seq)
	}
}

func TestWriter_WaitsForBothQueues(t *testing.T) {
	s := openTestStore(t)
	beginSession(t, s, "s1")

	w := newTestWriter(s, "s1", DefaultBatchSize)
	done := runWriter(w)

	w.motion.Close()
	select {
	case <-done:
		t.Fatal("writer returned while the log queue was still open")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, w.logs.Push(context.Background(), record.LogRecord{Seq: 1, Captured: testutil.NewDeterministicClock(time.Time{}, 0).Now(), Line: "late"}))
	w.logs.Close()
	waitClosed(t, done)

	assert.Equal(t, uint64(1), w.logsWritten.Load())
}

func TestWriter_DiscardsAfterFailure(t *testing.T) {
	s := openTestStore(t)
	// No session begun: every commit fails.
	w := newTestWriter(s, "missing", 1)
	var fails atomic.Int32
	w.onFail = func(error) { fails.Add(1) }

	ctx := context.Background()
	clock := testutil.NewDeterministicClock(time.Time{}, 0)
	for i := 1; i <= 3; i++ {
		require.NoError(t, w.logs.Push(ctx, record.LogRecord{Seq: int64(i), Captured: clock.Now(), Line: "x"}))
	}
	w.motion.Close()
	w.logs.Close()

	waitClosed(t, runWriter(w))

	assert.ErrorIs(t, w.Err(), store.ErrSessionNotRecording)
	assert.Equal(t, int32(1), fails.Load(), "only the first failure is reported")
	assert.Equal(t, uint64(3), w.discarded.Load())
	assert.Zero(t, w.logsWritten.Load())
}
