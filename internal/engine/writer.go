package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/vicap/internal/queue"
	"github.com/roach88/vicap/internal/record"
	"github.com/roach88/vicap/internal/store"
)

// DefaultBatchSize bounds the records committed per transaction.
const DefaultBatchSize = 256

// writer is the single goroutine that persists records. It stamps each
// record with the session ID and commits batches until both queues are
// closed and drained.
//
// After the first failed commit it stops writing and discards what it pops,
// so the readers never block on a dead store while the session aborts.
type writer struct {
	store     *store.Store
	sessionID string
	motion    *queue.Queue[record.MotionFrame]
	logs      *queue.Queue[record.LogRecord]
	batchSize int
	logger    *slog.Logger
	onFail    func(error)

	motionWritten atomic.Uint64
	logsWritten   atomic.Uint64
	discarded     atomic.Uint64

	mu  sync.Mutex
	err error
}

// run drains both queues. Writes use ctx, which must outlive the readers so
// the final flush can complete.
func (w *writer) run(ctx context.Context) {
	for {
		b := w.collect()
		if b.Len() > 0 {
			w.commit(ctx, b)
			continue
		}

		motionDone, logsDone := w.motion.Drained(), w.logs.Drained()
		if motionDone && logsDone {
			return
		}

		// A drained queue's signal channel is closed; leave it out of the
		// select so it does not spin.
		var mc, lc <-chan struct{}
		if !motionDone {
			mc = w.motion.Wait()
		}
		if !logsDone {
			lc = w.logs.Wait()
		}
		select {
		case <-mc:
		case <-lc:
		}
	}
}

func (w *writer) collect() store.Batch {
	var b store.Batch
	for len(b.Motion) < w.batchSize {
		f, ok := w.motion.TryPop()
		if !ok {
			break
		}
		f.SessionID = w.sessionID
		b.Motion = append(b.Motion, f)
	}
	for len(b.Logs) < w.batchSize {
		r, ok := w.logs.TryPop()
		if !ok {
			break
		}
		r.SessionID = w.sessionID
		b.Logs = append(b.Logs, r)
	}
	return b
}

func (w *writer) commit(ctx context.Context, b store.Batch) {
	if w.Err() != nil {
		w.discarded.Add(uint64(b.Len()))
		return
	}

	if err := w.store.WriteBatch(ctx, b); err != nil {
		w.discarded.Add(uint64(b.Len()))
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		w.logger.Error("store write failed", "records", b.Len(), "error", err)
		if w.onFail != nil {
			w.onFail(err)
		}
		return
	}

	w.motionWritten.Add(uint64(len(b.Motion)))
	w.logsWritten.Add(uint64(len(b.Logs)))
}

// Err returns the first commit error, if any.
func (w *writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
