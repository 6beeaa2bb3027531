package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/vicap/internal/record"
	"github.com/roach88/vicap/internal/remotelog"
	"github.com/roach88/vicap/internal/store"
	"github.com/roach88/vicap/internal/testutil"
	"github.com/roach88/vicap/internal/vicon"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "capture.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// quickSleep waits a millisecond regardless of the requested backoff.
func quickSleep(ctx context.Context, _ time.Duration) error {
	t := time.NewTimer(time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// transitionLog collects observed state changes.
type transitionLog struct {
	mu    sync.Mutex
	moves [][2]State
}

func (l *transitionLog) observe(from, to State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.moves = append(l.moves, [2]State{from, to})
}

func (l *transitionLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, 0, len(l.moves))
	for _, m := range l.moves {
		out = append(out, m[1])
	}
	return out
}

type fixture struct {
	store *store.Store
	coord *Coordinator
	src   *testutil.LogSource
	moves *transitionLog
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: openTestStore(t),
		src:   testutil.NewLogSource(),
		moves: &transitionLog{},
	}
	base := []Option{
		WithClock(record.NewSystemClock()),
		WithIDGenerator(testutil.NewSequentialIDs("session")),
		WithLogger(quietLogger),
		WithRemoteOptions(remotelog.WithSleep(quickSleep)),
		WithStateObserver(f.moves.observe),
	}
	f.coord = New(f.store, append(base, opts...)...)
	return f
}

// config returns a loopback session config. maxRetries follows
// RetryPolicy.MaxRetries.
func (f *fixture) config(name string, maxRetries int) SessionConfig {
	remote := remotelog.DefaultConfig()
	remote.Retry = remotelog.RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
		MaxRetries:      maxRetries,
	}
	return SessionConfig{
		Name: name,
		Vicon: vicon.Config{
			Addr:        "127.0.0.1:0",
			ReadTimeout: 20 * time.Millisecond,
		},
		Log:            f.src,
		Remote:         remote,
		RemoteHost:     "robot:22",
		LogTarget:      "/var/log/brain.log",
		StartupTimeout: 2 * time.Second,
	}
}

func (f *fixture) start(t *testing.T, cfg SessionConfig) *Handle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := f.coord.Start(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, f.src.WaitConnected(ctx))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.Stop(stopCtx)
	})
	return h
}

func stop(t *testing.T, h *Handle) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.Stop(ctx)
	require.NoError(t, err)
	return res
}

func dialMotion(t *testing.T, h *Handle) *vicon.Emitter {
	t.Helper()
	e, err := vicon.Dial(context.Background(), h.motion.LocalAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func cart(i int) []vicon.Object {
	return []vicon.Object{{
		ItemID:      0,
		Name:        "cart",
		Translation: [3]float64{float64(i), 2, 3},
		Rotation:    [3]float64{0.1, 0.2, 0.3},
	}}
}

// sendFrames emits n single-object packets, pacing them so loopback does
// not drop any.
func sendFrames(t *testing.T, e *vicon.Emitter, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, e.Send(cart(i)))
		time.Sleep(time.Millisecond)
	}
}
