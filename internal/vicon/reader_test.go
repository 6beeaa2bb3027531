package vicon

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vicap/internal/record"
)

func newLoopbackReader(t *testing.T, queueSize int) *Reader {
	t.Helper()
	r := NewReader(Config{
		Addr:        "127.0.0.1:0",
		QueueSize:   queueSize,
		ReadTimeout: 20 * time.Millisecond,
	}, record.NewSystemClock())
	require.NoError(t, r.Bind(context.Background()))
	t.Cleanup(func() { r.Close() })
	return r
}

func dialReader(t *testing.T, r *Reader) *Emitter {
	t.Helper()
	e, err := Dial(context.Background(), r.LocalAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func runReader(t *testing.T, r *Reader) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return cancel, done
}

func collect(t *testing.T, r *Reader, n int) []record.MotionFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var frames []record.MotionFrame
	for len(frames) < n {
		f, err := r.Out().Pop(ctx)
		require.NoError(t, err, "received %d of %d frames", len(frames), n)
		frames = append(frames, f)
	}
	return frames
}

func TestReader_DeliversFramesInOrder(t *testing.T) {
	r := newLoopbackReader(t, 1024)
	e := dialReader(t, r)
	cancel, done := runReader(t, r)
	defer cancel()

	e.StartAt(100)
	for i := 0; i < 20; i++ {
		require.NoError(t, e.Send([]Object{{Name: "cart", Translation: [3]float64{float64(i + 1), 0, 0}}}))
	}

	frames := collect(t, r, 20)
	for i, f := range frames {
		assert.Equal(t, "cart", f.Object)
		assert.Equal(t, uint32(100+i), f.FrameNumber)
		assert.Equal(t, int64(i+1), f.Seq)
		assert.Equal(t, float64(i+1), f.Translation[0])
		assert.True(t, f.Valid)
		if i > 0 {
			assert.False(t, f.Captured.Before(frames[i-1].Captured), "timestamps must not decrease")
		}
	}

	cancel()
	require.NoError(t, <-done)
}

func TestReader_MultiObjectPacket(t *testing.T) {
	r := newLoopbackReader(t, 64)
	e := dialReader(t, r)
	cancel, done := runReader(t, r)
	defer cancel()

	require.NoError(t, e.SendPacket(Packet{FrameNumber: 9, Objects: []Object{
		{ItemID: 0, Name: "cart", Translation: [3]float64{1, 0, 0}},
		{ItemID: 1, Name: "gripper", Translation: [3]float64{2, 0, 0}},
	}}))

	frames := collect(t, r, 2)
	assert.Equal(t, "cart", frames[0].Object)
	assert.Equal(t, "gripper", frames[1].Object)
	assert.Equal(t, uint8(1), frames[1].ItemID)
	for _, f := range frames {
		assert.Equal(t, uint32(9), f.FrameNumber)
		assert.True(t, f.Valid)
	}
	assert.Equal(t, uint64(2), r.Stats().Frames)

	cancel()
	require.NoError(t, <-done)
}

func TestReader_KeepsFrameCounterGaps(t *testing.T) {
	r := newLoopbackReader(t, 64)
	e := dialReader(t, r)
	cancel, done := runReader(t, r)
	defer cancel()

	for _, n := range []uint32{10, 11, 15, 12} {
		require.NoError(t, e.SendPacket(Packet{FrameNumber: n, Objects: []Object{{Name: "cart"}}}))
	}

	frames := collect(t, r, 4)
	var got []uint32
	for _, f := range frames {
		got = append(got, f.FrameNumber)
		assert.False(t, f.Valid, "all-zero pose is occluded")
	}
	assert.Equal(t, []uint32{10, 11, 15, 12}, got, "no reordering or gap filling")

	cancel()
	<-done
}

func TestReader_MalformedDatagramsCounted(t *testing.T) {
	r := newLoopbackReader(t, 64)
	e := dialReader(t, r)
	cancel, done := runReader(t, r)
	defer cancel()

	require.NoError(t, e.SendRaw([]byte("not a tracker packet")))
	require.NoError(t, e.SendRaw([]byte{1, 2}))
	require.NoError(t, e.Send([]Object{{Name: "cart", Translation: [3]float64{1, 1, 1}}}))

	frames := collect(t, r, 1)
	assert.Equal(t, "cart", frames[0].Object)

	require.Eventually(t, func() bool {
		return r.Stats().Malformed == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(3), r.Stats().Datagrams)

	cancel()
	require.NoError(t, <-done)
}

func TestReader_DropsOldestWhenConsumerStalls(t *testing.T) {
	r := newLoopbackReader(t, 8)
	e := dialReader(t, r)
	cancel, done := runReader(t, r)
	defer cancel()

	for i := 0; i < 50; i++ {
		require.NoError(t, e.Send([]Object{{Name: "cart", Translation: [3]float64{1, 0, 0}}}))
	}

	require.Eventually(t, func() bool {
		return r.Stats().Frames == 50
	}, 2*time.Second, 5*time.Millisecond)

	stats := r.Stats()
	assert.Equal(t, uint64(42), stats.Dropped)
	assert.Equal(t, 8, r.Out().Len())

	// Survivors are the newest frames, still in order.
	cancel()
	require.NoError(t, <-done)
	var prev int64
	for {
		f, ok := r.Out().TryPop()
		if !ok {
			break
		}
		assert.Greater(t, f.Seq, prev)
		prev = f.Seq
	}
	assert.Equal(t, int64(stats.Frames), prev)
}

func TestReader_StopIsBounded(t *testing.T) {
	r := NewReader(Config{Addr: "127.0.0.1:0", ReadTimeout: time.Hour}, record.NewSystemClock())
	require.NoError(t, r.Bind(context.Background()))
	defer r.Close()

	cancel, done := runReader(t, r)
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not observe cancellation while blocked in read")
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, r.Out().Drained(), "Run closes its output queue")
}

func TestReader_BindFailure(t *testing.T) {
	taken, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	r := NewReader(Config{Addr: taken.LocalAddr().String()}, record.NewSystemClock())
	err = r.Bind(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vicon: bind")
}

func TestReader_CloseEndsRun(t *testing.T) {
	r := newLoopbackReader(t, 8)
	cancel, done := runReader(t, r)
	defer cancel()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestReader_Defaults(t *testing.T) {
	r := NewReader(Config{}, record.NewSystemClock())
	assert.Equal(t, DefaultConfig().Addr, r.cfg.Addr)
	assert.Equal(t, DefaultConfig().QueueSize, r.Out().Stats().Cap)
	assert.Nil(t, r.LocalAddr())
}

// breakSocket closes the live socket without marking the reader closed, the
// way a failing interface would surface to Run.
func breakSocket(r *Reader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.conn.Close()
}

func TestReader_RebindsOnceThenFails(t *testing.T) {
	r := newLoopbackReader(t, 64)
	addr := r.LocalAddr().String()
	e := dialReader(t, r)
	cancel, done := runReader(t, r)
	defer cancel()

	breakSocket(r)
	require.Eventually(t, func() bool {
		return r.Stats().Rebinds == 1 && r.LocalAddr() != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, addr, r.LocalAddr().String(), "re-bind reuses the bound address")

	// Sends can race the re-bind, so keep sending until one lands.
	require.Eventually(t, func() bool {
		_ = e.Send([]Object{{Name: "cart", Translation: [3]float64{1, 2, 3}}})
		return r.Stats().Frames > 0
	}, 2*time.Second, 10*time.Millisecond)

	breakSocket(r)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSocketFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not fail after a second socket error")
	}
	assert.Equal(t, uint64(1), r.Stats().Rebinds)
}
