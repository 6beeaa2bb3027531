package vicon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/vicap/internal/queue"
	"github.com/roach88/vicap/internal/record"
)

// ErrSocketFailed is returned by Run when the socket fails again after the
// single permitted re-bind.
var ErrSocketFailed = errors.New("vicon: socket failed after re-bind")

// Config configures a Reader.
type Config struct {
	// Addr is the UDP bind address, e.g. "0.0.0.0:51001".
	Addr string

	// QueueSize bounds frames buffered for the writer. When full, the oldest
	// frame is dropped.
	QueueSize int

	// ReadTimeout bounds each socket read so a stop request is observed
	// within this interval even when no datagrams arrive.
	ReadTimeout time.Duration

	// ReadBuffer sets SO_RCVBUF in bytes; 0 keeps the OS default.
	ReadBuffer int
}

// DefaultConfig returns the reader defaults for the standard Tracker port.
func DefaultConfig() Config {
	return Config{
		Addr:        "0.0.0.0:51001",
		QueueSize:   4096,
		ReadTimeout: 200 * time.Millisecond,
	}
}

// Stats holds reader counters. All fields only increase.
type Stats struct {
	Datagrams uint64 `json:"datagrams"`
	Frames    uint64 `json:"frames"`
	Malformed uint64 `json:"malformed"`
	Dropped   uint64 `json:"dropped"`
	Rebinds   uint64 `json:"rebinds"`
}

// Reader receives Tracker datagrams and turns every object into a
// timestamped MotionFrame on its output queue.
//
// Lifecycle: Bind, then Run from exactly one goroutine, then Close.
// Run closes the output queue when it returns.
type Reader struct {
	cfg    Config
	clock  record.Clock
	seq    record.Sequence
	out    *queue.Queue[record.MotionFrame]
	logger *slog.Logger

	mu     sync.Mutex
	conn   *net.UDPConn
	bound  string // resolved address, reused on re-bind
	closed bool

	datagrams atomic.Uint64
	frames    atomic.Uint64
	malformed atomic.Uint64
	rebinds   atomic.Uint64
}

// NewReader creates an unbound reader.
func NewReader(cfg Config, clock record.Clock) *Reader {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}

	return &Reader{
		cfg:    cfg,
		clock:  clock,
		out:    queue.New[record.MotionFrame](cfg.QueueSize, queue.DropOldest),
		logger: slog.Default().With("component", "vicon"),
	}
}

// Bind opens the UDP socket. A failure here is fatal for the session.
func (r *Reader) Bind(ctx context.Context) error {
	conn, err := r.listen(ctx, r.cfg.Addr)
	if err != nil {
		return fmt.Errorf("vicon: bind %s: %w", r.cfg.Addr, err)
	}

	r.mu.Lock()
	r.conn = conn
	r.bound = conn.LocalAddr().String()
	r.mu.Unlock()

	r.logger.Info("listening for tracker datagrams", "addr", r.bound)
	return nil
}

func (r *Reader) listen(ctx context.Context, addr string) (*net.UDPConn, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)

	if r.cfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(r.cfg.ReadBuffer); err != nil {
			r.logger.Warn("could not set receive buffer", "bytes", r.cfg.ReadBuffer, "error", err)
		}
	}
	return conn, nil
}

// LocalAddr returns the bound address, or nil before Bind.
func (r *Reader) LocalAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Out returns the queue frames are delivered on.
func (r *Reader) Out() *queue.Queue[record.MotionFrame] {
	return r.out
}

// Run reads datagrams until ctx is cancelled (returns nil) or the socket
// fails twice (returns an error wrapping ErrSocketFailed).
//
// The first socket error triggers one re-bind on the same address; a failed
// re-bind or a second socket error ends the session.
func (r *Reader) Run(ctx context.Context) error {
	defer r.out.Close()

	// Unblock a pending read as soon as ctx ends instead of waiting out the
	// read deadline.
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.conn != nil {
			_ = r.conn.SetReadDeadline(time.Now())
		}
	})
	defer stop()

	buf := make([]byte, MaxDatagramSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn := r.currentConn()
		if conn == nil {
			return fmt.Errorf("vicon: run before bind")
		}

		_ = conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || r.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if err := r.recover(ctx, err); err != nil {
				return err
			}
			continue
		}

		r.handle(ctx, buf[:n], r.clock.Now())
	}
}

// recover performs the single permitted re-bind after a socket error.
func (r *Reader) recover(ctx context.Context, cause error) error {
	if r.rebinds.Load() > 0 {
		r.logger.Error("socket failed again after re-bind", "error", cause)
		return fmt.Errorf("%w: %v", ErrSocketFailed, cause)
	}
	r.rebinds.Add(1)
	r.logger.Warn("socket read failed, re-binding", "addr", r.bound, "error", cause)

	r.mu.Lock()
	old := r.conn
	addr := r.bound
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	conn, err := r.listen(ctx, addr)
	if err != nil {
		r.logger.Error("re-bind failed", "addr", addr, "error", err)
		return fmt.Errorf("%w: re-bind %s: %v", ErrSocketFailed, addr, err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	return nil
}

// handle decodes one datagram and queues a frame per object.
func (r *Reader) handle(ctx context.Context, data []byte, ts record.Timestamp) {
	r.datagrams.Add(1)

	pkt, err := Decode(data)
	if err != nil {
		r.malformed.Add(1)
		r.logger.Debug("discarding malformed datagram", "bytes", len(data), "error", err)
		return
	}
	for _, o := range pkt.Objects {
		frame := record.MotionFrame{
			Seq:         r.seq.Next(),
			Captured:    ts,
			FrameNumber: pkt.FrameNumber,
			ItemID:      o.ItemID,
			Object:      o.Name,
			Translation: o.Translation,
			Rotation:    o.Rotation,
			Valid:       !o.Occluded(),
		}
		// DropOldest never blocks; the only error is a closed queue.
		if err := r.out.Push(ctx, frame); err != nil {
			return
		}
		r.frames.Add(1)
	}
}

func (r *Reader) currentConn() *net.UDPConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *Reader) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close releases the socket. Safe to call more than once and concurrently
// with Run.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

// Stats returns a snapshot of the reader counters.
func (r *Reader) Stats() Stats {
	return Stats{
		Datagrams: r.datagrams.Load(),
		Frames:    r.frames.Load(),
		Malformed: r.malformed.Load(),
		Dropped:   r.out.Stats().Dropped,
		Rebinds:   r.rebinds.Load(),
	}
}
