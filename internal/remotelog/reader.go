package remotelog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/vicap/internal/queue"
	"github.com/roach88/vicap/internal/record"
)

const (
	readChunk = 32 << 10

	// flushTimeout bounds the final partial-line push after cancellation.
	flushTimeout = time.Second
)

// Config configures a Reader.
type Config struct {
	Retry RetryPolicy

	// QueueSize bounds records waiting for the writer. A full queue blocks
	// the stream read, and TCP flow control holds the remote side back.
	QueueSize int

	// MaxLineBytes bounds an unterminated line, see NewFramer.
	MaxLineBytes int

	Rules []TagRule
}

// DefaultConfig returns reader defaults.
func DefaultConfig() Config {
	return Config{
		Retry:        DefaultRetryPolicy(),
		QueueSize:    1024,
		MaxLineBytes: DefaultMaxLineBytes,
	}
}

// Stats holds reader counters. All fields only increase.
type Stats struct {
	Lines      uint64 `json:"lines"`
	Partials   uint64 `json:"partials"`
	Bytes      uint64 `json:"bytes"`
	Tagged     uint64 `json:"tagged"`
	Unparsed   uint64 `json:"unparsed"`
	Reconnects uint64 `json:"reconnects"`
	Failures   uint64 `json:"failures"`
}

// SleepFunc waits for d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// ReaderOption configures optional Reader behavior.
type ReaderOption func(*Reader)

// WithSleep replaces the backoff sleep, letting tests skip real delays.
func WithSleep(fn SleepFunc) ReaderOption {
	return func(r *Reader) {
		r.sleep = fn
	}
}

// WithLogger sets the reader's logger.
func WithLogger(l *slog.Logger) ReaderOption {
	return func(r *Reader) {
		r.logger = l
	}
}

// Reader follows a Source and delivers one LogRecord per line.
//
// Lifecycle: Connect, then Run from exactly one goroutine. Run closes the
// output queue when it returns.
type Reader struct {
	src    Source
	clock  record.Clock
	parser *Parser
	framer *Framer
	retry  *Retry
	seq    record.Sequence
	out    *queue.Queue[record.LogRecord]
	sleep  SleepFunc
	logger *slog.Logger

	stream io.ReadCloser

	lines      atomic.Uint64
	partials   atomic.Uint64
	bytes      atomic.Uint64
	tagged     atomic.Uint64
	unparsed   atomic.Uint64
	reconnects atomic.Uint64
	failures   atomic.Uint64
}

// NewReader creates a reader for src. It fails only on invalid tag rules.
func NewReader(src Source, cfg Config, clock record.Clock, opts ...ReaderOption) (*Reader, error) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	parser, err := NewParser(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("remotelog: %w", err)
	}

	r := &Reader{
		src:    src,
		clock:  clock,
		parser: parser,
		framer: NewFramer(cfg.MaxLineBytes),
		retry:  NewRetry(cfg.Retry),
		out:    queue.New[record.LogRecord](cfg.QueueSize, queue.Block),
		sleep:  sleepCtx,
		logger: slog.Default().With("component", "remotelog"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Out returns the queue records are delivered on.
func (r *Reader) Out() *queue.Queue[record.LogRecord] {
	return r.out
}

// Describe names the followed source.
func (r *Reader) Describe() string {
	return r.src.Describe()
}

// Stats returns a snapshot of the reader counters.
func (r *Reader) Stats() Stats {
	return Stats{
		Lines:      r.lines.Load(),
		Partials:   r.partials.Load(),
		Bytes:      r.bytes.Load(),
		Tagged:     r.tagged.Load(),
		Unparsed:   r.unparsed.Load(),
		Reconnects: r.reconnects.Load(),
		Failures:   r.failures.Load(),
	}
}

// Connect opens the first stream. Failures other than ErrAuth are retried
// under the retry policy until it is exhausted or ctx ends; the caller bounds
// startup with ctx.
func (r *Reader) Connect(ctx context.Context) error {
	stream, err := r.src.Open(ctx)
	for err != nil {
		if errors.Is(err, ErrAuth) {
			return err
		}
		r.failures.Add(1)
		delay, ok := r.retry.Next()
		if !ok {
			return fmt.Errorf("%w: %s: %v", ErrReconnectExhausted, r.src.Describe(), err)
		}
		r.logger.Warn("connect failed, retrying",
			"source", r.src.Describe(), "attempt", r.retry.Attempt(), "delay", delay, "error", err)
		if serr := r.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("remotelog: connect %s: %w", r.src.Describe(), errors.Join(serr, err))
		}
		stream, err = r.src.Open(ctx)
	}

	r.retry.Reset()
	r.stream = stream
	r.logger.Info("connected", "source", r.src.Describe())
	return nil
}

// Close releases a stream opened by Connect when Run will not be called,
// e.g. because the other reader failed to start. It must not be called
// concurrently with Run.
func (r *Reader) Close() error {
	r.out.Close()
	if r.stream == nil {
		return nil
	}
	err := r.stream.Close()
	r.stream = nil
	return err
}

// Run pumps lines until ctx ends (returns nil), a reconnect ceiling is hit
// (ErrReconnectExhausted), or credentials are rejected on reconnect (ErrAuth).
//
// Each stream end flushes the unterminated fragment as a partial record.
// Lines written remotely while disconnected are not recovered.
func (r *Reader) Run(ctx context.Context) error {
	defer r.out.Close()
	if r.stream == nil {
		return errors.New("remotelog: run before connect")
	}

	for {
		err := r.pump(ctx, r.stream)
		r.stream.Close()
		r.stream = nil
		r.flush(ctx)

		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn("stream ended, reconnecting", "source", r.src.Describe(), "error", err)

		stream, err := r.reconnect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		r.stream = stream
	}
}

func (r *Reader) reconnect(ctx context.Context) (io.ReadCloser, error) {
	for {
		delay, ok := r.retry.Next()
		if !ok {
			r.logger.Error("giving up on remote log", "source", r.src.Describe(), "attempts", r.retry.Attempt())
			return nil, fmt.Errorf("%w: %s after %d attempts", ErrReconnectExhausted, r.src.Describe(), r.retry.Attempt())
		}
		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}

		stream, err := r.src.Open(ctx)
		if err == nil {
			r.reconnects.Add(1)
			r.logger.Info("reconnected", "source", r.src.Describe(), "attempt", r.retry.Attempt())
			r.retry.Reset()
			return stream, nil
		}
		if errors.Is(err, ErrAuth) {
			return nil, err
		}
		r.failures.Add(1)
		r.logger.Warn("reconnect failed",
			"source", r.src.Describe(), "attempt", r.retry.Attempt(), "error", err)
	}
}

// pump reads one stream until it ends. Cancelling ctx closes the stream to
// unblock the read.
func (r *Reader) pump(ctx context.Context, stream io.ReadCloser) error {
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	buf := make([]byte, readChunk)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			r.bytes.Add(uint64(n))
			ts := r.clock.Now()
			for _, line := range r.framer.Feed(buf[:n]) {
				if perr := r.emit(ctx, line, false, ts); perr != nil {
					return perr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return err
		}
	}
}

// flush emits the trailing fragment of the stream that just ended.
func (r *Reader) flush(ctx context.Context) {
	frag, ok := r.framer.Flush()
	if !ok {
		return
	}
	// The fragment was accepted before the stop; the writer is still
	// draining, so give the push a short window past cancellation.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := r.emit(fctx, frag, true, r.clock.Now()); err != nil {
		r.logger.Warn("dropping trailing fragment", "bytes", len(frag), "error", err)
	}
}

func (r *Reader) emit(ctx context.Context, line string, partial bool, ts record.Timestamp) error {
	line = record.NormalizeText(line)
	p := r.parser.Parse(line)

	rec := record.LogRecord{
		Seq:        r.seq.Next(),
		Captured:   ts,
		Line:       line,
		Partial:    partial,
		Level:      p.Level,
		Message:    p.Message,
		SourceTime: p.Time,
		Tag:        p.Tag,
	}
	if err := r.out.Push(ctx, rec); err != nil {
		return err
	}

	if partial {
		r.partials.Add(1)
	} else {
		r.lines.Add(1)
	}
	if p.Tag != "" {
		r.tagged.Add(1)
	}
	if !p.Structured {
		r.unparsed.Add(1)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
