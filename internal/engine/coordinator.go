package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/vicap/internal/queue"
	"github.com/roach88/vicap/internal/record"
	"github.com/roach88/vicap/internal/remotelog"
	"github.com/roach88/vicap/internal/store"
	"github.com/roach88/vicap/internal/vicon"
)

const (
	// DefaultStartupTimeout bounds bind + connect.
	DefaultStartupTimeout = 15 * time.Second

	// closeTimeout bounds the final session update.
	closeTimeout = 5 * time.Second
)

// SessionConfig describes one recording run.
type SessionConfig struct {
	// Name is the operator's label for the session.
	Name string

	Vicon vicon.Config

	// Log is the followed log. Remote configures framing, parsing and
	// reconnects on top of it.
	Log    remotelog.Source
	Remote remotelog.Config

	// RemoteHost and LogTarget are stored with the session for reference.
	RemoteHost string
	LogTarget  string

	// StartupTimeout bounds the time for both readers to start.
	// Zero selects DefaultStartupTimeout.
	StartupTimeout time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the capture clock. Default: record.NewSystemClock().
func WithClock(clock record.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithIDGenerator sets the session ID source. Default: UUIDv7Generator.
func WithIDGenerator(ids IDGenerator) Option {
	return func(c *Coordinator) {
		c.ids = ids
	}
}

// WithLogger sets the coordinator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithBatchSize bounds the records committed per transaction.
//
// Default: DefaultBatchSize. WithBatchSize(1) commits every record on its own.
func WithBatchSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithRemoteOptions passes options to every log reader the coordinator
// creates, e.g. remotelog.WithSleep in tests.
func WithRemoteOptions(opts ...remotelog.ReaderOption) Option {
	return func(c *Coordinator) {
		c.remoteOpts = append(c.remoteOpts, opts...)
	}
}

// WithStateObserver registers a callback for session state changes.
func WithStateObserver(fn StateObserver) Option {
	return func(c *Coordinator) {
		c.observer = fn
	}
}

// Coordinator owns the lifecycle of recording sessions against one store.
// At most one session is active at a time.
type Coordinator struct {
	store      *store.Store
	clock      record.Clock
	ids        IDGenerator
	logger     *slog.Logger
	batchSize  int
	remoteOpts []remotelog.ReaderOption
	observer   StateObserver

	mu     sync.Mutex
	active *Handle
}

// New creates a coordinator writing to s.
func New(s *store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     s,
		clock:     record.NewSystemClock(),
		ids:       UUIDv7Generator{},
		logger:    slog.Default(),
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start binds the motion socket and connects the log stream concurrently,
// then creates the session and begins recording.
//
// ctx bounds startup only; the running session is ended with Handle.Stop.
// Startup failures return a *CaptureError (see IsStartupError) and leave
// nothing in the store.
func (c *Coordinator) Start(ctx context.Context, cfg SessionConfig) (*Handle, error) {
	if cfg.Log == nil {
		return nil, errors.New("engine: session config has no log source")
	}

	c.mu.Lock()
	if c.active != nil && !c.active.State().Terminal() {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	h := &Handle{
		coord:   c,
		name:    cfg.Name,
		sm:      newStateMachine(c.observer),
		stopReq: make(chan struct{}),
		fatal:   make(chan *CaptureError, 1),
		done:    make(chan struct{}),
		logger:  c.logger,
	}
	c.active = h
	c.mu.Unlock()

	_ = h.sm.Transition(StateStarting)
	if err := h.start(ctx, cfg); err != nil {
		_ = h.sm.Transition(StateAborted)
		close(h.done)
		c.logger.Error("session failed to start", "name", cfg.Name, "error", err)
		return nil, err
	}
	return h, nil
}

// Active returns the current session, or nil.
func (c *Coordinator) Active() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.State().Terminal() {
		return nil
	}
	return c.active
}

// Stats is a live snapshot of a session's counters.
type Stats struct {
	Motion vicon.Stats     `json:"motion"`
	Log    remotelog.Stats `json:"log"`

	MotionQueue queue.Stats `json:"motion_queue"`
	LogQueue    queue.Stats `json:"log_queue"`

	MotionWritten uint64 `json:"motion_written"`
	LogsWritten   uint64 `json:"logs_written"`

	// Discarded counts records popped after a store failure and not written.
	Discarded uint64 `json:"discarded"`
}

// Result is the outcome of a finished session.
type Result struct {
	SessionID string               `json:"session_id"`
	Name      string               `json:"name"`
	Status    record.SessionStatus `json:"status"`
	Reason    string               `json:"reason,omitempty"`
	StartedAt time.Time            `json:"started_at"`
	EndedAt   time.Time            `json:"ended_at"`
	Stats     Stats                `json:"stats"`

	// Err is the *CaptureError that aborted the session, nil when closed.
	Err error `json:"-"`
}

// Duration returns the session length.
func (r Result) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Handle controls one running session.
type Handle struct {
	coord  *Coordinator
	id     string
	name   string
	sm     *stateMachine
	logger *slog.Logger

	started time.Time
	motion  *vicon.Reader
	log     *remotelog.Reader
	writer  *writer

	readers       *errgroup.Group
	cancelReaders context.CancelFunc
	writerDone    chan struct{}

	stopOnce sync.Once
	stopReq  chan struct{}
	fatal    chan *CaptureError
	done     chan struct{}
	result   Result
}

func (h *Handle) start(ctx context.Context, cfg SessionConfig) error {
	c := h.coord
	timeout := cfg.StartupTimeout
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}

	motion := vicon.NewReader(cfg.Vicon, c.clock)
	opts := append([]remotelog.ReaderOption{remotelog.WithLogger(c.logger.With("component", "remotelog"))}, c.remoteOpts...)
	logs, err := remotelog.NewReader(cfg.Log, cfg.Remote, c.clock, opts...)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(startCtx)
	g.Go(func() error {
		if err := motion.Bind(gctx); err != nil {
			return newCaptureError(ErrCodeBindFailed, "motion", "bind UDP socket", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := logs.Connect(gctx); err != nil {
			return classifyConnect(startCtx, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		motion.Close()
		logs.Close()
		return err
	}

	if stale, err := c.store.RecoverStale(ctx); err != nil {
		motion.Close()
		logs.Close()
		return newCaptureError(ErrCodeStoreUnavailable, "store", "recover stale sessions", err)
	} else if len(stale) > 0 {
		c.logger.Warn("marked unfinished sessions aborted", "sessions", stale)
	}

	now := c.clock.Now()
	sess := record.Session{
		ID:        c.ids.Generate(),
		Name:      cfg.Name,
		StartedAt: now.Wall,
		Status:    record.StatusRecording,
		Source: record.SourceInfo{
			ViconAddr:  motion.LocalAddr().String(),
			RemoteHost: cfg.RemoteHost,
			LogTarget:  cfg.LogTarget,
		},
	}
	if _, err := c.store.BeginSession(ctx, sess); err != nil {
		motion.Close()
		logs.Close()
		return newCaptureError(ErrCodeStoreUnavailable, "store", "begin session", err)
	}

	h.id = sess.ID
	h.started = sess.StartedAt
	h.motion = motion
	h.log = logs
	h.logger = c.logger.With("session", h.id)

	// The session outlives the startup context; only Stop or a fatal error
	// ends it.
	runCtx := context.WithoutCancel(ctx)
	readerCtx, cancelReaders := context.WithCancel(runCtx)
	h.cancelReaders = cancelReaders

	h.writer = &writer{
		store:     c.store,
		sessionID: h.id,
		motion:    motion.Out(),
		logs:      logs.Out(),
		batchSize: c.batchSize,
		logger:    h.logger,
		onFail: func(err error) {
			h.fail(newCaptureError(ErrCodeStoreWriteFailed, "store", "commit records", err))
		},
	}

	if err := h.sm.Transition(StateRecording); err != nil {
		cancelReaders()
		return err
	}
	h.logger.Info("recording",
		"name", cfg.Name,
		"vicon", sess.Source.ViconAddr,
		"log", logs.Describe())

	rg, rctx := errgroup.WithContext(readerCtx)
	rg.Go(func() error {
		if err := motion.Run(rctx); err != nil {
			ce := newCaptureError(ErrCodeSocketFailed, "motion", "UDP socket failed", err)
			h.fail(ce)
			return ce
		}
		return nil
	})
	rg.Go(func() error {
		if err := logs.Run(rctx); err != nil {
			code := ErrCodeReconnectExhausted
			if errors.Is(err, remotelog.ErrAuth) {
				code = ErrCodeAuthFailed
			}
			ce := newCaptureError(code, "log", "remote log stream lost", err)
			h.fail(ce)
			return ce
		}
		return nil
	})
	h.readers = rg

	h.writerDone = make(chan struct{})
	go func() {
		defer close(h.writerDone)
		h.writer.run(runCtx)
	}()

	go h.supervise(runCtx)
	return nil
}

func classifyConnect(startCtx context.Context, err error) error {
	switch {
	case errors.Is(err, remotelog.ErrAuth):
		return newCaptureError(ErrCodeAuthFailed, "log", "remote authentication rejected", err)
	case errors.Is(startCtx.Err(), context.DeadlineExceeded):
		return newCaptureError(ErrCodeStartupTimeout, "log", "remote log not connected within startup timeout", err)
	default:
		return newCaptureError(ErrCodeConnectFailed, "log", "connect remote log", err)
	}
}

// fail records the first fatal error; later ones are dropped.
func (h *Handle) fail(ce *CaptureError) {
	select {
	case h.fatal <- ce:
	default:
	}
}

// supervise waits for a stop request or a fatal error, then winds the
// session down: stop readers, flush, persist the terminal status.
func (h *Handle) supervise(ctx context.Context) {
	defer close(h.done)

	var cause *CaptureError
	select {
	case <-h.stopReq:
		h.transition(StateClosing)
		h.logger.Info("stopping session")
	case cause = <-h.fatal:
		h.transition(StateAborting)
		h.logger.Error("aborting session", "error", cause)
	}

	h.cancelReaders()
	if err := h.readers.Wait(); err != nil && cause == nil {
		h.logger.Warn("reader failed while stopping", "error", err)
	}
	h.motion.Close()
	<-h.writerDone

	if cause == nil {
		if werr := h.writer.Err(); werr != nil {
			cause = newCaptureError(ErrCodeStoreWriteFailed, "store", "flush on stop", werr)
			h.transition(StateAborting)
		}
	}

	final := StateClosed
	reason := ""
	if cause != nil {
		final = StateAborted
		reason = cause.Error()
	}

	ended := h.coord.clock.Now().Wall
	closeCtx, cancel := context.WithTimeout(ctx, closeTimeout)
	err := h.coord.store.CloseSession(closeCtx, h.id, final.Status(), reason, ended)
	cancel()
	if err != nil {
		h.logger.Error("could not persist session status", "status", final.Status(), "error", err)
		if cause == nil {
			cause = newCaptureError(ErrCodeStoreWriteFailed, "store", "close session", err)
			reason = cause.Error()
			h.transition(StateAborting)
			final = StateAborted
		}
	}

	h.result = Result{
		SessionID: h.id,
		Name:      h.name,
		Status:    final.Status(),
		Reason:    reason,
		StartedAt: h.started,
		EndedAt:   ended,
		Stats:     h.Stats(),
	}
	if cause != nil {
		h.result.Err = cause
	}

	h.transition(final)
	h.logger.Info("session finished",
		"status", final.Status(),
		"motion_frames", h.result.Stats.MotionWritten,
		"log_records", h.result.Stats.LogsWritten,
		"dropped", h.result.Stats.Motion.Dropped,
		"duration", h.result.Duration())
}

func (h *Handle) transition(to State) {
	if err := h.sm.Transition(to); err != nil {
		h.logger.Error("state machine", "error", err)
	}
}

// ID returns the session ID.
func (h *Handle) ID() string {
	return h.id
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	return h.sm.Current()
}

// Done is closed once the session reached a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the session ends on its own or after Stop, and returns
// its result.
func (h *Handle) Wait() Result {
	<-h.done
	return h.result
}

// Stop requests a clean close and waits for it. It returns ctx's error if
// ctx ends first; the session keeps shutting down in the background.
//
// Stop after an abort returns the aborted result. Stop is safe to call more
// than once.
func (h *Handle) Stop(ctx context.Context) (Result, error) {
	h.stopOnce.Do(func() { close(h.stopReq) })

	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("engine: stop session %s: %w", h.id, ctx.Err())
	}
}

// Stats returns a live snapshot of the session counters.
func (h *Handle) Stats() Stats {
	st := Stats{}
	if h.motion != nil {
		st.Motion = h.motion.Stats()
		st.MotionQueue = h.motion.Out().Stats()
	}
	if h.log != nil {
		st.Log = h.log.Stats()
		st.LogQueue = h.log.Out().Stats()
	}
	if h.writer != nil {
		st.MotionWritten = h.writer.motionWritten.Load()
		st.LogsWritten = h.writer.logsWritten.Load()
		st.Discarded = h.writer.discarded.Load()
	}
	return st
}
