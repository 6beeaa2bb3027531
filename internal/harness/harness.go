package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/vicap/internal/engine"
	"github.com/roach88/vicap/internal/remotelog"
	"github.com/roach88/vicap/internal/store"
	"github.com/roach88/vicap/internal/testutil"
	"github.com/roach88/vicap/internal/vicon"
)

// DefaultTimeout bounds each waiting step and the final stop.
const DefaultTimeout = 5 * time.Second

// pollInterval is how often written counters are checked.
const pollInterval = 5 * time.Millisecond

type options struct {
	dbPath  string
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures Run.
type Option func(*options)

// WithDatabase stores the session in path instead of an in-memory database.
func WithDatabase(path string) Option {
	return func(o *options) {
		o.dbPath = path
	}
}

// WithLogger sets the logger handed to the engine.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// Harness plays one scenario into a live coordinator.
type Harness struct {
	src     *testutil.LogSource
	emitter *vicon.Emitter
	handle  *engine.Handle
	timeout time.Duration

	// Records sent so far; the harness waits for the writer to catch up
	// before dropping the stream or stopping.
	wantMotion uint64
	wantLogs   uint64
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh database, a loopback UDP socket and a
// scripted log source. Session IDs come from a sequential generator and
// capture times from a deterministic clock, so the Summary is identical on
// every run.
//
// Execution flow:
//  1. Open the store and start a session
//  2. Play the flow steps
//  3. Stop the session unless it already ended
//  4. Summarize the stored session and evaluate assertions
func Run(ctx context.Context, sc *Scenario, opts ...Option) (*Result, error) {
	o := options{
		dbPath:  ":memory:",
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	st, err := store.Open(o.dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	src := testutil.NewLogSource()
	coord := engine.New(st,
		engine.WithClock(testutil.NewDeterministicClock(time.Time{}, time.Millisecond)),
		engine.WithIDGenerator(testutil.NewSequentialIDs("scenario")),
		engine.WithLogger(o.logger),
		engine.WithRemoteOptions(remotelog.WithSleep(quickSleep)),
	)

	remote := remotelog.DefaultConfig()
	remote.Retry = remotelog.RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      1,
		MaxRetries:      sc.Retry.MaxRetries,
	}
	remote.Rules = sc.Events

	startCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	handle, err := coord.Start(startCtx, engine.SessionConfig{
		Name: sc.Name,
		Vicon: vicon.Config{
			Addr:        "127.0.0.1:0",
			ReadTimeout: 20 * time.Millisecond,
		},
		Log:            src,
		Remote:         remote,
		LogTarget:      src.Describe(),
		StartupTimeout: o.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	h := &Harness{src: src, handle: handle, timeout: o.timeout}
	defer h.shutdown()

	if err := src.WaitConnected(startCtx); err != nil {
		return nil, fmt.Errorf("log source never connected: %w", err)
	}

	sess, err := st.ReadSession(ctx, handle.ID())
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	h.emitter, err = vicon.Dial(ctx, sess.Source.ViconAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial recorder: %w", err)
	}

	for i, step := range sc.Flow {
		if err := h.play(ctx, step); err != nil {
			return nil, fmt.Errorf("flow[%d] %s: %w", i, step.kind(), err)
		}
	}

	res, err := h.finish(ctx)
	if err != nil {
		return nil, err
	}

	sum, err := summarize(ctx, st, res)
	if err != nil {
		return nil, err
	}
	sum.Scenario = sc.Name
	sum.Opens = src.Opens()

	result := NewResult()
	result.Summary = sum
	actx := &AssertionContext{Store: st, Ctx: ctx, SessionID: res.SessionID}
	for _, msg := range EvaluateAssertions(sum, sc.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// play runs one flow step.
func (h *Harness) play(ctx context.Context, step Step) error {
	switch step.kind() {
	case "emit":
		if err := h.src.Emit(step.Emit...); err != nil {
			return err
		}
		h.wantLogs += uint64(len(step.Emit))

	case "write":
		if _, err := h.src.Write([]byte(step.Write)); err != nil {
			return err
		}

	case "motion":
		m := step.Motion
		if m.FirstFrame != 0 {
			h.emitter.StartAt(m.FirstFrame)
		}
		sent, err := h.emitter.Stream(ctx, m.Rate, m.Frames, func(i int) []vicon.Object {
			return pose(m.Objects, i, m.OccludeEvery)
		})
		h.wantMotion += uint64(sent * len(m.Objects))
		if err != nil {
			return err
		}

	case "drop":
		if err := h.awaitWritten(ctx); err != nil {
			return err
		}
		h.src.Drop()

	case "refuse":
		h.src.Refuse(errors.New(step.Refuse))

	case "allow":
		h.src.Allow()

	case "await_reconnect":
		waitCtx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		return h.src.WaitConnected(waitCtx)

	case "await_end":
		select {
		case <-h.handle.Done():
		case <-time.After(h.timeout):
			return fmt.Errorf("session still %s after %s", h.handle.State(), h.timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// awaitWritten waits until every record sent so far has been committed, or
// the session ends.
func (h *Harness) awaitWritten(ctx context.Context) error {
	deadline := time.Now().Add(h.timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		s := h.handle.Stats()
		if s.MotionWritten >= h.wantMotion && s.LogsWritten >= h.wantLogs {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("records not written in %s: motion %d/%d, logs %d/%d",
				h.timeout, s.MotionWritten, h.wantMotion, s.LogsWritten, h.wantLogs)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.handle.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// finish stops a session that is still recording and returns its result.
func (h *Harness) finish(ctx context.Context) (engine.Result, error) {
	select {
	case <-h.handle.Done():
		return h.handle.Wait(), nil
	default:
	}

	if err := h.awaitWritten(ctx); err != nil {
		return engine.Result{}, err
	}
	stopCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	res, err := h.handle.Stop(stopCtx)
	if err != nil {
		return engine.Result{}, fmt.Errorf("failed to stop session: %w", err)
	}
	return res, nil
}

// shutdown releases the emitter and makes sure no session outlives Run.
func (h *Harness) shutdown() {
	if h.emitter != nil {
		h.emitter.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	_, _ = h.handle.Stop(ctx)
}

// summarize reduces the stored session to its schedule-independent parts.
func summarize(ctx context.Context, st *store.Store, res engine.Result) (Summary, error) {
	sum := Summary{
		SessionID: res.SessionID,
		Status:    string(res.Status),
		Code:      string(engine.CodeOf(res.Err)),
		Lines:     []string{},
	}

	counts, err := st.CountRecords(ctx, res.SessionID)
	if err != nil {
		return sum, fmt.Errorf("failed to count records: %w", err)
	}
	sum.Motion = counts.Motion
	sum.Occluded = counts.Invalid
	sum.Objects = counts.Objects
	sum.Logs = counts.Logs
	sum.Partials = counts.Partials
	sum.Tags = counts.Tags

	frames, err := st.ReadMotionFrames(ctx, res.SessionID)
	if err != nil {
		return sum, fmt.Errorf("failed to read motion frames: %w", err)
	}
	for i, f := range frames {
		if i == 0 || f.FrameNumber < sum.FirstFrame {
			sum.FirstFrame = f.FrameNumber
		}
		if f.FrameNumber > sum.LastFrame {
			sum.LastFrame = f.FrameNumber
		}
	}

	logs, err := st.ReadLogRecords(ctx, res.SessionID)
	if err != nil {
		return sum, fmt.Errorf("failed to read log records: %w", err)
	}
	sum.Lines = append(sum.Lines, lines(logs)...)
	sum.Reconnects = res.Stats.Log.Reconnects
	return sum, nil
}

// pose places each object on a line along X, one centimetre per frame.
// Frames whose index is a multiple of occludeEvery report an all-zero pose.
func pose(names []string, i, occludeEvery int) []vicon.Object {
	objects := make([]vicon.Object, len(names))
	for k, name := range names {
		o := vicon.Object{ItemID: vicon.ItemObject, Name: name}
		if occludeEvery == 0 || i%occludeEvery != 0 {
			o.Translation = [3]float64{float64(1000 + 10*i), float64(500 * (k + 1)), 0}
			o.Rotation = [3]float64{0, 0, 0.01 * float64(i+1)}
		}
		objects[k] = o
	}
	return objects
}

// quickSleep replaces reconnect backoff with a millisecond pause.
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
