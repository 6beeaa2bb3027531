package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/vicap/internal/config"
	"github.com/roach88/vicap/internal/record"
	"github.com/roach88/vicap/internal/store"
)

// ShowOptions holds flags for the show command.
type ShowOptions struct {
	*RootOptions
	SessionID string
	Timeline  bool
	Limit     int
}

// SessionReport is the summary of one stored session.
type SessionReport struct {
	Session  record.Session  `json:"session"`
	Counts   store.Counts    `json:"counts"`
	Span     *SpanReport     `json:"span,omitempty"`
	Timeline []TimelineEntry `json:"timeline,omitempty"`
}

// SpanReport is the captured time range.
type SpanReport struct {
	First    time.Time `json:"first"`
	Last     time.Time `json:"last"`
	Duration string    `json:"duration"`
}

// TimelineEntry is one record of a merged timeline.
type TimelineEntry struct {
	Kind     string              `json:"kind"`
	Seq      int64               `json:"seq"`
	Captured time.Time           `json:"captured"`
	Motion   *record.MotionFrame `json:"motion,omitempty"`
	Log      *record.LogRecord   `json:"log,omitempty"`
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show <session-folder|database>",
		Short: "Summarize a recorded session",
		Long: `Summarize the sessions stored in a session folder or database file.

With --timeline, motion frames and log records are printed merged by capture
time, motion first on equal timestamps.

Examples:
  vicap show data/2024-07-25_14-00-00_dock_test
  vicap show data/2024-07-25_14-00-00_dock_test/session_data.db --timeline --limit 50
  vicap show ./session_data.db --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.SessionID, "session", "", "only this session ID")
	cmd.Flags().BoolVar(&opts.Timeline, "timeline", false, "print the merged timeline")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "print at most this many timeline entries (0 = all)")

	return cmd
}

func runShow(opts *ShowOptions, path string, cmd *cobra.Command) error {
	ctx := context.Background()

	dbPath, err := resolveDatabase(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "database not found", err)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	var sessions []record.Session
	if opts.SessionID != "" {
		s, err := st.ReadSession(ctx, opts.SessionID)
		if err != nil {
			return WrapExitError(ExitCommandError, "session not found", err)
		}
		sessions = []record.Session{s}
	} else {
		sessions, err = st.ListSessions(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list sessions", err)
		}
	}

	reports := make([]SessionReport, 0, len(sessions))
	for _, s := range sessions {
		r, err := buildReport(ctx, st, s, opts)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read session", err)
		}
		reports = append(reports, r)
	}

	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	return formatter.Print(opts.SessionID, reports, func(w io.Writer) {
		if len(reports) == 0 {
			fmt.Fprintf(w, "No sessions in %s\n", dbPath)
			return
		}
		for i, r := range reports {
			if i > 0 {
				fmt.Fprintln(w)
			}
			printReport(w, r, opts.Verbose)
		}
	})
}

// resolveDatabase accepts a session folder or a database file.
func resolveDatabase(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return path, nil
	}
	p, err := config.OpenProject(path)
	if err != nil {
		return "", err
	}
	return p.DatabasePath(), nil
}

func buildReport(ctx context.Context, st *store.Store, s record.Session, opts *ShowOptions) (SessionReport, error) {
	r := SessionReport{Session: s}

	counts, err := st.CountRecords(ctx, s.ID)
	if err != nil {
		return r, err
	}
	r.Counts = counts

	span, ok, err := st.ReadSpan(ctx, s.ID)
	if err != nil {
		return r, err
	}
	if ok {
		r.Span = &SpanReport{First: span.First, Last: span.Last, Duration: span.Duration().String()}
	}

	if !opts.Timeline {
		return r, nil
	}
	entries, err := st.ReadTimeline(ctx, s.ID)
	if err != nil {
		return r, err
	}
	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}
	r.Timeline = make([]TimelineEntry, 0, len(entries))
	for _, e := range entries {
		r.Timeline = append(r.Timeline, TimelineEntry{
			Kind:     e.Kind.String(),
			Seq:      e.Seq,
			Captured: e.Captured.Wall,
			Motion:   e.Motion,
			Log:      e.Log,
		})
	}
	return r, nil
}

func printReport(w io.Writer, r SessionReport, verbose bool) {
	s := r.Session
	fmt.Fprintf(w, "Session: %s (%s)\n", s.ID, s.Name)
	fmt.Fprintf(w, "Status:  %s\n", s.Status)
	if s.Reason != "" {
		fmt.Fprintf(w, "Reason:  %s\n", s.Reason)
	}
	fmt.Fprintf(w, "Started: %s\n", s.StartedAt.Format(time.RFC3339Nano))
	if s.EndedAt != nil {
		fmt.Fprintf(w, "Ended:   %s (%s)\n", s.EndedAt.Format(time.RFC3339Nano), s.EndedAt.Sub(s.StartedAt).Round(time.Millisecond))
	}
	if verbose {
		fmt.Fprintf(w, "Vicon:   %s\n", s.Source.ViconAddr)
		fmt.Fprintf(w, "Log:     %s %s\n", s.Source.RemoteHost, s.Source.LogTarget)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Records ===")
	fmt.Fprintf(w, "  Motion frames: %d (%d occluded)\n", r.Counts.Motion, r.Counts.Invalid)
	for _, name := range sortedKeys(r.Counts.Objects) {
		fmt.Fprintf(w, "    %-20s %d\n", name, r.Counts.Objects[name])
	}
	fmt.Fprintf(w, "  Log records:   %d (%d partial)\n", r.Counts.Logs, r.Counts.Partials)
	for _, tag := range sortedKeys(r.Counts.Tags) {
		fmt.Fprintf(w, "    #%-19s %d\n", tag, r.Counts.Tags[tag])
	}
	if r.Span != nil {
		fmt.Fprintf(w, "  Captured span: %s\n", r.Span.Duration)
	}

	if r.Timeline == nil {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Timeline ===")
	if len(r.Timeline) == 0 {
		fmt.Fprintln(w, "  (no records)")
	}
	for _, e := range r.Timeline {
		fmt.Fprintf(w, "  %s %s\n", e.Captured.Format("15:04:05.000000"), formatEntry(e))
	}
}

func formatEntry(e TimelineEntry) string {
	switch {
	case e.Motion != nil:
		m := e.Motion
		pose := fmt.Sprintf("t=(%.1f, %.1f, %.1f) r=(%.3f, %.3f, %.3f)",
			m.Translation[0], m.Translation[1], m.Translation[2],
			m.Rotation[0], m.Rotation[1], m.Rotation[2])
		if !m.Valid {
			pose = "occluded"
		}
		return fmt.Sprintf("MOT [%d] %s #%d %s", m.Seq, m.Object, m.FrameNumber, pose)
	case e.Log != nil:
		l := e.Log
		text := l.Line
		if l.Message != "" {
			text = l.Message
		}
		level := l.Level
		if level == "" {
			level = "-"
		}
		suffix := ""
		if l.Partial {
			suffix = " (partial)"
		}
		if l.Tag != "" {
			suffix += " #" + l.Tag
		}
		return fmt.Sprintf("LOG [%d] %-5s %s%s", l.Seq, level, text, suffix)
	}
	return "?"
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
