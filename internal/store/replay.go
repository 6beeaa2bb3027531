package store

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/vicap/internal/record"
)

// EntryKind distinguishes the two sources in a timeline.
type EntryKind int

const (
	EntryMotion EntryKind = iota
	EntryLog
)

// String returns the entry kind as a string.
func (k EntryKind) String() string {
	switch k {
	case EntryMotion:
		return "motion"
	case EntryLog:
		return "log"
	default:
		return "unknown"
	}
}

// TimelineEntry is one record in a merged session timeline.
// Exactly one of Motion and Log is set, matching Kind.
type TimelineEntry struct {
	Kind     EntryKind
	Seq      int64
	Captured record.Timestamp
	Motion   *record.MotionFrame
	Log      *record.LogRecord
}

// ReadTimeline returns both sources of a session merged by capture wall
// time. Ties are broken by source (motion first) and then by per-source seq,
// so the result is identical on every read.
//
// Write order across sources is arrival order; this is where the two are
// put on one time axis.
func (s *Store) ReadTimeline(ctx context.Context, sessionID string) ([]TimelineEntry, error) {
	frames, err := s.ReadMotionFrames(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read timeline: %w", err)
	}
	logs, err := s.ReadLogRecords(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read timeline: %w", err)
	}

	entries := make([]TimelineEntry, 0, len(frames)+len(logs))
	for i := range frames {
		entries = append(entries, TimelineEntry{
			Kind:     EntryMotion,
			Seq:      frames[i].Seq,
			Captured: frames[i].Captured,
			Motion:   &frames[i],
		})
	}
	for i := range logs {
		entries = append(entries, TimelineEntry{
			Kind:     EntryLog,
			Seq:      logs[i].Seq,
			Captured: logs[i].Captured,
			Log:      &logs[i],
		})
	}

	slices.SortStableFunc(entries, compareEntries)
	return entries, nil
}

// compareEntries orders by wall time, then kind, then seq.
func compareEntries(a, b TimelineEntry) int {
	if c := a.Captured.Wall.Compare(b.Captured.Wall); c != 0 {
		return c
	}
	if a.Kind != b.Kind {
		return int(a.Kind) - int(b.Kind)
	}
	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	}
	return 0
}

// Span is the captured time range of a session.
type Span struct {
	First time.Time
	Last  time.Time
}

// Duration returns Last - First.
func (s Span) Duration() time.Duration {
	return s.Last.Sub(s.First)
}

// ReadSpan returns the earliest and latest capture times across both sources.
// ok is false when the session has no records.
func (s *Store) ReadSpan(ctx context.Context, sessionID string) (span Span, ok bool, err error) {
	var first, last *int64
	err = s.db.QueryRowContext(ctx, `
		SELECT MIN(t), MAX(t) FROM (
			SELECT captured_at_ns AS t FROM motion_frames WHERE session_id = ?
			UNION ALL
			SELECT captured_at_ns AS t FROM log_records WHERE session_id = ?
		)
	`, sessionID, sessionID).Scan(&first, &last)
	if err != nil {
		return Span{}, false, fmt.Errorf("read span: %w", err)
	}
	if first == nil || last == nil {
		return Span{}, false, nil
	}
	return Span{First: fromNanos(*first), Last: fromNanos(*last)}, true, nil
}

// GetLastSeq returns the highest seq written for each source of a session.
func (s *Store) GetLastSeq(ctx context.Context, sessionID string) (motion, log int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT MAX(seq) FROM motion_frames WHERE session_id = ?), 0),
			COALESCE((SELECT MAX(seq) FROM log_records WHERE session_id = ?), 0)
	`, sessionID, sessionID).Scan(&motion, &log)
	if err != nil {
		return 0, 0, fmt.Errorf("get last seq: %w", err)
	}
	return motion, log, nil
}
