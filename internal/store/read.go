package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/vicap/internal/record"
)

const sessionColumns = `
	id, name, started_at_ns, ended_at_ns, status, reason, vicon_addr, remote_host, log_target
`

// ReadSession retrieves a single session by ID.
// Returns sql.ErrNoRows (wrapped) if not found.
func (s *Store) ReadSession(ctx context.Context, id string) (record.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return record.Session{}, fmt.Errorf("read session %q: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns every session in the file, oldest first.
// Returns an empty slice (not nil) for an empty store.
func (s *Store) ListSessions(ctx context.Context) ([]record.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		ORDER BY started_at_ns ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []record.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// ReadMotionFrames returns a session's motion frames in arrival order.
func (s *Store) ReadMotionFrames(ctx context.Context, sessionID string) ([]record.MotionFrame, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, captured_at_ns, mono_ns, frame_number, item_id, object,
		       tx, ty, tz, rx, ry, rz, valid
		FROM motion_frames
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query motion frames: %w", err)
	}
	defer rows.Close()

	frames := []record.MotionFrame{}
	for rows.Next() {
		f, err := scanMotion(rows)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate motion frames: %w", err)
	}
	return frames, nil
}

// ReadLogRecords returns a session's log records in arrival order.
func (s *Store) ReadLogRecords(ctx context.Context, sessionID string) ([]record.LogRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, seq, captured_at_ns, mono_ns, line, partial, level, message, source_time_ns, tag
		FROM log_records
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query log records: %w", err)
	}
	defer rows.Close()

	records := []record.LogRecord{}
	for rows.Next() {
		r, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log records: %w", err)
	}
	return records, nil
}

// Counts summarizes what a session holds.
type Counts struct {
	Motion   int64            `json:"motion_frames"`
	Logs     int64            `json:"log_records"`
	Partials int64            `json:"partial_lines"`
	Invalid  int64            `json:"occluded_frames"`
	Objects  map[string]int64 `json:"objects"`
	Tags     map[string]int64 `json:"tags"`
}

// CountRecords returns per-table and per-object counts for a session.
func (s *Store) CountRecords(ctx context.Context, sessionID string) (Counts, error) {
	c := Counts{Objects: map[string]int64{}, Tags: map[string]int64{}}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(1 - valid), 0) FROM motion_frames WHERE session_id = ?
	`, sessionID).Scan(&c.Motion, &c.Invalid)
	if err != nil {
		return Counts{}, fmt.Errorf("count motion frames: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(partial), 0) FROM log_records WHERE session_id = ?
	`, sessionID).Scan(&c.Logs, &c.Partials)
	if err != nil {
		return Counts{}, fmt.Errorf("count log records: %w", err)
	}

	if err := s.groupCount(ctx, c.Objects, `
		SELECT object, COUNT(*) FROM motion_frames WHERE session_id = ? GROUP BY object
	`, sessionID); err != nil {
		return Counts{}, fmt.Errorf("count objects: %w", err)
	}
	if err := s.groupCount(ctx, c.Tags, `
		SELECT tag, COUNT(*) FROM log_records WHERE session_id = ? AND tag != '' GROUP BY tag
	`, sessionID); err != nil {
		return Counts{}, fmt.Errorf("count tags: %w", err)
	}
	return c, nil
}

func (s *Store) groupCount(ctx context.Context, into map[string]int64, query string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (record.Session, error) {
	var (
		sess    record.Session
		started int64
		ended   sql.NullInt64
		status  string
	)
	err := sc.Scan(
		&sess.ID,
		&sess.Name,
		&started,
		&ended,
		&status,
		&sess.Reason,
		&sess.Source.ViconAddr,
		&sess.Source.RemoteHost,
		&sess.Source.LogTarget,
	)
	if err != nil {
		return record.Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.StartedAt = fromNanos(started)
	sess.EndedAt = fromNullNanos(ended)
	sess.Status = record.SessionStatus(status)
	return sess, nil
}

func scanMotion(sc scanner) (record.MotionFrame, error) {
	var (
		f        record.MotionFrame
		captured int64
		mono     int64
		frameNum int64
		itemID   int
		valid    int
	)
	err := sc.Scan(
		&f.SessionID,
		&f.Seq,
		&captured,
		&mono,
		&frameNum,
		&itemID,
		&f.Object,
		&f.Translation[0], &f.Translation[1], &f.Translation[2],
		&f.Rotation[0], &f.Rotation[1], &f.Rotation[2],
		&valid,
	)
	if err != nil {
		return record.MotionFrame{}, fmt.Errorf("scan motion frame: %w", err)
	}
	f.Captured = record.Timestamp{Wall: fromNanos(captured), Mono: time.Duration(mono)}
	f.FrameNumber = uint32(frameNum)
	f.ItemID = uint8(itemID)
	f.Valid = valid != 0
	return f, nil
}

func scanLog(sc scanner) (record.LogRecord, error) {
	var (
		r          record.LogRecord
		captured   int64
		mono       int64
		partial    int
		sourceTime sql.NullInt64
	)
	err := sc.Scan(
		&r.SessionID,
		&r.Seq,
		&captured,
		&mono,
		&r.Line,
		&partial,
		&r.Level,
		&r.Message,
		&sourceTime,
		&r.Tag,
	)
	if err != nil {
		return record.LogRecord{}, fmt.Errorf("scan log record: %w", err)
	}
	r.Captured = record.Timestamp{Wall: fromNanos(captured), Mono: time.Duration(mono)}
	r.Partial = partial != 0
	r.SourceTime = fromNullNanos(sourceTime)
	return r, nil
}
