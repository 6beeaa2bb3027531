package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/vicap/internal/record"
)

// StaleReason is recorded on sessions found still recording by RecoverStale.
const StaleReason = "recorder exited without closing the session"

// BeginSession inserts sess with status recording and returns its ID.
//
// Only one session per file may be recording; a second BeginSession returns
// ErrSessionActive until the first is closed.
func (s *Store) BeginSession(ctx context.Context, sess record.Session) (string, error) {
	if sess.ID == "" {
		return "", errors.New("begin session: empty id")
	}
	if sess.StartedAt.IsZero() {
		return "", errors.New("begin session: zero start time")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin session: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var active string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM sessions WHERE status = 'recording' LIMIT 1
	`).Scan(&active)
	switch {
	case err == nil:
		return "", fmt.Errorf("begin session: %w: %s", ErrSessionActive, active)
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("begin session: check active: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions
		(id, name, started_at_ns, status, vicon_addr, remote_host, log_target, recorder_version, schema_version)
		VALUES (?, ?, ?, 'recording', ?, ?, ?, ?, ?)
	`,
		sess.ID,
		sess.Name,
		toNanos(sess.StartedAt),
		sess.Source.ViconAddr,
		sess.Source.RemoteHost,
		sess.Source.LogTarget,
		record.RecorderVersion,
		record.SchemaVersion,
	)
	if err != nil {
		return "", fmt.Errorf("begin session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("begin session: commit: %w", err)
	}
	s.setLive(sess.ID, true)
	return sess.ID, nil
}

// WriteMotion commits one motion frame.
func (s *Store) WriteMotion(ctx context.Context, f record.MotionFrame) error {
	if err := s.WriteBatch(ctx, Batch{Motion: []record.MotionFrame{f}}); err != nil {
		return fmt.Errorf("write motion: %w", err)
	}
	return nil
}

// WriteLog commits one log record.
func (s *Store) WriteLog(ctx context.Context, r record.LogRecord) error {
	if err := s.WriteBatch(ctx, Batch{Logs: []record.LogRecord{r}}); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

// Batch groups records committed in one transaction.
type Batch struct {
	Motion []record.MotionFrame
	Logs   []record.LogRecord
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.Motion) + len(b.Logs)
}

// WriteBatch commits all records in b, or none of them.
//
// Every referenced session must exist and be recording, otherwise the batch
// fails with ErrSessionNotRecording. A failed batch never leaves some of its
// records behind.
func (s *Store) WriteBatch(ctx context.Context, b Batch) error {
	if b.Len() == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := checkRecording(ctx, tx, b); err != nil {
		return err
	}

	if len(b.Motion) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO motion_frames
			(session_id, seq, captured_at_ns, mono_ns, frame_number, item_id, object, tx, ty, tz, rx, ry, rz, valid)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare motion insert: %w", err)
		}
		defer stmt.Close()

		for _, f := range b.Motion {
			_, err := stmt.ExecContext(ctx,
				f.SessionID,
				f.Seq,
				toNanos(f.Captured.Wall),
				int64(f.Captured.Mono),
				int64(f.FrameNumber),
				int(f.ItemID),
				f.Object,
				f.Translation[0], f.Translation[1], f.Translation[2],
				f.Rotation[0], f.Rotation[1], f.Rotation[2],
				boolToInt(f.Valid),
			)
			if err != nil {
				return fmt.Errorf("insert motion frame seq %d: %w", f.Seq, err)
			}
		}
	}

	if len(b.Logs) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO log_records
			(session_id, seq, captured_at_ns, mono_ns, line, partial, level, message, source_time_ns, tag)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare log insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range b.Logs {
			_, err := stmt.ExecContext(ctx,
				r.SessionID,
				r.Seq,
				toNanos(r.Captured.Wall),
				int64(r.Captured.Mono),
				r.Line,
				boolToInt(r.Partial),
				r.Level,
				r.Message,
				toNullNanos(r.SourceTime),
				r.Tag,
			)
			if err != nil {
				return fmt.Errorf("insert log record seq %d: %w", r.Seq, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// checkRecording verifies every session referenced by b is recording.
func checkRecording(ctx context.Context, tx *sql.Tx, b Batch) error {
	seen := make(map[string]bool)
	check := func(id string) error {
		if seen[id] {
			return nil
		}
		seen[id] = true

		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %q not found", ErrSessionNotRecording, id)
		}
		if err != nil {
			return fmt.Errorf("check session %q: %w", id, err)
		}
		if record.SessionStatus(status) != record.StatusRecording {
			return fmt.Errorf("%w: %q is %s", ErrSessionNotRecording, id, status)
		}
		return nil
	}

	for _, f := range b.Motion {
		if err := check(f.SessionID); err != nil {
			return err
		}
	}
	for _, r := range b.Logs {
		if err := check(r.SessionID); err != nil {
			return err
		}
	}
	return nil
}

// CloseSession moves a recording session to a terminal status.
// reason is stored for aborted sessions and may be empty.
func (s *Store) CloseSession(ctx context.Context, id string, status record.SessionStatus, reason string, endedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("close session: %q is not a terminal status", status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, reason = ?, ended_at_ns = ?
		WHERE id = ? AND status = 'recording'
	`, string(status), reason, toNanos(endedAt), id)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close session: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("close session: %w: %q", ErrSessionNotRecording, id)
	}
	s.setLive(id, false)
	return nil
}

func (s *Store) setLive(id string, live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if live {
		s.live[id] = true
	} else {
		delete(s.live, id)
	}
}

func (s *Store) isLive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[id]
}

// RecoverStale aborts sessions left recording by a process that died
// without closing them, and returns their IDs. Sessions begun through this
// handle and still open are not stale and are left recording. The end time
// is the latest captured record, or the start time if none were written.
func (s *Store) RecoverStale(ctx context.Context) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("recover stale: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM sessions WHERE status = 'recording' ORDER BY started_at_ns ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("recover stale: %w", err)
	}
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("recover stale: scan: %w", err)
		}
		if s.isLive(id) {
			continue
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recover stale: iterate: %w", err)
	}

	for _, id := range ids {
		_, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET status = 'aborted',
			    reason = ?,
			    ended_at_ns = MAX(
			        started_at_ns,
			        COALESCE((SELECT MAX(captured_at_ns) FROM motion_frames WHERE session_id = ?), 0),
			        COALESCE((SELECT MAX(captured_at_ns) FROM log_records WHERE session_id = ?), 0)
			    )
			WHERE id = ?
		`, StaleReason, id, id, id)
		if err != nil {
			return nil, fmt.Errorf("recover stale %q: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("recover stale: commit: %w", err)
	}
	return ids, nil
}
