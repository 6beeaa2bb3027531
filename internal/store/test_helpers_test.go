package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/vicap/internal/record"
)

// testEpoch is the fixed start time used by test sessions.
var testEpoch = time.Date(2024, 7, 25, 14, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// beginTestSession starts a recording session with the given ID.
func beginTestSession(t *testing.T, s *Store, id string) {
	t.Helper()
	_, err := s.BeginSession(context.Background(), record.Session{
		ID:        id,
		Name:      "test_" + id,
		StartedAt: testEpoch,
		Source:    record.SourceInfo{ViconAddr: "0.0.0.0:51001", RemoteHost: "robot:22", LogTarget: "/var/log/brain.log"},
	})
	if err != nil {
		t.Fatalf("BeginSession(%q) failed: %v", id, err)
	}
}

// ts returns a timestamp offset from testEpoch.
func ts(offset time.Duration) record.Timestamp {
	return record.Timestamp{Wall: testEpoch.Add(offset), Mono: offset}
}

// createTestFrame creates a motion frame with minimal required fields.
func createTestFrame(sessionID string, seq int64, object string, offset time.Duration) record.MotionFrame {
	return record.MotionFrame{
		SessionID:   sessionID,
		Seq:         seq,
		Captured:    ts(offset),
		FrameNumber: uint32(1000 + seq),
		Object:      object,
		Translation: [3]float64{0.1 * float64(seq), -0.25, 1.0},
		Rotation:    [3]float64{0.01, 3.0126, 0.3407},
		Valid:       true,
	}
}

// createTestLog creates a log record with minimal required fields.
func createTestLog(sessionID string, seq int64, line string, offset time.Duration) record.LogRecord {
	return record.LogRecord{
		SessionID: sessionID,
		Seq:       seq,
		Captured:  ts(offset),
		Line:      line,
		Level:     "INFO",
		Message:   line,
	}
}

// crashTestSession begins a session through a second handle on the same file
// and closes that handle without closing the session, as a killed recorder
// would leave it.
func crashTestSession(t *testing.T, s *Store, id string) {
	t.Helper()
	other, err := Open(s.Path())
	if err != nil {
		t.Fatalf("Open() second handle failed: %v", err)
	}
	beginTestSession(t, other, id)
	if err := other.Close(); err != nil {
		t.Fatalf("Close() second handle failed: %v", err)
	}
}
