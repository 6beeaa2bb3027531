package store

import (
	"context"
	"testing"
	"time"

	"github.com/roach88/vicap/internal/record"
)

func TestReadTimeline_MergesByCaptureTime(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	beginTestSession(t, s, "s1")

	// Written in arrival order per source, deliberately out of global order.
	b := Batch{}
	b.Motion = append(b.Motion,
		createTestFrame("s1", 1, "cart", 10*time.Millisecond),
		createTestFrame("s1", 2, "cart", 30*time.Millisecond),
	)
	b.Logs = append(b.Logs,
		createTestLog("s1", 1, "early", 5*time.Millisecond),
		createTestLog("s1", 2, "tie", 30*time.Millisecond),
		createTestLog("s1", 3, "late", 40*time.Millisecond),
	)
	if err := s.WriteBatch(ctx, b); err != nil {
		t.Fatalf("WriteBatch() failed: %v", err)
	}

	entries, err := s.ReadTimeline(ctx, "s1")
	if err != nil {
		t.Fatalf("ReadTimeline() failed: %v", err)
	}

	want := []struct {
		kind EntryKind
		seq  int64
	}{
		{EntryLog, 1},
		{EntryMotion, 1},
		{EntryMotion, 2}, // ties: motion before log
		{EntryLog, 2},
		{EntryLog, 3},
	}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for i, w := range want {
		e := entries[i]
		if e.Kind != w.kind || e.Seq != w.seq {
			t.Errorf("entry %d = %s/%d, want %s/%d", i, e.Kind, e.Seq, w.kind, w.seq)
		}
		if (e.Kind == EntryMotion) != (e.Motion != nil) || (e.Kind == EntryLog) != (e.Log != nil) {
			t.Errorf("entry %d payload does not match kind %s", i, e.Kind)
		}
	}
	if entries[0].Log.Line != "early" {
		t.Errorf("first entry line = %q, want early", entries[0].Log.Line)
	}
}

func TestReadSpan(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	beginTestSession(t, s, "s1")

	if _, ok, err := s.ReadSpan(ctx, "s1"); err != nil || ok {
		t.Errorf("empty session span: ok=%v err=%v, want ok=false", ok, err)
	}

	b := Batch{
		Motion: []record.MotionFrame{createTestFrame("s1", 1, "cart", 2*time.Second)},
		Logs:   []record.LogRecord{createTestLog("s1", 1, "x", 500*time.Millisecond)},
	}
	if err := s.WriteBatch(ctx, b); err != nil {
		t.Fatalf("WriteBatch() failed: %v", err)
	}

	span, ok, err := s.ReadSpan(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("ReadSpan() = ok %v, err %v", ok, err)
	}
	if span.Duration() != 1500*time.Millisecond {
		t.Errorf("Duration() = %v, want 1.5s", span.Duration())
	}
}

func TestGetLastSeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	beginTestSession(t, s, "s1")

	b := Batch{
		Motion: []record.MotionFrame{createTestFrame("s1", 7, "cart", 0)},
		Logs:   []record.LogRecord{createTestLog("s1", 3, "x", 0)},
	}
	if err := s.WriteBatch(ctx, b); err != nil {
		t.Fatalf("WriteBatch() failed: %v", err)
	}

	motion, log, err := s.GetLastSeq(ctx, "s1")
	if err != nil {
		t.Fatalf("GetLastSeq() failed: %v", err)
	}
	if motion != 7 || log != 3 {
		t.Errorf("GetLastSeq() = %d, %d; want 7, 3", motion, log)
	}
}
