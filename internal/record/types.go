package record

import "time"

// SessionStatus is the persisted lifecycle status of a recording session.
type SessionStatus string

const (
	StatusRecording SessionStatus = "recording"
	StatusClosed    SessionStatus = "closed"
	StatusAborted   SessionStatus = "aborted"
)

// Terminal reports whether no further records may be attached to the session.
func (s SessionStatus) Terminal() bool {
	return s == StatusClosed || s == StatusAborted
}

// Timestamp is a capture instant on the session clock.
//
// Wall is the wall-clock time used for cross-source correlation. Mono is the
// monotonic offset from the clock origin and never goes backwards, even if the
// host wall clock is stepped during a session.
type Timestamp struct {
	Wall time.Time     `json:"wall"`
	Mono time.Duration `json:"mono"`
}

// Before reports whether t was captured before u on the monotonic scale.
func (t Timestamp) Before(u Timestamp) bool {
	return t.Mono < u.Mono
}

// Session is one bounded recording run.
type Session struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"` // nil while recording
	Status    SessionStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"` // abort reason
	Source    SourceInfo    `json:"source"`
}

// SourceInfo describes where a session's two feeds came from.
type SourceInfo struct {
	ViconAddr  string `json:"vicon_addr"`
	RemoteHost string `json:"remote_host,omitempty"`
	LogTarget  string `json:"log_target,omitempty"` // file path or container
}

// MotionFrame is one timestamped pose sample for a tracked object.
//
// Rotation holds the Euler XYZ angles in radians as reported by the Vicon
// object stream. FrameNumber is the device counter and may have gaps.
type MotionFrame struct {
	SessionID   string     `json:"session_id"`
	Seq         int64      `json:"seq"`
	Captured    Timestamp  `json:"captured"`
	FrameNumber uint32     `json:"frame_number"`
	ItemID      uint8      `json:"item_id"`
	Object      string     `json:"object"`
	Translation [3]float64 `json:"translation"`
	Rotation    [3]float64 `json:"rotation"`
	Valid       bool       `json:"valid"` // false when the device reports an occluded (all-zero) pose
}

// LogRecord is one line captured from the remote event log.
//
// Level, Message, SourceTime and Tag are best-effort and may be empty; Line
// always holds the raw text with the terminator removed.
type LogRecord struct {
	SessionID  string     `json:"session_id"`
	Seq        int64      `json:"seq"`
	Captured   Timestamp  `json:"captured"`
	Line       string     `json:"line"`
	Partial    bool       `json:"partial"` // unterminated fragment flushed at stream end
	Level      string     `json:"level,omitempty"`
	Message    string     `json:"message,omitempty"`
	SourceTime *time.Time `json:"source_time,omitempty"`
	Tag        string     `json:"tag,omitempty"`
}
