// Package store persists recording sessions in a single SQLite file.
//
// The file holds three tables:
//   - sessions: one row per recording run with its terminal status
//   - motion_frames: decoded Vicon object poses
//   - log_records: lines captured from the remote log
//
// Records are append-only. Every write is its own transaction (or one
// transaction per batch), so a record is either fully committed or absent.
// Writes are only accepted while the owning session is recording.
//
// Records are stored in arrival order per source, identified by (session_id,
// seq). No cross-source order is imposed at write time; ReadTimeline merges
// the two sources by capture timestamp when the file is read.
//
// # Database Configuration
//
//   - WAL mode: readers (vicap show) can open the file during a recording
//   - synchronous=NORMAL: a committed record survives a process crash
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: records must reference an existing session
package store
