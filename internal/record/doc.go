// Package record provides the captured-data types shared by every vicap component.
//
// This package contains type definitions and the capture clock only. All other
// internal packages import record; record imports nothing internal.
//
// Key design constraints:
//   - Every MotionFrame and LogRecord belongs to exactly one Session
//   - Timestamps are taken at receipt, never at persistence
//   - Seq is per-source and strictly increasing; there is no global seq
//   - All JSON tags use snake_case
package record
