package store

import (
	"database/sql"
	"time"
)

// toNanos converts a wall time to the stored INTEGER form.
func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

// fromNanos converts a stored INTEGER back to a UTC time.
func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
