package engine

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes fatal capture errors.
type ErrorCode string

const (
	// ErrCodeBindFailed: the UDP socket could not be bound at startup.
	ErrCodeBindFailed ErrorCode = "BIND_FAILED"

	// ErrCodeAuthFailed: the remote host rejected the credentials.
	ErrCodeAuthFailed ErrorCode = "AUTH_FAILED"

	// ErrCodeConnectFailed: the remote stream could not be opened at startup.
	ErrCodeConnectFailed ErrorCode = "CONNECT_FAILED"

	// ErrCodeStartupTimeout: the readers did not both start in time.
	ErrCodeStartupTimeout ErrorCode = "STARTUP_TIMEOUT"

	// ErrCodeReconnectExhausted: the remote stream dropped and every
	// reconnect attempt failed.
	ErrCodeReconnectExhausted ErrorCode = "RECONNECT_EXHAUSTED"

	// ErrCodeSocketFailed: the UDP socket failed again after its re-bind.
	ErrCodeSocketFailed ErrorCode = "SOCKET_FAILED"

	// ErrCodeStoreWriteFailed: a record batch could not be committed.
	ErrCodeStoreWriteFailed ErrorCode = "STORE_WRITE_FAILED"

	// ErrCodeStoreUnavailable: the session could not be created.
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
)

// CaptureError is a fatal error that ends or prevents a session.
type CaptureError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Source is the unit that failed: "motion", "log", "store" or
	// "coordinator".
	Source string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Code, e.Source, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Source, e.Message)
}

// Unwrap returns the underlying cause.
func (e *CaptureError) Unwrap() error {
	return e.Err
}

// Startup reports whether the error prevented the session from recording.
func (e *CaptureError) Startup() bool {
	switch e.Code {
	case ErrCodeBindFailed, ErrCodeAuthFailed, ErrCodeConnectFailed,
		ErrCodeStartupTimeout, ErrCodeStoreUnavailable:
		return true
	}
	return false
}

func newCaptureError(code ErrorCode, source, msg string, err error) *CaptureError {
	return &CaptureError{Code: code, Source: source, Message: msg, Err: err}
}

// IsStartupError returns true if err is a CaptureError raised before the
// session reached Recording. Uses errors.As to handle wrapped errors.
func IsStartupError(err error) bool {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Startup()
	}
	return false
}

// CodeOf returns the CaptureError code in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// ErrBusy is returned by Start while the coordinator has an active session.
var ErrBusy = errors.New("engine: a session is already active")
