package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCaptureError_Error(t *testing.T) {
	cause := errors.New("address already in use")
	err := newCaptureError(ErrCodeBindFailed, "motion", "bind UDP socket", cause)

	assert.Equal(t, "BIND_FAILED (motion): bind UDP socket: address already in use", err.Error())
	assert.ErrorIs(t, err, cause)

	bare := newCaptureError(ErrCodeStoreUnavailable, "store", "begin session", nil)
	assert.Equal(t, "STORE_UNAVAILABLE (store): begin session", bare.Error())
}

func TestCaptureError_Startup(t *testing.T) {
	tests := []struct {
		code    ErrorCode
		startup bool
	}{
		{ErrCodeBindFailed, true},
		{ErrCodeAuthFailed, true},
		{ErrCodeConnectFailed, true},
		{ErrCodeStartupTimeout, true},
		{ErrCodeStoreUnavailable, true},
		{ErrCodeReconnectExhausted, false},
		{ErrCodeSocketFailed, false},
		{ErrCodeStoreWriteFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := newCaptureError(tt.code, "x", "y", nil)
			assert.Equal(t, tt.startup, err.Startup())
			assert.Equal(t, tt.startup, IsStartupError(err))
		})
	}
}

func TestCodeOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("record: %w", newCaptureError(ErrCodeAuthFailed, "log", "rejected", nil))

	assert.Equal(t, ErrCodeAuthFailed, CodeOf(err))
	assert.True(t, IsStartupError(err))

	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
	assert.False(t, IsStartupError(errors.New("plain")))
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
}
