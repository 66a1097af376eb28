package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}

func TestWrap_Format(t *testing.T) {
	base := stderrors.New("socket closed")
	err := Wrap(base, "Transport", "Send", "frame write")

	require.Error(t, err)
	assert.Equal(t, "Transport.Send: frame write failed: socket closed", err.Error())
	assert.True(t, stderrors.Is(err, base))
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.NoError(t, Wrap(nil, "Transport", "Send", "frame write"))
	assert.NoError(t, WrapTransient(nil, "Transport", "Send", "frame write"))
	assert.NoError(t, WrapInvalid(nil, "Transport", "Send", "frame write"))
	assert.NoError(t, WrapFatal(nil, "Transport", "Send", "frame write"))
}

func TestClassification_WrappersOverridePatterns(t *testing.T) {
	// An error whose text looks transient is still fatal once wrapped fatal
	err := WrapFatal(stderrors.New("connection attempt"), "Session", "Open", "handshake")

	assert.True(t, IsFatal(err))
	assert.False(t, IsTransient(err))
	assert.Equal(t, ErrorFatal, Classify(err))

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, "Session", ce.Component)
	assert.Equal(t, "Open", ce.Operation)
}

func TestClassification_Sentinels(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"connection lost", ErrConnectionLost, ErrorTransient},
		{"request timeout", ErrRequestTimeout, ErrorTransient},
		{"request cancelled", ErrRequestCancelled, ErrorTransient},
		{"heartbeat missed", ErrHeartbeatMissed, ErrorTransient},
		{"auth failed", ErrAuthFailed, ErrorFatal},
		{"version mismatch", ErrVersionMismatch, ErrorFatal},
		{"protocol violation", ErrProtocolViolation, ErrorFatal},
		{"max retries", ErrMaxRetriesExceeded, ErrorFatal},
		{"malformed message", ErrMalformedMessage, ErrorInvalid},
		{"state transition", ErrStateTransition, ErrorInvalid},
		{"source not found", ErrSourceNotFound, ErrorInvalid},
		{"context deadline", context.DeadlineExceeded, ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassification_PreservedThroughWrapChain(t *testing.T) {
	err := Wrap(ErrAuthFailed, "Session", "Open", "identify exchange")
	err = fmt.Errorf("reconnect aborted: %w", err)

	assert.True(t, IsFatal(err))
	assert.True(t, stderrors.Is(err, ErrAuthFailed))
}

func TestRejectionError(t *testing.T) {
	err := &RejectionError{RequestType: "SetInputSettings", Code: 600, Comment: "no such input"}

	assert.True(t, stderrors.Is(err, ErrRequestRejected))
	assert.Contains(t, err.Error(), "SetInputSettings")
	assert.Contains(t, err.Error(), "600")

	var re *RejectionError
	wrapped := Wrap(err, "SourceController", "SetClip", "settings update")
	require.True(t, stderrors.As(wrapped, &re))
	assert.Equal(t, 600, re.Code)
}

func TestIsPredicates_NilSafe(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsInvalid(nil))
	assert.False(t, IsFatal(nil))
}
