package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Tool.Execute", ErrToolNotFound, "tool 'foo'")
	want := "Tool.Execute: tool 'foo': tool not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Chat.Run", ErrMaxIterations, "")
	want := "Chat.Run: reached max tool iterations"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewDomainError("Branch.Retry", ErrMessageNotFound, "m1"))
	var de *DomainError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "Branch.Retry", de.Op)
	assert.Equal(t, CodeMessageNotFound, de.Code())
}

func TestAbortedErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("stream: %w", NewAbortedError(ErrUserCanceled))
	assert.True(t, errors.Is(err, ErrAborted))
	assert.True(t, errors.Is(err, ErrUserCanceled))
	assert.False(t, errors.Is(err, ErrUpstream))

	var ae *AbortedError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, AbortCanceled, ae.Cause)
	assert.Equal(t, CodeAborted, ErrorCodeOf(err))
}

func TestAbortCauseOf(t *testing.T) {
	tests := []struct {
		cause error
		want  AbortCause
	}{
		{ErrUserCanceled, AbortCanceled},
		{ErrRequestTimeout, AbortTimeout},
		{ErrIdleTimeout, AbortTimeout},
		{ErrSuperseded, AbortSuperseded},
		{ErrShutdown, AbortShutdown},
		{context.Canceled, AbortCanceled},
		{nil, AbortCanceled},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AbortCauseOf(tt.cause), "cause %v", tt.cause)
	}
}

func TestAbortCauseNotice(t *testing.T) {
	assert.Equal(t, "request canceled", AbortCanceled.Notice())
	assert.Equal(t, "request timed out", AbortTimeout.Notice())
}

func TestUpstreamError(t *testing.T) {
	err := &UpstreamError{Provider: "openai", StatusCode: 503, Err: errors.New("overloaded")}
	assert.True(t, errors.Is(err, ErrUpstream))
	assert.Contains(t, err.Error(), "status 503")
	assert.Equal(t, CodeUpstream, ErrorCodeOf(err))

	wrapped := &UpstreamError{Provider: "anthropic", Err: fmt.Errorf("%w: slow down", ErrRateLimit)}
	assert.True(t, IsRetryableError(wrapped))
}

func TestErrorCodeOf(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(errors.New("random")))
	assert.Equal(t, CodeConflict, ErrorCodeOf(fmt.Errorf("x: %w", ErrConflict)))
	assert.Equal(t, CodeAlreadyTerminal, ErrorCodeOf(NewDomainError("Branch.Finalize", ErrAlreadyTerminal, "")))
}

func TestWrapOp(t *testing.T) {
	assert.NoError(t, WrapOp("op", nil))
	err := WrapOp("Store.Load", ErrNotFound)
	assert.EqualError(t, err, "Store.Load: not found")
	assert.True(t, errors.Is(err, ErrNotFound))
}
