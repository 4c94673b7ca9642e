package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrConflict     = fmt.Errorf("conflict")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrRateLimit    = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid  = fmt.Errorf("authentication failed")
)

// Sentinel errors for the streaming core.
var (
	// ErrAborted is matched by every *AbortedError.
	ErrAborted = fmt.Errorf("request aborted")

	// ErrUpstream is matched by every *UpstreamError.
	ErrUpstream = fmt.Errorf("upstream provider error")

	// ErrProtocolViolation marks a malformed or out-of-order stream event.
	ErrProtocolViolation = fmt.Errorf("protocol violation")

	// ErrRegistryMiss is returned when a request id is unknown or already terminal.
	ErrRegistryMiss = fmt.Errorf("request not active")

	ErrAlreadyTerminal      = fmt.Errorf("version already terminal")
	ErrMessageNotFound      = fmt.Errorf("message not found")
	ErrVersionNotFound      = fmt.Errorf("version not found")
	ErrConversationBusy     = fmt.Errorf("conversation already has an in-flight request")
	ErrProviderNotFound     = fmt.Errorf("llm provider not found")
	ErrToolNotFound         = fmt.Errorf("tool not found")
	ErrToolFailure          = fmt.Errorf("tool execution failed")
	ErrToolInput            = fmt.Errorf("tool input invalid")
	ErrMaxIterations        = fmt.Errorf("reached max tool iterations")
	ErrContextOverflow      = fmt.Errorf("context window exceeded")
	ErrStoreUnavailable     = fmt.Errorf("transcript store unavailable")
	ErrStreamingUnsupported = fmt.Errorf("streaming unsupported")
)

// Abort causes. They are installed as the context cause of a request's
// token so that the emitter can tell a user click from a timeout.
var (
	ErrUserCanceled   = fmt.Errorf("canceled by user")
	ErrRequestTimeout = fmt.Errorf("request timed out")
	ErrIdleTimeout    = fmt.Errorf("request idle timeout")
	ErrSuperseded     = fmt.Errorf("superseded by a newer request")
	ErrShutdown       = fmt.Errorf("server shutting down")
)

// AbortCause is the wire form of an abort reason.
type AbortCause string

const (
	AbortCanceled   AbortCause = "canceled"
	AbortTimeout    AbortCause = "timeout"
	AbortSuperseded AbortCause = "superseded"
	AbortShutdown   AbortCause = "shutdown"
)

// AbortCauseOf maps a context cause onto its wire form.
// Unknown causes are reported as canceled.
func AbortCauseOf(cause error) AbortCause {
	switch {
	case errors.Is(cause, ErrRequestTimeout), errors.Is(cause, ErrIdleTimeout):
		return AbortTimeout
	case errors.Is(cause, ErrSuperseded):
		return AbortSuperseded
	case errors.Is(cause, ErrShutdown):
		return AbortShutdown
	default:
		return AbortCanceled
	}
}

// Notice returns the short inline text shown in place of further content.
func (c AbortCause) Notice() string {
	switch c {
	case AbortTimeout:
		return "request timed out"
	case AbortSuperseded:
		return "request replaced by a newer one"
	case AbortShutdown:
		return "request interrupted by server shutdown"
	default:
		return "request canceled"
	}
}

// AbortedError is the single signal raised when a request's combined token
// fired, whichever source fired it.
type AbortedError struct {
	Cause AbortCause
	Err   error // the context cause, if any
}

func (e *AbortedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", ErrAborted, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrAborted, e.Cause)
}

// Is makes errors.Is(err, ErrAborted) true for every AbortedError.
func (e *AbortedError) Is(target error) bool { return target == ErrAborted }

func (e *AbortedError) Unwrap() error { return e.Err }

// NewAbortedError builds an AbortedError from a context cause.
func NewAbortedError(cause error) *AbortedError {
	return &AbortedError{Cause: AbortCauseOf(cause), Err: cause}
}

// UpstreamError is a failure reported by the provider (HTTP status, stream
// error payload, broken connection).
type UpstreamError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s (status %d): %s", e.Provider, ErrUpstream, e.StatusCode, e.Err)
	case e.Provider != "":
		return fmt.Sprintf("%s %s: %s", e.Provider, ErrUpstream, e.Err)
	default:
		return fmt.Sprintf("%s: %s", ErrUpstream, e.Err)
	}
}

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

func (e *UpstreamError) Unwrap() error { return e.Err }

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Register")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrContextOverflow)
}

// ErrorCode is a machine-parseable error category for API responses and logs.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeDuplicate         ErrorCode = "DUPLICATE"
	CodeConflict          ErrorCode = "CONFLICT"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeAborted           ErrorCode = "ABORTED"
	CodeUpstream          ErrorCode = "UPSTREAM"
	CodeProtocolViolation ErrorCode = "PROTOCOL_VIOLATION"
	CodeRegistryMiss      ErrorCode = "REGISTRY_MISS"
	CodeAlreadyTerminal   ErrorCode = "ALREADY_TERMINAL"
	CodeMessageNotFound   ErrorCode = "MESSAGE_NOT_FOUND"
	CodeVersionNotFound   ErrorCode = "VERSION_NOT_FOUND"
	CodeConversationBusy  ErrorCode = "CONVERSATION_BUSY"
	CodeProviderNotFound  ErrorCode = "PROVIDER_NOT_FOUND"
	CodeToolNotFound      ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure       ErrorCode = "TOOL_FAILURE"
	CodeToolInput         ErrorCode = "TOOL_INPUT"
	CodeMaxIterations     ErrorCode = "MAX_ITERATIONS"
	CodeContextOverflow   ErrorCode = "CONTEXT_OVERFLOW"
	CodeStoreUnavailable  ErrorCode = "STORE_UNAVAILABLE"
	CodeStreamUnsupported ErrorCode = "STREAMING_UNSUPPORTED"
)

// errorCodes is ordered: more specific sentinels come first so that a
// wrapped chain resolves to its most specific code.
var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrAborted, CodeAborted},
	{ErrUpstream, CodeUpstream},
	{ErrProtocolViolation, CodeProtocolViolation},
	{ErrRegistryMiss, CodeRegistryMiss},
	{ErrAlreadyTerminal, CodeAlreadyTerminal},
	{ErrMessageNotFound, CodeMessageNotFound},
	{ErrVersionNotFound, CodeVersionNotFound},
	{ErrConversationBusy, CodeConversationBusy},
	{ErrProviderNotFound, CodeProviderNotFound},
	{ErrToolNotFound, CodeToolNotFound},
	{ErrToolInput, CodeToolInput},
	{ErrToolFailure, CodeToolFailure},
	{ErrMaxIterations, CodeMaxIterations},
	{ErrContextOverflow, CodeContextOverflow},
	{ErrStoreUnavailable, CodeStoreUnavailable},
	{ErrStreamingUnsupported, CodeStreamUnsupported},
	{ErrRateLimit, CodeRateLimit},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrNotFound, CodeNotFound},
	{ErrDuplicate, CodeDuplicate},
	{ErrConflict, CodeConflict},
	{ErrTimeout, CodeTimeout},
	{ErrInvalidInput, CodeInvalidInput},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
