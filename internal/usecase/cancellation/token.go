package cancellation

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// errReleased is the cause installed when a finished request's token is
// released. Nothing is waiting on the token at that point.
var errReleased = errors.New("request released")

// Meta is the bookkeeping stored with a token.
type Meta struct {
	ConversationID string
	MessageKey     string
}

// Token is a cancel-only signal for one request. Once canceled it stays
// canceled; the first cause wins.
type Token struct {
	requestID string
	meta      Meta
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	canceled atomic.Bool
	lastSeen atomic.Int64 // unix nanos of the last Touch
}

func newToken(requestID string, meta Meta, now time.Time) *Token {
	ctx, cancel := context.WithCancelCause(context.Background())
	t := &Token{
		requestID: requestID,
		meta:      meta,
		createdAt: now,
		ctx:       ctx,
		cancel:    cancel,
	}
	t.lastSeen.Store(now.UnixNano())
	return t
}

// RequestID returns the request the token belongs to.
func (t *Token) RequestID() string { return t.requestID }

// Meta returns the token's bookkeeping.
func (t *Token) Meta() Meta { return t.meta }

// CreatedAt returns when the request was registered.
func (t *Token) CreatedAt() time.Time { return t.createdAt }

// Context returns a context that is done once the token fires.
func (t *Token) Context() context.Context { return t.ctx }

// Done is closed once the token fires.
func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// Cause returns the reason the token fired, or nil.
func (t *Token) Cause() error {
	if t.ctx.Err() == nil {
		return nil
	}
	return context.Cause(t.ctx)
}

// Canceled reports whether the token was canceled through the registry.
func (t *Token) Canceled() bool { return t.canceled.Load() }

// Touch records activity on the request, postponing the idle sweep.
func (t *Token) Touch(now time.Time) { t.lastSeen.Store(now.UnixNano()) }

func (t *Token) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, t.lastSeen.Load()))
}

// fire cancels the token with cause. Only the first call has effect.
func (t *Token) fire(cause error) bool {
	if !t.canceled.CompareAndSwap(false, true) {
		return false
	}
	t.cancel(cause)
	return true
}

// Combine returns a context that is done as soon as either parent or other
// is done. Values come from parent. The cause of the combined context is the
// cause of whichever source fired first. The returned stop function releases
// the link and must be called when the combined context is no longer needed.
func Combine(parent, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(other, func() {
		cancel(context.Cause(other))
	})
	return ctx, func() {
		stop()
		cancel(context.Canceled)
	}
}

// WithTimeoutCause is context.WithTimeoutCause with a zero duration meaning
// no deadline.
func WithTimeoutCause(parent context.Context, d time.Duration, cause error) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeoutCause(parent, d, cause)
}
