package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"chatstream/internal/domain"
)

// TokenSource finds the cancellation token of an in-flight request.
type TokenSource interface {
	Lookup(requestID string) (context.Context, bool)
}

// errBodyDone is the cause installed once the caller closed the body.
var errBodyDone = errors.New("response body closed")

// OutboundTransport is the http.RoundTripper every provider client goes
// through. For each call it combines three signals: the request's own
// context, the registry token of the request id found in that context, and a
// fixed per-call timeout. Whichever fires first tears the connection down and
// the caller sees a single *domain.AbortedError.
type OutboundTransport struct {
	base    http.RoundTripper
	tokens  TokenSource
	timeout time.Duration
	logger  *slog.Logger
}

// NewOutboundTransport wraps base. A zero timeout disables the deadline.
func NewOutboundTransport(base http.RoundTripper, tokens TokenSource, timeout time.Duration, logger *slog.Logger) *OutboundTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &OutboundTransport{base: base, tokens: tokens, timeout: timeout, logger: logger}
}

// Wrap returns a copy of t that dispatches to base. It fits NewHTTPClient.
func (t *OutboundTransport) Wrap(base http.RoundTripper) http.RoundTripper {
	c := *t
	c.base = base
	return &c
}

// RoundTrip implements http.RoundTripper.
func (t *OutboundTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	parent := req.Context()
	ctx, cancel := context.WithCancelCause(parent)

	var stops []func() bool
	requestID := domain.RequestIDFromContext(parent)
	if requestID != "" && t.tokens != nil {
		if tok, ok := t.tokens.Lookup(requestID); ok {
			stops = append(stops, context.AfterFunc(tok, func() {
				cancel(context.Cause(tok))
			}))
		} else {
			t.logger.Debug("outbound call for unregistered request",
				"conversation_id", domain.ConversationIDFromContext(parent),
				"request_id", requestID,
			)
		}
	}
	if t.timeout > 0 {
		timer := time.AfterFunc(t.timeout, func() { cancel(domain.ErrRequestTimeout) })
		stops = append(stops, timer.Stop)
	}
	release := func() {
		for _, stop := range stops {
			stop()
		}
		cancel(errBodyDone)
	}

	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			cause := context.Cause(ctx)
			release()
			return nil, domain.NewAbortedError(cause)
		}
		release()
		return nil, err
	}

	resp.Body = &abortableBody{body: resp.Body, ctx: ctx, release: release}
	return resp, nil
}

// abortableBody refuses to hand out bytes once the combined signal fired.
// Bytes that arrive in the same Read as the abort are discarded.
type abortableBody struct {
	body    io.ReadCloser
	ctx     context.Context
	release func()

	mu     sync.Mutex
	closed bool
}

func (b *abortableBody) Read(p []byte) (int, error) {
	if err := b.aborted(); err != nil {
		return 0, err
	}
	n, err := b.body.Read(p)
	if abortErr := b.aborted(); abortErr != nil {
		return 0, abortErr
	}
	return n, err
}

func (b *abortableBody) aborted() error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return http.ErrBodyReadAfterClose
	}
	if b.ctx.Err() != nil {
		return domain.NewAbortedError(context.Cause(b.ctx))
	}
	return nil
}

func (b *abortableBody) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.body.Close()
	b.release()
	return err
}
