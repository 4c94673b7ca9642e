package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tokenMap is a TokenSource backed by a plain map.
type tokenMap map[string]context.Context

func (m tokenMap) Lookup(id string) (context.Context, bool) {
	ctx, ok := m[id]
	return ctx, ok
}

// roundTripFunc is a function type that implements http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// collect drains ch.
func collect(t *testing.T, ch <-chan domain.ProviderChunk) []domain.ProviderChunk {
	t.Helper()
	var out []domain.ProviderChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("stream did not finish")
			return out
		}
	}
}

// blockingServer writes first and then holds the response open until the
// client goes away.
func blockingServer(t *testing.T, first string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, first)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(server.Close)
	return server
}

func boundRequest(t *testing.T, requestID, url string) *http.Request {
	t.Helper()
	ctx := domain.ContextWithRequestID(context.Background(), requestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func TestOutboundTransport_TokenAbortStopsBody(t *testing.T) {
	server := blockingServer(t, "first\n")

	tokCtx, fire := context.WithCancelCause(context.Background())
	client := &http.Client{Transport: NewOutboundTransport(nil, tokenMap{"req-1": tokCtx}, 0, newTestLogger())}

	resp, err := client.Do(boundRequest(t, "req-1", server.URL))
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := make([]byte, len("first\n"))
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	assert.Equal(t, "first\n", string(buf))

	fire(domain.ErrUserCanceled)

	n, err := resp.Body.Read(buf)
	assert.Zero(t, n)
	require.ErrorIs(t, err, domain.ErrAborted)

	var aborted *domain.AbortedError
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, domain.AbortCanceled, aborted.Cause)

	// Every later read keeps failing the same way.
	_, err = resp.Body.Read(buf)
	assert.ErrorIs(t, err, domain.ErrAborted)
}

func TestOutboundTransport_TimeoutIsDistinctCause(t *testing.T) {
	server := blockingServer(t, "x")

	client := &http.Client{Transport: NewOutboundTransport(nil, tokenMap{}, 50*time.Millisecond, newTestLogger())}
	resp, err := client.Do(boundRequest(t, "req-1", server.URL))
	require.NoError(t, err)
	defer resp.Body.Close()

	_, err = io.ReadAll(resp.Body)
	var aborted *domain.AbortedError
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, domain.AbortTimeout, aborted.Cause)
	assert.ErrorIs(t, err, domain.ErrRequestTimeout)
}

func TestOutboundTransport_AlreadyFiredTokenFailsDispatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	tokCtx, fire := context.WithCancelCause(context.Background())
	fire(domain.ErrSuperseded)

	client := &http.Client{Transport: NewOutboundTransport(nil, tokenMap{"req-1": tokCtx}, 0, newTestLogger())}
	_, err := client.Do(boundRequest(t, "req-1", server.URL))
	require.ErrorIs(t, err, domain.ErrAborted)

	var aborted *domain.AbortedError
	require.ErrorAs(t, err, &aborted)
	assert.Equal(t, domain.AbortSuperseded, aborted.Cause)
}

func TestOutboundTransport_PlainFailureIsNotAbort(t *testing.T) {
	base := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	client := &http.Client{Transport: NewOutboundTransport(base, tokenMap{}, time.Minute, newTestLogger())}

	_, err := client.Do(boundRequest(t, "req-1", "http://provider.invalid"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrAborted)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestOutboundTransport_UnregisteredRequestPassesThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	client := &http.Client{Transport: NewOutboundTransport(nil, tokenMap{}, time.Minute, newTestLogger())}
	resp, err := client.Do(boundRequest(t, "unknown", server.URL))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

func TestOutboundTransport_ReadAfterClose(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "payload")
	}))
	defer server.Close()

	client := &http.Client{Transport: NewOutboundTransport(nil, nil, 0, newTestLogger())}
	resp, err := client.Do(boundRequest(t, "req-1", server.URL))
	require.NoError(t, err)

	require.NoError(t, resp.Body.Close())
	require.NoError(t, resp.Body.Close())

	_, err = resp.Body.Read(make([]byte, 4))
	assert.ErrorIs(t, err, http.ErrBodyReadAfterClose)
}

func TestOutboundTransport_Wrap(t *testing.T) {
	var called bool
	base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		called = true
		assert.Equal(t, "req-9", domain.RequestIDFromContext(r.Context()))
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: r}, nil
	})

	proto := NewOutboundTransport(nil, tokenMap{}, time.Minute, newTestLogger())
	client := &http.Client{Transport: proto.Wrap(base)}

	resp, err := client.Do(boundRequest(t, "req-9", "http://provider.invalid"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.True(t, called)
	assert.Same(t, http.DefaultTransport, proto.base)
}
