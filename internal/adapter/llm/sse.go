package llm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"chatstream/internal/domain"
	"chatstream/internal/infra/tracer"
)

// maxSSELine bounds a single SSE line. Tool-call argument chunks can be large.
const maxSSELine = 1 << 20

// errStopStream is returned by a frame handler to end parsing early.
var errStopStream = errors.New("stop stream")

// sseFrame is one dispatched server-sent event.
type sseFrame struct {
	Event string
	Data  []byte
}

// readSSE calls fn for every frame in body until EOF, a read error, or fn
// returning an error. A trailing frame without a blank line is still
// dispatched.
func readSSE(body io.Reader, fn func(sseFrame) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	var (
		event string
		data  bytes.Buffer
	)
	dispatch := func() error {
		if event == "" && data.Len() == 0 {
			return nil
		}
		f := sseFrame{Event: event, Data: bytes.Clone(data.Bytes())}
		event = ""
		data.Reset()
		return fn(f)
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		switch {
		case len(line) == 0:
			if err := dispatch(); err != nil {
				return err
			}
		case line[0] == ':':
			// comment
		case bytes.HasPrefix(line, []byte("event:")):
			event = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			v := line[len("data:"):]
			if len(v) > 0 && v[0] == ' ' {
				v = v[1:]
			}
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(v)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return dispatch()
}

// frameDecoder maps provider SSE frames onto provider chunks. A decoder is
// stateful and serves exactly one stream.
type frameDecoder interface {
	// decode handles one frame. done reports that the provider signaled the
	// end of the stream; the returned chunks then include the ChunkDone.
	decode(f sseFrame) (chunks []domain.ProviderChunk, done bool, err error)
	// eof is called when the body ended without an explicit end marker.
	eof() ([]domain.ProviderChunk, error)
}

// pumpSSE decodes body on its own goroutine. The channel always ends with
// exactly one ChunkDone or ChunkFailure unless ctx is done first, in which
// case the consumer is expected to have stopped reading. span is ended when
// the stream ends.
func pumpSSE(ctx context.Context, provider string, body io.ReadCloser, dec frameDecoder, span trace.Span, logger *slog.Logger) <-chan domain.ProviderChunk {
	ch := make(chan domain.ProviderChunk, 16)
	go func() {
		var final error
		defer func() {
			if final == nil && ctx.Err() != nil {
				final = domain.NewAbortedError(context.Cause(ctx))
			}
			tracer.Finish(span, final)
			span.End()
		}()
		defer close(ch)
		defer body.Close()

		send := func(c domain.ProviderChunk) bool {
			switch v := c.(type) {
			case domain.ChunkUsage:
				setUsageAttrs(span, v.Usage)
			case domain.ChunkFailure:
				final = v.Err
			}
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		sendAll := func(cs []domain.ProviderChunk) bool {
			for _, c := range cs {
				if !send(c) {
					return false
				}
			}
			return true
		}

		var stopped bool
		err := readSSE(body, func(f sseFrame) error {
			chunks, done, err := dec.decode(f)
			if !sendAll(chunks) {
				return ctx.Err()
			}
			if err != nil {
				return err
			}
			if done {
				stopped = true
				return errStopStream
			}
			return nil
		})

		switch {
		case stopped:
			return
		case err == nil:
			chunks, eofErr := dec.eof()
			if !sendAll(chunks) {
				return
			}
			if eofErr != nil {
				send(domain.ChunkFailure{Err: classifyStreamError(ctx, provider, eofErr)})
			}
		default:
			failure := classifyStreamError(ctx, provider, err)
			logger.Debug("provider stream ended with error", "provider", provider, "error", failure)
			send(domain.ChunkFailure{Err: failure})
		}
	}()
	return ch
}

// classifyStreamError turns a transport or decode failure into the error the
// emitter expects: *domain.AbortedError when an abort source fired, otherwise
// *domain.UpstreamError.
func classifyStreamError(ctx context.Context, provider string, err error) error {
	var aborted *domain.AbortedError
	if errors.As(err, &aborted) {
		return aborted
	}
	if ctx.Err() != nil {
		return domain.NewAbortedError(context.Cause(ctx))
	}
	var upstream *domain.UpstreamError
	if errors.As(err, &upstream) {
		return upstream
	}
	return &domain.UpstreamError{Provider: provider, Err: err}
}
