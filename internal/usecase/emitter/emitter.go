// Package emitter turns provider chunks into wire events.
//
// For every block a provider opens the emitter produces exactly one
// block-start, zero or more block-delta and exactly one block-stop, closing
// blocks synthetically when a turn ends without an explicit stop. Tool blocks
// are dispatched once their input is complete. Every run ends with exactly
// one session-end.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"chatstream/internal/domain"
	"chatstream/internal/infra/tracer"
)

// Recovery constants for stream initiation.
const (
	maxStartAttempts = 3
	baseRetryDelay   = 500 * time.Millisecond
	maxRetryDelay    = 10 * time.Second
)

// Defaults.
const (
	defaultMaxIterations = 5
	defaultToolTimeout   = 30 * time.Second
)

// Sink receives emitted envelopes in order. Implementations must not block.
type Sink interface {
	Emit(env domain.Envelope)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(env domain.Envelope)

// Emit implements Sink.
func (f SinkFunc) Emit(env domain.Envelope) { f(env) }

// ToolRunner validates and executes a tool call. An error whose chain holds
// domain.ErrToolNotFound, ErrToolInput or ErrToolFailure becomes a
// tool-error event; the result string becomes the tool-result.
type ToolRunner interface {
	Run(ctx context.Context, name string, input json.RawMessage) (string, error)
}

// Config tunes the tool loop.
type Config struct {
	MaxIterations int
	ToolTimeout   time.Duration
}

// Emitter drives one provider conversation per Run.
type Emitter struct {
	tools  ToolRunner
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates an Emitter. tools may be nil, in which case every tool call
// resolves to a tool-error.
func New(tools ToolRunner, cfg Config, logger *slog.Logger) *Emitter {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	return &Emitter{tools: tools, cfg: cfg, logger: logger, sleep: sleepCtx}
}

// Request addresses one run.
type Request struct {
	ConversationID string
	RequestID      string
	MessageKey     string
	VersionID      string

	Provider domain.ChatProvider
	Chat     domain.ChatRequest

	// OnActivity, when set, is called for every chunk received.
	OnActivity func()
}

// Outcome summarizes a finished run.
type Outcome struct {
	Reason     domain.EndReason
	Cause      domain.AbortCause // set when Reason is EndAborted
	Err        error             // set when Reason is not EndDone
	Usage      domain.Usage
	Iterations int
}

// run is the state of one Run call.
type run struct {
	e    *Emitter
	req  Request
	sink Sink
	log  *slog.Logger

	offset int                // wire index of provider index 0 in this turn
	open   map[int]*openBlock // wire index -> block
	seen   map[int]bool       // wire indices started in this run
	usage  domain.Usage
}

type openBlock struct {
	kind     domain.BlockKind
	toolID   string
	toolName string
	input    strings.Builder
}

// Run streams req to its provider, emits events to sink and returns when the
// session-end was emitted. It never returns without a terminal event.
func (e *Emitter) Run(ctx context.Context, req Request, sink Sink) Outcome {
	ctx, span := tracer.StartSpan(ctx, "emitter.run",
		trace.WithAttributes(
			tracer.StringAttr("chat.conversation_id", req.ConversationID),
			tracer.StringAttr("chat.request_id", req.RequestID),
			tracer.StringAttr("llm.provider", req.Provider.Name()),
		),
	)
	defer span.End()

	r := &run{
		e:    e,
		req:  req,
		sink: sink,
		log:  e.logger.With("request_id", req.RequestID, "conversation_id", req.ConversationID),
		open: make(map[int]*openBlock),
		seen: make(map[int]bool),
	}

	out := r.loop(ctx)
	out.Usage = r.usage
	span.SetAttributes(tracer.IntAttr("emitter.iterations", out.Iterations))
	tracer.Finish(span, out.Err)
	return out
}

func (r *run) loop(ctx context.Context) Outcome {
	messages := append([]domain.ChatMessage(nil), r.req.Chat.Messages...)

	for iter := 1; ; iter++ {
		chat := r.req.Chat
		chat.Messages = messages

		calls, trailing, err := r.turn(ctx, chat)
		if err != nil {
			return r.fail(ctx, err, iter)
		}
		if len(calls) == 0 {
			r.emit(domain.MessageComplete{})
			r.emit(domain.SessionEnd{Reason: domain.EndDone})
			return Outcome{Reason: domain.EndDone, Iterations: iter}
		}
		if iter >= r.e.cfg.MaxIterations {
			return r.fail(ctx, domain.ErrMaxIterations, iter)
		}

		assistant := domain.ChatMessage{Role: domain.RoleAssistant}
		for _, c := range calls {
			assistant.Content += c.text
			assistant.ToolCalls = append(assistant.ToolCalls, c.call)
		}
		assistant.Content += trailing
		messages = append(messages, assistant)
		for _, c := range calls {
			messages = append(messages, domain.ChatMessage{
				Role:       domain.RoleTool,
				Name:       c.call.Name,
				Content:    c.result,
				ToolCallID: c.call.ID,
			})
		}
		r.log.Debug("tool turn finished", "iteration", iter, "tool_calls", len(calls))
	}
}

// executedCall is a tool call of one turn together with what it returned.
type executedCall struct {
	call   domain.ToolCall
	result string
	text   string // assistant text preceding the call
}

// turn runs one provider stream. It returns the tool calls executed during
// the turn and the text streamed after the last of them.
func (r *run) turn(ctx context.Context, chat domain.ChatRequest) ([]executedCall, string, error) {
	ch, err := r.start(ctx, chat)
	if err != nil {
		return nil, "", err
	}

	var (
		calls   []executedCall
		text    strings.Builder
		maxSeen = r.offset - 1
	)
	defer func() { r.offset = maxSeen + 1 }()

	for {
		var (
			chunk domain.ProviderChunk
			ok    bool
		)
		select {
		case chunk, ok = <-ch:
		case <-ctx.Done():
			return nil, "", domain.NewAbortedError(context.Cause(ctx))
		}
		if !ok {
			if ctx.Err() != nil {
				return nil, "", domain.NewAbortedError(context.Cause(ctx))
			}
			return nil, "", &domain.UpstreamError{Provider: r.req.Provider.Name(), Err: errors.New("stream closed without completion")}
		}
		// Nothing read after an abort is applied.
		if ctx.Err() != nil {
			return nil, "", domain.NewAbortedError(context.Cause(ctx))
		}
		if r.req.OnActivity != nil {
			r.req.OnActivity()
		}

		switch c := chunk.(type) {
		case domain.ChunkBlockStart:
			idx := r.offset + c.Index
			if r.seen[idx] {
				r.log.Warn("duplicate block start from provider", "index", idx)
				continue
			}
			r.seen[idx] = true
			if idx > maxSeen {
				maxSeen = idx
			}
			r.open[idx] = &openBlock{kind: c.Kind, toolID: c.ToolID, toolName: c.ToolName}
			r.emit(domain.BlockStart{Index: idx, Kind: c.Kind, ToolID: c.ToolID, ToolName: c.ToolName})

		case domain.ChunkTextDelta:
			idx := r.offset + c.Index
			b, isOpen := r.open[idx]
			if !isOpen || b.kind != domain.BlockText {
				r.log.Warn("text delta for block that is not an open text block", "index", idx)
				continue
			}
			text.WriteString(c.Text)
			r.emit(domain.BlockDelta{Index: idx, Text: c.Text})

		case domain.ChunkInputDelta:
			idx := r.offset + c.Index
			b, isOpen := r.open[idx]
			if !isOpen || b.kind != domain.BlockTool {
				r.log.Warn("input delta for block that is not an open tool block", "index", idx)
				continue
			}
			b.input.WriteString(c.PartialJSON)
			r.emit(domain.BlockDelta{Index: idx, PartialJSON: c.PartialJSON})

		case domain.ChunkBlockStop:
			idx := r.offset + c.Index
			call, err := r.stop(ctx, idx, &text)
			if err != nil {
				return nil, "", err
			}
			if call != nil {
				calls = append(calls, *call)
			}

		case domain.ChunkUsage:
			r.usage.PromptTokens += c.Usage.PromptTokens
			r.usage.CompletionTokens += c.Usage.CompletionTokens
			r.usage.TotalTokens += c.Usage.TotalTokens

		case domain.ChunkDone:
			for _, idx := range r.openIndices() {
				call, err := r.stop(ctx, idx, &text)
				if err != nil {
					return nil, "", err
				}
				if call != nil {
					calls = append(calls, *call)
				}
			}
			return calls, text.String(), nil

		case domain.ChunkFailure:
			return nil, "", c.Err
		}
	}
}

// start opens the provider stream, retrying retryable failures with backoff.
func (r *run) start(ctx context.Context, chat domain.ChatRequest) (<-chan domain.ProviderChunk, error) {
	var lastErr error
	for attempt := 0; attempt < maxStartAttempts; attempt++ {
		ch, err := r.req.Provider.Stream(ctx, chat)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, domain.ErrAborted) || !domain.IsRetryableError(err) {
			return nil, err
		}
		if attempt < maxStartAttempts-1 {
			delay := retryBackoff(attempt)
			r.log.Info("retrying provider stream after error", "attempt", attempt+1, "delay", delay, "error", err)
			if sleepErr := r.e.sleep(ctx, delay); sleepErr != nil {
				return nil, domain.NewAbortedError(context.Cause(ctx))
			}
		}
	}
	return nil, lastErr
}

// stop closes block idx. A tool block is dispatched right away and the
// executed call is returned.
func (r *run) stop(ctx context.Context, idx int, text *strings.Builder) (*executedCall, error) {
	b, isOpen := r.open[idx]
	if !isOpen {
		r.log.Warn("block stop for block that is not open", "index", idx)
		return nil, nil
	}
	delete(r.open, idx)
	r.emit(domain.BlockStop{Index: idx})

	if b.kind != domain.BlockTool {
		return nil, nil
	}
	call, err := r.dispatch(ctx, b)
	if err != nil {
		return nil, err
	}
	call.text = text.String()
	text.Reset()
	return call, nil
}

// dispatch parses the accumulated input, emits tool-start and then exactly
// one tool-result or tool-error. Input that does not parse is never run: its
// tool-start is followed directly by the tool-error, since a tool block only
// resolves after it started. An abort during execution is returned without a
// resolution event.
func (r *run) dispatch(ctx context.Context, b *openBlock) (*executedCall, error) {
	raw := strings.TrimSpace(b.input.String())
	if raw == "" {
		raw = "{}"
	}
	call := &executedCall{call: domain.ToolCall{ID: b.toolID, Name: b.toolName, Arguments: json.RawMessage(raw)}}

	var input json.RawMessage
	parseErr := json.Unmarshal([]byte(raw), &input)

	r.emit(domain.ToolStart{ToolID: b.toolID, ToolName: b.toolName})

	if parseErr != nil {
		msg := fmt.Sprintf("%s: malformed JSON: %v", domain.ErrToolInput, parseErr)
		call.call.Arguments = json.RawMessage("{}")
		call.result = "error: " + msg
		r.emit(domain.ToolError{ToolID: b.toolID, ToolName: b.toolName, Error: msg})
		return call, nil
	}

	result, err := r.execute(ctx, b.toolName, input)
	if ctx.Err() != nil {
		return nil, domain.NewAbortedError(context.Cause(ctx))
	}
	if err != nil {
		call.result = "error: " + err.Error()
		r.emit(domain.ToolError{ToolID: b.toolID, ToolName: b.toolName, Error: err.Error()})
		return call, nil
	}
	call.result = result
	r.emit(domain.ToolResult{ToolID: b.toolID, ToolName: b.toolName, Input: input, Result: result})
	return call, nil
}

func (r *run) execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "emitter.execute_tool",
		trace.WithAttributes(tracer.StringAttr("tool.name", name)),
	)
	defer span.End()

	if r.e.tools == nil {
		err := domain.NewDomainError("Emitter.execute", domain.ErrToolNotFound, name)
		tracer.RecordError(span, err)
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.e.cfg.ToolTimeout)
	defer cancel()

	result, err := r.e.tools.Run(ctx, name, input)
	tracer.Finish(span, err)
	return result, err
}

// fail closes every open block and emits the terminal sequence for err.
func (r *run) fail(ctx context.Context, err error, iter int) Outcome {
	for _, idx := range r.openIndices() {
		delete(r.open, idx)
		r.emit(domain.BlockStop{Index: idx})
	}

	var aborted *domain.AbortedError
	if errors.As(err, &aborted) || ctx.Err() != nil {
		cause := domain.AbortCauseOf(context.Cause(ctx))
		if aborted != nil {
			cause = aborted.Cause
		}
		r.log.Info("request aborted", "cause", cause)
		r.emit(domain.SessionEnd{Reason: domain.EndAborted, Cause: cause})
		return Outcome{Reason: domain.EndAborted, Cause: cause, Err: err, Iterations: iter}
	}

	r.log.Warn("request failed", "error", err)
	r.emit(domain.StreamError{Error: err.Error()})
	r.emit(domain.SessionEnd{Reason: domain.EndError})
	return Outcome{Reason: domain.EndError, Err: err, Iterations: iter}
}

func (r *run) openIndices() []int {
	idx := make([]int, 0, len(r.open))
	for i := range r.open {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

func (r *run) emit(ev domain.Event) {
	r.sink.Emit(domain.Envelope{
		ConversationID: r.req.ConversationID,
		RequestID:      r.req.RequestID,
		MessageKey:     r.req.MessageKey,
		VersionID:      r.req.VersionID,
		Event:          ev,
	})
}

// retryBackoff computes exponential backoff with jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int64N(int64(delay/4) + 1))
	return delay + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
