package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"

	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
	"chatstream/internal/infra/tracer"
)

// toolDirective starts a user message that asks the echo provider to call a
// tool: "/tool <name> <json input>".
const toolDirective = "/tool "

// EchoProvider is a local provider that streams the latest user message back
// word by word. It needs no network and is the default backend.
type EchoProvider struct {
	name   string
	model  string
	delay  time.Duration
	logger *slog.Logger
}

// NewEchoProvider creates an echo provider.
func NewEchoProvider(cfg config.ProviderConfig, logger *slog.Logger) *EchoProvider {
	return &EchoProvider{name: cfg.Name, model: cfg.Model, delay: cfg.EchoDelay, logger: logger}
}

// Name implements domain.ChatProvider.
func (p *EchoProvider) Name() string { return p.name }

// Stream implements domain.ChatProvider.
func (p *EchoProvider) Stream(ctx context.Context, req domain.ChatRequest) (<-chan domain.ProviderChunk, error) {
	if len(req.Messages) == 0 {
		return nil, &domain.UpstreamError{Provider: p.name, Err: fmt.Errorf("%w: empty prompt", domain.ErrInvalidInput)}
	}
	ctx, span := tracer.StartSpan(ctx, "llm.stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", p.model),
		),
	)

	chunks := p.script(req)
	p.logger.Debug("echo stream", "provider", p.name, "chunks", len(chunks))
	ch := make(chan domain.ProviderChunk)
	go func() {
		defer close(ch)
		var final error
		defer func() {
			tracer.Finish(span, final)
			span.End()
		}()

		for _, c := range chunks {
			if _, isDelta := c.(domain.ChunkTextDelta); isDelta && p.delay > 0 {
				select {
				case <-time.After(p.delay):
				case <-ctx.Done():
					final = domain.NewAbortedError(context.Cause(ctx))
					return
				}
			}
			if ctx.Err() != nil {
				final = domain.NewAbortedError(context.Cause(ctx))
				return
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				final = domain.NewAbortedError(context.Cause(ctx))
				return
			}
		}
	}()
	return ch, nil
}

// script builds the whole chunk sequence for one turn up front.
func (p *EchoProvider) script(req domain.ChatRequest) []domain.ProviderChunk {
	last := req.Messages[len(req.Messages)-1]

	if last.Role == domain.RoleTool {
		text := fmt.Sprintf("Tool result: %s", last.Content)
		return append(textChunks(0, text), domain.ChunkDone{StopReason: "stop"})
	}

	if name, input, ok := parseToolDirective(last.Content); ok {
		id := fmt.Sprintf("echo_call_%d", len(req.Messages))
		out := []domain.ProviderChunk{
			domain.ChunkBlockStart{Index: 0, Kind: domain.BlockText},
			domain.ChunkTextDelta{Index: 0, Text: "Calling " + name + "."},
			domain.ChunkBlockStop{Index: 0},
			domain.ChunkBlockStart{Index: 1, Kind: domain.BlockTool, ToolID: id, ToolName: name},
		}
		// Split the input so consumers see more than one fragment. The cut
		// lands on a rune boundary; fragments travel as JSON strings.
		half := len(input) / 2
		for half > 0 && !utf8.RuneStart(input[half]) {
			half--
		}
		for _, frag := range []string{input[:half], input[half:]} {
			if frag != "" {
				out = append(out, domain.ChunkInputDelta{Index: 1, PartialJSON: frag})
			}
		}
		return append(out, domain.ChunkBlockStop{Index: 1}, domain.ChunkDone{StopReason: "tool_use"})
	}

	out := textChunks(0, last.Content)
	words := len(strings.Fields(last.Content))
	return append(out,
		domain.ChunkUsage{Usage: domain.Usage{PromptTokens: words, CompletionTokens: words, TotalTokens: 2 * words}},
		domain.ChunkDone{StopReason: "stop"},
	)
}

// textChunks streams text as one block, one word per delta.
func textChunks(index int, text string) []domain.ProviderChunk {
	out := []domain.ProviderChunk{domain.ChunkBlockStart{Index: index, Kind: domain.BlockText}}
	for i, w := range strings.Fields(text) {
		if i > 0 {
			w = " " + w
		}
		out = append(out, domain.ChunkTextDelta{Index: index, Text: w})
	}
	return append(out, domain.ChunkBlockStop{Index: index})
}

// parseToolDirective splits "/tool name {json}". Missing input becomes "{}".
// The input is passed through verbatim, valid JSON or not.
func parseToolDirective(content string) (name, input string, ok bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, toolDirective) {
		return "", "", false
	}
	rest := strings.TrimSpace(strings.TrimPrefix(content, toolDirective))
	name, input, _ = strings.Cut(rest, " ")
	if name == "" {
		return "", "", false
	}
	input = strings.TrimSpace(input)
	if input == "" {
		input = "{}"
	}
	return name, input, true
}
