package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
	"chatstream/internal/infra/tracer"
)

// OpenAIProvider implements domain.ChatProvider for any OpenAI-compatible
// chat completions API.
type OpenAIProvider struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAIProvider creates a provider that sends its calls through client.
func NewOpenAIProvider(cfg config.ProviderConfig, client *http.Client, logger *slog.Logger) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &OpenAIProvider{
		name:    cfg.Name,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  client,
		logger:  logger,
	}
}

// Name implements domain.ChatProvider.
func (p *OpenAIProvider) Name() string { return p.name }

// Stream implements domain.ChatProvider.
func (p *OpenAIProvider) Stream(ctx context.Context, req domain.ChatRequest) (<-chan domain.ProviderChunk, error) {
	if req.Model == "" {
		req.Model = p.model
	}

	ctx, span := tracer.StartSpan(ctx, "llm.stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)

	body, err := json.Marshal(toOpenAIRequest(req))
	if err != nil {
		err = fmt.Errorf("marshal request: %w", err)
		tracer.Finish(span, err)
		span.End()
		return nil, err
	}

	httpResp, err := doStreamRequest(ctx, p.client, p.name, p.baseURL+"/chat/completions", body, bearerHeaders(p.apiKey))
	if err != nil {
		tracer.Finish(span, err)
		span.End()
		return nil, err
	}

	return pumpSSE(ctx, p.name, httpResp.Body, newOpenAIDecoder(p.name), span, p.logger), nil
}

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	Tools         []openaiTool         `json:"tools,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	Stream        bool                 `json:"stream"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiToolCall struct {
	Index    *int                   `json:"index,omitempty"`
	ID       string                 `json:"id,omitempty"`
	Type     string                 `json:"type,omitempty"`
	Function openaiToolCallFunction `json:"function"`
}

type openaiToolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func toOpenAIRequest(req domain.ChatRequest) openaiRequest {
	msgs := make([]openaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		oaiMsg := openaiMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}

		if len(m.ToolCalls) > 0 && m.Role == domain.RoleAssistant {
			oaiMsg.ToolCalls = make([]openaiToolCall, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				oaiMsg.ToolCalls[i] = openaiToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openaiToolCallFunction{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
		}

		msgs = append(msgs, oaiMsg)
	}

	oaiReq := openaiRequest{
		Model:         req.Model,
		Messages:      msgs,
		Stream:        true,
		StreamOptions: &openaiStreamOptions{IncludeUsage: true},
	}

	if req.MaxTokens > 0 {
		oaiReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		oaiReq.Temperature = &req.Temperature
	}

	if len(req.Tools) > 0 {
		oaiReq.Tools = make([]openaiTool, len(req.Tools))
		for i, t := range req.Tools {
			oaiReq.Tools[i] = openaiTool{
				Type: "function",
				Function: openaiToolFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			}
		}
	}

	return oaiReq
}

// --- OpenAI streaming wire types ---

type openaiStreamChunk struct {
	ID      string               `json:"id"`
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
	Error   *openaiStreamError   `json:"error,omitempty"`
}

type openaiStreamError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type openaiStreamChoice struct {
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Content   string           `json:"content,omitempty"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

var errOpenAITruncated = errors.New("stream ended before finish_reason")

// openaiDecoder assigns block indices to OpenAI deltas. Text content opens a
// text block; each tool_call index opens its own tool block. Starting a new
// block closes the open text block, and finish_reason closes everything.
type openaiDecoder struct {
	provider string
	next     int
	textIdx  int
	tools    map[int]int
	open     []int
	finish   string
	finished bool
}

func newOpenAIDecoder(provider string) *openaiDecoder {
	return &openaiDecoder{provider: provider, textIdx: -1, tools: make(map[int]int)}
}

func (d *openaiDecoder) decode(f sseFrame) ([]domain.ProviderChunk, bool, error) {
	if string(f.Data) == "[DONE]" {
		out := d.closeAll()
		return append(out, domain.ChunkDone{StopReason: d.finish}), true, nil
	}

	var chunk openaiStreamChunk
	if err := json.Unmarshal(f.Data, &chunk); err != nil {
		return nil, false, fmt.Errorf("decode chunk: %w", err)
	}
	if chunk.Error != nil {
		return nil, false, &domain.UpstreamError{Provider: d.provider, Err: errors.New(chunk.Error.Message)}
	}

	var out []domain.ProviderChunk
	if len(chunk.Choices) > 0 {
		c := chunk.Choices[0]
		if c.Delta.Content != "" {
			if d.textIdx < 0 {
				d.textIdx = d.openBlock()
				out = append(out, domain.ChunkBlockStart{Index: d.textIdx, Kind: domain.BlockText})
			}
			out = append(out, domain.ChunkTextDelta{Index: d.textIdx, Text: c.Delta.Content})
		}
		for i, tc := range c.Delta.ToolCalls {
			key := i
			if tc.Index != nil {
				key = *tc.Index
			}
			idx, ok := d.tools[key]
			if !ok {
				out = append(out, d.closeText()...)
				idx = d.openBlock()
				d.tools[key] = idx
				out = append(out, domain.ChunkBlockStart{
					Index:    idx,
					Kind:     domain.BlockTool,
					ToolID:   tc.ID,
					ToolName: tc.Function.Name,
				})
			}
			if tc.Function.Arguments != "" {
				out = append(out, domain.ChunkInputDelta{Index: idx, PartialJSON: tc.Function.Arguments})
			}
		}
		if c.FinishReason != nil && *c.FinishReason != "" {
			d.finish = *c.FinishReason
			d.finished = true
			out = append(out, d.closeAll()...)
		}
	}
	if chunk.Usage != nil {
		out = append(out, domain.ChunkUsage{Usage: domain.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}})
	}
	return out, false, nil
}

func (d *openaiDecoder) eof() ([]domain.ProviderChunk, error) {
	if !d.finished {
		return nil, errOpenAITruncated
	}
	out := d.closeAll()
	return append(out, domain.ChunkDone{StopReason: d.finish}), nil
}

func (d *openaiDecoder) openBlock() int {
	idx := d.next
	d.next++
	d.open = append(d.open, idx)
	return idx
}

func (d *openaiDecoder) closeText() []domain.ProviderChunk {
	if d.textIdx < 0 {
		return nil
	}
	idx := d.textIdx
	d.textIdx = -1
	for i, o := range d.open {
		if o == idx {
			d.open = append(d.open[:i], d.open[i+1:]...)
			break
		}
	}
	return []domain.ProviderChunk{domain.ChunkBlockStop{Index: idx}}
}

func (d *openaiDecoder) closeAll() []domain.ProviderChunk {
	out := make([]domain.ProviderChunk, 0, len(d.open))
	for _, idx := range d.open {
		out = append(out, domain.ChunkBlockStop{Index: idx})
	}
	d.open = nil
	d.textIdx = -1
	d.tools = make(map[int]int)
	return out
}
