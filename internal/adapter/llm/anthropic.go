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

const (
	defaultAnthropicVersion   = "2023-06-01"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicProvider implements domain.ChatProvider for the Anthropic Messages API.
type AnthropicProvider struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	version string
}

// NewAnthropicProvider creates a provider that sends its calls through client.
func NewAnthropicProvider(cfg config.ProviderConfig, client *http.Client, logger *slog.Logger) *AnthropicProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	return &AnthropicProvider{
		name:    cfg.Name,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  client,
		logger:  logger,
		version: defaultAnthropicVersion,
	}
}

// Name implements domain.ChatProvider.
func (p *AnthropicProvider) Name() string { return p.name }

// Stream implements domain.ChatProvider.
func (p *AnthropicProvider) Stream(ctx context.Context, req domain.ChatRequest) (<-chan domain.ProviderChunk, error) {
	if req.Model == "" {
		req.Model = p.model
	}

	ctx, span := tracer.StartSpan(ctx, "llm.stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)

	body, err := json.Marshal(toAnthropicRequest(req))
	if err != nil {
		err = fmt.Errorf("marshal request: %w", err)
		tracer.Finish(span, err)
		span.End()
		return nil, err
	}

	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": p.version,
	}

	httpResp, err := doStreamRequest(ctx, p.client, p.name, p.baseURL+"/v1/messages", body, headers)
	if err != nil {
		tracer.Finish(span, err)
		span.End()
		return nil, err
	}

	return pumpSSE(ctx, p.name, httpResp.Body, newAnthropicDecoder(p.name), span, p.logger), nil
}

// --- Anthropic API wire types ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func toAnthropicRequest(req domain.ChatRequest) anthropicRequest {
	antReq := anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
	if antReq.MaxTokens <= 0 {
		antReq.MaxTokens = defaultAnthropicMaxTokens
	}
	if req.Temperature > 0 {
		antReq.Temperature = &req.Temperature
	}

	for _, m := range req.Messages {
		switch {
		case m.Role == domain.RoleSystem:
			if antReq.System != "" {
				antReq.System += "\n\n"
			}
			antReq.System += m.Content

		case m.Role == domain.RoleTool:
			// Consecutive tool results share one user turn.
			result := anthropicContent{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}
			if n := len(antReq.Messages); n > 0 && isToolResultTurn(antReq.Messages[n-1]) {
				antReq.Messages[n-1].Content = append(antReq.Messages[n-1].Content, result)
				continue
			}
			antReq.Messages = append(antReq.Messages, anthropicMessage{
				Role:    domain.RoleUser,
				Content: []anthropicContent{result},
			})

		default:
			antMsg := anthropicMessage{Role: m.Role}
			if m.Content != "" || len(m.ToolCalls) == 0 {
				antMsg.Content = append(antMsg.Content, anthropicContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				antMsg.Content = append(antMsg.Content, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			antReq.Messages = append(antReq.Messages, antMsg)
		}
	}

	for _, t := range req.Tools {
		antReq.Tools = append(antReq.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	return antReq
}

func isToolResultTurn(m anthropicMessage) bool {
	return m.Role == domain.RoleUser && len(m.Content) > 0 && m.Content[0].Type == "tool_result"
}

// --- Anthropic streaming wire types ---

type anthropicStreamEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index"`
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
	Delta        json.RawMessage   `json:"delta,omitempty"`
	Usage        *anthropicUsage   `json:"usage,omitempty"`
	Message      *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
	StopReason  string `json:"stop_reason"`
}

var errAnthropicTruncated = errors.New("stream ended before message_stop")

// anthropicDecoder maps content_block_* events 1:1 onto block chunks. Block
// types other than text and tool_use (thinking) are skipped along with their
// deltas.
type anthropicDecoder struct {
	provider   string
	skipped    map[int]bool
	usage      domain.Usage
	stopReason string
}

func newAnthropicDecoder(provider string) *anthropicDecoder {
	return &anthropicDecoder{provider: provider, skipped: make(map[int]bool)}
}

func (d *anthropicDecoder) decode(f sseFrame) ([]domain.ProviderChunk, bool, error) {
	var evt anthropicStreamEvent
	if err := json.Unmarshal(f.Data, &evt); err != nil {
		return nil, false, fmt.Errorf("decode event: %w", err)
	}

	switch evt.Type {
	case "message_start":
		if evt.Message != nil {
			d.usage.PromptTokens = evt.Message.Usage.InputTokens
		}

	case "content_block_start":
		if evt.ContentBlock == nil {
			return nil, false, fmt.Errorf("content_block_start %d without block", evt.Index)
		}
		switch evt.ContentBlock.Type {
		case "text":
			return []domain.ProviderChunk{domain.ChunkBlockStart{Index: evt.Index, Kind: domain.BlockText}}, false, nil
		case "tool_use":
			return []domain.ProviderChunk{domain.ChunkBlockStart{
				Index:    evt.Index,
				Kind:     domain.BlockTool,
				ToolID:   evt.ContentBlock.ID,
				ToolName: evt.ContentBlock.Name,
			}}, false, nil
		default:
			d.skipped[evt.Index] = true
		}

	case "content_block_delta":
		if d.skipped[evt.Index] {
			return nil, false, nil
		}
		var delta anthropicDelta
		if err := json.Unmarshal(evt.Delta, &delta); err != nil {
			return nil, false, fmt.Errorf("decode delta: %w", err)
		}
		switch delta.Type {
		case "text_delta":
			return []domain.ProviderChunk{domain.ChunkTextDelta{Index: evt.Index, Text: delta.Text}}, false, nil
		case "input_json_delta":
			return []domain.ProviderChunk{domain.ChunkInputDelta{Index: evt.Index, PartialJSON: delta.PartialJSON}}, false, nil
		}

	case "content_block_stop":
		if d.skipped[evt.Index] {
			return nil, false, nil
		}
		return []domain.ProviderChunk{domain.ChunkBlockStop{Index: evt.Index}}, false, nil

	case "message_delta":
		if len(evt.Delta) > 0 {
			var delta anthropicDelta
			if err := json.Unmarshal(evt.Delta, &delta); err == nil {
				d.stopReason = delta.StopReason
			}
		}
		if evt.Usage != nil {
			d.usage.CompletionTokens = evt.Usage.OutputTokens
			d.usage.TotalTokens = d.usage.PromptTokens + d.usage.CompletionTokens
			return []domain.ProviderChunk{domain.ChunkUsage{Usage: d.usage}}, false, nil
		}

	case "message_stop":
		return []domain.ProviderChunk{domain.ChunkDone{StopReason: d.stopReason}}, true, nil

	case "error":
		msg := "unknown stream error"
		if evt.Error != nil {
			msg = evt.Error.Type + ": " + evt.Error.Message
		}
		return nil, false, &domain.UpstreamError{Provider: d.provider, Err: errors.New(msg)}
	}
	return nil, false, nil
}

func (d *anthropicDecoder) eof() ([]domain.ProviderChunk, error) {
	return nil, errAnthropicTruncated
}
