package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
)

func newTestAnthropic(baseURL string) *AnthropicProvider {
	cfg := config.ProviderConfig{Name: "anthropic", BaseURL: baseURL, APIKey: "test-key", Model: "claude-test"}
	outbound := NewOutboundTransport(nil, nil, 0, newTestLogger())
	return NewAnthropicProvider(cfg, NewHTTPClient(cfg, outbound.Wrap), newTestLogger())
}

func TestAnthropicStream_BlocksMapOneToOne(t *testing.T) {
	server := sseServer(t, []string{
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":9}}}",
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"thinking\"}}",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"thinking_delta\",\"thinking\":\"hmm\"}}",
		"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}",
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":1,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}",
		"event: ping\ndata: {\"type\":\"ping\"}",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":1,\"delta\":{\"type\":\"text_delta\",\"text\":\"Sure\"}}",
		"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":1}",
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":2,\"content_block\":{\"type\":\"tool_use\",\"id\":\"toolu_1\",\"name\":\"current_time\",\"input\":{}}}",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":2,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{}\"}}",
		"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":2}",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"tool_use\"},\"usage\":{\"output_tokens\":4}}",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}",
	}, func(r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, defaultAnthropicVersion, r.Header.Get("anthropic-version"))
	})

	ch, err := newTestAnthropic(server.URL).Stream(context.Background(), userPrompt("time?"))
	require.NoError(t, err)

	assert.Equal(t, []domain.ProviderChunk{
		domain.ChunkBlockStart{Index: 1, Kind: domain.BlockText},
		domain.ChunkTextDelta{Index: 1, Text: "Sure"},
		domain.ChunkBlockStop{Index: 1},
		domain.ChunkBlockStart{Index: 2, Kind: domain.BlockTool, ToolID: "toolu_1", ToolName: "current_time"},
		domain.ChunkInputDelta{Index: 2, PartialJSON: "{}"},
		domain.ChunkBlockStop{Index: 2},
		domain.ChunkUsage{Usage: domain.Usage{PromptTokens: 9, CompletionTokens: 4, TotalTokens: 13}},
		domain.ChunkDone{StopReason: "tool_use"},
	}, collect(t, ch))
}

func TestAnthropicStream_ErrorEvent(t *testing.T) {
	server := sseServer(t, []string{
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\"}}",
		"event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}",
	}, nil)

	ch, err := newTestAnthropic(server.URL).Stream(context.Background(), userPrompt("hi"))
	require.NoError(t, err)

	got := collect(t, ch)
	require.Len(t, got, 2)
	failure, ok := got[1].(domain.ChunkFailure)
	require.True(t, ok)
	assert.ErrorIs(t, failure.Err, domain.ErrUpstream)
	assert.ErrorContains(t, failure.Err, "Overloaded")
}

func TestAnthropicStream_MissingMessageStop(t *testing.T) {
	server := sseServer(t, []string{
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\"}}",
	}, nil)

	ch, err := newTestAnthropic(server.URL).Stream(context.Background(), userPrompt("hi"))
	require.NoError(t, err)

	got := collect(t, ch)
	failure, ok := got[len(got)-1].(domain.ChunkFailure)
	require.True(t, ok)
	assert.ErrorContains(t, failure.Err, "message_stop")
}

func TestToAnthropicRequest(t *testing.T) {
	req := domain.ChatRequest{
		Model: "claude-test",
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: "be brief"},
			{Role: domain.RoleUser, Content: "do two things"},
			{Role: domain.RoleAssistant, Content: "ok", ToolCalls: []domain.ToolCall{
				{ID: "t1", Name: "a"},
				{ID: "t2", Name: "b", Arguments: json.RawMessage(`{"x":1}`)},
			}},
			{Role: domain.RoleTool, Content: "r1", ToolCallID: "t1"},
			{Role: domain.RoleTool, Content: "r2", ToolCallID: "t2"},
		},
	}

	got := toAnthropicRequest(req)
	assert.Equal(t, "be brief", got.System)
	assert.Equal(t, defaultAnthropicMaxTokens, got.MaxTokens)
	assert.True(t, got.Stream)

	require.Len(t, got.Messages, 3)
	assistant := got.Messages[1]
	require.Len(t, assistant.Content, 3)
	assert.Equal(t, "text", assistant.Content[0].Type)
	assert.Equal(t, "tool_use", assistant.Content[1].Type)
	assert.JSONEq(t, `{}`, string(assistant.Content[1].Input))

	results := got.Messages[2]
	assert.Equal(t, domain.RoleUser, results.Role)
	require.Len(t, results.Content, 2)
	assert.Equal(t, "t1", results.Content[0].ToolUseID)
	assert.Equal(t, "t2", results.Content[1].ToolUseID)
}
