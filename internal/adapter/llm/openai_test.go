package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/internal/domain"
	"chatstream/internal/infra/config"
)

func sseServer(t *testing.T, lines []string, inspect func(r *http.Request)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inspect != nil {
			inspect(r)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, l := range lines {
			fmt.Fprintln(w, l)
			fmt.Fprintln(w)
			flusher.Flush()
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestOpenAI(baseURL string, tokens TokenSource) *OpenAIProvider {
	cfg := config.ProviderConfig{Name: "openai", BaseURL: baseURL, APIKey: "test-key", Model: "gpt-4o-mini"}
	outbound := NewOutboundTransport(nil, tokens, 0, newTestLogger())
	return NewOpenAIProvider(cfg, NewHTTPClient(cfg, outbound.Wrap), newTestLogger())
}

func userPrompt(text string) domain.ChatRequest {
	return domain.ChatRequest{Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: text}}}
}

func TestOpenAIStream_TextAndToolCalls(t *testing.T) {
	server := sseServer(t, []string{
		`data: {"id":"c1","choices":[{"delta":{"content":"Let me"}}]}`,
		`data: {"id":"c1","choices":[{"delta":{"content":" check."}}]}`,
		`data: {"id":"c1","choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"calculator","arguments":""}}]}}]}`,
		`data: {"id":"c1","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"expr\":"}}]}}]}`,
		`data: {"id":"c1","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"1+1\"}"}}]}}]}`,
		`data: {"id":"c1","choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: {"id":"c1","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":7,"total_tokens":12}}`,
		`data: [DONE]`,
	}, func(r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "/chat/completions", r.URL.Path)
	})

	ch, err := newTestOpenAI(server.URL, nil).Stream(context.Background(), userPrompt("what is 1+1"))
	require.NoError(t, err)

	assert.Equal(t, []domain.ProviderChunk{
		domain.ChunkBlockStart{Index: 0, Kind: domain.BlockText},
		domain.ChunkTextDelta{Index: 0, Text: "Let me"},
		domain.ChunkTextDelta{Index: 0, Text: " check."},
		domain.ChunkBlockStop{Index: 0},
		domain.ChunkBlockStart{Index: 1, Kind: domain.BlockTool, ToolID: "call_1", ToolName: "calculator"},
		domain.ChunkInputDelta{Index: 1, PartialJSON: `{"expr":`},
		domain.ChunkInputDelta{Index: 1, PartialJSON: `"1+1"}`},
		domain.ChunkBlockStop{Index: 1},
		domain.ChunkUsage{Usage: domain.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12}},
		domain.ChunkDone{StopReason: "tool_calls"},
	}, collect(t, ch))
}

func TestOpenAIStream_MissingDoneAfterFinishStillCompletes(t *testing.T) {
	server := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"hi"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`,
	}, nil)

	ch, err := newTestOpenAI(server.URL, nil).Stream(context.Background(), userPrompt("hi"))
	require.NoError(t, err)

	got := collect(t, ch)
	require.NotEmpty(t, got)
	assert.Equal(t, domain.ChunkDone{StopReason: "stop"}, got[len(got)-1])
}

func TestOpenAIStream_TruncatedIsUpstreamFailure(t *testing.T) {
	server := sseServer(t, []string{
		`data: {"choices":[{"delta":{"content":"partial"}}]}`,
	}, nil)

	ch, err := newTestOpenAI(server.URL, nil).Stream(context.Background(), userPrompt("hi"))
	require.NoError(t, err)

	got := collect(t, ch)
	failure, ok := got[len(got)-1].(domain.ChunkFailure)
	require.True(t, ok, "last chunk %T", got[len(got)-1])
	assert.ErrorIs(t, failure.Err, domain.ErrUpstream)
	assert.NotErrorIs(t, failure.Err, domain.ErrAborted)
}

func TestOpenAIStream_ErrorPayload(t *testing.T) {
	server := sseServer(t, []string{
		`data: {"error":{"message":"model overloaded","type":"server_error"}}`,
	}, nil)

	ch, err := newTestOpenAI(server.URL, nil).Stream(context.Background(), userPrompt("hi"))
	require.NoError(t, err)

	got := collect(t, ch)
	require.Len(t, got, 1)
	failure := got[0].(domain.ChunkFailure)
	assert.ErrorContains(t, failure.Err, "model overloaded")
}

func TestOpenAIStream_HTTPErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimit},
		{http.StatusUnauthorized, domain.ErrAuthInvalid},
		{http.StatusRequestEntityTooLarge, domain.ErrContextOverflow},
		{http.StatusBadGateway, domain.ErrUpstream},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"message":"nope"}}`)
			}))
			defer server.Close()

			_, err := newTestOpenAI(server.URL, nil).Stream(context.Background(), userPrompt("hi"))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, domain.ErrUpstream)

			var upstream *domain.UpstreamError
			require.ErrorAs(t, err, &upstream)
			assert.Equal(t, tt.status, upstream.StatusCode)
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestOpenAIStream_TokenAbortMidStream(t *testing.T) {
	server := blockingServer(t, "data: {\"choices\":[{\"delta\":{\"content\":\"one\"}}]}\n\n")

	tokCtx, fire := context.WithCancelCause(context.Background())
	provider := newTestOpenAI(server.URL, tokenMap{"req-1": tokCtx})

	ctx := domain.ContextWithRequestID(context.Background(), "req-1")
	ch, err := provider.Stream(ctx, userPrompt("hi"))
	require.NoError(t, err)

	assert.Equal(t, domain.ChunkBlockStart{Index: 0, Kind: domain.BlockText}, <-ch)
	assert.Equal(t, domain.ChunkTextDelta{Index: 0, Text: "one"}, <-ch)

	fire(domain.ErrUserCanceled)

	rest := collect(t, ch)
	require.Len(t, rest, 1)
	failure, ok := rest[0].(domain.ChunkFailure)
	require.True(t, ok)
	var aborted *domain.AbortedError
	require.ErrorAs(t, failure.Err, &aborted)
	assert.Equal(t, domain.AbortCanceled, aborted.Cause)
}

func TestToOpenAIRequest(t *testing.T) {
	req := domain.ChatRequest{
		Model:       "gpt-4o",
		MaxTokens:   100,
		Temperature: 0.2,
		Tools: []domain.ToolSchema{{
			Name:        "calculator",
			Description: "math",
			Parameters:  json.RawMessage(`{"type":"object"}`),
		}},
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: "be brief"},
			{Role: domain.RoleUser, Content: "1+1?"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "call_1", Name: "calculator", Arguments: json.RawMessage(`{"expr":"1+1"}`)}}},
			{Role: domain.RoleTool, Content: "2", ToolCallID: "call_1"},
		},
	}

	got := toOpenAIRequest(req)
	assert.True(t, got.Stream)
	require.NotNil(t, got.StreamOptions)
	assert.True(t, got.StreamOptions.IncludeUsage)
	assert.Equal(t, 100, got.MaxTokens)
	require.NotNil(t, got.Temperature)
	assert.InDelta(t, 0.2, *got.Temperature, 1e-9)

	require.Len(t, got.Messages, 4)
	require.Len(t, got.Messages[2].ToolCalls, 1)
	assert.Equal(t, "function", got.Messages[2].ToolCalls[0].Type)
	assert.Equal(t, `{"expr":"1+1"}`, got.Messages[2].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "call_1", got.Messages[3].ToolCallID)

	require.Len(t, got.Tools, 1)
	assert.Equal(t, "calculator", got.Tools[0].Function.Name)
}

func TestOpenAIStream_RequestBody(t *testing.T) {
	bodies := make(chan []byte, 1)
	server := sseServer(t, []string{`data: [DONE]`}, func(r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		bodies <- raw
	})

	ch, err := newTestOpenAI(server.URL, nil).Stream(context.Background(), userPrompt("hi"))
	require.NoError(t, err)
	collect(t, ch)

	var body map[string]any
	require.NoError(t, json.Unmarshal(<-bodies, &body))

	assert.Equal(t, "gpt-4o-mini", body["model"])
	assert.Equal(t, true, body["stream"])
}
