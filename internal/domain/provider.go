package domain

import "context"

// ChatMessage is one entry of the prompt sent to a provider.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ChatRequest is sent to an LLM provider.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Tools       []ToolSchema  `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderChunk is one unit of provider output, already mapped onto block
// indices. Implemented by the Chunk* types only.
type ProviderChunk interface {
	isProviderChunk()
}

// ChunkBlockStart opens a block at Index.
type ChunkBlockStart struct {
	Index    int
	Kind     BlockKind
	ToolID   string
	ToolName string
}

// ChunkTextDelta appends text to a text block.
type ChunkTextDelta struct {
	Index int
	Text  string
}

// ChunkInputDelta appends a JSON fragment to a tool block's input.
type ChunkInputDelta struct {
	Index       int
	PartialJSON string
}

// ChunkBlockStop closes a block.
type ChunkBlockStop struct {
	Index int
}

// ChunkUsage reports token usage.
type ChunkUsage struct {
	Usage Usage
}

// ChunkDone ends a successful stream.
type ChunkDone struct {
	StopReason string
}

// ChunkFailure ends a failed stream. Err is an *AbortedError when the
// request's token fired, otherwise an *UpstreamError.
type ChunkFailure struct {
	Err error
}

func (ChunkBlockStart) isProviderChunk() {}
func (ChunkTextDelta) isProviderChunk()  {}
func (ChunkInputDelta) isProviderChunk() {}
func (ChunkBlockStop) isProviderChunk()  {}
func (ChunkUsage) isProviderChunk()      {}
func (ChunkDone) isProviderChunk()       {}
func (ChunkFailure) isProviderChunk()    {}

// ChatProvider is a streaming LLM backend. The returned channel delivers
// chunks in provider order and is closed after ChunkDone or ChunkFailure, or
// when ctx is done.
type ChatProvider interface {
	Name() string
	Stream(ctx context.Context, req ChatRequest) (<-chan ProviderChunk, error)
}
