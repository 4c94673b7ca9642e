package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// VersionStatus is the lifecycle status of a MessageVersion.
type VersionStatus string

const (
	StatusStreaming VersionStatus = "streaming"
	StatusCompleted VersionStatus = "completed"
	StatusAborted   VersionStatus = "aborted"
	StatusError     VersionStatus = "error"
)

// IsTerminal reports whether s is completed, aborted or error.
func (s VersionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusError
}

// BlockKind discriminates content blocks.
type BlockKind string

const (
	BlockText BlockKind = "text"
	BlockTool BlockKind = "tool"
)

// ToolState is the lifecycle state of a tool block.
type ToolState string

const (
	ToolInputStreaming ToolState = "input-streaming"
	ToolExecuting      ToolState = "executing"
	ToolCompleted      ToolState = "completed"
	ToolErrored        ToolState = "error"
)

// ContentBlock is one unit of assistant output, keyed by the index the
// provider assigned it. Implemented by *TextBlock and *ToolBlock only.
type ContentBlock interface {
	BlockIndex() int
	Kind() BlockKind
	Clone() ContentBlock
	isContentBlock()
}

// TextBlock is an append-only run of text.
type TextBlock struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// ToolBlock is a tool invocation. RawInput accumulates the streamed JSON
// fragments; Input holds the parsed value once the input is complete.
type ToolBlock struct {
	Index    int             `json:"index"`
	ToolID   string          `json:"toolId"`
	ToolName string          `json:"toolName"`
	RawInput string          `json:"rawInput,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	State    ToolState       `json:"state"`
	Output   string          `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (b *TextBlock) BlockIndex() int { return b.Index }
func (b *TextBlock) Kind() BlockKind { return BlockText }
func (b *TextBlock) isContentBlock() {}

// Clone returns a copy of the block.
func (b *TextBlock) Clone() ContentBlock {
	c := *b
	return &c
}

func (b *ToolBlock) BlockIndex() int { return b.Index }
func (b *ToolBlock) Kind() BlockKind { return BlockTool }
func (b *ToolBlock) isContentBlock() {}

// Clone returns a deep copy of the block.
func (b *ToolBlock) Clone() ContentBlock {
	c := *b
	if b.Input != nil {
		c.Input = append(json.RawMessage(nil), b.Input...)
	}
	return &c
}

// Resolved reports whether the tool reached completed or error.
func (b *ToolBlock) Resolved() bool {
	return b.State == ToolCompleted || b.State == ToolErrored
}

// Blocks is an ordered list of content blocks with a tagged JSON encoding.
type Blocks []ContentBlock

// Clone deep-copies the list.
func (bs Blocks) Clone() Blocks {
	if bs == nil {
		return nil
	}
	out := make(Blocks, len(bs))
	for i, b := range bs {
		out[i] = b.Clone()
	}
	return out
}

// SortByIndex orders blocks by provider index, in place.
func (bs Blocks) SortByIndex() {
	sort.SliceStable(bs, func(i, j int) bool { return bs[i].BlockIndex() < bs[j].BlockIndex() })
}

// MarshalJSON implements json.Marshaler.
func (bs Blocks) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(bs))
	for _, b := range bs {
		var (
			raw []byte
			err error
		)
		switch v := b.(type) {
		case *TextBlock:
			raw, err = json.Marshal(struct {
				Type BlockKind `json:"type"`
				*TextBlock
			}{BlockText, v})
		case *ToolBlock:
			raw, err = json.Marshal(struct {
				Type BlockKind `json:"type"`
				*ToolBlock
			}{BlockTool, v})
		default:
			err = fmt.Errorf("unknown content block %T", b)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (bs *Blocks) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Blocks, 0, len(raws))
	for _, raw := range raws {
		var head struct {
			Type BlockKind `json:"type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return err
		}
		switch head.Type {
		case BlockText:
			var b TextBlock
			if err := json.Unmarshal(raw, &b); err != nil {
				return err
			}
			out = append(out, &b)
		case BlockTool:
			var b ToolBlock
			if err := json.Unmarshal(raw, &b); err != nil {
				return err
			}
			out = append(out, &b)
		default:
			return fmt.Errorf("unknown content block type %q", head.Type)
		}
	}
	*bs = out
	return nil
}

// MessageVersion is one attempt at answering a message.
type MessageVersion struct {
	ID         string        `json:"id"`
	RequestID  string        `json:"requestId,omitempty"`
	Status     VersionStatus `json:"status"`
	Blocks     Blocks        `json:"blocks"`
	Error      string        `json:"error,omitempty"`
	AbortCause AbortCause    `json:"abortCause,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	FinishedAt time.Time     `json:"finishedAt,omitzero"`
}

// Clone deep-copies the version.
func (v MessageVersion) Clone() MessageVersion {
	v.Blocks = v.Blocks.Clone()
	return v
}

// Text concatenates the version's text blocks in index order.
func (v MessageVersion) Text() string {
	var sb strings.Builder
	for _, b := range v.Blocks {
		if tb, ok := b.(*TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	return sb.String()
}

// ToolBlocks returns the version's tool blocks in index order.
func (v MessageVersion) ToolBlocks() []*ToolBlock {
	var out []*ToolBlock
	for _, b := range v.Blocks {
		if tb, ok := b.(*ToolBlock); ok {
			out = append(out, tb)
		}
	}
	return out
}

// Message is a logical message whose key never changes. Retries append
// versions; they never replace the key.
type Message struct {
	Key            string           `json:"key"`
	ConversationID string           `json:"conversationId"`
	Role           string           `json:"role"`
	InputKey       string           `json:"inputKey,omitempty"`
	Versions       []MessageVersion `json:"versions"`
	Selected       int              `json:"selected"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// Clone deep-copies the message.
func (m Message) Clone() Message {
	vs := make([]MessageVersion, len(m.Versions))
	for i, v := range m.Versions {
		vs[i] = v.Clone()
	}
	m.Versions = vs
	return m
}

// Streaming returns the index of the version that is still streaming, or -1.
func (m *Message) Streaming() int {
	for i := range m.Versions {
		if m.Versions[i].Status == StatusStreaming {
			return i
		}
	}
	return -1
}

// VersionIndex returns the position of the version with the given id, or -1.
func (m *Message) VersionIndex(versionID string) int {
	for i := range m.Versions {
		if m.Versions[i].ID == versionID {
			return i
		}
	}
	return -1
}

// SelectedVersion returns the version chosen for display.
func (m *Message) SelectedVersion() (MessageVersion, bool) {
	if m.Selected < 0 || m.Selected >= len(m.Versions) {
		return MessageVersion{}, false
	}
	return m.Versions[m.Selected], true
}

// Conversation holds an ordered sequence of messages.
type Conversation struct {
	ID        string    `json:"id"`
	Mode      string    `json:"mode,omitempty"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// MessageIndex returns the position of the message with the given key, or -1.
func (c *Conversation) MessageIndex(key string) int {
	for i := range c.Messages {
		if c.Messages[i].Key == key {
			return i
		}
	}
	return -1
}

// Clone deep-copies the conversation.
func (c Conversation) Clone() Conversation {
	msgs := make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		msgs[i] = m.Clone()
	}
	c.Messages = msgs
	return c
}
