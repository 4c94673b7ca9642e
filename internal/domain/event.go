package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the kind of wire event.
type EventType string

const (
	EventBlockStart      EventType = "block-start"
	EventBlockDelta      EventType = "block-delta"
	EventBlockStop       EventType = "block-stop"
	EventToolStart       EventType = "tool-start"
	EventToolResult      EventType = "tool-result"
	EventToolError       EventType = "tool-error"
	EventMessageComplete EventType = "message-complete"
	EventError           EventType = "error"
	EventSessionEnd      EventType = "session-end"

	// EventHeartbeat is liveness only. It is never buffered for replay and
	// carries no transcript state.
	EventHeartbeat EventType = "heartbeat"
)

// EndReason is the terminal reason carried by session-end.
type EndReason string

const (
	EndDone    EndReason = "done"
	EndAborted EndReason = "aborted"
	EndError   EndReason = "error"
)

// Event is one variant of the wire protocol. The set of variants is closed:
// only the types in this file implement it.
type Event interface {
	Type() EventType
	isEvent()
}

// BlockStart opens a content block at Index.
type BlockStart struct {
	Index    int
	Kind     BlockKind
	ToolID   string
	ToolName string
}

// BlockDelta carries incremental content for an open block. Text blocks use
// Text, tool blocks use PartialJSON.
type BlockDelta struct {
	Index       int
	Text        string
	PartialJSON string
}

// BlockStop marks the end of the provider's output for a block. For tool
// blocks it only means the input is complete.
type BlockStop struct {
	Index int
}

// ToolStart reports that a tool was dispatched for execution.
type ToolStart struct {
	ToolID   string
	ToolName string
}

// ToolResult reports a successful tool execution.
type ToolResult struct {
	ToolID   string
	ToolName string
	Input    json.RawMessage
	Result   string
}

// ToolError reports a failed tool execution.
type ToolError struct {
	ToolID   string
	ToolName string
	Error    string
}

// MessageComplete marks the normal end of the assistant turn.
type MessageComplete struct{}

// StreamError carries an unrecoverable failure.
type StreamError struct {
	Error string
}

// SessionEnd is the terminal event of a request. Cause is set only when
// Reason is EndAborted.
type SessionEnd struct {
	Reason EndReason
	Cause  AbortCause
}

// Heartbeat is injected periodically by the broadcast channel.
type Heartbeat struct {
	TS time.Time
}

func (BlockStart) Type() EventType      { return EventBlockStart }
func (BlockDelta) Type() EventType      { return EventBlockDelta }
func (BlockStop) Type() EventType       { return EventBlockStop }
func (ToolStart) Type() EventType       { return EventToolStart }
func (ToolResult) Type() EventType      { return EventToolResult }
func (ToolError) Type() EventType       { return EventToolError }
func (MessageComplete) Type() EventType { return EventMessageComplete }
func (StreamError) Type() EventType     { return EventError }
func (SessionEnd) Type() EventType      { return EventSessionEnd }
func (Heartbeat) Type() EventType       { return EventHeartbeat }

func (BlockStart) isEvent()      {}
func (BlockDelta) isEvent()      {}
func (BlockStop) isEvent()       {}
func (ToolStart) isEvent()       {}
func (ToolResult) isEvent()      {}
func (ToolError) isEvent()       {}
func (MessageComplete) isEvent() {}
func (StreamError) isEvent()     {}
func (SessionEnd) isEvent()      {}
func (Heartbeat) isEvent()       {}

// IsTerminal reports whether ev ends a request's stream.
func IsTerminal(ev Event) bool {
	_, ok := ev.(SessionEnd)
	return ok
}

// Envelope addresses an event to a conversation, request and version and
// stamps it with the broadcast sequence number. It encodes as one flat JSON
// object.
type Envelope struct {
	Seq            uint64
	ConversationID string
	RequestID      string
	MessageKey     string
	VersionID      string
	Event          Event
}

type wireEnvelope struct {
	Type           EventType       `json:"type"`
	Seq            uint64          `json:"seq,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	RequestID      string          `json:"requestId,omitempty"`
	MessageKey     string          `json:"messageKey,omitempty"`
	VersionID      string          `json:"versionId,omitempty"`
	Index          *int            `json:"index,omitempty"`
	Kind           BlockKind       `json:"kind,omitempty"`
	ToolID         string          `json:"toolId,omitempty"`
	ToolName       string          `json:"toolName,omitempty"`
	Text           string          `json:"text,omitempty"`
	PartialJSON    string          `json:"partialJson,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	Result         *string         `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	Reason         EndReason       `json:"reason,omitempty"`
	Cause          AbortCause      `json:"cause,omitempty"`
	TS             *time.Time      `json:"ts,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Event == nil {
		return nil, fmt.Errorf("marshal envelope: %w: missing event", ErrProtocolViolation)
	}
	w := wireEnvelope{
		Type:           e.Event.Type(),
		Seq:            e.Seq,
		ConversationID: e.ConversationID,
		RequestID:      e.RequestID,
		MessageKey:     e.MessageKey,
		VersionID:      e.VersionID,
	}
	switch ev := e.Event.(type) {
	case BlockStart:
		w.Index = &ev.Index
		w.Kind = ev.Kind
		w.ToolID = ev.ToolID
		w.ToolName = ev.ToolName
	case BlockDelta:
		w.Index = &ev.Index
		w.Text = ev.Text
		w.PartialJSON = ev.PartialJSON
	case BlockStop:
		w.Index = &ev.Index
	case ToolStart:
		w.ToolID = ev.ToolID
		w.ToolName = ev.ToolName
	case ToolResult:
		w.ToolID = ev.ToolID
		w.ToolName = ev.ToolName
		w.Input = ev.Input
		w.Result = &ev.Result
	case ToolError:
		w.ToolID = ev.ToolID
		w.ToolName = ev.ToolName
		w.Error = ev.Error
	case MessageComplete:
	case StreamError:
		w.Error = ev.Error
	case SessionEnd:
		w.Reason = ev.Reason
		w.Cause = ev.Cause
	case Heartbeat:
		ts := ev.TS.UTC()
		w.TS = &ts
	default:
		return nil, fmt.Errorf("marshal envelope: %w: unknown event %T", ErrProtocolViolation, e.Event)
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler. Unknown types and block events
// without an index are rejected with ErrProtocolViolation.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	needIndex := func() (int, error) {
		if w.Index == nil {
			return 0, fmt.Errorf("%w: %s without index", ErrProtocolViolation, w.Type)
		}
		return *w.Index, nil
	}

	var ev Event
	switch w.Type {
	case EventBlockStart:
		idx, err := needIndex()
		if err != nil {
			return err
		}
		if w.Kind != BlockText && w.Kind != BlockTool {
			return fmt.Errorf("%w: block-start with kind %q", ErrProtocolViolation, w.Kind)
		}
		ev = BlockStart{Index: idx, Kind: w.Kind, ToolID: w.ToolID, ToolName: w.ToolName}
	case EventBlockDelta:
		idx, err := needIndex()
		if err != nil {
			return err
		}
		ev = BlockDelta{Index: idx, Text: w.Text, PartialJSON: w.PartialJSON}
	case EventBlockStop:
		idx, err := needIndex()
		if err != nil {
			return err
		}
		ev = BlockStop{Index: idx}
	case EventToolStart:
		ev = ToolStart{ToolID: w.ToolID, ToolName: w.ToolName}
	case EventToolResult:
		r := ToolResult{ToolID: w.ToolID, ToolName: w.ToolName, Input: w.Input}
		if w.Result != nil {
			r.Result = *w.Result
		}
		ev = r
	case EventToolError:
		ev = ToolError{ToolID: w.ToolID, ToolName: w.ToolName, Error: w.Error}
	case EventMessageComplete:
		ev = MessageComplete{}
	case EventError:
		ev = StreamError{Error: w.Error}
	case EventSessionEnd:
		switch w.Reason {
		case EndDone, EndAborted, EndError:
		default:
			return fmt.Errorf("%w: session-end with reason %q", ErrProtocolViolation, w.Reason)
		}
		ev = SessionEnd{Reason: w.Reason, Cause: w.Cause}
	case EventHeartbeat:
		hb := Heartbeat{}
		if w.TS != nil {
			hb.TS = *w.TS
		}
		ev = hb
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrProtocolViolation, w.Type)
	}

	*e = Envelope{
		Seq:            w.Seq,
		ConversationID: w.ConversationID,
		RequestID:      w.RequestID,
		MessageKey:     w.MessageKey,
		VersionID:      w.VersionID,
		Event:          ev,
	}
	return nil
}
