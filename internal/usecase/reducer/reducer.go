// Package reducer rebuilds a MessageVersion from its event stream.
//
// The reducer is deterministic: applying the same envelopes to two fresh
// reducers yields identical snapshots. Malformed or out-of-order events are
// recorded as violations and skipped; they never stop reduction.
package reducer

import (
	"encoding/json"
	"fmt"
	"strings"

	"chatstream/internal/domain"
)

// defaultToolIncomplete is the error recorded on tool blocks that never
// resolved before the version ended normally.
const defaultToolIncomplete = "tool did not complete"

// defaultStreamError is used when session-end(error) arrives without a
// preceding error event.
const defaultStreamError = "stream ended with an error"

// ProtocolViolation describes an event the reducer refused to apply.
type ProtocolViolation struct {
	Seq    uint64
	Event  domain.EventType
	Index  int // -1 when the event has no block index
	Reason string
}

func (v *ProtocolViolation) Error() string {
	if v.Index >= 0 {
		return fmt.Sprintf("%s: seq %d %s[%d]: %s", domain.ErrProtocolViolation, v.Seq, v.Event, v.Index, v.Reason)
	}
	return fmt.Sprintf("%s: seq %d %s: %s", domain.ErrProtocolViolation, v.Seq, v.Event, v.Reason)
}

// Is makes errors.Is(err, domain.ErrProtocolViolation) true.
func (v *ProtocolViolation) Is(target error) bool { return target == domain.ErrProtocolViolation }

type blockState int

const (
	stateOpen blockState = iota + 1
	stateClosed
)

// Reducer applies envelopes to one version. It is not safe for concurrent use.
type Reducer struct {
	version domain.MessageVersion
	blocks  map[int]domain.ContentBlock
	states  map[int]blockState
	tools   map[string]*domain.ToolBlock

	lastSeq    uint64
	terminal   bool // status left streaming
	ended      bool // session-end applied
	errText    string
	violations []ProtocolViolation
}

// New returns a reducer for a version in streaming status. Only the id,
// request id and creation time of v are kept.
func New(v domain.MessageVersion) *Reducer {
	return &Reducer{
		version: domain.MessageVersion{
			ID:        v.ID,
			RequestID: v.RequestID,
			Status:    domain.StatusStreaming,
			CreatedAt: v.CreatedAt,
		},
		blocks: make(map[int]domain.ContentBlock),
		states: make(map[int]blockState),
		tools:  make(map[string]*domain.ToolBlock),
	}
}

// Reduce applies envs to a fresh reducer for v and returns the snapshot and
// any violations.
func Reduce(v domain.MessageVersion, envs []domain.Envelope) (domain.MessageVersion, []ProtocolViolation) {
	r := New(v)
	for _, env := range envs {
		r.Apply(env)
	}
	return r.Snapshot(), r.Violations()
}

// Apply folds one envelope into the version. It returns the violation when
// the event was rejected, nil otherwise. Heartbeats and envelopes already
// applied (by sequence number) are ignored silently.
func (r *Reducer) Apply(env domain.Envelope) *ProtocolViolation {
	if env.Event == nil {
		return r.violate(env, -1, "missing event")
	}
	if env.Event.Type() == domain.EventHeartbeat {
		return nil
	}
	if env.Seq != 0 {
		if env.Seq <= r.lastSeq {
			return nil
		}
		r.lastSeq = env.Seq
	}
	if env.VersionID != "" && r.version.ID != "" && env.VersionID != r.version.ID {
		return r.violate(env, -1, fmt.Sprintf("event for version %q", env.VersionID))
	}
	if r.ended {
		return r.violate(env, indexOf(env.Event), "event after session-end")
	}

	switch ev := env.Event.(type) {
	case domain.BlockStart:
		return r.blockStart(env, ev)
	case domain.BlockDelta:
		return r.blockDelta(env, ev)
	case domain.BlockStop:
		return r.blockStop(env, ev)
	case domain.ToolStart:
		return r.toolStart(env, ev)
	case domain.ToolResult:
		return r.toolResolve(env, ev.ToolID, func(tb *domain.ToolBlock) {
			if len(ev.Input) > 0 {
				tb.Input = append(json.RawMessage(nil), ev.Input...)
			}
			tb.Output = ev.Result
			tb.State = domain.ToolCompleted
		})
	case domain.ToolError:
		return r.toolResolve(env, ev.ToolID, func(tb *domain.ToolBlock) {
			tb.Error = ev.Error
			tb.State = domain.ToolErrored
		})
	case domain.MessageComplete:
		if r.terminal {
			return r.violate(env, -1, "second terminal transition")
		}
		r.finish(domain.StatusCompleted, "", "")
		return nil
	case domain.StreamError:
		if r.terminal {
			return r.violate(env, -1, "error after terminal transition")
		}
		r.errText = ev.Error
		return nil
	case domain.SessionEnd:
		return r.sessionEnd(env, ev)
	default:
		return r.violate(env, -1, fmt.Sprintf("unexpected event %T", env.Event))
	}
}

func (r *Reducer) blockStart(env domain.Envelope, ev domain.BlockStart) *ProtocolViolation {
	if r.terminal {
		return r.violate(env, ev.Index, "block-start after terminal transition")
	}
	if _, seen := r.states[ev.Index]; seen {
		return r.violate(env, ev.Index, "duplicate block-start")
	}
	switch ev.Kind {
	case domain.BlockText:
		r.blocks[ev.Index] = &domain.TextBlock{Index: ev.Index}
	case domain.BlockTool:
		if ev.ToolID == "" {
			return r.violate(env, ev.Index, "tool block without id")
		}
		if _, dup := r.tools[ev.ToolID]; dup {
			return r.violate(env, ev.Index, fmt.Sprintf("duplicate tool id %q", ev.ToolID))
		}
		tb := &domain.ToolBlock{
			Index:    ev.Index,
			ToolID:   ev.ToolID,
			ToolName: ev.ToolName,
			State:    domain.ToolInputStreaming,
		}
		r.blocks[ev.Index] = tb
		r.tools[ev.ToolID] = tb
	default:
		return r.violate(env, ev.Index, fmt.Sprintf("unknown block kind %q", ev.Kind))
	}
	r.states[ev.Index] = stateOpen
	return nil
}

func (r *Reducer) blockDelta(env domain.Envelope, ev domain.BlockDelta) *ProtocolViolation {
	if r.states[ev.Index] != stateOpen {
		return r.violate(env, ev.Index, "delta for block that is not open")
	}
	switch b := r.blocks[ev.Index].(type) {
	case *domain.TextBlock:
		b.Text += ev.Text
	case *domain.ToolBlock:
		b.RawInput += ev.PartialJSON
	}
	return nil
}

func (r *Reducer) blockStop(env domain.Envelope, ev domain.BlockStop) *ProtocolViolation {
	if r.states[ev.Index] != stateOpen {
		return r.violate(env, ev.Index, "stop for block that is not open")
	}
	r.close(ev.Index)
	return nil
}

func (r *Reducer) close(index int) {
	r.states[index] = stateClosed
	if tb, ok := r.blocks[index].(*domain.ToolBlock); ok && tb.Input == nil {
		raw := strings.TrimSpace(tb.RawInput)
		if raw == "" {
			raw = "{}"
		}
		if json.Valid([]byte(raw)) {
			tb.Input = json.RawMessage(raw)
		}
	}
}

func (r *Reducer) toolStart(env domain.Envelope, ev domain.ToolStart) *ProtocolViolation {
	tb, ok := r.tools[ev.ToolID]
	if !ok {
		return r.violate(env, -1, fmt.Sprintf("unknown tool id %q", ev.ToolID))
	}
	if tb.State != domain.ToolInputStreaming {
		return r.violate(env, tb.Index, "tool-start for tool that already started")
	}
	tb.State = domain.ToolExecuting
	return nil
}

func (r *Reducer) toolResolve(env domain.Envelope, toolID string, apply func(*domain.ToolBlock)) *ProtocolViolation {
	tb, ok := r.tools[toolID]
	if !ok {
		return r.violate(env, -1, fmt.Sprintf("unknown tool id %q", toolID))
	}
	switch tb.State {
	case domain.ToolInputStreaming:
		return r.violate(env, tb.Index, "tool resolved before tool-start")
	case domain.ToolCompleted, domain.ToolErrored:
		return r.violate(env, tb.Index, "tool already resolved")
	}
	apply(tb)
	return nil
}

func (r *Reducer) sessionEnd(env domain.Envelope, ev domain.SessionEnd) *ProtocolViolation {
	switch ev.Reason {
	case domain.EndDone:
		if !r.terminal {
			r.finish(domain.StatusCompleted, "", "")
		}
	case domain.EndAborted:
		if r.terminal {
			return r.violate(env, -1, "second terminal transition")
		}
		cause := ev.Cause
		if cause == "" {
			cause = domain.AbortCanceled
		}
		r.finish(domain.StatusAborted, cause, cause.Notice())
	case domain.EndError:
		if r.terminal {
			return r.violate(env, -1, "second terminal transition")
		}
		text := r.errText
		if text == "" {
			text = defaultStreamError
		}
		r.finish(domain.StatusError, "", text)
	default:
		return r.violate(env, -1, fmt.Sprintf("unknown session-end reason %q", ev.Reason))
	}
	r.ended = true
	return nil
}

// finish moves the version to a terminal status, force-closes open blocks and
// resolves tools that never reported back.
func (r *Reducer) finish(status domain.VersionStatus, cause domain.AbortCause, errText string) {
	r.terminal = true
	r.version.Status = status
	r.version.AbortCause = cause
	r.version.Error = errText

	for idx, st := range r.states {
		if st == stateOpen {
			r.close(idx)
		}
	}

	unresolved := defaultToolIncomplete
	if status == domain.StatusAborted {
		unresolved = cause.Notice()
	}
	for _, tb := range r.tools {
		if !tb.Resolved() {
			tb.State = domain.ToolErrored
			tb.Error = unresolved
		}
	}
}

func (r *Reducer) violate(env domain.Envelope, index int, reason string) *ProtocolViolation {
	v := ProtocolViolation{Seq: env.Seq, Index: index, Reason: reason}
	if env.Event != nil {
		v.Event = env.Event.Type()
	}
	r.violations = append(r.violations, v)
	return &v
}

// Snapshot returns a deep copy of the version with blocks ordered by index.
func (r *Reducer) Snapshot() domain.MessageVersion {
	v := r.version
	v.Blocks = make(domain.Blocks, 0, len(r.blocks))
	for _, b := range r.blocks {
		v.Blocks = append(v.Blocks, b.Clone())
	}
	v.Blocks.SortByIndex()
	return v
}

// LastSeq returns the highest sequence number applied.
func (r *Reducer) LastSeq() uint64 { return r.lastSeq }

// Violations returns the violations recorded so far.
func (r *Reducer) Violations() []ProtocolViolation {
	return append([]ProtocolViolation(nil), r.violations...)
}

func indexOf(ev domain.Event) int {
	switch e := ev.(type) {
	case domain.BlockStart:
		return e.Index
	case domain.BlockDelta:
		return e.Index
	case domain.BlockStop:
		return e.Index
	default:
		return -1
	}
}
