// Package model declares the external model-stream interface. No concrete
// provider adapter lives here; those are supplied by the embedder.
package model

import (
	"context"

	"github.com/mariozechner/agentcore/pkg/entry"
)

// Options carries per-stream tuning knobs (thinking level, active model).
type Options struct {
	Model         string
	ThinkingLevel entry.ThinkingLevel
}

// StopReason is the terminal reason a stream's done event carries.
type StopReason string

const (
	StopReasonStop    StopReason = "stop"
	StopReasonToolUse StopReason = "tool_use"
	StopReasonAborted StopReason = "aborted"
)

// StreamEventKind is the closed variant set of events a model stream emits
// while a turn is in its streaming state.
type StreamEventKind string

const (
	EventTextStart     StreamEventKind = "text_start"
	EventTextDelta     StreamEventKind = "text_delta"
	EventTextEnd       StreamEventKind = "text_end"
	EventToolCallStart StreamEventKind = "tool_call_start"
	EventToolCallEnd   StreamEventKind = "tool_call_end"
	EventThinkingStart StreamEventKind = "thinking_start"
	EventThinkingDelta StreamEventKind = "thinking_delta"
	EventThinkingEnd   StreamEventKind = "thinking_end"
	EventDone          StreamEventKind = "done"
	EventError         StreamEventKind = "error"
)

// StreamEvent is one incremental event from a model stream.
type StreamEvent struct {
	Kind StreamEventKind
	Idx  int

	Text string // text_delta / thinking_delta payload

	Tool *entry.ToolCallContent // tool_call_start/end payload

	StopReason StopReason      // done
	Final      []entry.Content // done: the complete set of content blocks produced

	Reason  string // error
	Partial []entry.Content
}

// Stream abstracts an in-flight model response. Consume via Next until ok
// is false (the stream is exhausted or errored).
type Stream interface {
	Next(ctx context.Context) (StreamEvent, bool, error)
	Close() error
}

// Provider is the inbound model-stream interface TurnLoop drives.
type Provider interface {
	Stream(ctx context.Context, instructions string, messages []entry.Entry, opts Options) (Stream, error)
}
