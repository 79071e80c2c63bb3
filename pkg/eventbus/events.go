// Package eventbus implements per-session publish/subscribe of typed turn
// events with callback-mode (retry-once-then-prune) and stream-mode
// (bounded queue, configurable drop strategy) subscribers.
package eventbus

// Kind is the closed variant set of event kinds.
type Kind string

const (
	KindMessageStart  Kind = "message_start"
	KindMessageUpdate Kind = "message_update"
	KindMessageEnd    Kind = "message_end"
	KindToolStart     Kind = "tool_start"
	KindToolUpdate    Kind = "tool_update"
	KindToolEnd       Kind = "tool_end"
	KindAgentEnd      Kind = "agent_end"
	KindError         Kind = "error"
	KindSetWorking    Kind = "set_working_message"
	KindNotify        Kind = "notify"
)

// DeltaKind is the closed variant set of MessageUpdate delta shapes.
type DeltaKind string

const (
	DeltaText          DeltaKind = "text_delta"
	DeltaToolCallStart DeltaKind = "tool_call_start"
	DeltaToolCallEnd   DeltaKind = "tool_call_end"
	DeltaThinking      DeltaKind = "thinking_delta"
)

// Delta is one incremental update within MessageUpdate.
type Delta struct {
	Kind DeltaKind      `json:"kind"`
	Idx  int            `json:"idx"`
	Text string         `json:"text,omitempty"`
	Tool map[string]any `json:"tool,omitempty"`
}

// NotifyLevel is the severity of a Notify event.
type NotifyLevel string

const (
	LevelInfo  NotifyLevel = "info"
	LevelWarn  NotifyLevel = "warn"
	LevelError NotifyLevel = "error"
)

// Event is the envelope delivered to every subscriber.
type Event struct {
	Kind Kind
	Turn string // turn id this event belongs to, for ordering/debugging

	PartialMessage  any
	CompleteMessage any
	Delta           *Delta

	CallID string
	Name   string
	Args   map[string]any
	Result any
	Error  error

	FinalMessages any

	Reason       string
	PartialState any

	Text  *string // SetWorkingMessage's optional text
	Level NotifyLevel
}
