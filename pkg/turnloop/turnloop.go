// Package turnloop drives a single "turn": from a user prompt through any
// number of model/tool round-trips until the model signals natural stop, an
// error, cancellation, or an externally steered redirection.
//
// TurnLoop owns no storage of its own; it is handed an entry.Store, an
// eventbus.Bus, a model.Provider and a tooldispatch.Dispatcher by the
// owning session (pkg/session), which is the only thing that may mutate
// those concurrently with a running turn.
package turnloop

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mariozechner/agentcore/pkg/entry"
	"github.com/mariozechner/agentcore/pkg/eventbus"
	"github.com/mariozechner/agentcore/pkg/model"
	"github.com/mariozechner/agentcore/pkg/tool"
	"github.com/mariozechner/agentcore/pkg/tooldispatch"
)

// State is one node of the turn state machine (diagram).
type State string

const (
	Idle           State = "idle"
	BuildContext   State = "build_context"
	ModelStreaming State = "model_streaming"
	DispatchTools  State = "dispatch_tools"
	TurnComplete   State = "turn_complete"
	TurnError      State = "turn_error"
	Cancelled      State = "cancelled"
)

// Outcome summarizes how a turn ended. FinalContent is the content of the
// turn's own last committed assistant message, read from the turn's cursor
// rather than the store's current leaf, since a navigate_tree during
// streaming can move the visible leaf elsewhere before the turn ends.
type Outcome struct {
	State        State
	Err          error
	FinalContent []entry.Content
	// Aborted is set when TurnComplete was reached via the abort-mid-stream
	// path, which has already published its own AgentEnd (with the steering
	// queue cleared); callers must not publish a second one for it.
	Aborted bool
}

// Deps are the collaborators TurnLoop needs for one turn. Store, Bus and
// Provider are required; Dispatcher is used only when the model requests
// tool calls. A nil Log defaults to slog.Default and a nil DrainSteering or
// PopFollowUp to an empty queue. EstimateTokens has no default: when it,
// ContextWindow or MaybeCompact is unset, the compaction check is skipped.
type Deps struct {
	Store      *entry.Store
	Bus        *eventbus.Bus
	Provider   model.Provider
	Dispatcher *tooldispatch.Dispatcher
	Log        *slog.Logger

	// Instructions is the system prompt; composed externally (workspace
	// bootstrapping is out of scope here) and handed in verbatim.
	Instructions string

	// DrainSteering pops and clears all currently-queued steering messages,
	// in enqueue order. Called at the start of BuildContext and at the end
	// of DispatchTools, after the tool results have been appended; it is
	// not called between ModelStreaming and the dispatch of the tool calls.
	DrainSteering func() []string

	// PopFollowUp pops one queued follow-up, if any, for the drain loop
	// that runs once a turn reaches TurnComplete.
	PopFollowUp func() (string, bool)

	// EstimateTokens is the pluggable token-count heuristic; callers with
	// access to a real tokenizer should supply their own.
	EstimateTokens func(entry.Context) int
	ContextWindow  int
	ReserveTokens  int

	// MaybeCompact is invoked when projected tokens exceed the budget; it
	// is best-effort: on failure, compaction is skipped for
	// this turn and a Notify event is published instead of failing the turn.
	MaybeCompact func(ctx context.Context) error
}

// Loop runs one turn to completion given a user prompt already appended to
// Store by the caller (SessionState.Prompt). All of the turn's own appends
// chain explicitly off the entry the turn started on (see cursor below)
// rather than the store's possibly-since-navigated leaf.
type Loop struct {
	deps       Deps
	abort      *tool.AbortSignal
	cursor     string
	lastFinal  []entry.Content
	wasAborted bool
}

// New creates a Loop bound to deps and a fresh per-turn abort signal.
// startLeaf is the entry (typically the just-appended user prompt) this
// turn's first append chains off of.
func New(deps Deps, abort *tool.AbortSignal, startLeaf string) *Loop {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.DrainSteering == nil {
		deps.DrainSteering = func() []string { return nil }
	}
	if deps.PopFollowUp == nil {
		deps.PopFollowUp = func() (string, bool) { return "", false }
	}
	return &Loop{deps: deps, abort: abort, cursor: startLeaf}
}

// appendChild appends e as a child of the turn's current cursor, advancing
// the cursor to the new entry.
func (l *Loop) appendChild(e entry.Entry) (entry.Entry, error) {
	out, err := l.deps.Store.AppendChildOf(l.cursor, e)
	if err != nil {
		return out, err
	}
	l.cursor = out.ID
	return out, nil
}

func (l *Loop) appendMessage(role entry.Role, content []entry.Content) (entry.Entry, error) {
	return l.appendChild(entry.Entry{Type: entry.TypeMessage, Message: &entry.MessageEntry{Role: role, Content: content}})
}

// Run drives the turn to a terminal Outcome.
func (l *Loop) Run(ctx context.Context) Outcome {
	state := BuildContext
	for {
		if l.abort.Aborted() && state != TurnComplete {
			return l.cancel()
		}
		switch state {
		case BuildContext:
			next, err := l.buildContext(ctx)
			if err != nil {
				return l.fail(err)
			}
			state = next
		case ModelStreaming:
			next, err := l.modelStreaming(ctx)
			if err != nil {
				return l.fail(err)
			}
			state = next
		case DispatchTools:
			state = l.dispatchTools(ctx)
		case TurnComplete:
			if !l.abort.Aborted() {
				if text, ok := l.deps.PopFollowUp(); ok {
					if _, err := l.appendMessage(entry.RoleUser, []entry.Content{entry.TextBlock(text)}); err != nil {
						return l.fail(err)
					}
					state = BuildContext
					continue
				}
			}
			if !l.wasAborted {
				l.deps.DrainSteering() // queue does not survive past the turn's natural end
			}
			return Outcome{State: TurnComplete, FinalContent: l.lastFinal, Aborted: l.wasAborted}
		case TurnError, Cancelled, Idle:
			return Outcome{State: state}
		}
	}
}

func (l *Loop) fail(err error) Outcome {
	l.deps.Bus.Publish(eventbus.Event{Kind: eventbus.KindError, Reason: err.Error()})
	return Outcome{State: TurnError, Err: err}
}

// cancel handles an abort observed at a state boundary (outside
// ModelStreaming, whose own abort path commits the partial message via
// finalizeAborted). Any already-finalized content stands; the steering
// queue is discarded and subscribers still get their AgentEnd.
func (l *Loop) cancel() Outcome {
	l.deps.DrainSteering()
	l.deps.Bus.Publish(eventbus.Event{Kind: eventbus.KindAgentEnd, FinalMessages: l.lastFinal, Reason: "aborted"})
	return Outcome{State: Cancelled, FinalContent: l.lastFinal, Aborted: true}
}

// buildContext drains the steering queue, materializes Context, and
// triggers best-effort compaction if the projected token budget is
// exceeded.
func (l *Loop) buildContext(ctx context.Context) (State, error) {
	for _, text := range l.deps.DrainSteering() {
		if _, err := l.appendMessage(entry.RoleUser, []entry.Content{entry.TextBlock(text)}); err != nil {
			return TurnError, err
		}
	}

	if l.deps.EstimateTokens != nil && l.deps.ContextWindow > 0 && l.deps.MaybeCompact != nil {
		built := l.deps.Store.BuildContext()
		projected := l.deps.EstimateTokens(built)
		if projected > l.deps.ContextWindow-l.deps.ReserveTokens {
			if err := l.deps.MaybeCompact(ctx); err != nil {
				l.deps.Bus.Publish(eventbus.Event{Kind: eventbus.KindNotify, Reason: "compaction skipped: " + err.Error(), Level: eventbus.LevelWarn})
			}
		}
	}
	return ModelStreaming, nil
}

// modelStreaming invokes the external model-stream function and consumes
// events per-state contract.
func (l *Loop) modelStreaming(ctx context.Context) (State, error) {
	built := l.deps.Store.BuildContext()

	stream, err := l.deps.Provider.Stream(ctx, l.deps.Instructions, built.Messages, model.Options{
		ThinkingLevel: built.ThinkingLevel,
		Model:         built.Model.ModelID,
	})
	if err != nil {
		return TurnError, err
	}
	defer stream.Close()

	var blocks []entry.Content
	var textBuf string
	var thinkingBuf string

	l.deps.Bus.Publish(eventbus.Event{Kind: eventbus.KindMessageStart})

	for {
		if l.abort.Aborted() {
			partial := flushPartial(blocks, textBuf, thinkingBuf)
			l.finalizeAborted(partial)
			return TurnComplete, nil
		}

		ev, ok, err := stream.Next(ctx)
		if err != nil {
			if l.abort.Aborted() {
				partial := flushPartial(blocks, textBuf, thinkingBuf)
				l.finalizeAborted(partial)
				return TurnComplete, nil
			}
			return TurnError, err
		}
		if !ok {
			// Stream closed without an explicit done event: treat as a
			// natural stop with whatever was accumulated.
			partial := flushPartial(blocks, textBuf, thinkingBuf)
			l.finalize(partial, model.StopReasonStop)
			return TurnComplete, nil
		}
		switch ev.Kind {
		case model.EventTextDelta:
			textBuf += ev.Text
			l.deps.Bus.Publish(eventbus.Event{Kind: eventbus.KindMessageUpdate, Delta: &eventbus.Delta{Kind: eventbus.DeltaText, Idx: ev.Idx, Text: ev.Text}})
		case model.EventTextEnd:
			if textBuf != "" {
				blocks = append(blocks, entry.TextBlock(textBuf))
				textBuf = ""
			}
		case model.EventThinkingDelta:
			thinkingBuf += ev.Text
			l.deps.Bus.Publish(eventbus.Event{Kind: eventbus.KindMessageUpdate, Delta: &eventbus.Delta{Kind: eventbus.DeltaThinking, Idx: ev.Idx, Text: ev.Text}})
		case model.EventThinkingEnd:
			if thinkingBuf != "" {
				blocks = append(blocks, entry.Content{Type: entry.ContentThinking, Thinking: &entry.ThinkingContent{Thinking: thinkingBuf}})
				thinkingBuf = ""
			}
		case model.EventToolCallStart:
			l.deps.Bus.Publish(eventbus.Event{Kind: eventbus.KindMessageUpdate, Delta: &eventbus.Delta{Kind: eventbus.DeltaToolCallStart, Idx: ev.Idx}})
		case model.EventToolCallEnd:
			if ev.Tool != nil {
				blocks = append(blocks, entry.Content{Type: entry.ContentToolCall, ToolCall: ev.Tool})
			}
			l.deps.Bus.Publish(eventbus.Event{Kind: eventbus.KindMessageUpdate, Delta: &eventbus.Delta{Kind: eventbus.DeltaToolCallEnd, Idx: ev.Idx}})
		case model.EventDone:
			final := ev.Final
			if final == nil {
				final = flushPartial(blocks, textBuf, thinkingBuf)
			}
			l.finalize(final, ev.StopReason)
			if ev.StopReason == model.StopReasonToolUse {
				return DispatchTools, nil
			}
			return TurnComplete, nil
		case model.EventError:
			l.deps.Bus.Publish(eventbus.Event{Kind: eventbus.KindError, Reason: ev.Reason, PartialState: ev.Partial})
			return TurnError, errors.New("model stream error: " + ev.Reason)
		}
	}
}

func flushPartial(blocks []entry.Content, textBuf, thinkingBuf string) []entry.Content {
	out := append([]entry.Content{}, blocks...)
	if textBuf != "" {
		out = append(out, entry.TextBlock(textBuf))
	}
	if thinkingBuf != "" {
		out = append(out, entry.Content{Type: entry.ContentThinking, Thinking: &entry.ThinkingContent{Thinking: thinkingBuf}})
	}
	return out
}

// finalize appends the completed assistant message and publishes MessageEnd.
func (l *Loop) finalize(content []entry.Content, reason model.StopReason) {
	meta := map[string]any{"stop_reason": string(reason)}
	e, err := l.appendChild(entry.Entry{
		Type:    entry.TypeMessage,
		Message: &entry.MessageEntry{Role: entry.RoleAssistant, Content: content, Metadata: meta},
	})
	if err != nil {
		l.deps.Log.Error("turnloop: append assistant message", "error", err)
		return
	}
	l.lastFinal = content
	l.deps.Bus.Publish(eventbus.Event{Kind: eventbus.KindMessageEnd, CompleteMessage: e})
}

// finalizeAborted commits whatever content was received so far, marked
// stop_reason=aborted, and clears the steering queue
// cancellation semantics.
func (l *Loop) finalizeAborted(partial []entry.Content) {
	l.finalize(partial, model.StopReasonAborted)
	l.deps.DrainSteering() // discard
	l.wasAborted = true
	l.deps.Bus.Publish(eventbus.Event{Kind: eventbus.KindAgentEnd, FinalMessages: partial, Reason: "aborted"})
}

// dispatchTools invokes the dispatcher for every tool call in the last
// finalized assistant message and appends one ToolResult Message entry per
// call.
func (l *Loop) dispatchTools(ctx context.Context) State {
	last, ok := l.deps.Store.GetEntry(l.cursor)
	if !ok || last.Message == nil {
		return TurnError
	}

	for _, block := range last.Message.Content {
		if block.Type != entry.ContentToolCall || block.ToolCall == nil {
			continue
		}
		tc := block.ToolCall
		res, _ := l.deps.Dispatcher.Dispatch(ctx, tc.ID, tc.Name, tc.Arguments, l.abort)

		content := res.Content
		if content == nil && res.IsError {
			msg := "tool failed"
			if m, ok := res.Details["message"].(string); ok {
				msg = m
			}
			content = []entry.Content{entry.TextBlock(msg)}
		}
		role := entry.RoleToolResult
		if _, err := l.appendMessage(role, content); err != nil {
			l.deps.Log.Error("turnloop: append tool result", "error", err)
		}
	}

	// Steering merge point: between ModelStreaming/DispatchTools and the
	// next BuildContext
	for _, text := range l.deps.DrainSteering() {
		if _, err := l.appendMessage(entry.RoleUser, []entry.Content{entry.TextBlock(text)}); err != nil {
			l.deps.Log.Error("turnloop: append steering message", "error", err)
		}
	}

	return BuildContext
}
