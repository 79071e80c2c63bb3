// Package tooldispatch invokes registered tools safely and streams their
// partial progress
package tooldispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mariozechner/agentcore/pkg/eventbus"
	"github.com/mariozechner/agentcore/pkg/tool"
)

// ErrUnknownTool is returned when a call names a tool absent from the registry.
var ErrUnknownTool = errors.New("tooldispatch: unknown tool")

// ErrApprovalTimeout is returned when an approval-gated call times out
// waiting for a decision.
var ErrApprovalTimeout = errors.New("tooldispatch: timed_out_waiting_for_approval")

// ApprovalDecision is the outcome of an approval request.
type ApprovalDecision int

const (
	Approved ApprovalDecision = iota
	Rejected
	ApprovalTimedOut
)

// Approver is the inbound approval interface (optional).
type Approver interface {
	RequestApproval(ctx context.Context, toolName, actionFingerprint string, toolCtx map[string]any, timeout time.Duration) (ApprovalDecision, error)
}

// Policy decides whether a tool call requires approval and, if so, what
// fingerprint identifies the specific action for a decision-store lookup.
type Policy interface {
	RequiresApproval(toolName string, args map[string]any) (fingerprint string, required bool)
	IsPreApproved(toolName, fingerprint string) bool
}

// Dispatcher invokes tools from a Registry.
type Dispatcher struct {
	registry *tool.Registry
	bus      *eventbus.Bus
	policy   Policy
	approver Approver
	timeout  time.Duration
	log      *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithPolicy(p Policy, a Approver, timeout time.Duration) Option {
	return func(d *Dispatcher) { d.policy = p; d.approver = a; d.timeout = timeout }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// New creates a Dispatcher over registry, publishing ToolStart/Update/End
// events to bus.
func New(registry *tool.Registry, bus *eventbus.Bus, opts ...Option) *Dispatcher {
	d := &Dispatcher{registry: registry, bus: bus, log: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch invokes the named tool by callID, honoring abort and streaming
// ToolUpdate events. Its error is always nil: a tool failure, a panic, a
// refused approval and an unknown tool are all reported as a Result with
// IsError set (for an unknown tool, the ToolEnd event carries
// ErrUnknownTool).
func (d *Dispatcher) Dispatch(ctx context.Context, callID, name string, args map[string]any, abort *tool.AbortSignal) (tool.Result, error) {
	d.bus.Publish(eventbus.Event{Kind: eventbus.KindToolStart, CallID: callID, Name: name, Args: args})

	t, ok := d.registry.Get(name)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownTool, name)
		res := tool.Result{IsError: true}
		d.bus.Publish(eventbus.Event{Kind: eventbus.KindToolEnd, CallID: callID, Name: name, Error: err})
		return res, nil
	}

	if d.policy != nil {
		if fp, required := d.policy.RequiresApproval(name, args); required && !d.policy.IsPreApproved(name, fp) {
			decision, err := d.requestApproval(ctx, name, fp, args)
			if err != nil || decision != Approved {
				res := tool.Result{IsError: true, Details: map[string]any{"reason": "timed_out_waiting_for_approval"}}
				if decision == Rejected {
					res = tool.Result{IsError: true, Details: map[string]any{"reason": "rejected"}}
				}
				d.bus.Publish(eventbus.Event{Kind: eventbus.KindToolEnd, CallID: callID, Name: name, Result: res})
				return res, nil
			}
		}
	}

	onUpdate := func(partial tool.Result) {
		d.bus.Publish(eventbus.Event{Kind: eventbus.KindToolUpdate, CallID: callID, Result: partial})
	}

	res := d.runCatching(ctx, t, callID, args, abort, onUpdate)
	d.bus.Publish(eventbus.Event{Kind: eventbus.KindToolEnd, CallID: callID, Name: name, Result: res})
	return res, nil
}

// runCatching invokes t.Execute, converting any panic into a structured
// tool_failed-equivalent error result; the TurnLoop never sees a crash.
func (d *Dispatcher) runCatching(ctx context.Context, t tool.Tool, callID string, args map[string]any, abort *tool.AbortSignal, onUpdate tool.OnUpdate) (res tool.Result) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("tooldispatch: tool panicked", "tool", t.Name(), "recover", r)
			res = tool.Result{IsError: true, Details: map[string]any{"kind": "panic", "message": fmt.Sprint(r)}}
		}
	}()

	if abort != nil && abort.Aborted() {
		return tool.Result{Cancelled: true}
	}

	out, err := t.Execute(ctx, callID, args, abort, onUpdate)
	if err != nil {
		return tool.Result{IsError: true, Details: map[string]any{"kind": "error", "message": err.Error()}}
	}
	return out
}

func (d *Dispatcher) requestApproval(ctx context.Context, name, fingerprint string, args map[string]any) (ApprovalDecision, error) {
	if d.approver == nil {
		return Approved, nil
	}
	timeout := d.timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	decision, err := d.approver.RequestApproval(cctx, name, fingerprint, args, timeout)
	if errors.Is(err, context.DeadlineExceeded) {
		return ApprovalTimedOut, ErrApprovalTimeout
	}
	return decision, err
}
