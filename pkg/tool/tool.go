// Package tool declares the inbound tool interface. No concrete tool
// implementation lives here; bash, file edit, web fetch and the like are
// supplied by the embedder against the same Registry-by-name shape.
package tool

import (
	"context"

	"github.com/mariozechner/agentcore/pkg/entry"
)

// AbortSignal is a one-shot, idempotent cancellation token propagated to
// streams, tools, and sub-agents.
type AbortSignal struct {
	ch chan struct{}
}

// NewAbortSignal returns a ready-to-use signal.
func NewAbortSignal() *AbortSignal {
	return &AbortSignal{ch: make(chan struct{})}
}

// Abort trips the signal; safe to call any number of times.
func (a *AbortSignal) Abort() {
	select {
	case <-a.ch:
	default:
		close(a.ch)
	}
}

// Done returns a channel closed once Abort has been called.
func (a *AbortSignal) Done() <-chan struct{} { return a.ch }

// Aborted reports whether Abort has been called.
func (a *AbortSignal) Aborted() bool {
	select {
	case <-a.ch:
		return true
	default:
		return false
	}
}

// Result is a tool's outcome: content blocks plus optional structured details.
type Result struct {
	Content   []entry.Content
	Details   map[string]any
	IsError   bool
	Cancelled bool
}

// OnUpdate streams a tool's partial progress back to the dispatcher.
type OnUpdate func(partial Result)

// Tool is implemented by every concrete tool the embedder registers.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns a JSON-schema-shaped map: {type:"object", properties, required?}.
	Parameters() map[string]any
	Execute(ctx context.Context, callID string, args map[string]any, abort *AbortSignal, onUpdate OnUpdate) (Result, error)
}

// Registry is a name-keyed tool lookup table.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}
