// Package coordinator launches ephemeral sub-agent sessions on behalf of the
// `task` tool, tracks the active set, and aggregates outcomes. Each run is
// registered in a shared rungraph.Graph so parents can await or inspect it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mariozechner/agentcore/pkg/commands"
	"github.com/mariozechner/agentcore/pkg/entry"
	"github.com/mariozechner/agentcore/pkg/eventbus"
	"github.com/mariozechner/agentcore/pkg/rungraph"
	"github.com/mariozechner/agentcore/pkg/session"
)

var (
	// ErrInvalidArgument covers the task tool's pre-spawn parameter checks:
	// missing description/prompt, an unknown role, or a malformed engine.
	ErrInvalidArgument = errors.New("coordinator: invalid_argument")
	// ErrAborted is returned when the caller's context was already done
	// before a sub-agent could be spawned.
	ErrAborted = errors.New("coordinator: aborted")
)

// Engine selects which model-calling backend drives a sub-agent.
type Engine string

const (
	EngineInternal Engine = "internal"
	EngineCodex    Engine = "codex"
	EngineClaude   Engine = "claude"
	EngineKimi     Engine = "kimi"
)

func validEngine(e Engine) bool {
	switch e {
	case "", EngineInternal, EngineCodex, EngineClaude, EngineKimi:
		return true
	default:
		return false
	}
}

// Role is a named subagent persona: its system instructions and, optionally,
// a model override distinct from the parent session's.
type Role struct {
	Name         string
	Instructions string
	Model        string
}

// RolesFromSubagents maps subagent definition files (commands.LoadSubagents)
// into the role set New consumes, keyed by definition name.
func RolesFromSubagents(defs []commands.Subagent) map[string]Role {
	out := make(map[string]Role, len(defs))
	for _, d := range defs {
		out[d.Name] = Role{Name: d.Name, Instructions: d.Instructions, Model: d.Model}
	}
	return out
}

// SubagentOpts is one `task` tool invocation's parameters.
type SubagentOpts struct {
	Description string
	Prompt      string
	Role        string // optional; must resolve via the configured Roles map if set
	Engine      Engine // optional; defaults to EngineInternal
}

// validate applies the task tool's pre-spawn parameter checks: description
// and prompt must be present non-empty strings, role (if given) must
// resolve to a known role, engine (if given) must be one of the closed set.
func (o SubagentOpts) validate(roles map[string]Role) error {
	if o.Description == "" {
		return fmt.Errorf("%w: description is required", ErrInvalidArgument)
	}
	if o.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidArgument)
	}
	if o.Role != "" {
		if _, ok := roles[o.Role]; !ok {
			return fmt.Errorf("%w: unknown role %q", ErrInvalidArgument, o.Role)
		}
	}
	if !validEngine(o.Engine) {
		return fmt.Errorf("%w: unknown engine %q", ErrInvalidArgument, o.Engine)
	}
	return nil
}

// ResultStatus is one sub-agent's terminal outcome classification.
type ResultStatus string

const (
	StatusCompleted ResultStatus = "completed"
	StatusError     ResultStatus = "error"
	StatusTimeout   ResultStatus = "timeout"
	StatusAborted   ResultStatus = "aborted"
)

// Result is one sub-agent's terminal outcome, as returned by RunSubagents.
type Result struct {
	ID     string
	Status ResultStatus
	Result string
	Error  string
}

// SessionFactory builds the ephemeral child SessionState backing one
// sub-agent run. The coordinator owns the returned session's lifetime and
// calls Close on it once the run reaches a terminal state.
type SessionFactory func(runID string, opts SubagentOpts, role Role) (*session.Session, error)

// Coordinator launches sub-agent sessions via the `task` tool's single entry
// point and tracks the active set for AbortAll/ListActive.
type Coordinator struct {
	factory        SessionFactory
	roles          map[string]Role
	graph          *rungraph.Graph
	defaultTimeout time.Duration
	log            *slog.Logger

	mu     sync.Mutex
	active map[string]*session.Session
}

// Option configures New.
type Option func(*Coordinator)

func WithDefaultTimeout(d time.Duration) Option { return func(c *Coordinator) { c.defaultTimeout = d } }
func WithLog(l *slog.Logger) Option             { return func(c *Coordinator) { c.log = l } }

// New constructs a Coordinator. graph is the shared RunGraph every spawned
// sub-agent is registered in as a run; roles maps a task tool's optional
// `role` parameter to a configured persona.
func New(factory SessionFactory, roles map[string]Role, graph *rungraph.Graph, opts ...Option) *Coordinator {
	c := &Coordinator{
		factory:        factory,
		roles:          roles,
		graph:          graph,
		defaultTimeout: 10 * time.Minute,
		log:            slog.Default(),
		active:         make(map[string]*session.Session),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.roles == nil {
		c.roles = make(map[string]Role)
	}
	return c
}

// RunSubagent launches a single sub-agent session, feeds it opts.Prompt, and
// blocks until it reaches a natural stop, an error, or ctx is done. A
// pre-aborted ctx returns ErrAborted without spawning.
func (c *Coordinator) RunSubagent(ctx context.Context, opts SubagentOpts) (string, error) {
	if err := opts.validate(c.roles); err != nil {
		return "", err
	}
	res := c.run(ctx, opts)
	switch res.Status {
	case StatusCompleted:
		return res.Result, nil
	case StatusTimeout:
		return "", fmt.Errorf("coordinator: timeout waiting for sub-agent")
	case StatusAborted:
		return "", ErrAborted
	default:
		return "", errors.New(res.Error)
	}
}

// RunSubagents launches every spec concurrently and returns one Result per
// spec, in input order, once every sub-agent has reached a terminal state or
// timeoutMs has elapsed (whichever first, per sub-agent).
func (c *Coordinator) RunSubagents(ctx context.Context, specs []SubagentOpts, timeoutMs int) []Result {
	results := make([]Result, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			runCtx := gctx
			var cancel context.CancelFunc
			if timeoutMs > 0 {
				runCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
				defer cancel()
			}
			results[i] = c.run(runCtx, spec)
			return nil
		})
	}
	_ = g.Wait() // run() never returns an error that should abort the others
	return results
}

// run is the shared engine behind RunSubagent/RunSubagents: validate,
// register a run, spawn, prompt, and await AgentEnd or ctx.Done.
func (c *Coordinator) run(ctx context.Context, opts SubagentOpts) Result {
	if err := opts.validate(c.roles); err != nil {
		return Result{Status: StatusError, Error: err.Error()}
	}
	select {
	case <-ctx.Done():
		return Result{Status: StatusAborted, Error: "Operation aborted"}
	default:
	}

	role := c.roles[opts.Role]

	runID, err := c.graph.NewRun(rungraph.Attrs{
		Type:        "subagent",
		Description: opts.Description,
		Metadata:    map[string]any{"role": opts.Role, "engine": string(opts.Engine)},
	})
	if err != nil {
		return Result{Status: StatusError, Error: err.Error()}
	}

	sess, err := c.factory(runID, opts, role)
	if err != nil {
		_ = c.graph.Fail(runID, err.Error())
		return Result{ID: runID, Status: StatusError, Error: err.Error()}
	}

	c.mu.Lock()
	c.active[runID] = sess
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, runID)
		c.mu.Unlock()
		sess.Close()
	}()

	if err := c.graph.MarkRunning(runID); err != nil {
		c.log.Error("coordinator: mark_running", "run", runID, "error", err)
	}

	done := make(chan string, 1)
	failed := make(chan string, 1)
	aborted := make(chan struct{}, 1)
	unsub := sess.Subscribe(func(e eventbus.Event) {
		switch e.Kind {
		case eventbus.KindAgentEnd:
			// An abort-mid-stream AgentEnd (turnloop.finalizeAborted) is
			// tagged Reason="aborted"; it must not be mistaken for a
			// natural completion by anyone racing ctx.Done() (session.Abort
			// from the timeout path, or an operator calling AbortAll).
			if e.Reason == "aborted" {
				select {
				case aborted <- struct{}{}:
				default:
				}
				return
			}
			var final []entry.Content
			if blocks, ok := e.FinalMessages.([]entry.Content); ok {
				final = blocks
			}
			select {
			case done <- entry.PlainText(final):
			default:
			}
		case eventbus.KindError:
			select {
			case failed <- e.Reason:
			default:
			}
		}
	})
	defer unsub()

	if err := sess.Prompt(ctx, opts.Prompt); err != nil {
		_ = c.graph.Fail(runID, err.Error())
		return Result{ID: runID, Status: StatusError, Error: err.Error()}
	}

	select {
	case text := <-done:
		_ = c.graph.Finish(runID, text)
		return Result{ID: runID, Status: StatusCompleted, Result: text}
	case reason := <-failed:
		_ = c.graph.Fail(runID, reason)
		return Result{ID: runID, Status: StatusError, Error: reason}
	case <-aborted:
		_ = c.graph.Cancel(runID)
		return Result{ID: runID, Status: StatusAborted, Error: "Operation aborted"}
	case <-ctx.Done():
		sess.Abort()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			_ = c.graph.Cancel(runID)
			return Result{ID: runID, Status: StatusTimeout, Error: "timeout"}
		}
		_ = c.graph.Cancel(runID)
		return Result{ID: runID, Status: StatusAborted, Error: "Operation aborted"}
	}
}

// ListActive returns the run ids of every sub-agent currently in flight.
func (c *Coordinator) ListActive() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	return ids
}

// AbortAll cancels every in-flight sub-agent. Active sessions are aborted
// directly (not merely via ctx), so ListActive becomes empty promptly even
// if a caller's own ctx outlives this call.
func (c *Coordinator) AbortAll() {
	c.mu.Lock()
	sessions := make([]*session.Session, 0, len(c.active))
	for _, s := range c.active {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	for _, s := range sessions {
		s.Abort()
	}
}
