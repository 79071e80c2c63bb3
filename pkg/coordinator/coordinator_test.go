package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mariozechner/agentcore/pkg/commands"
	"github.com/mariozechner/agentcore/pkg/entry"
	"github.com/mariozechner/agentcore/pkg/model"
	"github.com/mariozechner/agentcore/pkg/rungraph"
	"github.com/mariozechner/agentcore/pkg/session"
)

type echoProvider struct{ reply string }

type echoStream struct {
	events []model.StreamEvent
	idx    int
}

func (s *echoStream) Next(ctx context.Context) (model.StreamEvent, bool, error) {
	if s.idx >= len(s.events) {
		return model.StreamEvent{}, false, nil
	}
	e := s.events[s.idx]
	s.idx++
	return e, true, nil
}

func (s *echoStream) Close() error { return nil }

func (p echoProvider) Stream(ctx context.Context, instructions string, messages []entry.Entry, opts model.Options) (model.Stream, error) {
	return &echoStream{events: []model.StreamEvent{
		{Kind: model.EventTextDelta, Text: p.reply},
		{Kind: model.EventTextEnd},
		{Kind: model.EventDone, StopReason: model.StopReasonStop, Final: []entry.Content{entry.TextBlock(p.reply)}},
	}}, nil
}

func echoFactory(reply string) SessionFactory {
	return func(runID string, opts SubagentOpts, role Role) (*session.Session, error) {
		return session.New(session.Config{ID: runID, Cwd: "/w", Provider: echoProvider{reply: reply}})
	}
}

func newTestGraph(t *testing.T) *rungraph.Graph {
	t.Helper()
	g, err := rungraph.New()
	if err != nil {
		t.Fatalf("rungraph.New: %v", err)
	}
	return g
}

func TestSubagentOptsValidation(t *testing.T) {
	roles := map[string]Role{"reviewer": {Name: "reviewer"}}
	cases := []struct {
		name string
		opts SubagentOpts
	}{
		{"missing description", SubagentOpts{Prompt: "x"}},
		{"missing prompt", SubagentOpts{Description: "d"}},
		{"unknown role", SubagentOpts{Description: "d", Prompt: "p", Role: "nope"}},
		{"unknown engine", SubagentOpts{Description: "d", Prompt: "p", Engine: "bogus"}},
	}
	for _, c := range cases {
		if err := c.opts.validate(roles); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: err = %v, want ErrInvalidArgument", c.name, err)
		}
	}
	if err := (SubagentOpts{Description: "d", Prompt: "p", Role: "reviewer", Engine: EngineClaude}).validate(roles); err != nil {
		t.Fatalf("valid opts rejected: %v", err)
	}
}

func TestRunSubagentCompletesAndRecordsRun(t *testing.T) {
	graph := newTestGraph(t)
	c := New(echoFactory("42"), nil, graph)

	result, err := c.RunSubagent(context.Background(), SubagentOpts{Description: "compute", Prompt: "what is 6*7"})
	if err != nil {
		t.Fatalf("RunSubagent: %v", err)
	}
	if result != "42" {
		t.Fatalf("result = %q, want 42", result)
	}

	ids := c.ListActive()
	if len(ids) != 0 {
		t.Fatalf("ListActive = %v, want empty after completion", ids)
	}
}

func TestRunSubagentRejectsInvalidArgsWithoutSpawning(t *testing.T) {
	graph := newTestGraph(t)
	spawned := false
	factory := func(runID string, opts SubagentOpts, role Role) (*session.Session, error) {
		spawned = true
		return session.New(session.Config{ID: runID, Cwd: "/w", Provider: echoProvider{reply: "x"}})
	}
	c := New(factory, nil, graph)

	if _, err := c.RunSubagent(context.Background(), SubagentOpts{Prompt: "no description"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
	if spawned {
		t.Fatalf("factory should not be called for invalid opts")
	}
}

func TestRunSubagentsFanOutConcurrently(t *testing.T) {
	graph := newTestGraph(t)
	c := New(echoFactory("ok"), nil, graph)

	specs := []SubagentOpts{
		{Description: "a", Prompt: "do a"},
		{Description: "b", Prompt: "do b"},
		{Description: "c", Prompt: "do c"},
	}
	results := c.RunSubagents(context.Background(), specs, 0)
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for i, r := range results {
		if r.Status != StatusCompleted || r.Result != "ok" {
			t.Fatalf("results[%d] = %+v, want completed/ok", i, r)
		}
	}
}

// blockingProvider blocks its single stream's Next until release closes,
// signalling entry via blocked, so a test can observe the run becoming
// active before ending it.
type blockingProvider struct {
	blocked chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingProvider) Stream(ctx context.Context, instructions string, messages []entry.Entry, opts model.Options) (model.Stream, error) {
	return &blockingStream{p: p}, nil
}

type blockingStream struct{ p *blockingProvider }

func (s *blockingStream) Next(ctx context.Context) (model.StreamEvent, bool, error) {
	s.p.once.Do(func() { close(s.p.blocked) })
	select {
	case <-s.p.release:
		return model.StreamEvent{Kind: model.EventDone, StopReason: model.StopReasonStop, Final: []entry.Content{entry.TextBlock("late")}}, true, nil
	case <-ctx.Done():
		return model.StreamEvent{}, false, ctx.Err()
	}
}

func (s *blockingStream) Close() error { return nil }

func TestAbortAllEndsActiveSubagentsPromptly(t *testing.T) {
	graph := newTestGraph(t)
	blocked := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	factory := func(runID string, opts SubagentOpts, role Role) (*session.Session, error) {
		return session.New(session.Config{ID: runID, Cwd: "/w", Provider: &blockingProvider{blocked: blocked, release: release}})
	}
	c := New(factory, nil, graph)

	resCh := make(chan Result, 1)
	go func() { resCh <- c.run(context.Background(), SubagentOpts{Description: "long", Prompt: "run forever"}) }()

	<-blocked
	if ids := c.ListActive(); len(ids) != 1 {
		t.Fatalf("ListActive = %v, want 1 active run", ids)
	}

	c.AbortAll()

	select {
	case res := <-resCh:
		if res.Status != StatusAborted {
			t.Fatalf("status = %v, want aborted", res.Status)
		}
	case <-time.After(time.Second):
		t.Fatalf("AbortAll did not end the subagent promptly")
	}
}

func TestRolesFromSubagents(t *testing.T) {
	defs := []commands.Subagent{
		{Name: "researcher", Description: "digs", Model: "deep-model", Instructions: "You research."},
		{Name: "reviewer", Instructions: "You review."},
	}
	roles := RolesFromSubagents(defs)
	if len(roles) != 2 {
		t.Fatalf("roles = %+v, want 2", roles)
	}
	r := roles["researcher"]
	if r.Model != "deep-model" || r.Instructions != "You research." {
		t.Fatalf("researcher = %+v", r)
	}
	if err := (SubagentOpts{Description: "d", Prompt: "p", Role: "reviewer"}).validate(roles); err != nil {
		t.Fatalf("loaded role rejected: %v", err)
	}
}
