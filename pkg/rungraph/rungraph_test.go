package rungraph

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestNewRunQueued(t *testing.T) {
	g, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, err := g.NewRun(Attrs{Type: "subagent", Description: "test"})
	if err != nil {
		t.Fatalf("NewRun: %v", err)
	}
	r, err := g.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.Status != StatusQueued {
		t.Fatalf("status = %s, want queued", r.Status)
	}
}

func TestMarkRunningThenFinish(t *testing.T) {
	g, _ := New()
	id, _ := g.NewRun(Attrs{})
	if err := g.MarkRunning(id); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := g.Finish(id, "done"); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	r, _ := g.Get(id)
	if r.Status != StatusCompleted || r.Result != "done" {
		t.Fatalf("record = %+v", r)
	}
}

func TestRankRegressionRejected(t *testing.T) {
	g, _ := New()
	id, _ := g.NewRun(Attrs{})
	if err := g.Finish(id, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := g.MarkRunning(id); err != ErrInvalidTransition {
		t.Fatalf("MarkRunning after terminal = %v, want ErrInvalidTransition", err)
	}
	if err := g.Fail(id, "x"); err != ErrInvalidTransition {
		t.Fatalf("Fail after terminal = %v, want ErrInvalidTransition", err)
	}
}

func TestConcurrentMarkRunningExactlyOneWinner(t *testing.T) {
	g, _ := New()
	id, _ := g.NewRun(Attrs{})

	const n = 16
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = g.MarkRunning(id)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else if err != ErrInvalidTransition {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
}

func TestConcurrentFinishAndFailExactlyOneWinner(t *testing.T) {
	g, _ := New()
	id, _ := g.NewRun(Attrs{})
	g.MarkRunning(id)

	var wg sync.WaitGroup
	var finishErr, failErr error
	wg.Add(2)
	go func() { defer wg.Done(); finishErr = g.Finish(id, "ok") }()
	go func() { defer wg.Done(); failErr = g.Fail(id, "bad") }()
	wg.Wait()

	if (finishErr == nil) == (failErr == nil) {
		t.Fatalf("expected exactly one winner, got finishErr=%v failErr=%v", finishErr, failErr)
	}
}

func TestAddChildPrependsAndSetsParent(t *testing.T) {
	g, _ := New()
	parent, _ := g.NewRun(Attrs{})
	childA, _ := g.NewRun(Attrs{})
	childB, _ := g.NewRun(Attrs{})

	if err := g.AddChild(parent, childA); err != nil {
		t.Fatalf("AddChild A: %v", err)
	}
	if err := g.AddChild(parent, childB); err != nil {
		t.Fatalf("AddChild B: %v", err)
	}

	p, _ := g.Get(parent)
	if len(p.Children) != 2 || p.Children[0] != childB || p.Children[1] != childA {
		t.Fatalf("children = %v, want [childB, childA]", p.Children)
	}
	cb, _ := g.Get(childB)
	if cb.ParentID != parent {
		t.Fatalf("child.ParentID = %s, want %s", cb.ParentID, parent)
	}
}

func TestAddChildViaAttrsParentID(t *testing.T) {
	g, _ := New()
	parent, _ := g.NewRun(Attrs{})
	child, _ := g.NewRun(Attrs{ParentID: parent})

	p, _ := g.Get(parent)
	if len(p.Children) != 1 || p.Children[0] != child {
		t.Fatalf("children = %v", p.Children)
	}
}

func TestAwaitAnyResolvesOnFirstTerminal(t *testing.T) {
	g, _ := New()
	a, _ := g.NewRun(Attrs{})
	b, _ := g.NewRun(Attrs{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		g.Finish(b, "first")
	}()

	res, err := g.Await(context.Background(), []string{a, b}, WaitAny, time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if len(res.Records) != 1 || res.Records[0].ID != b {
		t.Fatalf("result = %+v, want b", res.Records)
	}
}

func TestAwaitAllWaitsForEveryID(t *testing.T) {
	g, _ := New()
	a, _ := g.NewRun(Attrs{})
	b, _ := g.NewRun(Attrs{})

	go func() {
		time.Sleep(5 * time.Millisecond)
		g.Finish(a, "a-done")
		time.Sleep(5 * time.Millisecond)
		g.Fail(b, "b-failed")
	}()

	res, err := g.Await(context.Background(), []string{a, b}, WaitAll, time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("records = %+v", res.Records)
	}
}

func TestAwaitTimeout(t *testing.T) {
	g, _ := New()
	id, _ := g.NewRun(Attrs{})

	_, err := g.Await(context.Background(), []string{id}, WaitAll, 20*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestAwaitAlreadyTerminalResolvesImmediately(t *testing.T) {
	g, _ := New()
	id, _ := g.NewRun(Attrs{})
	g.Finish(id, "done")

	res, err := g.Await(context.Background(), []string{id}, WaitAny, time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if res.Records[0].ID != id {
		t.Fatalf("result = %+v", res.Records)
	}
}

func TestCleanupRemovesOldTerminalRecords(t *testing.T) {
	g, _ := New()
	id, _ := g.NewRun(Attrs{})
	g.Finish(id, nil)

	g.mu.Lock()
	g.records[id].CompletedAt = time.Now().Add(-2 * time.Hour)
	g.mu.Unlock()

	removed := g.Cleanup(time.Hour)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := g.Get(id); err != ErrNotFound {
		t.Fatalf("Get after cleanup = %v, want ErrNotFound", err)
	}
}

func TestSQLitePersistAndCrashRecovery(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.db")

	p1, err := NewSQLitePersister(dbPath)
	if err != nil {
		t.Fatalf("NewSQLitePersister: %v", err)
	}
	g1, err := New(WithPersister(p1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, _ := g1.NewRun(Attrs{Type: "subagent", Description: "survives restart"})
	if err := g1.MarkRunning(id); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	p1.Close()

	p2, err := NewSQLitePersister(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close()
	g2, err := New(WithPersister(p2))
	if err != nil {
		t.Fatalf("New (recovery): %v", err)
	}

	r, err := g2.Get(id)
	if err != nil {
		t.Fatalf("Get after recovery: %v", err)
	}
	if r.Status != StatusLost {
		t.Fatalf("status after crash recovery = %s, want lost", r.Status)
	}
	if r.Error != "lost_on_restart" {
		t.Fatalf("error = %q", r.Error)
	}
}

func TestSQLitePersisterRoundTripsChildrenAndMetadata(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	p, err := NewSQLitePersister(dbPath)
	if err != nil {
		t.Fatalf("NewSQLitePersister: %v", err)
	}
	defer p.Close()

	g, _ := New(WithPersister(p))
	parent, _ := g.NewRun(Attrs{Metadata: map[string]any{"k": "v"}})
	child, _ := g.NewRun(Attrs{ParentID: parent})

	g2, err := New(WithPersister(p))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	pr, err := g2.Get(parent)
	if err != nil {
		t.Fatalf("Get parent: %v", err)
	}
	if len(pr.Children) != 1 || pr.Children[0] != child {
		t.Fatalf("children after reload = %v", pr.Children)
	}
	if pr.Metadata["k"] != "v" {
		t.Fatalf("metadata after reload = %v", pr.Metadata)
	}
}
