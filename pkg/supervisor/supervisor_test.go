package supervisor

import (
	"testing"

	"github.com/mariozechner/agentcore/pkg/session"
)

func newTestFactory() Factory {
	return func(id string) (*session.Session, error) {
		return session.New(session.Config{ID: id, Cwd: "/tmp"})
	}
}

func TestStartLookupStopSession(t *testing.T) {
	sv := New(newTestFactory())

	h, err := sv.StartSession("s1")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if h.ID != "s1" {
		t.Fatalf("handle id = %s", h.ID)
	}

	s, err := sv.Lookup("s1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if s.ID() != "s1" {
		t.Fatalf("session id = %s", s.ID())
	}

	if err := sv.StopSession("s1"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if _, err := sv.Lookup("s1"); err != ErrNotFound {
		t.Fatalf("Lookup after stop = %v, want ErrNotFound", err)
	}
}

func TestStartSessionRejectsDuplicateID(t *testing.T) {
	sv := New(newTestFactory())
	if _, err := sv.StartSession("dup"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	defer sv.StopSession("dup")

	if _, err := sv.StartSession("dup"); err == nil {
		t.Fatalf("expected error starting duplicate session id")
	}
}

func TestListSessionsSorted(t *testing.T) {
	sv := New(newTestFactory())
	sv.StartSession("b")
	sv.StartSession("a")
	defer sv.StopSession("a")
	defer sv.StopSession("b")

	ids := sv.ListSessions()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("ids = %v, want [a b]", ids)
	}
}

func TestHealthSummaryNoSessions(t *testing.T) {
	sv := New(newTestFactory())
	sum := sv.HealthSummary()
	if sum.Overall != OverallNoSessions {
		t.Fatalf("overall = %s, want no_sessions", sum.Overall)
	}
}

func TestHealthAllReportsHealthyAfterStart(t *testing.T) {
	sv := New(newTestFactory())
	sv.StartSession("h1")
	defer sv.StopSession("h1")

	all := sv.HealthAll()
	if len(all) != 1 || all[0].Health != HealthHealthy {
		t.Fatalf("health = %+v, want one healthy entry", all)
	}

	sum := sv.HealthSummary()
	if sum.Overall != OverallHealthy || sum.Healthy != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestHealthAllReportsUnhealthyAfterActorStops(t *testing.T) {
	sv := New(newTestFactory())
	sv.StartSession("dying")

	s, err := sv.Lookup("dying")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	s.Close() // simulate the actor crashing out from under the registry

	all := sv.HealthAll()
	if len(all) != 1 || all[0].Health != HealthUnhealthy {
		t.Fatalf("health = %+v, want unhealthy", all)
	}

	sv.StopSession("dying")
}
