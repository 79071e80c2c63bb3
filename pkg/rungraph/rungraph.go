// Package rungraph tracks the lifecycle of background work (sub-agent runs,
// background tool invocations) as a table of CAS-driven records, with an
// efficient wake-based await primitive instead of polling: every mutation
// closes and replaces a broadcast channel that per-call wait_all/wait_any
// interest registration sleeps on.
package rungraph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is a run's lifecycle state. Rank determines which transitions are
// legal: a CAS only succeeds if the new status's rank is strictly greater
// than the current one, so queued(0)->running(1)->terminal(2) is the only
// forward path and terminal states are sinks.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusKilled    Status = "killed"
	StatusCancelled Status = "cancelled"
	StatusLost      Status = "lost"
	StatusUnknown   Status = "unknown"
)

func rank(s Status) int {
	switch s {
	case StatusQueued:
		return 0
	case StatusRunning:
		return 1
	default:
		return 2
	}
}

// IsTerminal reports whether s is one of the rank-2 sink states.
func IsTerminal(s Status) bool { return rank(s) == 2 }

var (
	// ErrInvalidTransition is returned by a CAS whose new rank does not
	// strictly exceed the record's current rank.
	ErrInvalidTransition = errors.New("rungraph: invalid transition")
	// ErrNotFound is returned by Get/transition calls against an unknown id.
	ErrNotFound = errors.New("rungraph: not found")
	// ErrTimeout is returned by Await when the deadline elapses before the
	// requested condition is satisfied.
	ErrTimeout = errors.New("rungraph: await timeout")
)

// Attrs describes a new run at creation time.
type Attrs struct {
	Type        string
	Description string
	ParentID    string
	Metadata    map[string]any
}

// Record is a run's full state as observed by Get/Await.
type Record struct {
	ID          string
	ParentID    string
	Children    []string
	Type        string
	Description string
	Status      Status
	Result      any
	Error       string
	Metadata    map[string]any
	InsertedAt  time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	UpdatedAt   time.Time
}

func (r Record) clone() Record {
	out := r
	out.Children = append([]string(nil), r.Children...)
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Persister mirrors run records to durable storage. Graph calls it
// synchronously while holding its own lock, so implementations must not
// call back into Graph.
type Persister interface {
	Put(r Record) error
	LoadAll() ([]Record, error)
	Close() error
}

// Graph is an in-memory, optionally persistence-backed table of run records.
// All mutation goes through cas/new_run/add_child under mu; readers take a
// clone so callers never observe a record mid-mutation. A single broadcast
// channel (wake) is closed and replaced on every mutation so Await sleeps
// instead of polling.
type Graph struct {
	mu      sync.Mutex
	records map[string]*Record
	wake    chan struct{}
	persist Persister
	nextID  func() string
}

// Option configures New.
type Option func(*Graph)

// WithPersister wires a durable mirror. Any records it returns from LoadAll
// are adopted at startup, with any run still "running" rewritten to "lost"
// (crash recovery - the process that was meant to finish it is gone).
func WithPersister(p Persister) Option {
	return func(g *Graph) { g.persist = p }
}

// WithIDGenerator overrides the default id source (useful for deterministic
// tests); the default generates "run-<n>" from an internal counter.
func WithIDGenerator(f func() string) Option {
	return func(g *Graph) { g.nextID = f }
}

// New constructs a Graph, optionally restoring and crash-recovering state
// from a Persister.
func New(opts ...Option) (*Graph, error) {
	g := &Graph{
		records: make(map[string]*Record),
		wake:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.nextID == nil {
		counter := 0
		g.nextID = func() string {
			counter++
			return fmt.Sprintf("run-%d", counter)
		}
	}
	if g.persist != nil {
		recs, err := g.persist.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("rungraph: load: %w", err)
		}
		for _, r := range recs {
			rc := r
			if rc.Status == StatusRunning {
				rc.Status = StatusLost
				rc.Error = "lost_on_restart"
				rc.CompletedAt = time.Now().UTC()
				rc.UpdatedAt = rc.CompletedAt
				if g.persist != nil {
					if err := g.persist.Put(rc); err != nil {
						return nil, fmt.Errorf("rungraph: recover %s: %w", rc.ID, err)
					}
				}
			}
			g.records[rc.ID] = &rc
		}
	}
	return g, nil
}

// Close releases the underlying persister, if any.
func (g *Graph) Close() error {
	if g.persist != nil {
		return g.persist.Close()
	}
	return nil
}

func (g *Graph) broadcastLocked() {
	close(g.wake)
	g.wake = make(chan struct{})
}

func (g *Graph) persistLocked(r *Record) error {
	if g.persist == nil {
		return nil
	}
	return g.persist.Put(r.clone())
}

// NewRun inserts a queued record and returns its id.
func (g *Graph) NewRun(attrs Attrs) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextID()
	now := time.Now().UTC()
	r := &Record{
		ID:          id,
		ParentID:    attrs.ParentID,
		Type:        attrs.Type,
		Description: attrs.Description,
		Status:      StatusQueued,
		Metadata:    attrs.Metadata,
		InsertedAt:  now,
		UpdatedAt:   now,
	}
	g.records[id] = r
	if attrs.ParentID != "" {
		if parent, ok := g.records[attrs.ParentID]; ok {
			parent.Children = append([]string{id}, parent.Children...)
			parent.UpdatedAt = now
			if err := g.persistLocked(parent); err != nil {
				return "", err
			}
		}
	}
	if err := g.persistLocked(r); err != nil {
		return "", err
	}
	g.broadcastLocked()
	return id, nil
}

// cas applies mutate to the record named id only if newStatus's rank is
// strictly greater than the record's current rank; mutate is responsible
// for setting r.Status to newStatus itself.
func (g *Graph) cas(id string, newStatus Status, mutate func(r *Record)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.records[id]
	if !ok {
		return ErrNotFound
	}
	if rank(newStatus) <= rank(r.Status) {
		return ErrInvalidTransition
	}
	mutate(r)
	r.UpdatedAt = time.Now().UTC()
	if err := g.persistLocked(r); err != nil {
		return err
	}
	g.broadcastLocked()
	return nil
}

// MarkRunning transitions a queued run to running.
func (g *Graph) MarkRunning(id string) error {
	return g.cas(id, StatusRunning, func(r *Record) {
		r.Status = StatusRunning
		r.StartedAt = time.Now().UTC()
	})
}

// Finish marks a run completed with the given result.
func (g *Graph) Finish(id string, result any) error {
	return g.cas(id, StatusCompleted, func(r *Record) {
		r.Status = StatusCompleted
		r.Result = result
		r.CompletedAt = time.Now().UTC()
	})
}

// Fail marks a run errored with the given reason.
func (g *Graph) Fail(id string, reason string) error {
	return g.cas(id, StatusError, func(r *Record) {
		r.Status = StatusError
		r.Error = reason
		r.CompletedAt = time.Now().UTC()
	})
}

// Kill marks a run killed.
func (g *Graph) Kill(id string) error {
	return g.cas(id, StatusKilled, func(r *Record) {
		r.Status = StatusKilled
		r.CompletedAt = time.Now().UTC()
	})
}

// Cancel marks a run cancelled.
func (g *Graph) Cancel(id string) error {
	return g.cas(id, StatusCancelled, func(r *Record) {
		r.Status = StatusCancelled
		r.CompletedAt = time.Now().UTC()
	})
}

// AddChild prepends child to parent.Children and sets child.ParentID; both
// mutations happen under the same lock, so add_child never loses a child
// under concurrent callers.
func (g *Graph) AddChild(parentID, childID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	parent, ok := g.records[parentID]
	if !ok {
		return fmt.Errorf("rungraph: add_child: parent %w", ErrNotFound)
	}
	child, ok := g.records[childID]
	if !ok {
		return fmt.Errorf("rungraph: add_child: child %w", ErrNotFound)
	}
	child.ParentID = parentID
	parent.Children = append([]string{childID}, parent.Children...)
	now := time.Now().UTC()
	parent.UpdatedAt = now
	child.UpdatedAt = now
	if err := g.persistLocked(parent); err != nil {
		return err
	}
	if err := g.persistLocked(child); err != nil {
		return err
	}
	g.broadcastLocked()
	return nil
}

// Get returns a snapshot of the named record.
func (g *Graph) Get(id string) (Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r.clone(), nil
}

// snapshotAndChan returns the current record for every id plus the wake
// channel in effect at the instant of the read, so a caller can commit to
// waiting on exactly that channel without missing an intervening broadcast.
func (g *Graph) snapshotAndChan(ids []string) (map[string]Record, chan struct{}, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]Record, len(ids))
	for _, id := range ids {
		r, ok := g.records[id]
		if !ok {
			return nil, nil, fmt.Errorf("rungraph: await: %s: %w", id, ErrNotFound)
		}
		out[id] = r.clone()
	}
	return out, g.wake, nil
}

// AwaitMode selects Await's resolution condition.
type AwaitMode int

const (
	WaitAll AwaitMode = iota
	WaitAny
)

// AwaitResult is Await's successful outcome.
type AwaitResult struct {
	// Records holds every id's final record for WaitAll, or just the one
	// that resolved first for WaitAny.
	Records []Record
	// Partial holds whatever terminal records were observed before a
	// timeout, populated only when Await returns ErrTimeout.
	Partial []Record
}

// Await blocks until ids satisfy mode, the timeout elapses, or ctx is
// cancelled. It registers interest by reading the table's current wake
// channel, checks whether the condition already holds, and otherwise sleeps
// on that channel (re-reading it fresh after every wake since the channel is
// replaced on each broadcast) until the condition holds or the deadline
// passes - never polling.
func (g *Graph) Await(ctx context.Context, ids []string, mode AwaitMode, timeout time.Duration) (AwaitResult, error) {
	if len(ids) == 0 {
		return AwaitResult{}, nil
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	if mode == WaitAny {
		return g.awaitAny(ctx, ids, deadline)
	}
	return g.awaitAll(ctx, ids, deadline)
}

func (g *Graph) awaitAny(ctx context.Context, ids []string, deadline <-chan time.Time) (AwaitResult, error) {
	for {
		snap, wake, err := g.snapshotAndChan(ids)
		if err != nil {
			return AwaitResult{}, err
		}
		for _, id := range ids {
			if r := snap[id]; IsTerminal(r.Status) {
				return AwaitResult{Records: []Record{r}}, nil
			}
		}
		select {
		case <-wake:
			continue
		case <-deadline:
			return AwaitResult{}, ErrTimeout
		case <-ctx.Done():
			return AwaitResult{}, ctx.Err()
		}
	}
}

func (g *Graph) awaitAll(ctx context.Context, ids []string, deadline <-chan time.Time) (AwaitResult, error) {
	// One goroutine per id, each independently sleeping on the wake channel
	// for its own id; errgroup fans them out and cancels the rest as soon
	// as any one fails (timeout/ctx) or all succeed.
	group, gctx := errgroup.WithContext(ctx)
	results := make([]Record, len(ids))
	for i, id := range ids {
		i, id := i, id
		group.Go(func() error {
			for {
				snap, wake, err := g.snapshotAndChan([]string{id})
				if err != nil {
					return err
				}
				if r := snap[id]; IsTerminal(r.Status) {
					results[i] = r
					return nil
				}
				select {
				case <-wake:
				case <-deadline:
					return ErrTimeout
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		})
	}
	if err := group.Wait(); err != nil {
		if errors.Is(err, ErrTimeout) {
			partial := make([]Record, 0, len(ids))
			for _, id := range ids {
				if r, gerr := g.Get(id); gerr == nil && IsTerminal(r.Status) {
					partial = append(partial, r)
				}
			}
			return AwaitResult{Partial: partial}, ErrTimeout
		}
		return AwaitResult{}, err
	}
	return AwaitResult{Records: results}, nil
}

// Cleanup removes terminal records whose CompletedAt is older than ttl,
// returning the number removed.
func (g *Graph) Cleanup(ttl time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, r := range g.records {
		if IsTerminal(r.Status) && !r.CompletedAt.IsZero() && r.CompletedAt.Before(cutoff) {
			delete(g.records, id)
			removed++
		}
	}
	return removed
}

// List returns every record, sorted by InsertedAt then id for stable output.
func (g *Graph) List() []Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Record, 0, len(g.records))
	for _, r := range g.records {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].InsertedAt.Equal(out[j].InsertedAt) {
			return out[i].InsertedAt.Before(out[j].InsertedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
