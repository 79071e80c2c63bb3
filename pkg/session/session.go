// Package session implements the single-writer actor that owns one
// conversation's entry.Store plus its on-disk mirror, and exposes the
// prompt/steer/navigate/compact operations every other component drives
// against a running conversation.
//
// Every public method that changes the conversation sends a command onto an
// internal mailbox channel and blocks for its reply; the mailbox goroutine
// is the only thing that ever mutates the Store, so all state mutation is
// serialized without a lock spanning the whole turn. Abort, Store,
// Subscribe, SubscribeStream, Streaming, LastError and Done do not go
// through the mailbox.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mariozechner/agentcore/pkg/entry"
	"github.com/mariozechner/agentcore/pkg/entrylog"
	"github.com/mariozechner/agentcore/pkg/eventbus"
	"github.com/mariozechner/agentcore/pkg/model"
	"github.com/mariozechner/agentcore/pkg/tool"
	"github.com/mariozechner/agentcore/pkg/tooldispatch"
	"github.com/mariozechner/agentcore/pkg/turnloop"
)

var (
	ErrAlreadyStreaming = errors.New("session: already_streaming")
	ErrEntryNotFound    = errors.New("session: entry_not_found")
	ErrCannotCompact    = errors.New("session: cannot_compact")
)

// CompactionThreshold bundles the budget a turn compacts against.
type CompactionThreshold struct {
	ContextWindow int
	ReserveTokens int
}

// Notifier is the inbound UI-notification interface.
type Notifier interface {
	SetWorkingMessage(text string)
	Notify(text string, level eventbus.NotifyLevel)
}

// busNotifier is the default Notifier: it publishes working-message and
// notify events on the session's own bus so subscribers see them even when
// the embedder wires no UI of its own.
type busNotifier struct {
	bus *eventbus.Bus
}

func (n *busNotifier) SetWorkingMessage(text string) {
	n.bus.Publish(eventbus.Event{Kind: eventbus.KindSetWorking, Text: &text})
}

func (n *busNotifier) Notify(text string, level eventbus.NotifyLevel) {
	n.bus.Publish(eventbus.Event{Kind: eventbus.KindNotify, Reason: text, Level: level})
}

// CompactionModel synthesizes a branch summary for compaction. Separate
// from model.Provider because embedders commonly want a smaller/cheaper
// model for this than the one driving the conversation itself (ADDED).
type CompactionModel interface {
	Summarize(ctx context.Context, messages []entry.Entry) (summary string, err error)
}

// Config bundles the fixed collaborators and options a Session is built with.
type Config struct {
	ID           string
	Cwd          string
	SessionFile  string // empty disables persistence
	Provider     model.Provider
	Dispatcher   *tooldispatch.Dispatcher
	Instructions string
	Notifier     Notifier
	Compaction   CompactionThreshold
	CompactModel CompactionModel
	Log          *slog.Logger

	// SaveDebounce coalesces bursts of auto-saves; defaults to 200ms.
	SaveDebounce time.Duration
}

// Session is a single-writer actor over one conversation.
type Session struct {
	id  string
	cwd string
	log *slog.Logger

	store        *entry.Store
	sessFile     string
	bus          *eventbus.Bus
	provider     model.Provider
	dispatcher   *tooldispatch.Dispatcher
	notifier     Notifier
	compaction   CompactionThreshold
	compactor    CompactionModel
	instructions string
	saveDebounce time.Duration

	cmds chan func()
	done chan struct{}

	mu            sync.Mutex // guards fields below, read by Healthy() off-actor
	streaming     bool
	currentAbort  *tool.AbortSignal
	steerQueue    []string
	followUpQueue []string
	saveDirty     bool
	saveTimer     *time.Timer
	lastErr       error
}

// New creates a Session. If cfg.SessionFile names an existing file it is
// loaded; otherwise the session starts empty. The actor goroutine is
// started immediately; callers must call Close when done.
func New(cfg Config) (*Session, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.SaveDebounce <= 0 {
		cfg.SaveDebounce = 200 * time.Millisecond
	}

	var st *entry.Store
	loadedExisting := false
	if cfg.SessionFile != "" {
		loaded, err := entrylog.Load(cfg.SessionFile)
		switch {
		case err == nil:
			st = loaded
			st.SetLeafID(latestLeaf(st))
			loadedExisting = true
		case errors.Is(err, entrylog.ErrNoFile):
			// first use, nothing to load
		default:
			// A missing or invalid file both start the session empty; the
			// invalid one is worth a trace since its content is about to be
			// superseded by the bootstrap Save below.
			cfg.Log.Warn("session: unreadable session file, starting empty", "path", cfg.SessionFile, "error", err)
		}
	}
	if st == nil {
		st = entry.New(cfg.ID, cfg.Cwd)
	}

	s := &Session{
		id:           cfg.ID,
		cwd:          cfg.Cwd,
		log:          cfg.Log,
		store:        st,
		sessFile:     cfg.SessionFile,
		bus:          eventbus.New(cfg.Log),
		provider:     cfg.Provider,
		dispatcher:   cfg.Dispatcher,
		notifier:     cfg.Notifier,
		compaction:   cfg.Compaction,
		compactor:    cfg.CompactModel,
		instructions: cfg.Instructions,
		saveDebounce: cfg.SaveDebounce,
		cmds:         make(chan func(), 32),
		done:         make(chan struct{}),
	}
	if s.notifier == nil {
		s.notifier = &busNotifier{bus: s.bus}
	}

	if cfg.SessionFile != "" && !loadedExisting {
		// Bootstrap the file with a header line so the live per-entry
		// appends have something to append to.
		if err := entrylog.Save(cfg.SessionFile, st); err != nil {
			return nil, fmt.Errorf("session: initial save: %w", err)
		}
	}
	s.installLiveAppend(st)

	go s.run()
	return s, nil
}

// installLiveAppend wires st's per-entry append hook to mirror each new
// entry to the session file as it is created. Must be re-applied whenever
// the session swaps in a new store (Reset), since the hook belongs to the
// store, not the session. A no-op without a SessionFile.
func (s *Session) installLiveAppend(st *entry.Store) {
	if s.sessFile == "" {
		return
	}
	st.SetOnAppend(func(e entry.Entry) {
		if err := entrylog.AppendLine(s.sessFile, e); err != nil {
			s.log.Error("session: live append", "error", err)
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
		}
	})
}

// latestLeaf picks the entry reachable through the most recently
// timestamped childless node in the tree; ties broken by latest timestamp
// (the later of two equally-recent leaves, by insertion order, wins).
func latestLeaf(st *entry.Store) string {
	entries := st.Entries()
	hasChild := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.ParentID != "" {
			hasChild[e.ParentID] = true
		}
	}
	best := ""
	var bestTS int64 = -1
	for _, e := range entries {
		if hasChild[e.ID] {
			continue
		}
		if e.Timestamp >= bestTS {
			bestTS = e.Timestamp
			best = e.ID
		}
	}
	return best
}

// run is the mailbox goroutine: the only goroutine that ever touches store.
func (s *Session) run() {
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.done:
			return
		}
	}
}

// do submits fn to the mailbox and blocks until it has run.
func (s *Session) do(fn func()) {
	reply := make(chan struct{})
	s.cmds <- func() {
		fn()
		close(reply)
	}
	<-reply
}

// Close stops the actor. In-flight turns are aborted first. Calling it again
// after the actor has stopped is a no-op.
func (s *Session) Close() {
	s.Abort()
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	s.bus.Close()
}

// ID returns the session's id.
func (s *Session) ID() string { return s.id }

// Store exposes the read-only views (GetEntry/GetTree/GetBranch/...) other
// components need without routing through the mailbox; all of entry.Store's
// own methods are independently locked, so concurrent reads are safe even
// while the actor is mutating it. The pointer itself is read under the lock
// since Reset swaps in a fresh store.
func (s *Session) Store() *entry.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

// Subscribe registers a callback-mode listener.
func (s *Session) Subscribe(h eventbus.Handler) eventbus.Unsubscribe {
	return s.bus.Subscribe(h)
}

// SubscribeStream registers a pull-stream listener.
func (s *Session) SubscribeStream(maxQueue int, drop eventbus.DropStrategy) *eventbus.Stream {
	return s.bus.SubscribeStream(maxQueue, drop)
}

// Prompt appends a user message and starts a new turn, unless one is
// already streaming.
func (s *Session) Prompt(ctx context.Context, text string, images ...entry.Content) error {
	var err error
	s.do(func() {
		s.mu.Lock()
		streaming := s.streaming
		s.mu.Unlock()
		if streaming {
			err = ErrAlreadyStreaming
			return
		}
		content := append([]entry.Content{entry.TextBlock(text)}, images...)
		e, appendErr := s.store.AppendMessage(entry.RoleUser, content)
		if appendErr != nil {
			err = appendErr
			return
		}
		s.scheduleSaveLocked()
		s.startTurn(ctx, e.ID)
	})
	return err
}

// Steer enqueues a message to be merged into the active turn at its next
// safe boundary; with no turn active it behaves like an ordinary prompt.
func (s *Session) Steer(ctx context.Context, text string) {
	s.do(func() {
		s.mu.Lock()
		streaming := s.streaming
		s.mu.Unlock()
		if !streaming {
			content := []entry.Content{entry.TextBlock(text)}
			e, err := s.store.AppendMessage(entry.RoleUser, content)
			if err != nil {
				s.log.Error("session: steer-as-prompt append", "error", err)
				return
			}
			s.scheduleSaveLocked()
			s.startTurn(ctx, e.ID)
			return
		}
		s.mu.Lock()
		s.steerQueue = append(s.steerQueue, text)
		s.mu.Unlock()
	})
}

// FollowUp enqueues a message to be delivered after the current turn's
// natural end.
func (s *Session) FollowUp(text string) {
	s.do(func() {
		s.mu.Lock()
		s.followUpQueue = append(s.followUpQueue, text)
		s.mu.Unlock()
	})
}

// Abort signals the active turn to cancel; a no-op if none is running.
// Safe to call any number of times.
func (s *Session) Abort() {
	s.mu.Lock()
	abort := s.currentAbort
	s.mu.Unlock()
	if abort != nil {
		abort.Abort()
	}
}

// NavigateTree moves the active leaf to entryID. If summarizeAbandoned is
// true and the move abandons entries on the previous branch, a
// BranchSummary entry is recorded describing what was left behind.
func (s *Session) NavigateTree(entryID string, summarizeAbandoned bool) error {
	var outErr error
	s.do(func() {
		if entryID == s.store.LeafID() {
			return
		}
		target, ok := s.store.GetEntry(entryID)
		if !ok {
			outErr = ErrEntryNotFound
			return
		}
		if summarizeAbandoned {
			s.recordAbandonedBranch(target.ID)
		}
		s.store.SetLeafID(entryID)
		s.scheduleSaveLocked()
	})
	return outErr
}

func (s *Session) recordAbandonedBranch(newLeaf string) {
	oldLeaf := s.store.LeafID()
	if oldLeaf == "" || oldLeaf == newLeaf {
		return
	}
	branch := s.store.GetBranch(oldLeaf)
	if len(branch) == 0 {
		return
	}
	summary := fmt.Sprintf("Branch abandoned at %s (%d entries) when navigating to %s.", oldLeaf, len(branch), newLeaf)
	_, err := s.store.AppendEntry(entry.Entry{
		Type:          entry.TypeBranchSummary,
		ParentID:      newLeaf,
		BranchSummary: &entry.BranchSummaryEntry{FromID: oldLeaf, Summary: summary},
	})
	if err != nil {
		s.log.Error("session: record abandoned branch", "error", err)
	}
}

// SetThinkingLevel appends a ThinkingLevelChange entry; takes effect on the
// next turn's context build (changes are append-only and never retroactive).
func (s *Session) SetThinkingLevel(level entry.ThinkingLevel) {
	s.do(func() {
		if _, err := s.store.AppendThinkingLevelChange(level); err != nil {
			s.log.Error("session: set thinking level", "error", err)
			return
		}
		s.scheduleSaveLocked()
	})
}

// SwitchModel appends a ModelChange entry.
func (s *Session) SwitchModel(provider, modelID string) {
	s.do(func() {
		if _, err := s.store.AppendModelChange(provider, modelID); err != nil {
			s.log.Error("session: switch model", "error", err)
			return
		}
		s.scheduleSaveLocked()
	})
}

// Reset aborts any active turn and replaces the store with a fresh,
// empty one bearing the same id and cwd. The session file is rewritten
// synchronously (so live per-entry appends land on the fresh header, not
// after the old tree's lines) and the append hook is re-installed on the
// new store.
func (s *Session) Reset() {
	s.Abort()
	s.do(func() {
		s.mu.Lock()
		s.steerQueue = nil
		s.followUpQueue = nil
		s.store = entry.New(s.id, s.cwd)
		s.mu.Unlock()
		if err := s.saveNow(); err != nil {
			s.log.Error("session: reset save", "error", err)
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
		}
		s.installLiveAppend(s.store)
	})
}

// CompactOptions tunes a manual compaction request.
type CompactOptions struct {
	// Force skips the token-threshold check.
	Force bool
}

// Compact synthesizes a branch summary and appends a Compaction entry,
// the same operation TurnLoop's own best-effort compaction performs
// between turns, but invokable directly.
func (s *Session) Compact(ctx context.Context, opts CompactOptions) error {
	var outErr error
	s.do(func() {
		branch := s.store.GetBranch("")
		if len(branch) == 0 {
			outErr = ErrCannotCompact
			return
		}
		if !opts.Force {
			tokens := EstimateTokens(s.store.BuildContext())
			if s.compaction.ContextWindow <= 0 || tokens <= s.compaction.ContextWindow-s.compaction.ReserveTokens {
				outErr = ErrCannotCompact
				return
			}
		}
		if err := s.runCompaction(ctx); err != nil {
			outErr = err
		}
	})
	return outErr
}

// runCompaction finds a safe split point, summarizes the prefix via
// compactor, and appends the Compaction entry. Must be called from the
// actor goroutine.
func (s *Session) runCompaction(ctx context.Context) error {
	if s.compactor == nil {
		return ErrCannotCompact
	}
	branch := s.store.GetBranch("")
	splitIdx := findSafeSplit(branch)
	if splitIdx <= 0 {
		return ErrCannotCompact
	}
	prefix := branch[:splitIdx]
	firstKept := branch[splitIdx].ID

	tokensBefore := EstimateTokens(s.store.BuildContext())
	summary, err := s.compactor.Summarize(ctx, prefix)
	if err != nil {
		s.notifier.Notify("compaction failed: "+err.Error(), eventbus.LevelWarn)
		return fmt.Errorf("session: compact: %w", err)
	}

	if _, err := s.store.AppendCompaction(summary, firstKept, tokensBefore, nil); err != nil {
		return err
	}
	s.scheduleSaveLocked()
	s.notifier.Notify("conversation compacted", eventbus.LevelInfo)
	return nil
}

// findSafeSplit returns an index in branch, at or before the start of its
// final third, such that branch[:idx] can be summarized without cutting a
// tool_call entry off from its tool_result, and branch[idx:] is retained
// verbatim. Returns 0 if no such split exists (nothing worth compacting).
func findSafeSplit(branch []entry.Entry) int {
	if len(branch) < 4 {
		return 0
	}
	// Keep roughly the final third verbatim; walk backward from there to
	// the nearest boundary that doesn't separate a tool_result from its
	// preceding assistant tool_call message.
	candidate := len(branch) - len(branch)/3
	for candidate > 1 {
		next := branch[candidate]
		if next.Type == entry.TypeMessage && next.Message != nil && next.Message.Role == entry.RoleToolResult {
			candidate--
			continue
		}
		break
	}
	if candidate <= 1 {
		return 0
	}
	return candidate
}

// Save forces an immediate full resync of the store via entrylog.Save. Every
// mutation is already mirrored line-by-line to disk as it happens (see the
// store's OnAppend hook wired in New), so Save mainly matters for rewriting
// the file clean and for callers that want a synchronous durability point
// (e.g. before shutdown). A no-op if no SessionFile was configured.
func (s *Session) Save() error {
	var outErr error
	s.do(func() {
		outErr = s.saveNow()
	})
	return outErr
}

func (s *Session) saveNow() error {
	if s.sessFile == "" {
		return nil
	}
	s.mu.Lock()
	s.saveDirty = false
	s.mu.Unlock()
	return entrylog.Save(s.sessFile, s.store)
}

// scheduleSaveLocked schedules a debounced full resync; must be called from
// the actor goroutine. Bursts of mutations within SaveDebounce coalesce into
// one save. This is on top of, not instead of, the per-entry live appends
// the store already performed synchronously as each entry was added.
func (s *Session) scheduleSaveLocked() {
	if s.sessFile == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveDirty = true
	if s.saveTimer != nil {
		return
	}
	s.saveTimer = time.AfterFunc(s.saveDebounce, func() {
		s.do(func() {
			s.mu.Lock()
			s.saveTimer = nil
			dirty := s.saveDirty
			s.mu.Unlock()
			if !dirty {
				return
			}
			if err := s.saveNow(); err != nil {
				s.log.Error("session: auto-save", "error", err)
				s.mu.Lock()
				s.lastErr = err
				s.mu.Unlock()
			}
		})
	})
}

// startTurn launches a turnloop.Loop for the turn anchored at startLeaf and
// runs it in its own goroutine, publishing AgentEnd and draining follow-ups
// when it completes. Must be called from the actor goroutine.
func (s *Session) startTurn(ctx context.Context, startLeaf string) {
	abort := tool.NewAbortSignal()
	s.mu.Lock()
	s.streaming = true
	s.currentAbort = abort
	s.mu.Unlock()

	// Tie the turn's context to the abort signal so a model stream or tool
	// call blocked in a context-aware wait (not merely polling between
	// units of work) is woken promptly by Abort() too.
	turnCtx, cancelTurn := context.WithCancel(ctx)
	go func() {
		select {
		case <-abort.Done():
			cancelTurn()
		case <-turnCtx.Done():
		}
	}()

	deps := turnloop.Deps{
		Store:        s.store,
		Bus:          s.bus,
		Provider:     s.provider,
		Dispatcher:   s.dispatcher,
		Log:          s.log,
		Instructions: s.instructions,
		DrainSteering: func() []string {
			s.mu.Lock()
			defer s.mu.Unlock()
			q := s.steerQueue
			s.steerQueue = nil
			return q
		},
		PopFollowUp: func() (string, bool) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if len(s.followUpQueue) == 0 {
				return "", false
			}
			text := s.followUpQueue[0]
			s.followUpQueue = s.followUpQueue[1:]
			return text, true
		},
		EstimateTokens: func(ctx entry.Context) int { return EstimateTokens(ctx) },
		ContextWindow:  s.compaction.ContextWindow,
		ReserveTokens:  s.compaction.ReserveTokens,
		MaybeCompact: func(ctx context.Context) error {
			var err error
			s.do(func() { err = s.runCompaction(ctx) })
			return err
		},
	}

	loop := turnloop.New(deps, abort, startLeaf)
	go func() {
		outcome := loop.Run(turnCtx)
		cancelTurn()
		s.do(func() {
			s.mu.Lock()
			s.streaming = false
			s.currentAbort = nil
			s.mu.Unlock()
			// An abort-mid-stream outcome already publishes AgentEnd from
			// inside the loop's finalizeAborted path; a natural stop does
			// not, so publish it here using the turn's own final content
			// (not the store's current leaf, which navigate_tree may have
			// since moved elsewhere).
			if outcome.State == turnloop.TurnComplete && !outcome.Aborted {
				s.bus.Publish(eventbus.Event{Kind: eventbus.KindAgentEnd, FinalMessages: outcome.FinalContent})
			}
			s.scheduleSaveLocked()
		})
	}()
}

// Streaming reports whether a turn is currently in flight.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// LastError returns the most recent auto-save error, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Done returns a channel closed once the actor has stopped, for callers
// that need to detect an actor exiting without going through Close
// themselves (e.g. a supervisor's health check).
func (s *Session) Done() <-chan struct{} {
	return s.done
}
