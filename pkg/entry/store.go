package entry

import (
	"errors"
	"sync"
	"time"

	"github.com/mariozechner/agentcore/internal/idgen"
)

// ErrNotFound is returned when an entry id does not resolve.
var ErrNotFound = errors.New("entry: not found")

// Store is an in-memory indexed log of entries forming a tree, plus the
// derived by-id index and active leaf pointer.
//
// Store is safe for concurrent use; callers that need multi-operation
// atomicity (e.g. SessionState) should hold their own external lock around a
// sequence of calls, since each Store method is independently locked.
type Store struct {
	mu       sync.RWMutex
	Header   Header
	entries  []Entry // insertion order
	byID     map[string]Entry
	leafID   string
	onAppend func(Entry) // see SetOnAppend
}

// New creates a Store with a fresh session header.
func New(id, cwd string) *Store {
	return &Store{
		Header: Header{
			Type:      "session",
			ID:        id,
			Version:   CurrentVersion,
			Cwd:       cwd,
			Timestamp: time.Now(),
		},
		byID: make(map[string]Entry),
	}
}

// LeafID returns the current active leaf, or "" if the store is empty.
func (s *Store) LeafID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leafID
}

// SetLeafID navigates the active leaf to id. It does not validate existence;
// callers (SessionState.NavigateTree) are expected to check GetEntry first.
func (s *Store) SetLeafID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leafID = id
}

// GetEntry looks up an entry by id.
func (s *Store) GetEntry(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	return e, ok
}

// Entries returns a copy of the full insertion-ordered log.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// SetOnAppend installs fn to be called, lock released, after every entry
// newly linked into the store via AppendEntry or AppendChildOf (not
// ReplayEntry, which reconstructs a store from its own on-disk form). The
// owner (e.g. session.Session) wires this to mirror each entry to disk as it
// is appended; set it once before any concurrent mutation begins.
func (s *Store) SetOnAppend(fn func(Entry)) {
	s.mu.Lock()
	s.onAppend = fn
	s.mu.Unlock()
}

// GetChildren returns the children of parentID in insertion order; ""
// yields roots.
func (s *Store) GetChildren(parentID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.ParentID == parentID {
			out = append(out, e)
		}
	}
	return out
}

// AppendEntry assigns entry.ID (collision-checked) if unset, links
// entry.ParentID to the current leaf if both ID and ParentID arrive unset,
// and advances the leaf pointer to the new entry
func (s *Store) AppendEntry(e Entry) (Entry, error) {
	s.mu.Lock()

	autoLink := e.ID == "" && e.ParentID == ""
	if e.ID == "" {
		e.ID = idgen.Short(func(id string) bool {
			_, exists := s.byID[id]
			return exists
		})
	} else if _, exists := s.byID[e.ID]; exists {
		s.mu.Unlock()
		return Entry{}, errors.New("entry: id collision: " + e.ID)
	}

	if autoLink {
		e.ParentID = s.leafID
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}

	s.entries = append(s.entries, e)
	s.byID[e.ID] = e
	s.leafID = e.ID
	hook := s.onAppend
	s.mu.Unlock()

	if hook != nil {
		hook(e)
	}
	return e, nil
}

// AppendChildOf inserts e as an explicit child of parentID, regardless of
// the store's current leaf. It advances the store's leaf pointer to the new
// entry only if the store's current leaf is still parentID, i.e. only if
// no concurrent navigation moved the leaf elsewhere since the caller read
// parentID. This lets a turn in flight keep committing against the branch
// it started on even after navigate_tree moves the visible leaf away from
// it mid-stream: the in-progress stream continues against the
// pre-navigation context while new prompts use the new leaf_id.
func (s *Store) AppendChildOf(parentID string, e Entry) (Entry, error) {
	s.mu.Lock()

	if e.ID == "" {
		e.ID = idgen.Short(func(id string) bool {
			_, exists := s.byID[id]
			return exists
		})
	} else if _, exists := s.byID[e.ID]; exists {
		s.mu.Unlock()
		return Entry{}, errors.New("entry: id collision: " + e.ID)
	}
	e.ParentID = parentID
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}

	s.entries = append(s.entries, e)
	s.byID[e.ID] = e
	if s.leafID == parentID {
		s.leafID = e.ID
	}
	hook := s.onAppend
	s.mu.Unlock()

	if hook != nil {
		hook(e)
	}
	return e, nil
}

// ReplayEntry inserts an already-fully-formed entry (id and parent_id taken
// verbatim, including an explicitly empty parent_id meaning "root") without
// the live auto-link behavior AppendEntry applies. Used by entrylog.Load to
// reconstruct a store from its on-disk form.
func (s *Store) ReplayEntry(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[e.ID]; exists {
		return errors.New("entry: id collision: " + e.ID)
	}
	s.entries = append(s.entries, e)
	s.byID[e.ID] = e
	s.leafID = e.ID
	return nil
}

// AppendMessage is sugar for a Message entry, always auto-linked.
func (s *Store) AppendMessage(role Role, content []Content) (Entry, error) {
	return s.AppendEntry(Entry{
		Type:    TypeMessage,
		Message: &MessageEntry{Role: role, Content: content},
	})
}

// AppendCompaction appends a Compaction entry linked to the current leaf.
func (s *Store) AppendCompaction(summary, firstKeptEntryID string, tokensBefore int, details map[string]any) (Entry, error) {
	return s.AppendEntry(Entry{
		Type: TypeCompaction,
		Compaction: &CompactionEntry{
			Summary:          summary,
			FirstKeptEntryID: firstKeptEntryID,
			TokensBefore:     tokensBefore,
			Details:          details,
		},
	})
}

// AppendThinkingLevelChange appends a ThinkingLevelChange entry.
func (s *Store) AppendThinkingLevelChange(level ThinkingLevel) (Entry, error) {
	return s.AppendEntry(Entry{Type: TypeThinkingLevel, ThinkingLevel: &ThinkingLevelEntry{Level: level}})
}

// AppendModelChange appends a ModelChange entry.
func (s *Store) AppendModelChange(provider, modelID string) (Entry, error) {
	return s.AppendEntry(Entry{Type: TypeModelChange, ModelChange: &ModelChangeEntry{Provider: provider, ModelID: modelID}})
}

// AppendSessionInfo appends a SessionInfo entry.
func (s *Store) AppendSessionInfo(name string) (Entry, error) {
	return s.AppendEntry(Entry{Type: TypeSessionInfo, SessionInfo: &SessionInfoEntry{Name: name}})
}

// AppendCustomEntry appends a Custom escape-hatch entry.
func (s *Store) AppendCustomEntry(customType string, data map[string]any) (Entry, error) {
	return s.AppendEntry(Entry{Type: TypeCustom, Custom: &CustomEntry{CustomType: customType, Data: data}})
}

// SetLabel records a label on targetID as a Label entry. Labels are resolved
// by walking entries for the most recent Label entry naming a given target.
func (s *Store) SetLabel(targetID, label string) (Entry, error) {
	return s.AppendEntry(Entry{Type: TypeLabel, Label: &LabelEntry{TargetID: targetID, Label: label}})
}

// labelFor returns the most recently appended label targeting id, if any.
func (s *Store) labelFor(id string) string {
	label := ""
	for _, e := range s.entries {
		if e.Type == TypeLabel && e.Label != nil && e.Label.TargetID == id {
			label = e.Label.Label
		}
	}
	return label
}

// GetBranch walks parent pointers from fromLeaf (or the store's current
// LeafID if fromLeaf is "") back to a root, root-first. If a parent_id ever
// fails to resolve, the walk stops and returns the truncated path collected
// so far.
func (s *Store) GetBranch(fromLeaf string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	leaf := fromLeaf
	if leaf == "" {
		leaf = s.leafID
	}
	if leaf == "" {
		return nil
	}

	var reversed []Entry
	cur := leaf
	for {
		e, ok := s.byID[cur]
		if !ok {
			break
		}
		reversed = append(reversed, e)
		if e.ParentID == "" {
			break
		}
		if _, ok := s.byID[e.ParentID]; !ok {
			break
		}
		cur = e.ParentID
	}

	out := make([]Entry, len(reversed))
	for i, e := range reversed {
		out[len(reversed)-1-i] = e
	}
	return out
}

// GetTree builds a recursive children-index view over the whole store,
// rooted at the given parent (""=roots), sorted by timestamp.
func (s *Store) GetTree(parentID string) []TreeNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buildTree(parentID)
}

func (s *Store) buildTree(parentID string) []TreeNode {
	var children []Entry
	for _, e := range s.entries {
		if e.ParentID == parentID {
			children = append(children, e)
		}
	}
	// Stable insertion order already approximates timestamp order; sort
	// defensively in case explicit ids/timestamps were supplied out of order.
	for i := 1; i < len(children); i++ {
		for j := i; j > 0 && children[j].Timestamp < children[j-1].Timestamp; j-- {
			children[j], children[j-1] = children[j-1], children[j]
		}
	}

	out := make([]TreeNode, 0, len(children))
	for _, c := range children {
		out = append(out, TreeNode{
			Entry:    c,
			Label:    s.labelFor(c.ID),
			Children: s.buildTree(c.ID),
		})
	}
	return out
}

// BuildContext materializes the LM-visible message list plus the current
// thinking_level and model settings from the active branch.
func (s *Store) BuildContext() Context {
	branch := s.GetBranch("")

	// Find the last Compaction entry in the branch, if any.
	compactIdx := -1
	for i, e := range branch {
		if e.Type == TypeCompaction {
			compactIdx = i
		}
	}

	ctx := Context{ThinkingLevel: ThinkingOff}

	var retained []Entry
	if compactIdx >= 0 {
		c := branch[compactIdx]
		synthetic := Entry{
			ID:        c.ID,
			Timestamp: c.Timestamp,
			Type:      TypeMessage,
			Message: &MessageEntry{
				Role:    RoleCompactionSummary,
				Content: []Content{TextBlock(c.Compaction.Summary)},
			},
		}
		retained = append(retained, synthetic)
		keepFrom := c.Compaction.FirstKeptEntryID
		started := false
		for i, e := range branch {
			if i == compactIdx {
				// The compaction entry itself is never materialized; with no
				// first_kept recorded, everything before it stays summarized.
				if keepFrom == "" {
					started = true
				}
				continue
			}
			if !started {
				if keepFrom != "" && e.ID == keepFrom {
					started = true
				} else {
					continue
				}
			}
			retained = append(retained, e)
		}
	} else {
		retained = branch
	}

	for _, e := range retained {
		switch e.Type {
		case TypeMessage:
			ctx.Messages = append(ctx.Messages, e)
		case TypeCustomMessage:
			cm := e.CustomMessage
			display := true
			if cm.Display != nil {
				display = *cm.Display
			}
			msg := Entry{
				ID: e.ID, ParentID: e.ParentID, Timestamp: e.Timestamp, Type: TypeMessage,
				Message: &MessageEntry{Role: RoleCustom, Content: cm.Content, Metadata: map[string]any{"display": display, "custom_type": cm.CustomType}},
			}
			ctx.Messages = append(ctx.Messages, msg)
		case TypeBranchSummary:
			bs := e.BranchSummary
			ctx.Messages = append(ctx.Messages, Entry{
				ID: e.ID, ParentID: e.ParentID, Timestamp: e.Timestamp, Type: TypeMessage,
				Message: &MessageEntry{Role: RoleBranchSummary, Content: []Content{TextBlock(bs.Summary)}},
			})
		case TypeThinkingLevel:
			ctx.ThinkingLevel = e.ThinkingLevel.Level
		case TypeModelChange:
			ctx.Model = *e.ModelChange
		case TypeLabel, TypeSessionInfo, TypeCustom:
			// metadata-only, skipped for message materialization.
		}
	}
	return ctx
}

// ErrNoLeaf is the branch-resolution error for an empty store.
var ErrNoLeaf = errors.New("entry: store has no leaf")
