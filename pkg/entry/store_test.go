package entry

import "testing"

func TestAppendMessageAutoLinksAndAdvancesLeaf(t *testing.T) {
	s := New("sess1", "/w")

	const n = 5
	ids := make(map[string]bool)
	var last Entry
	for i := 0; i < n; i++ {
		e, err := s.AppendMessage(RoleUser, []Content{TextBlock("hi")})
		if err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
		if ids[e.ID] {
			t.Fatalf("duplicate id %s", e.ID)
		}
		ids[e.ID] = true
		last = e
	}

	if s.LeafID() != last.ID {
		t.Fatalf("leaf = %s, want %s", s.LeafID(), last.ID)
	}
	if len(s.Entries()) != n {
		t.Fatalf("entries = %d, want %d", len(s.Entries()), n)
	}
}

func TestGetBranchTruncatesOnBrokenParent(t *testing.T) {
	s := New("sess1", "/w")
	root, _ := s.AppendMessage(RoleUser, []Content{TextBlock("root")})

	// A replayed entry whose parent_id doesn't resolve: GetBranch(e.id)
	// must truncate to just that entry.
	orphan := Entry{ID: "orphan1", ParentID: "does-not-exist", Type: TypeMessage,
		Message: &MessageEntry{Role: RoleUser, Content: []Content{TextBlock("orphan")}}}
	if err := s.ReplayEntry(orphan); err != nil {
		t.Fatalf("ReplayEntry: %v", err)
	}

	branch := s.GetBranch("orphan1")
	if len(branch) != 1 || branch[0].ID != "orphan1" {
		t.Fatalf("branch = %+v, want just [orphan1]", branch)
	}

	// A resolvable parent appears immediately before the child, root-first.
	child, err := s.AppendChildOf(root.ID, Entry{Type: TypeMessage, Message: &MessageEntry{Role: RoleAssistant, Content: []Content{TextBlock("child")}}})
	if err != nil {
		t.Fatalf("AppendChildOf: %v", err)
	}
	branch = s.GetBranch(child.ID)
	if len(branch) != 2 || branch[0].ID != root.ID || branch[1].ID != child.ID {
		t.Fatalf("branch = %+v, want [root child]", branch)
	}
}

func TestEmptyStoreBranchAndContext(t *testing.T) {
	s := New("sess1", "/w")
	if got := s.GetBranch(""); got != nil {
		t.Fatalf("GetBranch on empty store = %+v, want nil", got)
	}
	ctx := s.BuildContext()
	if len(ctx.Messages) != 0 || ctx.ThinkingLevel != ThinkingOff {
		t.Fatalf("empty context = %+v", ctx)
	}
}

func TestNavigateThenPromptParentsOffTargetNotOldLeaf(t *testing.T) {
	s := New("sess1", "/w")
	u1, _ := s.AppendMessage(RoleUser, []Content{TextBlock("u1")})
	a1, _ := s.AppendMessage(RoleAssistant, []Content{TextBlock("a1")})
	u2, _ := s.AppendMessage(RoleUser, []Content{TextBlock("u2")})
	a2, _ := s.AppendMessage(RoleAssistant, []Content{TextBlock("a2")})
	_ = u2
	_ = a2

	s.SetLeafID(u1.ID)
	if got := s.GetBranch(""); len(got) != 1 {
		t.Fatalf("branch after navigate = %d entries, want 1", len(got))
	}

	// A prompt appended via AppendMessage auto-links to the now-current leaf
	// (u1), not to a1/a2's branch.
	newUser, err := s.AppendMessage(RoleUser, []Content{TextBlock("hi2")})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if newUser.ParentID != u1.ID {
		t.Fatalf("new message parent = %s, want %s", newUser.ParentID, u1.ID)
	}

	children := s.GetChildren(u1.ID)
	if len(children) != 2 {
		t.Fatalf("children of u1 = %d, want 2 (a1, newUser)", len(children))
	}
	foundA1, foundNew := false, false
	for _, c := range children {
		if c.ID == a1.ID {
			foundA1 = true
		}
		if c.ID == newUser.ID {
			foundNew = true
		}
	}
	if !foundA1 || !foundNew {
		t.Fatalf("children = %+v, want a1 and newUser", children)
	}
}

func TestAppendChildOfKeepsOldLeafBranchAliveAfterNavigation(t *testing.T) {
	s := New("sess1", "/w")
	u1, _ := s.AppendMessage(RoleUser, []Content{TextBlock("u1")})

	// Navigate away before the in-flight turn commits its assistant reply.
	s.SetLeafID("")

	child, err := s.AppendChildOf(u1.ID, Entry{Type: TypeMessage, Message: &MessageEntry{Role: RoleAssistant, Content: []Content{TextBlock("late")}}})
	if err != nil {
		t.Fatalf("AppendChildOf: %v", err)
	}
	if child.ParentID != u1.ID {
		t.Fatalf("child parent = %s, want %s", child.ParentID, u1.ID)
	}
	// The store's visible leaf was not pulled back, since it had already
	// moved away from u1 before this append landed.
	if s.LeafID() != "" {
		t.Fatalf("leaf = %s, want unchanged empty", s.LeafID())
	}
}

func TestBuildContextCompactionReplacesPrefix(t *testing.T) {
	s := New("sess1", "/w")
	u1, _ := s.AppendMessage(RoleUser, []Content{TextBlock("u1")})
	_, _ = s.AppendMessage(RoleAssistant, []Content{TextBlock("a1")})
	u2, _ := s.AppendMessage(RoleUser, []Content{TextBlock("u2")})
	a2, _ := s.AppendMessage(RoleAssistant, []Content{TextBlock("a2")})

	_, err := s.AppendCompaction("summary of early turns", u2.ID, 500, nil)
	if err != nil {
		t.Fatalf("AppendCompaction: %v", err)
	}
	// Entry appended after the compaction so the branch still has a leaf
	// beyond it.
	final, _ := s.AppendMessage(RoleUser, []Content{TextBlock("u3")})

	ctx := s.BuildContext()
	// Expect: synthetic compaction-summary message, u2, a2, u3 (u1/a1 dropped).
	if len(ctx.Messages) != 4 {
		t.Fatalf("messages = %d, want 4: %+v", len(ctx.Messages), ctx.Messages)
	}
	if ctx.Messages[0].Message.Role != RoleCompactionSummary {
		t.Fatalf("first message role = %s, want compaction_summary", ctx.Messages[0].Message.Role)
	}
	if ctx.Messages[1].ID != u2.ID || ctx.Messages[2].ID != a2.ID || ctx.Messages[3].ID != final.ID {
		t.Fatalf("messages = %+v", ctx.Messages)
	}
	_ = u1
}

func TestBuildContextTracksLatestThinkingAndModel(t *testing.T) {
	s := New("sess1", "/w")
	s.AppendThinkingLevelChange(ThinkingLow)
	s.AppendModelChange("anthropic", "model-a")
	s.AppendThinkingLevelChange(ThinkingHigh)
	s.AppendModelChange("anthropic", "model-b")
	s.AppendMessage(RoleUser, []Content{TextBlock("hi")})

	ctx := s.BuildContext()
	if ctx.ThinkingLevel != ThinkingHigh {
		t.Fatalf("thinking level = %s, want high", ctx.ThinkingLevel)
	}
	if ctx.Model.ModelID != "model-b" {
		t.Fatalf("model = %s, want model-b", ctx.Model.ModelID)
	}
}

func TestAppendEntryRejectsIDCollision(t *testing.T) {
	s := New("sess1", "/w")
	e := Entry{ID: "fixed123", Type: TypeMessage, Message: &MessageEntry{Role: RoleUser, Content: []Content{TextBlock("x")}}}
	if _, err := s.AppendEntry(e); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if _, err := s.AppendEntry(e); err == nil {
		t.Fatalf("expected id collision error on second append")
	}
}

func TestOnAppendFiresForAppendEntryAndAppendChildOfNotReplay(t *testing.T) {
	s := New("sess1", "/w")
	var got []Entry
	s.SetOnAppend(func(e Entry) { got = append(got, e) })

	u1, _ := s.AppendMessage(RoleUser, []Content{TextBlock("hi")})
	a1, err := s.AppendChildOf(u1.ID, Entry{Type: TypeMessage, Message: &MessageEntry{Role: RoleAssistant, Content: []Content{TextBlock("hello")}}})
	if err != nil {
		t.Fatalf("AppendChildOf: %v", err)
	}

	replayed := Entry{ID: "replay1", Type: TypeMessage, Message: &MessageEntry{Role: RoleUser, Content: []Content{TextBlock("replayed")}}}
	if err := s.ReplayEntry(replayed); err != nil {
		t.Fatalf("ReplayEntry: %v", err)
	}

	if len(got) != 2 || got[0].ID != u1.ID || got[1].ID != a1.ID {
		t.Fatalf("onAppend calls = %+v, want exactly [u1 a1] (ReplayEntry must not fire it)", got)
	}
}
