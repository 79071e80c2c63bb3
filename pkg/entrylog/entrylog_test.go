package entrylog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mariozechner/agentcore/pkg/entry"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")

	s := entry.New("sess1", "/w")
	u1, _ := s.AppendMessage(entry.RoleUser, []entry.Content{entry.TextBlock("hi")})
	a1, _ := s.AppendMessage(entry.RoleAssistant, []entry.Content{entry.TextBlock("hello")})

	if err := Save(path, s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Header.ID != s.Header.ID || loaded.Header.Cwd != s.Header.Cwd {
		t.Fatalf("header = %+v, want id=%s cwd=%s", loaded.Header, s.Header.ID, s.Header.Cwd)
	}
	entries := loaded.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].ID != u1.ID || entries[1].ID != a1.ID {
		t.Fatalf("entries = %+v", entries)
	}
	got, ok := loaded.GetEntry(a1.ID)
	if !ok || got.Message.Content[0].Text.Text != "hello" {
		t.Fatalf("GetEntry(a1) = %+v, %v", got, ok)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.jsonl"))
	if err != ErrNoFile {
		t.Fatalf("err = %v, want ErrNoFile", err)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.jsonl")
	if err := os.WriteFile(path, []byte{}, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := Load(path)
	if err != ErrEmptyFile {
		t.Fatalf("err = %v, want ErrEmptyFile", err)
	}
}

func TestLoadToleratesTruncatedTrailingLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trunc.jsonl")

	s := entry.New("sess1", "/w")
	s.AppendMessage(entry.RoleUser, []entry.Content{entry.TextBlock("complete")})
	if err := Save(path, s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Simulate a crash mid-append: a non-JSON trailing partial line.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString(`{"id":"partial","type":"mess`)
	f.Close()

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Entries()) != 1 {
		t.Fatalf("entries = %d, want 1 (truncated line dropped)", len(loaded.Entries()))
	}
}

func TestLoadMigratesLegacyRoleAndBackfillsParents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.jsonl")

	header := `{"type":"session","id":"legacy1","version":1,"cwd":"/w"}` + "\n"
	e1 := `{"type":"message","message":{"role":"user","content":[{"type":"text","text":{"text":"hi"}}]}}` + "\n"
	e2 := `{"type":"message","message":{"role":"hookMessage","content":[{"type":"text","text":{"text":"legacy"}}]}}` + "\n"
	if err := os.WriteFile(path, []byte(header+e1+e2), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	entries := loaded.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].ID == "" || entries[1].ID == "" {
		t.Fatalf("ids not backfilled: %+v", entries)
	}
	if entries[1].ParentID != entries[0].ID {
		t.Fatalf("parent not backfilled: entries = %+v", entries)
	}
	if entries[1].Message.Role != entry.RoleCustom {
		t.Fatalf("role = %s, want custom (migrated from hookMessage)", entries[1].Message.Role)
	}
}

func TestAppendLineMirrorsEntryWithoutFullResave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")

	s := entry.New("sess1", "/w")
	u1, _ := s.AppendMessage(entry.RoleUser, []entry.Content{entry.TextBlock("hi")})
	if err := Save(path, s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A live entry added after the snapshot goes straight to AppendLine, with
	// no further Save call.
	a1, _ := s.AppendMessage(entry.RoleAssistant, []entry.Content{entry.TextBlock("hello")})
	if err := AppendLine(path, a1); err != nil {
		t.Fatalf("AppendLine: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	entries := loaded.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].ID != u1.ID || entries[1].ID != a1.ID {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestFailedSaveLeavesExistingFileUntouched(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.jsonl")

	s := entry.New("sess1", "/w")
	s.AppendMessage(entry.RoleUser, []entry.Content{entry.TextBlock("v1")})
	if err := Save(path, s); err != nil {
		t.Fatalf("Save v1: %v", err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	// Force a failed save by pointing Save at a directory that doesn't
	// exist (CreateTemp fails before any rename is attempted), confirming
	// the existing file is left untouched.
	bogus := filepath.Join(dir, "does-not-exist", "session.jsonl")
	s2 := entry.New("sess1", "/w")
	s2.AppendMessage(entry.RoleUser, []entry.Content{entry.TextBlock("v2")})
	if err := Save(bogus, s2); err == nil {
		t.Fatalf("expected error saving to nonexistent dir")
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile after failed save: %v", err)
	}
	if string(before) != string(after) {
		t.Fatalf("original file content changed after unrelated failed save")
	}
}
