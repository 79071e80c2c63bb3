package commands

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseCommandWithFrontMatter(t *testing.T) {
	raw := []byte(`---
description: Review a pull request
model: fast-model
subtask: true
---
Review PR $1 with focus on $2.
`)
	c, err := ParseCommand("review", raw)
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if c.Name != "review" || c.Description != "Review a pull request" || c.Model != "fast-model" || !c.Subtask {
		t.Fatalf("command = %+v", c)
	}
	if c.Template != "Review PR $1 with focus on $2.\n" {
		t.Fatalf("template = %q", c.Template)
	}
}

func TestParseCommandWithoutFrontMatter(t *testing.T) {
	c, err := ParseCommand("plain", []byte("Just do the thing.\n"))
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if c.Description != "" || c.Subtask {
		t.Fatalf("command = %+v, want empty metadata", c)
	}
	if c.Template != "Just do the thing.\n" {
		t.Fatalf("template = %q", c.Template)
	}
}

func TestExpandArgumentsAndPositionals(t *testing.T) {
	c := Command{Template: "all: $ARGUMENTS first: $1 second: $2 missing: $3"}
	got := c.Expand([]string{"alpha", "beta"})
	want := "all: alpha beta first: alpha second: beta missing: "
	if got != want {
		t.Fatalf("Expand = %q, want %q", got, want)
	}
}

func TestExpandNoArgs(t *testing.T) {
	c := Command{Template: "run $ARGUMENTS now $1"}
	if got := c.Expand(nil); got != "run  now " {
		t.Fatalf("Expand = %q", got)
	}
}

func TestLoadDirReadsOnlyMarkdown(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "deploy.md"), "---\ndescription: Deploy\n---\nDeploy $1.\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "not a command")

	cmds, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(cmds) != 1 || cmds[0].Name != "deploy" {
		t.Fatalf("cmds = %+v, want one command named deploy", cmds)
	}
}

func TestLoadDirMissingDirectory(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	if err != ErrNoDir {
		t.Fatalf("err = %v, want ErrNoDir", err)
	}
}

func TestLoadSubagents(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "researcher.md"), "---\ndescription: Digs into questions\nmodel: deep-model\n---\nYou are a careful researcher.\n")

	subs, err := LoadSubagents(dir)
	if err != nil {
		t.Fatalf("LoadSubagents: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("subs = %+v", subs)
	}
	s := subs[0]
	if s.Name != "researcher" || s.Model != "deep-model" || s.Instructions != "You are a careful researcher.\n" {
		t.Fatalf("subagent = %+v", s)
	}
}

func TestParseCommandBadFrontMatterFails(t *testing.T) {
	raw := []byte("---\ndescription: [unclosed\n---\nbody\n")
	if _, err := ParseCommand("bad", raw); err == nil {
		t.Fatalf("expected parse error for malformed front matter")
	}
}

func TestWatchDirFiresOnChange(t *testing.T) {
	dir := t.TempDir()
	changed := make(chan struct{}, 1)
	w, err := WatchDir(dir, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatalf("WatchDir: %v", err)
	}
	defer w.Close()

	writeFile(t, filepath.Join(dir, "new.md"), "body\n")

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatalf("onChange never fired after file creation")
	}
}

func TestWatcherCloseIdempotent(t *testing.T) {
	w, err := WatchDir(t.TempDir(), func() {}, nil)
	if err != nil {
		t.Fatalf("WatchDir: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
