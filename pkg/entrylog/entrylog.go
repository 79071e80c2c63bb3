// Package entrylog durably mirrors an entry.Store to a line-delimited
// record file: one JSON record per line, first line the header. Live
// per-entry writes (AppendLine) mirror each new entry to the file as it is
// appended in memory; Save performs an atomic temp-file + fsync + rename
// snapshot of the whole store and is used both to bootstrap a new file's
// header and for the periodic debounced resync.
package entrylog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mariozechner/agentcore/pkg/entry"
)

var (
	ErrEmptyFile = errors.New("entrylog: empty file")
	ErrNoFile    = errors.New("entrylog: file does not exist")
)

// legacyRoles maps deprecated role strings to their current equivalent,
// applied during Load's version migration (versioning).
var legacyRoles = map[string]entry.Role{
	"hookMessage": entry.RoleCustom,
}

type wireHeader struct {
	Type          string          `json:"type"`
	ID            string          `json:"id"`
	Version       int             `json:"version"`
	Cwd           string          `json:"cwd"`
	ParentSession string          `json:"parent_session,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Agent         *entry.AgentRef `json:"agent,omitempty"`
}

// Save writes store atomically: serialize to path.tmp.<unique>, fsync, then
// rename over path. On any error the temp file is removed and path is left
// untouched.
func Save(path string, store *entry.Store) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("entrylog: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	h := store.Header
	if err = writeLine(w, wireHeader{
		Type: h.Type, ID: h.ID, Version: h.Version, Cwd: h.Cwd,
		ParentSession: h.ParentSession, Timestamp: h.Timestamp, Agent: h.Agent,
	}); err != nil {
		return fmt.Errorf("entrylog: write header: %w", err)
	}
	for _, e := range store.Entries() {
		if err = writeLine(w, e); err != nil {
			return fmt.Errorf("entrylog: write entry %s: %w", e.ID, err)
		}
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("entrylog: flush: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("entrylog: fsync: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("entrylog: close temp: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("entrylog: rename: %w", err)
	}
	return nil
}

func writeLine(w *bufio.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

// AppendLine appends a single entry to the file as its own JSON line. The
// file must already exist with a header line (create it via Save first);
// session.Session does this once at construction and calls AppendLine on
// every subsequent entry.
func AppendLine(path string, e entry.Entry) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("entrylog: open for append: %w", err)
	}
	defer f.Close()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = f.Write(b)
	return err
}

// Load reads header then each entry, migrating older versions up to
// entry.CurrentVersion, and reconstructs the store. It does not compute
// leaf_id (that is SessionState's concern).
func Load(path string) (*entry.Store, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoFile
		}
		return nil, fmt.Errorf("entrylog: open: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	if !sc.Scan() {
		return nil, ErrEmptyFile
	}

	var wh wireHeader
	if err := json.Unmarshal(sc.Bytes(), &wh); err != nil {
		return nil, fmt.Errorf("entrylog: parse header: %w", err)
	}

	store := entry.New(wh.ID, wh.Cwd)
	store.Header = entry.Header{
		Type: wh.Type, ID: wh.ID, Version: wh.Version, Cwd: wh.Cwd,
		ParentSession: wh.ParentSession, Timestamp: wh.Timestamp, Agent: wh.Agent,
	}

	lineNo := 0
	prevID := ""
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue // tolerate a truncated trailing line from a crash mid-append
		}
		var e entry.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// A partially-written final line from an interrupted append is
			// dropped rather than failing the whole load.
			break
		}
		migrate(&e, wh.Version, lineNo, prevID)
		if err := store.ReplayEntry(e); err != nil {
			// Pathological duplicate id from a corrupt file: skip it rather
			// than fail the whole load.
			lineNo++
			continue
		}
		prevID = e.ID
		lineNo++
	}
	return store, nil
}

// migrate upgrades a single entry parsed from an older-version file: renames
// deprecated roles and, for files older than entry.CurrentVersion, back-fills
// missing ids/parents by chaining entries in file order. Current-version
// files keep an explicitly empty parent_id as a true root.
func migrate(e *entry.Entry, fromVersion, insertionIndex int, prevID string) {
	if e.Message != nil {
		if legacy, ok := legacyRoles[string(e.Message.Role)]; ok {
			e.Message.Role = legacy
		}
	}
	if e.ID == "" {
		e.ID = fmt.Sprintf("legacy%d", insertionIndex)
	}
	if fromVersion < entry.CurrentVersion && e.ParentID == "" && insertionIndex > 0 {
		e.ParentID = prevID
	}
}
