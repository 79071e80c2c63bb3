package procmanager

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLitePersister mirrors process records to a WAL-mode SQLite file, the
// same shape as rungraph.SQLitePersister: one table keyed by id, upserted
// on every status transition.
type SQLitePersister struct {
	db *sql.DB
}

// NewSQLitePersister opens (or creates) the database at path and runs its
// migration.
func NewSQLitePersister(path string) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("procmanager: open sqlite: %w", err)
	}
	p := &SQLitePersister{db: db}
	if err := p.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("procmanager: migrate: %w", err)
	}
	return p, nil
}

func (p *SQLitePersister) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS processes (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL DEFAULT '[]',
		cwd TEXT NOT NULL DEFAULT '',
		env TEXT NOT NULL DEFAULT '{}',
		os_pid INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		exit_code INTEGER,
		cancelled INTEGER NOT NULL DEFAULT 0,
		truncated INTEGER NOT NULL DEFAULT 0,
		full_output_path TEXT NOT NULL DEFAULT '',
		inserted_at DATETIME NOT NULL,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_processes_status ON processes(status);
	`
	_, err := p.db.Exec(schema)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func scanTime(ns sql.NullTime) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	return ns.Time
}

// Put upserts a single record.
func (p *SQLitePersister) Put(r Record) error {
	command, err := json.Marshal(r.Command)
	if err != nil {
		return err
	}
	env, err := json.Marshal(r.Env)
	if err != nil {
		return err
	}
	var exitCode sql.NullInt64
	if r.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*r.ExitCode), Valid: true}
	}
	_, err = p.db.Exec(
		`INSERT INTO processes (id, command, cwd, env, os_pid, status, exit_code, cancelled, truncated, full_output_path, inserted_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			command=excluded.command, cwd=excluded.cwd, env=excluded.env, os_pid=excluded.os_pid,
			status=excluded.status, exit_code=excluded.exit_code, cancelled=excluded.cancelled,
			truncated=excluded.truncated, full_output_path=excluded.full_output_path,
			completed_at=excluded.completed_at`,
		r.ID, string(command), r.Cwd, string(env), r.OSPID, string(r.Status), exitCode, boolToInt(r.Cancelled),
		boolToInt(r.Truncated), r.FullOutputPath, r.InsertedAt, nullTime(r.CompletedAt),
	)
	return err
}

// Delete removes a record, mirroring Manager.Clear.
func (p *SQLitePersister) Delete(id string) error {
	_, err := p.db.Exec(`DELETE FROM processes WHERE id = ?`, id)
	return err
}

// LoadAll returns every persisted record, in no particular order; New is
// responsible for crash-recovering any that were left "running".
func (p *SQLitePersister) LoadAll() ([]Record, error) {
	rows, err := p.db.Query(
		`SELECT id, command, cwd, env, os_pid, status, exit_code, cancelled, truncated, full_output_path,
		        inserted_at, completed_at FROM processes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                    Record
			status               string
			commandJSON, envJSON string
			exitCode             sql.NullInt64
			cancelled, truncated int
			completedAt          sql.NullTime
		)
		if err := rows.Scan(&r.ID, &commandJSON, &r.Cwd, &envJSON, &r.OSPID, &status, &exitCode,
			&cancelled, &truncated, &r.FullOutputPath, &r.InsertedAt, &completedAt); err != nil {
			return nil, err
		}
		r.Status = Status(status)
		r.Cancelled = cancelled != 0
		r.Truncated = truncated != 0
		r.CompletedAt = scanTime(completedAt)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			r.ExitCode = &code
		}
		if err := json.Unmarshal([]byte(commandJSON), &r.Command); err != nil {
			return nil, fmt.Errorf("procmanager: decode command for %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(envJSON), &r.Env); err != nil {
			return nil, fmt.Errorf("procmanager: decode env for %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}
