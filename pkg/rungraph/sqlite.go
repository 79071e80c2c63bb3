package rungraph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLitePersister mirrors a Graph's records to a WAL-mode SQLite file: one
// table keyed by run id, upserted on every transition.
type SQLitePersister struct {
	db *sql.DB
}

// NewSQLitePersister opens (or creates) the database at path and runs its
// migration.
func NewSQLitePersister(path string) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("rungraph: open sqlite: %w", err)
	}
	p := &SQLitePersister{db: db}
	if err := p.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("rungraph: migrate: %w", err)
	}
	return p, nil
}

func (p *SQLitePersister) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL DEFAULT '',
		children TEXT NOT NULL DEFAULT '[]',
		type TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		result TEXT,
		error TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		inserted_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_parent ON runs(parent_id);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`
	_, err := p.db.Exec(schema)
	return err
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
	children, err := json.Marshal(r.Children)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(r.Metadata)
	if err != nil {
		return err
	}
	var result sql.NullString
	if r.Result != nil {
		b, err := json.Marshal(r.Result)
		if err != nil {
			return err
		}
		result = sql.NullString{String: string(b), Valid: true}
	}
	_, err = p.db.Exec(
		`INSERT INTO runs (id, parent_id, children, type, description, status, result, error, metadata, inserted_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			parent_id=excluded.parent_id, children=excluded.children, type=excluded.type,
			description=excluded.description, status=excluded.status, result=excluded.result,
			error=excluded.error, metadata=excluded.metadata, started_at=excluded.started_at,
			completed_at=excluded.completed_at, updated_at=excluded.updated_at`,
		r.ID, r.ParentID, string(children), r.Type, r.Description, string(r.Status),
		result, r.Error, string(metadata),
		r.InsertedAt, nullTime(r.StartedAt), nullTime(r.CompletedAt), r.UpdatedAt,
	)
	return err
}

// LoadAll returns every persisted record, in no particular order; Graph.New
// is responsible for crash-recovering any that were left "running".
func (p *SQLitePersister) LoadAll() ([]Record, error) {
	rows, err := p.db.Query(
		`SELECT id, parent_id, children, type, description, status, result, error, metadata,
		        inserted_at, started_at, completed_at, updated_at FROM runs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                          Record
			status                     string
			childrenJSON, metadataJSON string
			result                     sql.NullString
			startedAt, completedAt     sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.ParentID, &childrenJSON, &r.Type, &r.Description,
			&status, &result, &r.Error, &metadataJSON,
			&r.InsertedAt, &startedAt, &completedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = Status(status)
		r.StartedAt = scanTime(startedAt)
		r.CompletedAt = scanTime(completedAt)
		if err := json.Unmarshal([]byte(childrenJSON), &r.Children); err != nil {
			return nil, fmt.Errorf("rungraph: decode children for %s: %w", r.ID, err)
		}
		if strings.TrimSpace(metadataJSON) != "" {
			if err := json.Unmarshal([]byte(metadataJSON), &r.Metadata); err != nil {
				return nil, fmt.Errorf("rungraph: decode metadata for %s: %w", r.ID, err)
			}
		}
		if result.Valid {
			var v any
			if err := json.Unmarshal([]byte(result.String), &v); err != nil {
				return nil, fmt.Errorf("rungraph: decode result for %s: %w", r.ID, err)
			}
			r.Result = v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (p *SQLitePersister) Close() error {
	return p.db.Close()
}
