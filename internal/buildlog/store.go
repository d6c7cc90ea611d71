// Package buildlog keeps a durable history of compiler invocations in a
// SQLite database. The history is advisory: the artifact cache alone
// decides what gets rebuilt, while the log feeds inspection tooling with
// timings, failure diagnostics, and toolchain provenance.
package buildlog

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - builds table with key and created_at indexes
const currentSchemaVersion = 1

// Record is one compiler invocation.
type Record struct {
	// ID is a random UUID assigned by the caller.
	ID string `json:"id"`

	// Key is the cache key the build was for.
	Key string `json:"key"`

	// Name is the kernel name.
	Name string `json:"name"`

	// Toolchain is the toolchain identity string.
	Toolchain string `json:"toolchain"`

	// Status is "ok" or "failed".
	Status string `json:"status"`

	// DurationMS is the compiler wall time in milliseconds.
	DurationMS int64 `json:"duration_ms"`

	// Output is the captured compiler diagnostics.
	Output string `json:"output,omitempty"`

	// CreatedAt is the build completion time, UTC.
	CreatedAt time.Time `json:"created_at"`
}

// Stats summarizes the history.
type Stats struct {
	Total      int64   `json:"total"`
	Succeeded  int64   `json:"succeeded"`
	Failed     int64   `json:"failed"`
	AvgBuildMS float64 `json:"avg_build_ms"`
	MaxBuildMS int64   `json:"max_build_ms"`
}

// Store is the build history database. SQLite with WAL mode so readers
// (inspection tooling) never block the single writer (the runtime).
type Store struct {
	db *sql.DB
}

// Open creates or opens the history database at path, applying pragmas
// and schema migrations. Idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open build log: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect build log: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent builds.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append inserts one record. Records are immutable once written; a
// duplicate ID is an error.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if rec.Status != "ok" && rec.Status != "failed" {
		return fmt.Errorf("invalid status %q", rec.Status)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO builds (id, key, name, toolchain, status, duration_ms, output, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Key, rec.Name, rec.Toolchain, rec.Status, rec.DurationMS, rec.Output,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append build record: %w", err)
	}
	return nil
}

// List returns the most recent records, newest first. A non-positive
// limit returns everything.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	query := `
		SELECT id, key, name, toolchain, status, duration_ms, output, created_at
		FROM builds
		ORDER BY created_at DESC, id DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListByKey returns every record for one cache key, newest first.
func (s *Store) ListByKey(ctx context.Context, key string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, name, toolchain, status, duration_ms, output, created_at
		FROM builds
		WHERE key = ?
		ORDER BY created_at DESC, id DESC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("list builds for key: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var rec Record
		var created string
		if err := rows.Scan(&rec.ID, &rec.Key, &rec.Name, &rec.Toolchain, &rec.Status,
			&rec.DurationMS, &rec.Output, &created); err != nil {
			return nil, fmt.Errorf("scan build record: %w", err)
		}
		if t, perr := time.Parse(time.RFC3339Nano, created); perr == nil {
			rec.CreatedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Summarize aggregates the whole history.
func (s *Store) Summarize(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'ok' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(duration_ms), 0),
			COALESCE(MAX(duration_ms), 0)
		FROM builds
	`).Scan(&st.Total, &st.Succeeded, &st.Failed, &st.AvgBuildMS, &st.MaxBuildMS)
	if err != nil {
		return Stats{}, fmt.Errorf("summarize builds: %w", err)
	}
	return st, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}
