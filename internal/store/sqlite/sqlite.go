// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides the SQLite-backed Run Store for single-node
// deployments, built on the pure-Go modernc.org/sqlite driver (no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowkeep/flowkeep/internal/apierr"
	"github.com/flowkeep/flowkeep/internal/jsonval"
	"github.com/flowkeep/flowkeep/internal/store"
	_ "modernc.org/sqlite"
)

var _ store.Store = (*Backend)(nil)

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. Use ":memory:" for tests.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// Backend is the SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// New opens (and migrates) a SQLite-backed Store.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeEnvInvalid, "failed to open database", err)
	}

	// SQLite serializes writes; one connection keeps write ordering simple
	// and avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apierr.Wrap(apierr.CodeEnvInvalid, "failed to connect to database", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, apierr.Wrap(apierr.CodeEnvInvalid, "failed to configure pragmas", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, apierr.Wrap(apierr.CodeDBNotMigrated, "failed to run migrations", err)
	}

	return b, nil
}

// Close closes the underlying database connection.
func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			correlation_id TEXT,
			metadata TEXT,
			workflow_run_id TEXT UNIQUE,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project ON runs(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS run_steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			step_kind TEXT NOT NULL,
			step_name TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			inputs TEXT,
			outputs TEXT,
			error TEXT,
			started_at TEXT,
			ended_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(run_id, step_id),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_steps_run_id ON run_steps(run_id)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			step_id TEXT,
			scope TEXT NOT NULL,
			intent_summary TEXT,
			approved_by TEXT,
			approved_at TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_run_scope ON approvals(run_id, scope)`,
		`CREATE TABLE IF NOT EXISTS sandbox_jobs (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			step_id TEXT,
			job_type TEXT NOT NULL,
			status TEXT NOT NULL,
			exit_code INTEGER,
			transcript_blob_ref TEXT,
			metadata TEXT,
			started_at TEXT,
			ended_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sandbox_jobs_run_id ON sandbox_jobs(run_id)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, idx),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
	}
	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// --- marshal helpers ---

func marshalJSONVal(v jsonval.Value) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSONVal(s sql.NullString) (jsonval.Value, error) {
	if !s.Valid || s.String == "" {
		return jsonval.Null(), nil
	}
	var v jsonval.Value
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return jsonval.Value{}, err
	}
	return v, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullIntPtr(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func parseNullIntPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	i := int(n.Int64)
	return &i
}

func nullStrPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func parseNullStrPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// inList builds a "(?, ?, ...)" placeholder fragment plus its arguments for
// a NOT IN (...) clause sourced from a []store.RunStatus precondition.
func inList(statuses []store.RunStatus) (string, []any) {
	if len(statuses) == 0 {
		return "(NULL)", nil
	}
	placeholders := ""
	args := make([]any, len(statuses))
	for i, s := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args[i] = string(s)
	}
	return "(" + placeholders + ")", args
}
