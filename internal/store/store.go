// Package store is the embedded relational store underlying the workspace
// versioning, skill registry, audit log, trace store, and budget/retention
// tables. It is grounded on the teacher's internal/memory/backend/sqlitevec
// backend (modernc.org/sqlite, CREATE TABLE IF NOT EXISTS idempotent
// schema init, tx-wrapped multi-statement writes) with an explicit
// journal_mode=WAL pragma the teacher's backend did not set — added here
// because the spec requires readers-don't-block-writer concurrency, which
// WAL mode provides and the teacher's default rollback-journal mode does
// not.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the embedded database handle and exposes typed repositories.
type Store struct {
	DB *sql.DB
}

// Open creates the parent directory if missing, opens the sqlite file,
// enables WAL journaling, and applies the idempotent schema plus any
// additive migrations not yet recorded in the migrations table.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1) // one connection: statements from this process run one at a time; WAL lets other connections to the file read during a write
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{DB: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// migration is one additive, idempotent schema step.
type migration struct {
	id   string
	stmt string
}

var migrations = []migration{
	{"0001_migrations", `CREATE TABLE IF NOT EXISTS migrations (id TEXT PRIMARY KEY, applied_at TEXT NOT NULL DEFAULT (datetime('now')))`},
	{"0002_traces", `CREATE TABLE IF NOT EXISTS traces (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		workspace TEXT NOT NULL,
		agent_role TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		duration_ms INTEGER,
		workspace_hash TEXT,
		skill_versions TEXT,
		model TEXT,
		provider TEXT,
		input_message TEXT,
		prior_history_count INTEGER,
		steps TEXT,
		output_message TEXT,
		redacted_prompt TEXT,
		usage TEXT,
		cost TEXT,
		error_kind TEXT,
		labels TEXT,
		entity_links TEXT,
		sealed INTEGER NOT NULL DEFAULT 0
	)`},
	{"0003_traces_idx", `CREATE INDEX IF NOT EXISTS idx_traces_tenant_time ON traces(tenant_id, started_at)`},
	{"0004_trace_annotations", `CREATE TABLE IF NOT EXISTS trace_annotations (
		trace_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT,
		author TEXT,
		created_at TEXT NOT NULL DEFAULT (datetime('now')),
		PRIMARY KEY (trace_id, key, created_at)
	)`},
	{"0005_audit_log", `CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		workspace TEXT,
		trace_id TEXT,
		user_id TEXT,
		event_type TEXT NOT NULL,
		timestamp TEXT NOT NULL DEFAULT (datetime('now')),
		payload TEXT
	)`},
	{"0006_audit_idx", `CREATE INDEX IF NOT EXISTS idx_audit_tenant_time ON audit_log(tenant_id, timestamp)`},
	{"0007_skill_registry", `CREATE TABLE IF NOT EXISTS skill_registry (
		name TEXT NOT NULL,
		version TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'draft',
		manifest TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT (datetime('now')),
		PRIMARY KEY (name, version)
	)`},
	{"0008_skill_idx", `CREATE INDEX IF NOT EXISTS idx_skill_state ON skill_registry(state)`},
	{"0009_tenant_budgets", `CREATE TABLE IF NOT EXISTS tenant_budgets (
		tenant_id TEXT PRIMARY KEY,
		monetary_limit REAL NOT NULL,
		spent REAL NOT NULL DEFAULT 0,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		hard_limit INTEGER NOT NULL DEFAULT 0,
		alert_fraction REAL NOT NULL DEFAULT 0.8,
		soft_limit REAL
	)`},
	{"0010_retention_policies", `CREATE TABLE IF NOT EXISTS tenant_retention_policies (
		tenant_id TEXT PRIMARY KEY,
		retention_days INTEGER NOT NULL DEFAULT 90,
		sampling_strategy TEXT NOT NULL DEFAULT 'full',
		storage_mode TEXT NOT NULL DEFAULT 'standard'
	)`},
	{"0011_workspace_versions", `CREATE TABLE IF NOT EXISTS workspace_versions (
		hash TEXT PRIMARY KEY,
		workspace TEXT NOT NULL,
		message TEXT,
		files TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`},
	{"0012_workspace_environments", `CREATE TABLE IF NOT EXISTS workspace_environments (
		workspace TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		version_hash TEXT,
		is_default INTEGER NOT NULL DEFAULT 0,
		locked INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (workspace, name)
	)`},
	{"0013_workspace_pins", `CREATE TABLE IF NOT EXISTS workspace_pins (
		workspace TEXT NOT NULL,
		environment TEXT NOT NULL,
		version_hash TEXT,
		skill_pins TEXT,
		model TEXT,
		provider TEXT,
		PRIMARY KEY (workspace, environment)
	)`},
	{"0014_eval_results", `CREATE TABLE IF NOT EXISTS eval_results (
		id TEXT PRIMARY KEY,
		skill_name TEXT NOT NULL,
		skill_version TEXT NOT NULL,
		case_name TEXT NOT NULL,
		passed INTEGER NOT NULL,
		duration_ms INTEGER,
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`},
	{"0015_workspace_blobs", `CREATE TABLE IF NOT EXISTS workspace_blobs (
		hash TEXT PRIMARY KEY,
		content BLOB NOT NULL
	)`},
}

func (s *Store) migrate(ctx context.Context) error {
	for _, m := range migrations {
		var exists int
		err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM migrations WHERE id = ?`, m.id).Scan(&exists)
		if err != nil && m.id != "0001_migrations" {
			return fmt.Errorf("check migration %s: %w", m.id, err)
		}
		if exists > 0 {
			continue
		}
		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.id, err)
		}
		if _, err := tx.ExecContext(ctx, m.stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", m.id, err)
		}
		if m.id != "0001_migrations" {
			if _, err := tx.ExecContext(ctx, `INSERT INTO migrations (id) VALUES (?)`, m.id); err != nil {
				tx.Rollback()
				return fmt.Errorf("record migration %s: %w", m.id, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.id, err)
		}
	}
	return nil
}
