package store

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenAppliesMigrationsIdempotently(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "test.db")

	s, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	var count int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != len(migrations)-1 {
		t.Fatalf("expected %d recorded migrations (0001 is the tracking table itself), got %d", len(migrations)-1, count)
	}

	// Re-opening the same database must not re-apply or fail on already-applied migrations.
	s2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	var count2 int
	if err := s2.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM migrations`).Scan(&count2); err != nil {
		t.Fatalf("count migrations after reopen: %v", err)
	}
	if count2 != count {
		t.Fatalf("expected migration count unchanged after reopen, got %d vs %d", count2, count)
	}
}

func TestOpenEnablesWALAndForeignKeys(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	var mode string
	if err := s.DB.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Fatalf("expected journal_mode wal, got %s", mode)
	}

	var foreignKeys int
	if err := s.DB.QueryRowContext(ctx, `PRAGMA foreign_keys`).Scan(&foreignKeys); err != nil {
		t.Fatalf("query foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys enabled, got %d", foreignKeys)
	}
}

func TestWorkspaceBlobsTableExists(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if _, err := s.DB.ExecContext(ctx, `INSERT INTO workspace_blobs (hash, content) VALUES (?, ?)`, "abc123", []byte("hello")); err != nil {
		t.Fatalf("insert blob: %v", err)
	}
	var content []byte
	if err := s.DB.QueryRowContext(ctx, `SELECT content FROM workspace_blobs WHERE hash = ?`, "abc123").Scan(&content); err != nil {
		t.Fatalf("select blob: %v", err)
	}
	if string(content) != "hello" {
		t.Fatalf("got %q want %q", content, "hello")
	}
}
