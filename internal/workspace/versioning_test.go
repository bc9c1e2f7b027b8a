package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/governedrun/runtime/internal/audit"
	"github.com/governedrun/runtime/internal/store"
)

func newTestVersioning(t *testing.T) (*Versioning, *audit.Log, string) {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	root := t.TempDir()
	return NewVersioning(db, root), audit.NewLog(db), root
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func TestSnapshotIsDeterministicForIdenticalContent(t *testing.T) {
	v, _, root := newTestVersioning(t)
	ctx := context.Background()
	writeFile(t, root, "AGENTS.md", "be helpful")
	writeFile(t, root, "skills/search/SKILL.md", "search the web")

	snap1, err := v.Snapshot(ctx, "ws", "first")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	snap2, err := v.Snapshot(ctx, "ws", "second")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap1.Hash != snap2.Hash {
		t.Fatalf("expected identical content to yield identical hashes, got %s vs %s", snap1.Hash, snap2.Hash)
	}
}

func TestRollbackRestoresContentAndPrunesExtraFiles(t *testing.T) {
	v, auditLog, root := newTestVersioning(t)
	ctx := context.Background()
	writeFile(t, root, "AGENTS.md", "be helpful")
	snap, err := v.Snapshot(ctx, "ws", "baseline")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	writeFile(t, root, "AGENTS.md", "be unhelpful")
	writeFile(t, root, "extra.md", "this file did not exist at snapshot time")

	if err := v.Rollback(ctx, "tenant-a", "ws", snap.Hash, auditLog); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "AGENTS.md"))
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(data) != "be helpful" {
		t.Fatalf("expected restored content %q, got %q", "be helpful", string(data))
	}
	if _, err := os.Stat(filepath.Join(root, "extra.md")); !os.IsNotExist(err) {
		t.Fatal("expected file absent from the snapshot to be pruned by rollback")
	}
}

func TestRollbackUnknownHashFails(t *testing.T) {
	v, auditLog, root := newTestVersioning(t)
	ctx := context.Background()
	writeFile(t, root, "AGENTS.md", "be helpful")
	if err := v.Rollback(ctx, "tenant-a", "ws", "does-not-exist", auditLog); err == nil {
		t.Fatal("expected error rolling back to an unknown snapshot hash")
	}
}

func TestDiffDetectsAddedModifiedDeleted(t *testing.T) {
	v, _, root := newTestVersioning(t)
	ctx := context.Background()
	writeFile(t, root, "a.md", "one")
	writeFile(t, root, "b.md", "two")
	base, err := v.Snapshot(ctx, "ws", "base")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if err := os.Remove(filepath.Join(root, "b.md")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	writeFile(t, root, "a.md", "one-changed")
	writeFile(t, root, "c.md", "three")
	next, err := v.Snapshot(ctx, "ws", "next")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	diffs, err := v.Diff(ctx, base.Hash, next.Hash)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	statuses := map[string]FileStatus{}
	for _, d := range diffs {
		statuses[d.Path] = d.Status
	}
	if statuses["a.md"] != Modified {
		t.Fatalf("expected a.md modified, got %s", statuses["a.md"])
	}
	if statuses["b.md"] != Deleted {
		t.Fatalf("expected b.md deleted, got %s", statuses["b.md"])
	}
	if statuses["c.md"] != Added {
		t.Fatalf("expected c.md added, got %s", statuses["c.md"])
	}
}

func TestPromoteEnforcesStandardChainAndLocks(t *testing.T) {
	v, auditLog, root := newTestVersioning(t)
	ctx := context.Background()
	writeFile(t, root, "AGENTS.md", "v1")
	snap, err := v.Snapshot(ctx, "ws", "v1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := v.InitializeStandardEnvironments(ctx, "ws", "dev"); err != nil {
		t.Fatalf("init environments: %v", err)
	}
	if err := v.UpsertEnvironment(ctx, Environment{Workspace: "ws", Name: "dev", VersionHash: snap.Hash}); err != nil {
		t.Fatalf("upsert dev env: %v", err)
	}

	if err := v.Promote(ctx, "tenant-a", "ws", "dev", "prod", auditLog); err == nil {
		t.Fatal("expected promotion from dev straight to prod to be refused")
	}
	if err := v.Promote(ctx, "tenant-a", "ws", "dev", "staging", auditLog); err != nil {
		t.Fatalf("promote dev->staging: %v", err)
	}
	pin, err := v.GetPin(ctx, "ws", "staging")
	if err != nil {
		t.Fatalf("get pin: %v", err)
	}
	if pin.VersionHash != snap.Hash {
		t.Fatalf("expected staging pin to carry promoted hash, got %s", pin.VersionHash)
	}

	if err := v.Promote(ctx, "tenant-a", "ws", "prod", "staging", auditLog); err == nil {
		t.Fatal("expected promotion from prod to be refused")
	}
}

func TestAnalyzeImpactScoresRisk(t *testing.T) {
	diffs := []FileDiff{
		{Path: "skills/search/SKILL.md", Status: Modified, OldSize: 100, NewSize: 150},
		{Path: "AGENTS.md", Status: Modified, OldSize: 50, NewSize: 50},
	}
	report := AnalyzeImpact(diffs, []string{"other-skill"}, 0, 1)
	if len(report.AffectedSkills) == 0 {
		t.Fatal("expected affected skills to include the modified skill and dependents")
	}
	if report.RiskLevel == "" {
		t.Fatal("expected a risk level to be set")
	}
}
