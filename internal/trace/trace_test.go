package trace

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/governedrun/runtime/internal/store"
	"github.com/governedrun/runtime/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestSaveRejectsUnsealedTrace(t *testing.T) {
	s := newTestStore(t)
	builder := NewBuilder("tenant-a", "ws", "assistant", "hi", 0)
	if err := s.Save(context.Background(), builder.t); err == nil {
		t.Fatal("expected error persisting an unsealed trace")
	}
}

func TestBuilderAppendAccumulatesUsageAndCostOnModelCallSteps(t *testing.T) {
	b := NewBuilder("tenant-a", "ws", "assistant", "hi", 0)
	b.Append(models.Step{Kind: models.StepModelCall, Usage: &models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Cost: &models.Cost{TotalCost: 0.01, InputCost: 0.006, OutputCost: 0.004, Model: "gpt-4o-mini"}})
	b.Append(models.Step{Kind: models.StepToolCall, ToolCall: &models.ToolCall{ID: "call-1", Name: "search"}})
	sealed := b.Seal("")
	if sealed.Usage.TotalTokens != 15 {
		t.Fatalf("expected accumulated usage of 15 tokens, got %d", sealed.Usage.TotalTokens)
	}
	if sealed.Cost.TotalCost != 0.01 {
		t.Fatalf("expected accumulated cost of 0.01, got %.4f", sealed.Cost.TotalCost)
	}
	if len(sealed.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(sealed.Steps))
	}
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := NewBuilder("tenant-a", "ws", "assistant", "hello", 0)
	b.SetResolution("hash-1", map[string]string{"skill-a": "1.0.0"}, "gpt-4o-mini", "openai")
	b.Append(models.Step{Kind: models.StepModelCall, Usage: &models.Usage{TotalTokens: 10}})
	b.SetOutput("hi there")
	sealed := b.Seal("")
	if err := s.Save(ctx, sealed); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Get(ctx, "tenant-a", sealed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OutputMessage != "hi there" || got.Model != "gpt-4o-mini" || got.WorkspaceHash != "hash-1" {
		t.Fatalf("unexpected round-tripped trace: %+v", got)
	}
	if got.SkillVersions["skill-a"] != "1.0.0" {
		t.Fatalf("expected skill versions preserved, got %+v", got.SkillVersions)
	}
}

func TestGetScopedToTenantNotFoundAcrossTenants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := NewBuilder("tenant-a", "ws", "assistant", "hello", 0)
	sealed := b.Seal("")
	if err := s.Save(ctx, sealed); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.Get(ctx, "tenant-b", sealed.ID); err == nil {
		t.Fatal("expected not_found reading another tenant's trace")
	}
}

func TestListFiltersByWorkspaceAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok := NewBuilder("tenant-a", "ws-1", "assistant", "hi", 0)
	ok.Seal("")
	if err := s.Save(ctx, ok.t); err != nil {
		t.Fatalf("save: %v", err)
	}
	failed := NewBuilder("tenant-a", "ws-2", "assistant", "hi", 0)
	failed.Seal("internal")
	if err := s.Save(ctx, failed.t); err != nil {
		t.Fatalf("save: %v", err)
	}

	items, total, err := s.List(ctx, ListFilter{TenantID: "tenant-a", Workspace: "ws-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(items) != 1 {
		t.Fatalf("expected exactly one trace for ws-1, got %d", total)
	}

	items, total, err = s.List(ctx, ListFilter{TenantID: "tenant-a", Status: "error"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || items[0].ErrorKind != "internal" {
		t.Fatalf("expected exactly one error trace, got %d", total)
	}
}

func TestLabelSetsMutableFieldPostSeal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := NewBuilder("tenant-a", "ws", "assistant", "hi", 0)
	sealed := b.Seal("")
	if err := s.Save(ctx, sealed); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Label(ctx, "tenant-a", sealed.ID, "reviewed", "true"); err != nil {
		t.Fatalf("label: %v", err)
	}
	got, err := s.Get(ctx, "tenant-a", sealed.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Labels["reviewed"] != "true" {
		t.Fatalf("expected label to persist, got %+v", got.Labels)
	}
}

func TestEnforceRetentionDeletesOldTraces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := NewBuilder("tenant-a", "ws", "assistant", "hi", 0)
	sealed := b.Seal("")
	sealed.StartedAt = sealed.StartedAt.AddDate(-1, 0, 0)
	if err := s.Save(ctx, sealed); err != nil {
		t.Fatalf("save: %v", err)
	}
	removed, err := s.EnforceRetention(ctx, "tenant-a", 90)
	if err != nil {
		t.Fatalf("enforce retention: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 trace removed, got %d", removed)
	}
	if _, err := s.Get(ctx, "tenant-a", sealed.ID); err == nil {
		t.Fatal("expected trace to be gone after retention enforcement")
	}
}

func TestComputeDiffFlagsSignificantChanges(t *testing.T) {
	base := &Trace{
		Model: "gpt-4o-mini", Provider: "openai", WorkspaceHash: "h1",
		SkillVersions: map[string]string{"a": "1.0.0"},
		DurationMs:    100,
		Cost:          models.Cost{TotalCost: 1.0},
		OutputMessage: "hello",
		Steps:         []models.Step{{Kind: models.StepToolCall, ToolCall: &models.ToolCall{Name: "search"}}},
	}
	compare := &Trace{
		Model: "gpt-4o", Provider: "openai", WorkspaceHash: "h2",
		SkillVersions: map[string]string{"a": "2.0.0", "b": "1.0.0"},
		DurationMs:    150,
		Cost:          models.Cost{TotalCost: 1.5},
		OutputMessage: "hello world",
		Steps:         []models.Step{{Kind: models.StepToolCall, ToolCall: &models.ToolCall{Name: "fetch"}}},
	}
	diff := ComputeDiff(base, compare)
	if !diff.ModelChanged || !diff.WorkspaceChanged {
		t.Fatalf("expected model and workspace changes flagged: %+v", diff)
	}
	if len(diff.SkillsAdded) != 1 || len(diff.SkillsChanged) != 1 {
		t.Fatalf("expected one skill added and one changed: %+v", diff)
	}
	if len(diff.ToolCallsAdded) != 1 || diff.ToolCallsAdded[0] != "fetch" {
		t.Fatalf("expected fetch to be an added tool call: %+v", diff)
	}
	if len(diff.ToolCallsRemoved) != 1 || diff.ToolCallsRemoved[0] != "search" {
		t.Fatalf("expected search to be a removed tool call: %+v", diff)
	}
	if diff.OutputEqual {
		t.Fatal("expected outputs to differ")
	}
	if len(diff.SignificantChanges) == 0 {
		t.Fatal("expected at least one significant change flagged")
	}
}

func TestComputeDiffNoChanges(t *testing.T) {
	base := &Trace{Model: "gpt-4o-mini", OutputMessage: "same", Cost: models.Cost{TotalCost: 1.0}}
	compare := &Trace{Model: "gpt-4o-mini", OutputMessage: "same", Cost: models.Cost{TotalCost: 1.0}}
	diff := ComputeDiff(base, compare)
	if len(diff.SignificantChanges) != 0 {
		t.Fatalf("expected no significant changes, got %v", diff.SignificantChanges)
	}
	if !diff.OutputEqual {
		t.Fatal("expected identical outputs to be flagged equal")
	}
}
