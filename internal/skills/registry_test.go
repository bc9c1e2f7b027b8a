package skills

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/governedrun/runtime/internal/audit"
	"github.com/governedrun/runtime/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRegistry(db, audit.NewLog(db))
}

func testManifest() Manifest {
	return Manifest{Name: "web-search", Version: "1.0.0", Description: "searches the web", Content: "search the web"}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{Draft, Tested, true},
		{Tested, Approved, true},
		{Approved, Active, true},
		{Draft, Approved, false},
		{Active, Draft, false},
		{Draft, Deprecated, true},
		{Active, Deprecated, true},
		{Deprecated, Deprecated, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestPublishAndDuplicateRejected(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	if err := r.Publish(ctx, testManifest()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := r.Publish(ctx, testManifest()); err == nil {
		t.Fatal("expected error re-publishing the same (name, version)")
	}
}

func TestTransitionFullLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	m := testManifest()
	if err := r.Publish(ctx, m); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, to := range []State{Tested, Approved, Active} {
		if err := r.Transition(ctx, "tenant-a", m.Name, m.Version, to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	reg, err := r.get(ctx, m.Name, m.Version)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if reg.State != Active {
		t.Fatalf("expected active, got %s", reg.State)
	}
}

func TestTransitionRejectsIllegalJump(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	m := testManifest()
	if err := r.Publish(ctx, m); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := r.Transition(ctx, "tenant-a", m.Name, m.Version, Active); err == nil {
		t.Fatal("expected error transitioning directly from draft to active")
	}
}

func TestActiveVersionsAndResolve(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	m := testManifest()
	if err := r.Publish(ctx, m); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, to := range []State{Tested, Approved, Active} {
		if err := r.Transition(ctx, "tenant-a", m.Name, m.Version, to); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	active, err := r.ActiveVersions(ctx)
	if err != nil {
		t.Fatalf("active versions: %v", err)
	}
	if active[m.Name] != m.Version {
		t.Fatalf("expected active version %s, got %s", m.Version, active[m.Name])
	}

	resolved, err := r.Resolve(ctx, m.Name, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Version != m.Version {
		t.Fatalf("expected resolved version %s, got %s", m.Version, resolved.Version)
	}
}

func TestResolveNoActiveVersionFails(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	m := testManifest()
	if err := r.Publish(ctx, m); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := r.Resolve(ctx, m.Name, ""); err == nil {
		t.Fatal("expected error resolving a skill with no active version")
	}
}

func TestEligibleSkillsFiltersByGating(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	always := Manifest{Name: "always-on", Version: "1.0.0", Description: "d", Gating: Gating{Always: true}}
	gated := Manifest{Name: "gated", Version: "1.0.0", Description: "d", Gating: Gating{Models: []string{"gpt-4o"}}}
	for _, m := range []Manifest{always, gated} {
		if err := r.Publish(ctx, m); err != nil {
			t.Fatalf("publish %s: %v", m.Name, err)
		}
		for _, to := range []State{Tested, Approved, Active} {
			if err := r.Transition(ctx, "tenant-a", m.Name, m.Version, to); err != nil {
				t.Fatalf("transition %s: %v", m.Name, err)
			}
		}
	}

	eligible, err := r.EligibleSkills(ctx, "gpt-4o-mini", "tenant-a", nil)
	if err != nil {
		t.Fatalf("eligible skills: %v", err)
	}
	names := map[string]bool{}
	for _, m := range eligible {
		names[m.Name] = true
	}
	if !names["always-on"] {
		t.Fatal("expected always-on skill to be eligible")
	}
	if names["gated"] {
		t.Fatal("expected model-gated skill to be ineligible for a different model")
	}
}

type stubEvaluator struct{ response string }

func (s stubEvaluator) CompleteCheap(ctx context.Context, systemPrompt, userInput string) (string, error) {
	return s.response, nil
}

func TestRunEvalsRecordsPassFail(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	m := testManifest()
	if err := r.Publish(ctx, m); err != nil {
		t.Fatalf("publish: %v", err)
	}
	cases := []EvalCase{
		{Name: "matches", Input: "hi", ExpectContains: "hello"},
		{Name: "no-match", Input: "hi", ExpectContains: "goodbye"},
	}
	passed, total, err := r.RunEvals(ctx, m.Name, m.Version, cases, stubEvaluator{response: "hello there"})
	if err != nil {
		t.Fatalf("run evals: %v", err)
	}
	if total != 2 || passed != 1 {
		t.Fatalf("expected 1/2 passed, got %d/%d", passed, total)
	}
}
