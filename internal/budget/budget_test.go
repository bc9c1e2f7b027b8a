package budget

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/governedrun/runtime/internal/audit"
	"github.com/governedrun/runtime/internal/store"
)

type window struct{ start, end time.Time }

// pastWindow returns a budget period that already ended, for testing
// CheckBudget's expired-period behavior.
func pastWindow() window {
	now := time.Now().UTC()
	return window{start: now.AddDate(0, -2, 0), end: now.AddDate(0, -1, 0)}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewManager(db, audit.NewLog(db))
}

func TestEstimateKnownModel(t *testing.T) {
	cost := Estimate("gpt-4o-mini", 1_000_000, 1_000_000)
	if cost.InputCost != 0.15 || cost.OutputCost != 0.60 {
		t.Fatalf("unexpected cost: %+v", cost)
	}
	if cost.TotalCost != 0.75 {
		t.Fatalf("got total %.4f want 0.75", cost.TotalCost)
	}
}

func TestEstimateUnknownModelIsZeroCostNotError(t *testing.T) {
	cost := Estimate("some-future-model", 1000, 1000)
	if cost.TotalCost != 0 {
		t.Fatalf("expected zero cost for unknown model, got %.4f", cost.TotalCost)
	}
	if cost.Model != "some-future-model" {
		t.Fatalf("expected model name preserved, got %q", cost.Model)
	}
}

func TestEstimateStripsOpenAIPrefix(t *testing.T) {
	cost := Estimate("openai/gpt-4o-mini", 1_000_000, 0)
	if cost.InputCost != 0.15 {
		t.Fatalf("expected prefix-stripped model to price normally, got %.4f", cost.InputCost)
	}
}

func TestGetDefaultsForUnknownTenant(t *testing.T) {
	m := newTestManager(t)
	status, err := m.Get(context.Background(), "new-tenant")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if status.MonetaryLimit != 0 || status.HardLimit {
		t.Fatalf("expected unlimited, non-hard default, got %+v", status)
	}
}

func TestSetBudgetAndGetRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if err := m.SetBudget(ctx, "tenant-a", 100, true, 0.8, 80, nil, nil); err != nil {
		t.Fatalf("set budget: %v", err)
	}
	status, err := m.Get(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if status.MonetaryLimit != 100 || !status.HardLimit || status.SoftLimit != 80 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestForecastCostAllowedUnderHardLimit(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if err := m.SetBudget(ctx, "tenant-a", 100, true, 0.8, 0, nil, nil); err != nil {
		t.Fatalf("set budget: %v", err)
	}
	f, err := m.ForecastCost(ctx, "tenant-a", 1000, 1000, "gpt-4o-mini")
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	if !f.Allowed {
		t.Fatalf("expected forecast allowed for tiny spend under a $100 hard limit, got %+v", f)
	}
}

func TestForecastCostBlocksOverHardLimit(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if err := m.SetBudget(ctx, "tenant-a", 0.0001, true, 0.8, 0, nil, nil); err != nil {
		t.Fatalf("set budget: %v", err)
	}
	f, err := m.ForecastCost(ctx, "tenant-a", 1_000_000, 1_000_000, "gpt-4o")
	if err != nil {
		t.Fatalf("forecast: %v", err)
	}
	if f.Allowed {
		t.Fatalf("expected forecast to block a large spend against a tiny hard limit, got %+v", f)
	}
	if !f.WouldExceed {
		t.Fatal("expected WouldExceed to be true")
	}
}

func TestCheckBeforeExecutionBlocksAndAudits(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	err := m.CheckBeforeExecution(ctx, "tenant-a", "trace-1", Forecast{Allowed: false, Estimated: 5, Remaining: 1})
	if err == nil {
		t.Fatal("expected error when forecast disallows execution")
	}
	entries, total, qerr := m.audit.Query(ctx, audit.Filter{TenantID: "tenant-a", EventTypes: []audit.EventType{audit.BudgetExceeded}, Limit: 10})
	if qerr != nil {
		t.Fatalf("query audit: %v", qerr)
	}
	if total != 1 || len(entries) != 1 {
		t.Fatalf("expected exactly one budget_exceeded audit entry, got %d", total)
	}
}

func TestCheckBeforeExecutionAllowsWithoutAudit(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if err := m.CheckBeforeExecution(ctx, "tenant-a", "trace-1", Forecast{Allowed: true}); err != nil {
		t.Fatalf("expected no error when forecast allows execution, got %v", err)
	}
}

func TestRecordSpendIsMonotonicAndWarnsAtSoftLimit(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if err := m.SetBudget(ctx, "tenant-a", 100, false, 0.8, 10, nil, nil); err != nil {
		t.Fatalf("set budget: %v", err)
	}
	if err := m.RecordSpend(ctx, "tenant-a", "trace-1", 6); err != nil {
		t.Fatalf("record spend: %v", err)
	}
	if err := m.RecordSpend(ctx, "tenant-a", "trace-2", 6); err != nil {
		t.Fatalf("record spend: %v", err)
	}
	status, err := m.Get(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if status.Spent != 12 {
		t.Fatalf("expected cumulative spend of 12, got %.2f", status.Spent)
	}
	_, total, qerr := m.audit.Query(ctx, audit.Filter{TenantID: "tenant-a", EventTypes: []audit.EventType{audit.BudgetWarning}, Limit: 10})
	if qerr != nil {
		t.Fatalf("query audit: %v", qerr)
	}
	if total == 0 {
		t.Fatal("expected a budget_warning audit entry once spend crossed the soft limit")
	}
}

func TestCheckBudgetExpiredPeriodBlocksHardLimitedTenant(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	past := pastWindow()
	if err := m.SetBudget(ctx, "tenant-a", 100, true, 0.8, 0, &past.start, &past.end); err != nil {
		t.Fatalf("set budget: %v", err)
	}
	allowed, warning, err := m.CheckBudget(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("check budget: %v", err)
	}
	if allowed {
		t.Fatal("expected expired hard-limited period to block")
	}
	if warning == "" {
		t.Fatal("expected a warning message")
	}
}

func TestCheckBudgetExpiredPeriodWarnsSoftLimitedTenant(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	past := pastWindow()
	if err := m.SetBudget(ctx, "tenant-a", 100, false, 0.8, 0, &past.start, &past.end); err != nil {
		t.Fatalf("set budget: %v", err)
	}
	allowed, warning, err := m.CheckBudget(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("check budget: %v", err)
	}
	if !allowed {
		t.Fatal("expected expired soft-limited period to still allow with a warning")
	}
	if warning == "" {
		t.Fatal("expected a warning message")
	}
}
