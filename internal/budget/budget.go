// Package budget implements per-tenant monetary budgets: the pricing table
// and cost estimator are grounded on the teacher's internal/usage/usage.go
// (Usage.Add/Total, per-million-token Cost.Estimate); the budget policy
// table (period windows, soft/hard limits) is new, persisted through
// internal/store.
package budget

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/governedrun/runtime/internal/audit"
	"github.com/governedrun/runtime/internal/errs"
	"github.com/governedrun/runtime/internal/store"
	"github.com/governedrun/runtime/pkg/models"
)

// Pricing is the per-million-token price for one model.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// defaultPricing is a static table; unknown models yield zero cost and a
// stored model name rather than failing the request.
var defaultPricing = map[string]Pricing{
	"gpt-4o-mini":        {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gpt-4o":             {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"claude-sonnet-4-5":  {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-haiku-4-5":   {InputPerMillion: 0.80, OutputPerMillion: 4.00},
	"bedrock/claude-3-haiku": {InputPerMillion: 0.25, OutputPerMillion: 1.25},
}

// Estimate computes cost for a model given token counts; unknown models
// never fail, they simply price at zero.
func Estimate(model string, promptTokens, completionTokens int64) models.Cost {
	model = strings.TrimPrefix(model, "openai/")
	p, ok := defaultPricing[model]
	if !ok {
		return models.Cost{Model: model, InputTokens: promptTokens, OutputTokens: completionTokens, Currency: "USD"}
	}
	input := float64(promptTokens) / 1_000_000 * p.InputPerMillion
	output := float64(completionTokens) / 1_000_000 * p.OutputPerMillion
	return models.Cost{
		Model: model, InputTokens: promptTokens, OutputTokens: completionTokens,
		InputCost: input, OutputCost: output, TotalCost: input + output, Currency: "USD",
	}
}

// Status is a tenant's current budget row.
type Status struct {
	TenantID      string
	MonetaryLimit float64
	Spent         float64
	PeriodStart   time.Time
	PeriodEnd     time.Time
	HardLimit     bool
	AlertFraction float64
	SoftLimit     float64
}

// Forecast is the result of forecastCost.
type Forecast struct {
	Estimated   float64 `json:"estimated"`
	InputCost   float64 `json:"inputCost"`
	OutputCost  float64 `json:"outputCost"`
	Allowed     bool    `json:"allowed"`
	Remaining   float64 `json:"remaining"`
	WouldExceed bool    `json:"wouldExceed"`
	Warning     string  `json:"warning,omitempty"`
}

// Manager owns tenant budget rows backed by the store.
type Manager struct {
	db    *store.Store
	audit *audit.Log
}

func NewManager(db *store.Store, auditLog *audit.Log) *Manager {
	return &Manager{db: db, audit: auditLog}
}

// Get loads a tenant's budget, defaulting to an unlimited, non-hard budget
// for tenants that have never called SetBudget.
func (m *Manager) Get(ctx context.Context, tenantID string) (Status, error) {
	var s Status
	var hard int
	var periodStart, periodEnd string
	err := m.db.DB.QueryRowContext(ctx, `SELECT tenant_id, monetary_limit, spent, period_start, period_end, hard_limit, alert_fraction, soft_limit
		FROM tenant_budgets WHERE tenant_id = ?`, tenantID).Scan(
		&s.TenantID, &s.MonetaryLimit, &s.Spent, &periodStart, &periodEnd, &hard, &s.AlertFraction, &s.SoftLimit)
	if err != nil {
		now := time.Now().UTC()
		start, end := calendarMonth(now)
		return Status{TenantID: tenantID, MonetaryLimit: 0, PeriodStart: start, PeriodEnd: end, AlertFraction: 0.8}, nil
	}
	s.PeriodStart, _ = time.Parse(time.RFC3339, periodStart)
	s.PeriodEnd, _ = time.Parse(time.RFC3339, periodEnd)
	s.HardLimit = hard == 1
	return s, nil
}

// SetBudget upserts a tenant's budget; period defaults to the current
// calendar month when unset.
func (m *Manager) SetBudget(ctx context.Context, tenantID string, limit float64, hardLimit bool, alertFraction, softLimit float64, start, end *time.Time) error {
	now := time.Now().UTC()
	var s, e time.Time
	if start != nil && end != nil {
		s, e = *start, *end
	} else {
		s, e = calendarMonth(now)
	}
	_, err := m.db.DB.ExecContext(ctx, `INSERT INTO tenant_budgets
		(tenant_id, monetary_limit, spent, period_start, period_end, hard_limit, alert_fraction, soft_limit)
		VALUES (?,?,0,?,?,?,?,?)
		ON CONFLICT(tenant_id) DO UPDATE SET monetary_limit=excluded.monetary_limit, period_start=excluded.period_start,
			period_end=excluded.period_end, hard_limit=excluded.hard_limit, alert_fraction=excluded.alert_fraction, soft_limit=excluded.soft_limit`,
		tenantID, limit, s.Format(time.RFC3339), e.Format(time.RFC3339), boolInt(hardLimit), alertFraction, softLimit)
	return err
}

func calendarMonth(now time.Time) (time.Time, time.Time) {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0).Add(-time.Nanosecond)
	return start, end
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ForecastCost computes a deterministic estimate and whether it would
// exceed the tenant's hard limit.
func (m *Manager) ForecastCost(ctx context.Context, tenantID string, promptTokens, maxOutputTokens int64, model string) (Forecast, error) {
	status, err := m.Get(ctx, tenantID)
	if err != nil {
		return Forecast{}, err
	}
	cost := Estimate(model, promptTokens, maxOutputTokens)
	remaining := status.MonetaryLimit - status.Spent
	wouldExceed := status.MonetaryLimit > 0 && status.Spent+cost.TotalCost > status.MonetaryLimit
	f := Forecast{
		Estimated: cost.TotalCost, InputCost: cost.InputCost, OutputCost: cost.OutputCost,
		Remaining: remaining, WouldExceed: wouldExceed,
	}
	f.Allowed = !(status.HardLimit && wouldExceed)
	if status.SoftLimit > 0 && status.Spent+cost.TotalCost > status.SoftLimit {
		f.Warning = "approaching soft budget limit"
	}
	return f, nil
}

// CheckBeforeExecution enforces forecast.Allowed, auditing and returning a
// budget_exceeded-kind error on hard block.
func (m *Manager) CheckBeforeExecution(ctx context.Context, tenantID, traceID string, f Forecast) error {
	if f.Allowed {
		return nil
	}
	_ = m.audit.Append(ctx, audit.Entry{TenantID: tenantID, TraceID: traceID, EventType: audit.BudgetExceeded,
		Payload: map[string]any{"estimated": f.Estimated, "remaining": f.Remaining}})
	return errs.New(errs.BudgetExceeded, fmt.Sprintf("forecast %.4f exceeds remaining %.4f", f.Estimated, f.Remaining))
}

// RecordSpend is monotonic; emits budget_warning/budget_exceeded audits
// when thresholds are crossed.
func (m *Manager) RecordSpend(ctx context.Context, tenantID, traceID string, amount float64) error {
	status, err := m.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	newSpent := status.Spent + amount
	_, err = m.db.DB.ExecContext(ctx, `INSERT INTO tenant_budgets (tenant_id, monetary_limit, spent, period_start, period_end, hard_limit, alert_fraction, soft_limit)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(tenant_id) DO UPDATE SET spent=excluded.spent`,
		tenantID, status.MonetaryLimit, newSpent, status.PeriodStart.Format(time.RFC3339), status.PeriodEnd.Format(time.RFC3339),
		boolInt(status.HardLimit), status.AlertFraction, status.SoftLimit)
	if err != nil {
		return err
	}
	if status.SoftLimit > 0 && newSpent > status.SoftLimit {
		_ = m.audit.Append(ctx, audit.Entry{TenantID: tenantID, TraceID: traceID, EventType: audit.BudgetWarning,
			Payload: map[string]any{"spent": newSpent, "soft_limit": status.SoftLimit}})
	}
	if status.MonetaryLimit > 0 && newSpent > status.MonetaryLimit {
		_ = m.audit.Append(ctx, audit.Entry{TenantID: tenantID, TraceID: traceID, EventType: audit.BudgetExceeded,
			Payload: map[string]any{"spent": newSpent, "limit": status.MonetaryLimit}})
	}
	return nil
}

// CheckBudget combines status and period-expiry: an expired period blocks
// hard-limited tenants and allows-with-warning soft-limited ones, so spend
// tracking never silently stalls when an operator forgets to roll the
// period forward.
func (m *Manager) CheckBudget(ctx context.Context, tenantID string) (allowed bool, warning string, err error) {
	status, err := m.Get(ctx, tenantID)
	if err != nil {
		return false, "", err
	}
	expired := time.Now().UTC().After(status.PeriodEnd)
	if !expired {
		return true, "", nil
	}
	if status.HardLimit {
		return false, "budget period has expired", nil
	}
	return true, "budget period has expired; spend tracking continues under the prior period until reset", nil
}
