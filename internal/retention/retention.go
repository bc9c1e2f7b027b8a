// Package retention owns each tenant's trace-retention policy (period,
// sampling strategy, storage mode) and the enforcement/coverage-stats
// operations the ops console exposes, layered on trace.Store.EnforceRetention
// the way budget.Manager layers policy rows over the same store.
package retention

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/governedrun/runtime/internal/store"
	"github.com/governedrun/runtime/internal/trace"
)

// SamplingStrategy is a closed vocabulary stored with the policy and
// reported by Stats. Trace admission does not consult it: every trace is
// saved whatever the strategy, and stored traces are never re-sampled.
type SamplingStrategy string

const (
	Full        SamplingStrategy = "full"
	HeadSample  SamplingStrategy = "head_sample"
	ErrorsOnly  SamplingStrategy = "errors_only"
)

// StorageMode is stored with the policy. Trace persistence does not
// consult it: every trace is saved in full whatever the mode.
type StorageMode string

const (
	Standard StorageMode = "standard"
	Minimal  StorageMode = "minimal"
)

// Policy is one tenant's retention configuration.
type Policy struct {
	TenantID         string            `json:"tenant_id"`
	RetentionDays    int               `json:"retention_days"`
	SamplingStrategy SamplingStrategy  `json:"sampling_strategy"`
	StorageMode      StorageMode       `json:"storage_mode"`
}

// Manager owns the retention policy table and enforcement.
type Manager struct {
	db     *store.Store
	traces *trace.Store
}

func NewManager(db *store.Store, traces *trace.Store) *Manager {
	return &Manager{db: db, traces: traces}
}

// Get returns the tenant's policy, defaulting to 90-day full retention for
// a tenant that has never set one.
func (m *Manager) Get(ctx context.Context, tenantID string) (Policy, error) {
	var p Policy
	var sampling, storageMode string
	err := m.db.DB.QueryRowContext(ctx, `SELECT tenant_id, retention_days, sampling_strategy, storage_mode
		FROM tenant_retention_policies WHERE tenant_id = ?`, tenantID).
		Scan(&p.TenantID, &p.RetentionDays, &sampling, &storageMode)
	if err == sql.ErrNoRows {
		return Policy{TenantID: tenantID, RetentionDays: 90, SamplingStrategy: Full, StorageMode: Standard}, nil
	}
	if err != nil {
		return Policy{}, fmt.Errorf("load retention policy: %w", err)
	}
	p.SamplingStrategy = SamplingStrategy(sampling)
	p.StorageMode = StorageMode(storageMode)
	return p, nil
}

// Set upserts a tenant's retention policy.
func (m *Manager) Set(ctx context.Context, p Policy) error {
	if p.RetentionDays <= 0 {
		p.RetentionDays = 90
	}
	if p.SamplingStrategy == "" {
		p.SamplingStrategy = Full
	}
	if p.StorageMode == "" {
		p.StorageMode = Standard
	}
	_, err := m.db.DB.ExecContext(ctx, `INSERT INTO tenant_retention_policies
		(tenant_id, retention_days, sampling_strategy, storage_mode) VALUES (?,?,?,?)
		ON CONFLICT(tenant_id) DO UPDATE SET retention_days=excluded.retention_days,
			sampling_strategy=excluded.sampling_strategy, storage_mode=excluded.storage_mode`,
		p.TenantID, p.RetentionDays, string(p.SamplingStrategy), string(p.StorageMode))
	return err
}

// Enforce deletes traces older than the tenant's configured retention
// window, returning the number of traces removed.
func (m *Manager) Enforce(ctx context.Context, tenantID string) (int64, error) {
	policy, err := m.Get(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return m.traces.EnforceRetention(ctx, tenantID, policy.RetentionDays)
}

// Stats reports a tenant's stored trace count, its oldest stored trace,
// and the retention window and sampling strategy of its policy. It does
// not compute what proportion of executions were captured.
type Stats struct {
	TenantID         string    `json:"tenant_id"`
	TotalTraces      int       `json:"total_traces"`
	OldestTrace      time.Time `json:"oldest_trace,omitempty"`
	RetentionDays    int       `json:"retention_days"`
	SamplingStrategy string    `json:"sampling_strategy"`
}

// EnforceAll runs Enforce for every tenant that has at least one trace or an
// explicit retention policy, for the scheduled background sweep.
func (m *Manager) EnforceAll(ctx context.Context) (int64, error) {
	rows, err := m.db.DB.QueryContext(ctx, `SELECT tenant_id FROM traces
		UNION SELECT tenant_id FROM tenant_retention_policies`)
	if err != nil {
		return 0, fmt.Errorf("list retention tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return 0, fmt.Errorf("scan retention tenant: %w", err)
		}
		tenants = append(tenants, tenantID)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var total int64
	for _, tenantID := range tenants {
		removed, err := m.Enforce(ctx, tenantID)
		if err != nil {
			return total, fmt.Errorf("enforce retention for %s: %w", tenantID, err)
		}
		total += removed
	}
	return total, nil
}

func (m *Manager) Stats(ctx context.Context, tenantID string) (Stats, error) {
	policy, err := m.Get(ctx, tenantID)
	if err != nil {
		return Stats{}, err
	}
	var total int
	var oldest sql.NullString
	err = m.db.DB.QueryRowContext(ctx, `SELECT COUNT(1), MIN(started_at) FROM traces WHERE tenant_id = ?`, tenantID).
		Scan(&total, &oldest)
	if err != nil {
		return Stats{}, fmt.Errorf("compute retention stats: %w", err)
	}
	s := Stats{TenantID: tenantID, TotalTraces: total, RetentionDays: policy.RetentionDays, SamplingStrategy: string(policy.SamplingStrategy)}
	if oldest.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, oldest.String); err == nil {
			s.OldestTrace = ts
		}
	}
	return s, nil
}
