// Package audit implements the append-only event log, adapted from the
// teacher's internal/audit/types.go event vocabulary onto a SQL-backed
// store (the teacher's version was file/log based; the spec requires
// query-by-tenant/trace/type/time with pagination, which needs a queryable
// table instead of a log stream).
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/governedrun/runtime/internal/store"
)

// EventType is a closed vocabulary of audit-worthy events.
type EventType string

const (
	ExecutionStarted     EventType = "agent_execution_started"
	ExecutionCompleted   EventType = "agent_execution_completed"
	ExecutionFailed      EventType = "agent_execution_failed"
	ToolRequested        EventType = "tool_requested"
	ToolSucceeded        EventType = "tool_succeeded"
	ToolFailed           EventType = "tool_failed"
	ToolPermissionDenied EventType = "tool_permission_denied"
	SkillPublished       EventType = "skill_published"
	SkillTested          EventType = "skill_tested"
	SkillStateChanged    EventType = "skill_state_changed"
	SkillDeprecatedUsed  EventType = "skill_deprecated_used"
	BudgetWarning        EventType = "budget_warning"
	BudgetExceeded       EventType = "budget_exceeded"
	WorkspaceChange      EventType = "workspace_change"
	AuthSuccess          EventType = "auth_success"
	AuthFailure          EventType = "auth_failure"
	RateLimit            EventType = "rate_limit"
	ConfigChange         EventType = "config_change"
	SystemStartup        EventType = "system_startup"
	SystemShutdown       EventType = "system_shutdown"
	OverrideUsed         EventType = "ops_override_used"
)

// Entry is one audit record.
type Entry struct {
	ID        int64          `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Workspace string         `json:"workspace,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	EventType EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Log is the append-only audit store.
type Log struct {
	db *store.Store
}

func NewLog(db *store.Store) *Log { return &Log{db: db} }

// Append inserts one entry; the auto-incrementing id is the monotonic
// ordering guarantee callers rely on.
func (l *Log) Append(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = l.db.DB.ExecContext(ctx, `INSERT INTO audit_log (tenant_id, workspace, trace_id, user_id, event_type, timestamp, payload)
		VALUES (?,?,?,?,?,?,?)`, e.TenantID, e.Workspace, e.TraceID, e.UserID, string(e.EventType),
		time.Now().UTC().Format(time.RFC3339Nano), string(payload))
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Filter selects a subset of (tenant, workspace, trace, user, event types,
// time range) with limit+offset pagination.
type Filter struct {
	TenantID   string
	Workspace  string
	TraceID    string
	UserID     string
	EventTypes []EventType
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

func (l *Log) Query(ctx context.Context, f Filter) (items []Entry, total int, err error) {
	where := `WHERE tenant_id = ?`
	args := []any{f.TenantID}
	if f.Workspace != "" {
		where += ` AND workspace = ?`
		args = append(args, f.Workspace)
	}
	if f.TraceID != "" {
		where += ` AND trace_id = ?`
		args = append(args, f.TraceID)
	}
	if f.UserID != "" {
		where += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if len(f.EventTypes) > 0 {
		where += ` AND event_type IN (` + placeholders(len(f.EventTypes)) + `)`
		for _, et := range f.EventTypes {
			args = append(args, string(et))
		}
	}
	if f.Since != nil {
		where += ` AND timestamp >= ?`
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if f.Until != nil {
		where += ` AND timestamp <= ?`
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	if err := l.db.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM audit_log `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.DB.QueryContext(ctx, `SELECT id, tenant_id, workspace, trace_id, user_id, event_type, timestamp, payload
		FROM audit_log `+where+` ORDER BY id ASC LIMIT ? OFFSET ?`, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e Entry
		var workspace, traceID, userID sql.NullString
		var payload string
		var ts string
		if err := rows.Scan(&e.ID, &e.TenantID, &workspace, &traceID, &userID, &e.EventType, &ts, &payload); err != nil {
			return nil, 0, err
		}
		e.Workspace, e.TraceID, e.UserID = workspace.String, traceID.String, userID.String
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		_ = json.Unmarshal([]byte(payload), &e.Payload)
		items = append(items, e)
	}
	return items, total, nil
}

// GetByTrace returns chronologically ordered entries for one trace.
func (l *Log) GetByTrace(ctx context.Context, tenantID, traceID string) ([]Entry, error) {
	items, _, err := l.Query(ctx, Filter{TenantID: tenantID, TraceID: traceID, Limit: 10000})
	return items, err
}

// PurgeOlderThan is the sole removal path: a compliance-approved bulk
// purge by cutoff date, optionally scoped to one tenant.
func (l *Log) PurgeOlderThan(ctx context.Context, cutoff time.Time, tenantID string) (int64, error) {
	query := `DELETE FROM audit_log WHERE timestamp < ?`
	args := []any{cutoff.UTC().Format(time.RFC3339Nano)}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	res, err := l.db.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func placeholders(n int) string {
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
