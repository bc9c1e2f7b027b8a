// Package trace implements the per-execution structured trace: a builder
// that accumulates steps during a request, a store that persists sealed
// traces under tenant scope, a diff algorithm over two sealed traces, an
// append-only annotation table, and retention enforcement. The step/seal
// lifecycle is grounded on the teacher's internal/agent/trace.go
// TracePlugin (header-once, sequence validation, replay) adapted from a
// JSONL file sink to the SQL-backed store in internal/store.
package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/governedrun/runtime/internal/errs"
	"github.com/governedrun/runtime/internal/store"
	"github.com/governedrun/runtime/pkg/models"
)

// Trace is the sealed (or in-flight) execution record.
type Trace struct {
	ID                string            `json:"id"`
	TenantID          string            `json:"tenant_id"`
	Workspace         string            `json:"workspace"`
	AgentRole         string            `json:"agent_role"`
	StartedAt         time.Time         `json:"started_at"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	DurationMs        int64             `json:"duration_ms,omitempty"`
	WorkspaceHash     string            `json:"workspace_hash,omitempty"`
	SkillVersions     map[string]string `json:"skill_versions,omitempty"`
	Model             string            `json:"model,omitempty"`
	Provider          string            `json:"provider,omitempty"`
	InputMessage      string            `json:"input_message,omitempty"`
	PriorHistoryCount int               `json:"prior_history_count"`
	Steps             []models.Step     `json:"steps,omitempty"`
	OutputMessage     string            `json:"output_message,omitempty"`
	RedactedPrompt    string            `json:"redacted_prompt,omitempty"`
	Usage             models.Usage      `json:"usage"`
	Cost              models.Cost       `json:"cost"`
	ErrorKind         string            `json:"error_kind,omitempty"`
	Labels            map[string]string `json:"labels,omitempty"`
	EntityLinks       map[string]string `json:"entity_links,omitempty"`
	Sealed            bool              `json:"sealed"`
}

// Builder accumulates one trace's steps before it is sealed. Not safe for
// concurrent Append calls without external synchronization by the caller,
// matching the teacher's per-execution TracePlugin instance lifetime.
type Builder struct {
	t *Trace
}

// NewBuilder creates a time-ordered trace id (ULID-shaped via UUIDv7 so
// lexical ordering approximates chronological ordering) and starts a trace.
func NewBuilder(tenantID, workspace, agentRole, inputMessage string, priorHistoryCount int) *Builder {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Builder{t: &Trace{
		ID:                id.String(),
		TenantID:          tenantID,
		Workspace:         workspace,
		AgentRole:         agentRole,
		StartedAt:         time.Now().UTC(),
		InputMessage:      inputMessage,
		PriorHistoryCount: priorHistoryCount,
		SkillVersions:     map[string]string{},
		Labels:            map[string]string{},
		EntityLinks:       map[string]string{},
	}}
}

func (b *Builder) ID() string { return b.t.ID }

// SetResolution records the resolved workspace hash, skill versions, and
// model/provider chosen at the RESOLVED orchestrator state.
func (b *Builder) SetResolution(workspaceHash string, skillVersions map[string]string, model, provider string) {
	b.t.WorkspaceHash = workspaceHash
	b.t.SkillVersions = skillVersions
	b.t.Model = model
	b.t.Provider = provider
}

// Append adds a step, accumulating usage/cost totals on model-call steps.
func (b *Builder) Append(step models.Step) {
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now().UTC()
	}
	b.t.Steps = append(b.t.Steps, step)
	if step.Kind == models.StepModelCall {
		if step.Usage != nil {
			b.t.Usage.Add(*step.Usage)
		}
		if step.Cost != nil {
			b.t.Cost.TotalCost += step.Cost.TotalCost
			b.t.Cost.InputCost += step.Cost.InputCost
			b.t.Cost.OutputCost += step.Cost.OutputCost
			b.t.Cost.Model = step.Cost.Model
			b.t.Cost.Currency = "USD"
		}
	}
}

// SetOutput records the finalized output message.
func (b *Builder) SetOutput(message string) { b.t.OutputMessage = message }

// SetRedactedPrompt records the redacted prompt for audit purposes.
func (b *Builder) SetRedactedPrompt(p string) { b.t.RedactedPrompt = p }

// Seal finalizes the trace exactly once; after Seal only annotations and
// labels may change.
func (b *Builder) Seal(errorKind string) *Trace {
	now := time.Now().UTC()
	b.t.CompletedAt = &now
	b.t.DurationMs = now.Sub(b.t.StartedAt).Milliseconds()
	b.t.ErrorKind = errorKind
	b.t.Sealed = true
	return b.t
}

// Store persists sealed traces and loads them under tenant scope.
type Store struct {
	db *store.Store
}

func NewStore(db *store.Store) *Store { return &Store{db: db} }

// Save inserts a sealed trace. Only sealed traces may be saved; this
// enforces the "sealed exactly once" invariant at the storage boundary.
func (s *Store) Save(ctx context.Context, t *Trace) error {
	if !t.Sealed {
		return errs.New(errs.Internal, "cannot persist an unsealed trace")
	}
	steps, _ := json.Marshal(t.Steps)
	skillVersions, _ := json.Marshal(t.SkillVersions)
	usage, _ := json.Marshal(t.Usage)
	cost, _ := json.Marshal(t.Cost)
	labels, _ := json.Marshal(t.Labels)
	links, _ := json.Marshal(t.EntityLinks)
	var completedAt any
	if t.CompletedAt != nil {
		completedAt = t.CompletedAt.Format(time.RFC3339Nano)
	}
	_, err := s.db.DB.ExecContext(ctx, `INSERT INTO traces
		(id, tenant_id, workspace, agent_role, started_at, completed_at, duration_ms,
		 workspace_hash, skill_versions, model, provider, input_message, prior_history_count,
		 steps, output_message, redacted_prompt, usage, cost, error_kind, labels, entity_links, sealed)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,1)`,
		t.ID, t.TenantID, t.Workspace, t.AgentRole, t.StartedAt.Format(time.RFC3339Nano), completedAt, t.DurationMs,
		t.WorkspaceHash, string(skillVersions), t.Model, t.Provider, t.InputMessage, t.PriorHistoryCount,
		string(steps), t.OutputMessage, t.RedactedPrompt, string(usage), string(cost), t.ErrorKind, string(labels), string(links))
	if err != nil {
		return fmt.Errorf("save trace: %w", err)
	}
	return nil
}

// Get loads a trace scoped to tenantID; cross-tenant reads fail with
// not_found rather than leaking existence.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Trace, error) {
	row := s.db.DB.QueryRowContext(ctx, `SELECT
		id, tenant_id, workspace, agent_role, started_at, completed_at, duration_ms,
		workspace_hash, skill_versions, model, provider, input_message, prior_history_count,
		steps, output_message, redacted_prompt, usage, cost, error_kind, labels, entity_links, sealed
		FROM traces WHERE id = ? AND tenant_id = ?`, id, tenantID)
	t, err := scanTrace(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.NotFound, "trace not found")
	}
	return t, err
}

func scanTrace(row *sql.Row) (*Trace, error) {
	var t Trace
	var startedAt string
	var completedAt sql.NullString
	var skillVersions, steps, usage, cost, labels, links string
	var sealed int
	err := row.Scan(&t.ID, &t.TenantID, &t.Workspace, &t.AgentRole, &startedAt, &completedAt, &t.DurationMs,
		&t.WorkspaceHash, &skillVersions, &t.Model, &t.Provider, &t.InputMessage, &t.PriorHistoryCount,
		&steps, &t.OutputMessage, &t.RedactedPrompt, &usage, &cost, &t.ErrorKind, &labels, &links, &sealed)
	if err != nil {
		return nil, err
	}
	t.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if completedAt.Valid {
		ts, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		t.CompletedAt = &ts
	}
	_ = json.Unmarshal([]byte(skillVersions), &t.SkillVersions)
	_ = json.Unmarshal([]byte(steps), &t.Steps)
	_ = json.Unmarshal([]byte(usage), &t.Usage)
	_ = json.Unmarshal([]byte(cost), &t.Cost)
	_ = json.Unmarshal([]byte(labels), &t.Labels)
	_ = json.Unmarshal([]byte(links), &t.EntityLinks)
	t.Sealed = sealed == 1
	return &t, nil
}

// List filters traces by tenant and optional workspace/role/status with
// limit+offset pagination.
type ListFilter struct {
	TenantID  string
	Workspace string
	AgentRole string
	Status    string // "ok" | "error" | ""
	Limit     int
	Offset    int
}

func (s *Store) List(ctx context.Context, f ListFilter) (items []*Trace, total int, err error) {
	where := `WHERE tenant_id = ?`
	args := []any{f.TenantID}
	if f.Workspace != "" {
		where += ` AND workspace = ?`
		args = append(args, f.Workspace)
	}
	if f.AgentRole != "" {
		where += ` AND agent_role = ?`
		args = append(args, f.AgentRole)
	}
	if f.Status == "error" {
		where += ` AND error_kind != ''`
	} else if f.Status == "ok" {
		where += ` AND (error_kind IS NULL OR error_kind = '')`
	}
	if err := s.db.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM traces `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count traces: %w", err)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.DB.QueryContext(ctx, `SELECT
		id, tenant_id, workspace, agent_role, started_at, completed_at, duration_ms,
		workspace_hash, skill_versions, model, provider, input_message, prior_history_count,
		steps, output_message, redacted_prompt, usage, cost, error_kind, labels, entity_links, sealed
		FROM traces `+where+` ORDER BY started_at DESC LIMIT ? OFFSET ?`, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list traces: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t Trace
		var startedAt string
		var completedAt sql.NullString
		var skillVersions, steps, usage, cost, labels, links string
		var sealed int
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Workspace, &t.AgentRole, &startedAt, &completedAt, &t.DurationMs,
			&t.WorkspaceHash, &skillVersions, &t.Model, &t.Provider, &t.InputMessage, &t.PriorHistoryCount,
			&steps, &t.OutputMessage, &t.RedactedPrompt, &usage, &cost, &t.ErrorKind, &labels, &links, &sealed); err != nil {
			return nil, 0, err
		}
		t.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if completedAt.Valid {
			ts, _ := time.Parse(time.RFC3339Nano, completedAt.String)
			t.CompletedAt = &ts
		}
		_ = json.Unmarshal([]byte(skillVersions), &t.SkillVersions)
		_ = json.Unmarshal([]byte(steps), &t.Steps)
		_ = json.Unmarshal([]byte(usage), &t.Usage)
		_ = json.Unmarshal([]byte(cost), &t.Cost)
		_ = json.Unmarshal([]byte(labels), &t.Labels)
		_ = json.Unmarshal([]byte(links), &t.EntityLinks)
		t.Sealed = sealed == 1
		items = append(items, &t)
	}
	return items, total, nil
}

// Annotate appends an (trace, key, value, author) annotation row.
func (s *Store) Annotate(ctx context.Context, traceID, key, value, author string) error {
	_, err := s.db.DB.ExecContext(ctx, `INSERT INTO trace_annotations (trace_id, key, value, author) VALUES (?,?,?,?)`,
		traceID, key, value, author)
	return err
}

// Label sets a mutable label on a sealed trace (labels are the one mutable
// field allowed post-seal besides annotations).
func (s *Store) Label(ctx context.Context, tenantID, traceID, key, value string) error {
	t, err := s.Get(ctx, tenantID, traceID)
	if err != nil {
		return err
	}
	if t.Labels == nil {
		t.Labels = map[string]string{}
	}
	t.Labels[key] = value
	labels, _ := json.Marshal(t.Labels)
	_, err = s.db.DB.ExecContext(ctx, `UPDATE traces SET labels = ? WHERE id = ? AND tenant_id = ?`, string(labels), traceID, tenantID)
	return err
}

// EnforceRetention deletes traces older than now-retentionDays for tenant.
func (s *Store) EnforceRetention(ctx context.Context, tenantID string, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339Nano)
	res, err := s.db.DB.ExecContext(ctx, `DELETE FROM traces WHERE tenant_id = ? AND started_at < ?`, tenantID, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Diff compares two sealed traces and reports the significant changes between them.
type Diff struct {
	DurationDeltaMs    int64    `json:"duration_delta_ms"`
	DurationPercent    float64  `json:"duration_percent"`
	ModelChanged       bool     `json:"model_changed"`
	ProviderChanged    bool     `json:"provider_changed"`
	WorkspaceChanged   bool     `json:"workspace_changed"`
	SkillsAdded        []string `json:"skills_added,omitempty"`
	SkillsRemoved      []string `json:"skills_removed,omitempty"`
	SkillsChanged      []string `json:"skills_changed,omitempty"`
	UsageDelta         int64    `json:"usage_delta"`
	CostDelta          float64  `json:"cost_delta"`
	CostPercent        float64  `json:"cost_percent"`
	ToolCallsAdded     []string `json:"tool_calls_added,omitempty"`
	ToolCallsRemoved   []string `json:"tool_calls_removed,omitempty"`
	StepTypeCounts     map[string]int `json:"step_type_counts"`
	OutputEqual        bool     `json:"output_equal"`
	OutputLengthDelta  int      `json:"output_length_delta"`
	ErrorStatusChanged bool     `json:"error_status_changed"`
	SignificantChanges []string `json:"significant_changes"`
}

func ComputeDiff(base, compare *Trace) *Diff {
	d := &Diff{StepTypeCounts: map[string]int{}}
	d.DurationDeltaMs = compare.DurationMs - base.DurationMs
	if base.DurationMs != 0 {
		d.DurationPercent = float64(d.DurationDeltaMs) / float64(base.DurationMs) * 100
	}
	d.ModelChanged = base.Model != compare.Model
	d.ProviderChanged = base.Provider != compare.Provider
	d.WorkspaceChanged = base.WorkspaceHash != compare.WorkspaceHash

	d.SkillsAdded, d.SkillsRemoved, d.SkillsChanged = diffSkillVersions(base.SkillVersions, compare.SkillVersions)

	d.UsageDelta = compare.Usage.TotalTokens - base.Usage.TotalTokens
	d.CostDelta = compare.Cost.TotalCost - base.Cost.TotalCost
	if base.Cost.TotalCost != 0 {
		d.CostPercent = d.CostDelta / base.Cost.TotalCost * 100
	}

	baseTools := toolCallNames(base.Steps)
	compareTools := toolCallNames(compare.Steps)
	d.ToolCallsAdded = setDiff(compareTools, baseTools)
	d.ToolCallsRemoved = setDiff(baseTools, compareTools)

	for _, step := range compare.Steps {
		d.StepTypeCounts[string(step.Kind)]++
	}

	d.OutputEqual = base.OutputMessage == compare.OutputMessage
	d.OutputLengthDelta = len(compare.OutputMessage) - len(base.OutputMessage)
	d.ErrorStatusChanged = (base.ErrorKind != "") != (compare.ErrorKind != "")

	var sig []string
	if d.ModelChanged {
		sig = append(sig, "model changed")
	}
	if d.WorkspaceChanged {
		sig = append(sig, "workspace changed")
	}
	if len(d.SkillsAdded)+len(d.SkillsRemoved)+len(d.SkillsChanged) > 0 {
		sig = append(sig, "skills changed")
	}
	if len(d.ToolCallsAdded)+len(d.ToolCallsRemoved) > 0 {
		sig = append(sig, "tool calls differ")
	}
	if d.ErrorStatusChanged {
		sig = append(sig, "error status changed")
	}
	if d.CostPercent > 20 || d.CostPercent < -20 {
		sig = append(sig, "cost changed more than 20%")
	}
	if !d.OutputEqual {
		sig = append(sig, "output differs")
	}
	d.SignificantChanges = sig
	return d
}

func diffSkillVersions(base, compare map[string]string) (added, removed, changed []string) {
	for name, v := range compare {
		if bv, ok := base[name]; !ok {
			added = append(added, name)
		} else if bv != v {
			changed = append(changed, name)
		}
	}
	for name := range base {
		if _, ok := compare[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)
	return
}

func toolCallNames(steps []models.Step) map[string]bool {
	out := map[string]bool{}
	for _, s := range steps {
		if s.Kind == models.StepToolCall && s.ToolCall != nil {
			out[s.ToolCall.Name] = true
		}
	}
	return out
}

func setDiff(a, b map[string]bool) []string {
	var out []string
	for k := range a {
		if !b[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
