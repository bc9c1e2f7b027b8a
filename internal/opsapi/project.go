// Package opsapi projects internal records (traces, audit entries) down
// to what a given ops role is allowed to see. Raw trace input/output text
// goes only to admins allowed to read the owning tenant; audit payloads go
// to such admins and to viewers reading their own tenant; every other view
// gets the shape without the payload, the
// way the teacher's web package strips session internals before handing
// a view model to a template.
package opsapi

import (
	"github.com/governedrun/runtime/internal/audit"
	"github.com/governedrun/runtime/internal/tenancy"
	"github.com/governedrun/runtime/internal/trace"
)

const redactedToken = "[ops-view-redacted]"

// ProjectedTrace is the read-only shape the ops console renders. Fields
// that carry raw model input/output are blanked unless the viewer may
// read the owning tenant's full content.
type ProjectedTrace struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	Workspace      string            `json:"workspace"`
	AgentRole      string            `json:"agent_role"`
	StartedAt      string            `json:"started_at"`
	DurationMs     int64             `json:"duration_ms,omitempty"`
	Model          string            `json:"model,omitempty"`
	Provider       string            `json:"provider,omitempty"`
	InputMessage   string            `json:"input_message,omitempty"`
	OutputMessage  string            `json:"output_message,omitempty"`
	RedactedPrompt string            `json:"redacted_prompt,omitempty"`
	StepCount      int               `json:"step_count"`
	Usage          int64             `json:"usage_total_tokens"`
	CostTotal      float64           `json:"cost_total"`
	ErrorKind      string            `json:"error_kind,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
}

// ProjectTrace builds the ops view. Full content is included only when
// the viewer is an admin who may read the owning tenant (its own, or one
// on its allowed-tenants list); every other viewer gets the input and
// output replaced by the redaction token.
func ProjectTrace(t *trace.Trace, viewer tenancy.OpsIdentity) ProjectedTrace {
	p := ProjectedTrace{
		ID: t.ID, TenantID: t.TenantID, Workspace: t.Workspace, AgentRole: t.AgentRole,
		StartedAt: t.StartedAt.UTC().Format("2006-01-02T15:04:05Z07:00"), DurationMs: t.DurationMs,
		Model: t.Model, Provider: t.Provider, StepCount: len(t.Steps),
		Usage: t.Usage.TotalTokens, CostTotal: t.Cost.TotalCost, ErrorKind: t.ErrorKind, Labels: t.Labels,
	}
	if viewer.Role == tenancy.RoleAdmin && canReadFullPayload(viewer, t.TenantID) {
		p.InputMessage = t.InputMessage
		p.OutputMessage = t.OutputMessage
		p.RedactedPrompt = t.RedactedPrompt
		return p
	}
	p.InputMessage = redactedToken
	p.OutputMessage = redactedToken
	return p
}

func canReadFullPayload(viewer tenancy.OpsIdentity, targetTenant string) bool {
	if !viewer.CanReadTenant(targetTenant) {
		return false
	}
	if viewer.TenantID == targetTenant {
		return true
	}
	return tenancy.RankAtLeast(viewer.Role, tenancy.RoleAdmin)
}

// ProjectedAuditEntry strips payload details a non-admin should not see
// for a cross-tenant read, keeping the event type and timestamps (the
// shape operators actually need to spot an anomaly) intact either way.
type ProjectedAuditEntry struct {
	ID        int64  `json:"id"`
	TenantID  string `json:"tenant_id"`
	TraceID   string `json:"trace_id,omitempty"`
	EventType string `json:"event_type"`
	Timestamp string `json:"timestamp"`
	Payload   any    `json:"payload,omitempty"`
}

func ProjectAuditEntry(e audit.Entry, viewer tenancy.OpsIdentity) ProjectedAuditEntry {
	p := ProjectedAuditEntry{
		ID: e.ID, TenantID: e.TenantID, TraceID: e.TraceID, EventType: string(e.EventType),
		Timestamp: e.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if canReadFullPayload(viewer, e.TenantID) {
		p.Payload = e.Payload
	}
	return p
}

// ProjectTraces/ProjectAuditEntries apply the single-item projection
// across a list, the shape every ops list endpoint returns.
func ProjectTraces(items []*trace.Trace, viewer tenancy.OpsIdentity) []ProjectedTrace {
	out := make([]ProjectedTrace, 0, len(items))
	for _, t := range items {
		out = append(out, ProjectTrace(t, viewer))
	}
	return out
}

func ProjectAuditEntries(items []audit.Entry, viewer tenancy.OpsIdentity) []ProjectedAuditEntry {
	out := make([]ProjectedAuditEntry, 0, len(items))
	for _, e := range items {
		out = append(out, ProjectAuditEntry(e, viewer))
	}
	return out
}
