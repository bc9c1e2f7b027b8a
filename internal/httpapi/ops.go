package httpapi

import (
	"net/http"
	"time"

	"github.com/governedrun/runtime/internal/audit"
	"github.com/governedrun/runtime/internal/errs"
	"github.com/governedrun/runtime/internal/opsapi"
	"github.com/governedrun/runtime/internal/tenancy"
	"github.com/governedrun/runtime/internal/trace"
)

// handleOpsMe reports the caller's resolved ops identity so a console can
// render the permission set it was actually granted, never a raw JWT.
func (s *Server) handleOpsMe(w http.ResponseWriter, r *http.Request) {
	identity := opsIdentityFrom(r)
	if identity == nil {
		writeError(w, errs.New(errs.AuthMissing, "no ops identity in context"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":        map[string]any{"tenant_id": identity.TenantID, "role": identity.Role},
		"permissions": tenancy.PermissionsForRole(identity.Role),
		"scope":       map[string]any{"workspace": identity.Workspace, "allowed_tenants": identity.AllowedTenants},
	})
}

type overrideRequest struct {
	TargetID      string `json:"target_id"`
	Action        string `json:"action"`
	ReasonCode    string `json:"reason_code"`
	Justification string `json:"justification"`
}

// handleOpsOverride is the break-glass path: every use is audited with
// the acting identity, the target, and the stated justification,
// regardless of what the override itself accomplishes.
func (s *Server) handleOpsOverride(w http.ResponseWriter, r *http.Request) {
	identity := opsIdentityFrom(r)
	if identity == nil {
		writeError(w, errs.New(errs.AuthMissing, "no ops identity in context"))
		return
	}
	var body overrideRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if !tenancy.HasPermission(identity.Role, tenancy.PermOverrideUse) {
		writeError(w, errs.New(errs.PermissionDenied, "role lacks override:use"))
		return
	}
	if body.ReasonCode == "" || body.Justification == "" {
		writeError(w, errs.New(errs.Validation, "reason_code and justification are required"))
		return
	}
	err := s.audit.Append(r.Context(), audit.Entry{
		TenantID: identity.TenantID, EventType: audit.OverrideUsed,
		Payload: map[string]any{
			"actor": identity.TenantID, "role": string(identity.Role), "action": body.Action,
			"target_id": body.TargetID, "reason_code": body.ReasonCode, "justification": body.Justification,
			"at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleOpsTraces is the RBAC-projected trace list: every caller sees the
// shape, but only an admin allowed to read the owning tenant sees raw
// prompt/output content — opsapi.ProjectTrace enforces that, not this
// handler.
func (s *Server) handleOpsTraces(w http.ResponseWriter, r *http.Request) {
	identity := opsIdentityFrom(r)
	if identity == nil {
		writeError(w, errs.New(errs.AuthMissing, "no ops identity in context"))
		return
	}
	q := r.URL.Query()
	targetTenant := q.Get("tenant_id")
	if targetTenant == "" {
		targetTenant = identity.TenantID
	}
	if !identity.CanReadTenant(targetTenant) {
		writeError(w, errs.New(errs.PermissionDenied, "not permitted to read this tenant"))
		return
	}
	items, _, err := s.traces.List(r.Context(), trace.ListFilter{
		TenantID: targetTenant, Limit: atoiDefault(q.Get("limit"), 50), Offset: atoiDefault(q.Get("offset"), 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opsapi.ProjectTraces(items, *identity))
}

func (s *Server) handleOpsAudit(w http.ResponseWriter, r *http.Request) {
	identity := opsIdentityFrom(r)
	if identity == nil {
		writeError(w, errs.New(errs.AuthMissing, "no ops identity in context"))
		return
	}
	q := r.URL.Query()
	targetTenant := q.Get("tenant_id")
	if targetTenant == "" {
		targetTenant = identity.TenantID
	}
	if !identity.CanReadTenant(targetTenant) {
		writeError(w, errs.New(errs.PermissionDenied, "not permitted to read this tenant"))
		return
	}
	items, _, err := s.audit.Query(r.Context(), audit.Filter{
		TenantID: targetTenant, Limit: atoiDefault(q.Get("limit"), 100), Offset: atoiDefault(q.Get("offset"), 0),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, opsapi.ProjectAuditEntries(items, *identity))
}
