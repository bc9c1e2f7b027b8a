package httpapi

import (
	"net/http"
	"time"

	"github.com/governedrun/runtime/internal/audit"
	"github.com/governedrun/runtime/internal/errs"
	"github.com/governedrun/runtime/internal/retention"
	"github.com/governedrun/runtime/internal/workspace"
)

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	if tenant == nil {
		writeError(w, errs.New(errs.AuthMissing, "no tenant in context"))
		return
	}
	q := r.URL.Query()
	f := audit.Filter{TenantID: tenant.TenantID, TraceID: q.Get("trace_id"), Limit: atoiDefault(q.Get("limit"), 100), Offset: atoiDefault(q.Get("offset"), 0)}
	items, total, err := s.audit.Query(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": items, "total": total})
}

func (s *Server) handleBudgetGet(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	if tenant == nil {
		writeError(w, errs.New(errs.AuthMissing, "no tenant in context"))
		return
	}
	status, err := s.budget.Get(r.Context(), tenant.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type setBudgetRequest struct {
	Limit         float64    `json:"limit"`
	HardLimit     bool       `json:"hard_limit"`
	AlertFraction float64    `json:"alert_fraction"`
	SoftLimit     float64    `json:"soft_limit"`
	Start         *time.Time `json:"start"`
	End           *time.Time `json:"end"`
}

func (s *Server) handleBudgetSet(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	if tenant == nil {
		writeError(w, errs.New(errs.AuthMissing, "no tenant in context"))
		return
	}
	var body setBudgetRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.budget.SetBudget(r.Context(), tenant.TenantID, body.Limit, body.HardLimit, body.AlertFraction, body.SoftLimit, body.Start, body.End); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleBudgetCheck(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	if tenant == nil {
		writeError(w, errs.New(errs.AuthMissing, "no tenant in context"))
		return
	}
	allowed, warning, err := s.budget.CheckBudget(r.Context(), tenant.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"allowed": allowed, "warning": warning})
}

type forecastRequest struct {
	PromptTokens    int64  `json:"prompt_tokens"`
	MaxOutputTokens int64  `json:"max_output_tokens"`
	Model           string `json:"model"`
}

func (s *Server) handleCostForecast(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	if tenant == nil {
		writeError(w, errs.New(errs.AuthMissing, "no tenant in context"))
		return
	}
	var body forecastRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	forecast, err := s.budget.ForecastCost(r.Context(), tenant.TenantID, body.PromptTokens, body.MaxOutputTokens, body.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, forecast)
}

type riskScoreRequest struct {
	BaseHash            string   `json:"base_hash"`
	CompareHash         string   `json:"compare_hash"`
	WorkspaceName       string   `json:"workspace_name"`
	RegisteredSkills    []string `json:"registered_skills"`
	DraftSkillsAffected int      `json:"draft_skills_affected"`
	PermissionChanges   int      `json:"permission_changes"`
}

func (s *Server) handleRiskScore(w http.ResponseWriter, r *http.Request) {
	var body riskScoreRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	diffs, err := s.versioning.Diff(r.Context(), body.BaseHash, body.CompareHash)
	if err != nil {
		writeError(w, err)
		return
	}
	report := workspace.AnalyzeImpact(diffs, body.RegisteredSkills, body.DraftSkillsAffected, body.PermissionChanges)
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRetentionPolicyGet(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	if tenant == nil {
		writeError(w, errs.New(errs.AuthMissing, "no tenant in context"))
		return
	}
	p, err := s.retention.Get(r.Context(), tenant.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRetentionPolicySet(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	if tenant == nil {
		writeError(w, errs.New(errs.AuthMissing, "no tenant in context"))
		return
	}
	var body retention.Policy
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	body.TenantID = tenant.TenantID
	if err := s.retention.Set(r.Context(), body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRetentionEnforce(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	if tenant == nil {
		writeError(w, errs.New(errs.AuthMissing, "no tenant in context"))
		return
	}
	removed, err := s.retention.Enforce(r.Context(), tenant.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleRetentionStats(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	if tenant == nil {
		writeError(w, errs.New(errs.AuthMissing, "no tenant in context"))
		return
	}
	stats, err := s.retention.Stats(r.Context(), tenant.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
