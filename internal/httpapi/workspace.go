package httpapi

import (
	"net/http"

	"github.com/governedrun/runtime/internal/errs"
	"github.com/governedrun/runtime/internal/workspace"
)

func (s *Server) handleWorkspacePinSet(w http.ResponseWriter, r *http.Request) {
	var body workspace.Pin
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.versioning.SetPin(r.Context(), body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleWorkspacePinGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	workspaceName, env := q.Get("workspace"), q.Get("environment")
	if workspaceName == "" || env == "" {
		writeError(w, errs.New(errs.Validation, "workspace and environment are required"))
		return
	}
	pin, err := s.versioning.GetPin(r.Context(), workspaceName, env)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pin)
}

func (s *Server) handleWorkspacePins(w http.ResponseWriter, r *http.Request) {
	workspaceName := r.PathValue("id")
	envs := []string{"dev", "staging", "prod"}
	pins := make(map[string]*workspace.Pin, len(envs))
	for _, env := range envs {
		pin, err := s.versioning.GetPin(r.Context(), workspaceName, env)
		if err == nil {
			pins[env] = pin
		}
	}
	writeJSON(w, http.StatusOK, pins)
}

type initEnvsRequest struct {
	Workspace  string `json:"workspace"`
	DefaultEnv string `json:"default_env"`
}

func (s *Server) handleWorkspaceEnvsInit(w http.ResponseWriter, r *http.Request) {
	var body initEnvsRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.versioning.InitializeStandardEnvironments(r.Context(), body.Workspace, body.DefaultEnv); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
}

type promoteRequest struct {
	Workspace string `json:"workspace"`
	Source    string `json:"source"`
	Target    string `json:"target"`
}

func (s *Server) handleWorkspaceEnvsPromote(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	if tenant == nil {
		writeError(w, errs.New(errs.AuthMissing, "no tenant in context"))
		return
	}
	var body promoteRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.versioning.Promote(r.Context(), tenant.TenantID, body.Workspace, body.Source, body.Target, s.audit); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type impactRequest struct {
	BaseHash            string   `json:"base_hash"`
	CompareHash         string   `json:"compare_hash"`
	RegisteredSkills    []string `json:"registered_skills"`
	DraftSkillsAffected int      `json:"draft_skills_affected"`
	PermissionChanges   int      `json:"permission_changes"`
}

func (s *Server) handleWorkspaceImpact(w http.ResponseWriter, r *http.Request) {
	var body impactRequest
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
