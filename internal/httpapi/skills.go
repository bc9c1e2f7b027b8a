package httpapi

import (
	"net/http"

	"github.com/governedrun/runtime/internal/errs"
	"github.com/governedrun/runtime/internal/skills"
)

type publishRequest struct {
	Manifest string `json:"manifest"` // raw frontmatter + body
}

func (s *Server) handleSkillPublish(w http.ResponseWriter, r *http.Request) {
	var body publishRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	m, err := skills.ParseManifest([]byte(body.Manifest))
	if err != nil {
		writeError(w, errs.Wrap(errs.Validation, "invalid skill manifest", err))
		return
	}
	if err := s.skills.Publish(r.Context(), *m); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleSkillGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	version := r.PathValue("version")
	if version != "" {
		m, err := s.skills.Resolve(r.Context(), name, version)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
		return
	}
	items, err := s.skills.List(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type skillTestRequest struct {
	Version string            `json:"version"`
	Cases   []skills.EvalCase `json:"cases"`
}

func (s *Server) handleSkillTest(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body skillTestRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if s.evaluator == nil {
		writeError(w, errs.New(errs.ConfigError, "no eval-capable provider configured"))
		return
	}
	passed, total, err := s.skills.RunEvals(r.Context(), name, body.Version, body.Cases, s.evaluator)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"passed": passed, "total": total})
}

type transitionRequest struct {
	Version string       `json:"version"`
	To      skills.State `json:"to"`
}

func (s *Server) handleSkillTransition(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	if tenant == nil {
		writeError(w, errs.New(errs.AuthMissing, "no tenant in context"))
		return
	}
	name := r.PathValue("name")
	var body transitionRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.skills.Transition(r.Context(), tenant.TenantID, name, body.Version, body.To); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSkillsByState(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	name := r.URL.Query().Get("name")
	all, err := s.skills.List(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	var filtered []skills.Registered
	for _, reg := range all {
		if state == "" || string(reg.State) == state {
			filtered = append(filtered, reg)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}
