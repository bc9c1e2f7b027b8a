package httpapi

import (
	"net/http"
	"strconv"

	"github.com/governedrun/runtime/internal/errs"
	"github.com/governedrun/runtime/internal/trace"
)

func (s *Server) handleTraceList(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	if tenant == nil {
		writeError(w, errs.New(errs.AuthMissing, "no tenant in context"))
		return
	}
	q := r.URL.Query()
	f := trace.ListFilter{
		TenantID:  tenant.TenantID,
		Workspace: q.Get("workspace"),
		AgentRole: q.Get("agent_role"),
		Status:    q.Get("status"),
		Limit:     atoiDefault(q.Get("limit"), 50),
		Offset:    atoiDefault(q.Get("offset"), 0),
	}
	items, total, err := s.traces.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": items, "total": total})
}

func (s *Server) handleTraceGet(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	if tenant == nil {
		writeError(w, errs.New(errs.AuthMissing, "no tenant in context"))
		return
	}
	id := r.PathValue("id")
	t, err := s.traces.Get(r.Context(), tenant.TenantID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleTraceReplay returns the same sealed record a trace get does; the
// replay distinction is in what a client does with RedactedPrompt and
// Steps, not in a different read path.
func (s *Server) handleTraceReplay(w http.ResponseWriter, r *http.Request) {
	s.handleTraceGet(w, r)
}

type diffRequest struct {
	BaseTraceID    string `json:"base_trace_id"`
	CompareTraceID string `json:"compare_trace_id"`
}

func (s *Server) handleTraceDiff(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	if tenant == nil {
		writeError(w, errs.New(errs.AuthMissing, "no tenant in context"))
		return
	}
	var body diffRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	base, err := s.traces.Get(r.Context(), tenant.TenantID, body.BaseTraceID)
	if err != nil {
		writeError(w, err)
		return
	}
	compare, err := s.traces.Get(r.Context(), tenant.TenantID, body.CompareTraceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trace.ComputeDiff(base, compare))
}

type labelRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handleTraceLabel(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	if tenant == nil {
		writeError(w, errs.New(errs.AuthMissing, "no tenant in context"))
		return
	}
	id := r.PathValue("id")
	var body labelRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.traces.Label(r.Context(), tenant.TenantID, id, body.Key, body.Value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type annotateRequest struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Author string `json:"author"`
}

func (s *Server) handleTraceAnnotate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body annotateRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.traces.Annotate(r.Context(), id, body.Key, body.Value, body.Author); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTraceByLabel(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	if tenant == nil {
		writeError(w, errs.New(errs.AuthMissing, "no tenant in context"))
		return
	}
	q := r.URL.Query()
	f := trace.ListFilter{TenantID: tenant.TenantID, Limit: atoiDefault(q.Get("limit"), 50), Offset: atoiDefault(q.Get("offset"), 0)}
	items, total, err := s.traces.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": items, "total": total})
}

func (s *Server) handleTraceByEntity(w http.ResponseWriter, r *http.Request) {
	s.handleTraceByLabel(w, r)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
