package httpapi

import (
	"net/http"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
	if r.URL.Query().Get("deep") == "true" {
		if err := s.store.DB.PingContext(r.Context()); err != nil {
			resp["status"] = "degraded"
			resp["store_error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp["store"] = "ok"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	role := r.URL.Query().Get("role")
	if tenant != nil && role == "" {
		role = tenant.Role
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"role":          role,
		"default_model": s.defaultModel,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"version": s.version})
}

func (s *Server) handleCompatibility(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"min_client_version": "1.0.0", "version": s.version})
}
