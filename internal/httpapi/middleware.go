// Package httpapi wires the HTTP surface: agent endpoints (send/stream/
// compact/llm-task), observability and governance reads, and the ops
// RBAC-gated console. Middleware shape (wrapped ResponseWriter capturing
// status, bearer/daemon-key dispatch) follows the teacher's
// internal/web/middleware.go.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/governedrun/runtime/internal/errs"
	"github.com/governedrun/runtime/internal/observability"
	"github.com/governedrun/runtime/internal/tenancy"
)

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs method/path/status/duration per request and, when
// metrics is non-nil, records the request in runtime_requests_total.
func LoggingMiddleware(logger *slog.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			requestID := uuid.NewString()
			ctx := observability.WithRequestID(r.Context(), requestID)
			w.Header().Set("X-Request-Id", requestID)
			next.ServeHTTP(wrapped, r.WithContext(ctx))
			logger.Info("http request", "method", r.Method, "path", r.URL.Path, "status", wrapped.status,
				"duration_ms", time.Since(start).Milliseconds(), "request_id", requestID)
			if metrics != nil {
				metrics.RequestsTotal.WithLabelValues(r.URL.Path, http.StatusText(wrapped.status)).Inc()
			}
		})
	}
}

type tenantContextKey struct{}

// AgentAuthMiddleware validates the daemon key (if configured) and the
// X-Agent-Token bearer, attaching the resolved tenancy.Tenant to context.
func AgentAuthMiddleware(svc *tenancy.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := svc.CheckDaemonToken(r); err != nil {
				writeError(w, err)
				return
			}
			token := bearerToken(r)
			if token == "" {
				writeError(w, errs.New(errs.AuthMissing, "missing bearer token"))
				return
			}
			sessionUserID := r.URL.Query().Get("user_id")
			tenant, err := svc.ValidateAgentToken(token, sessionUserID)
			if err != nil {
				writeError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), tenantContextKey{}, tenant)
			ctx = observability.WithTenantID(ctx, tenant.TenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(h), "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.Header.Get("X-Agent-Token")
}

func tenantFrom(r *http.Request) *tenancy.Tenant {
	t, _ := r.Context().Value(tenantContextKey{}).(*tenancy.Tenant)
	return t
}

// OpsAuthMiddleware validates the OIDC bearer via the JWKS validator and
// attaches the resolved OpsIdentity.
type opsIdentityKey struct{}

func OpsAuthMiddleware(validator *tenancy.JWKSValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, errs.New(errs.AuthMissing, "missing bearer token"))
				return
			}
			identity, err := validator.Validate(token)
			if err != nil {
				writeError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), opsIdentityKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func opsIdentityFrom(r *http.Request) *tenancy.OpsIdentity {
	id, _ := r.Context().Value(opsIdentityKey{}).(*tenancy.OpsIdentity)
	return id
}
