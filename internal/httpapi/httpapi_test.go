package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/governedrun/runtime/internal/store"
	"github.com/governedrun/runtime/internal/tenancy"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{Store: db, Tenancy: tenancy.NewService("", "jwt-secret", time.Hour), Logger: logger, Version: "test", DefaultModel: "gpt-4o-mini"})
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
}

func TestHandleHealthDeepChecksStore(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health?deep=true", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a healthy store, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["store"] != "ok" {
		t.Fatalf("expected store ok, got %+v", body)
	}
}

func TestHandleVersion(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/version", nil)
	rec := httptest.NewRecorder()
	s.handleVersion(rec, req)
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["version"] != "test" {
		t.Fatalf("expected version test, got %v", body["version"])
	}
}

func TestAgentAuthMiddlewareRejectsMissingToken(t *testing.T) {
	s := newTestServer(t)
	mw := AgentAuthMiddleware(s.tenancy)
	called := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/context", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if called {
		t.Fatal("expected handler not to run without a bearer token")
	}
	if rec.Code == http.StatusOK {
		t.Fatalf("expected a non-200 response for a missing token, got %d", rec.Code)
	}
}

func TestAgentAuthMiddlewarePassesValidToken(t *testing.T) {
	s := newTestServer(t)
	token, err := s.tenancy.Mint("tenant-a", "user-1", "agent")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	mw := AgentAuthMiddleware(s.tenancy)
	var gotTenant *tenancy.Tenant
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = tenantFrom(r)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/context", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotTenant == nil || gotTenant.TenantID != "tenant-a" {
		t.Fatalf("expected tenant attached to context, got %+v", gotTenant)
	}
}

func TestMuxRoutesHealthWithoutAuth(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected /health to be reachable without auth, got %d", rec.Code)
	}
}

func TestMuxRoutesAgentEndpointRequiresAuth(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/context", nil)
	s.mux().ServeHTTP(rec, req)
	if rec.Code == http.StatusOK {
		t.Fatalf("expected /context to require auth, got %d", rec.Code)
	}
}
