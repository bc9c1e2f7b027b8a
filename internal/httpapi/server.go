package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/governedrun/runtime/internal/audit"
	"github.com/governedrun/runtime/internal/budget"
	"github.com/governedrun/runtime/internal/observability"
	"github.com/governedrun/runtime/internal/orchestrator"
	"github.com/governedrun/runtime/internal/retention"
	"github.com/governedrun/runtime/internal/skills"
	"github.com/governedrun/runtime/internal/store"
	"github.com/governedrun/runtime/internal/tenancy"
	"github.com/governedrun/runtime/internal/trace"
	"github.com/governedrun/runtime/internal/workspace"
)

// Server wires every governance component into the stdlib ServeMux and
// owns the process's single listening http.Server, following the
// teacher's internal/gateway/http_server.go (explicit ReadHeaderTimeout,
// net.Listen plus a background Serve goroutine, Shutdown-with-timeout on
// stop).
type Server struct {
	store        *store.Store
	orchestrator *orchestrator.Orchestrator
	tenancy      *tenancy.Service
	opsValidator *tenancy.JWKSValidator
	traces       *trace.Store
	audit        *audit.Log
	skills       *skills.Registry
	budget       *budget.Manager
	retention    *retention.Manager
	versioning   *workspace.Versioning
	evaluator    skills.Evaluator
	logger       *slog.Logger
	defaultModel string
	version      string
	metrics      *observability.Metrics
	registry     *prometheus.Registry

	httpServer *http.Server
}

// Config bundles every dependency the HTTP surface needs.
type Config struct {
	Store        *store.Store
	Orchestrator *orchestrator.Orchestrator
	Tenancy      *tenancy.Service
	OpsValidator *tenancy.JWKSValidator
	Traces       *trace.Store
	Audit        *audit.Log
	Skills       *skills.Registry
	Budget       *budget.Manager
	Retention    *retention.Manager
	Versioning   *workspace.Versioning
	Evaluator    skills.Evaluator
	Logger       *slog.Logger
	DefaultModel string
	Version      string
	Metrics      *observability.Metrics
	Registry     *prometheus.Registry
}

func New(cfg Config) *Server {
	return &Server{
		store: cfg.Store, orchestrator: cfg.Orchestrator, tenancy: cfg.Tenancy, opsValidator: cfg.OpsValidator,
		traces: cfg.Traces, audit: cfg.Audit, skills: cfg.Skills, budget: cfg.Budget, retention: cfg.Retention,
		versioning: cfg.Versioning, evaluator: cfg.Evaluator, logger: cfg.Logger, defaultModel: cfg.DefaultModel,
		version: cfg.Version, metrics: cfg.Metrics, registry: cfg.Registry,
	}
}

func (s *Server) mux() http.Handler {
	mux := http.NewServeMux()
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/health", s.handleHealth)

	agent := AgentAuthMiddleware(s.tenancy)
	mux.Handle("/api/agents/send", agent(http.HandlerFunc(s.handleAgentSend)))
	mux.Handle("/api/agents/stream", agent(http.HandlerFunc(s.handleAgentStream)))
	mux.Handle("/compact", agent(http.HandlerFunc(s.handleCompact)))
	mux.Handle("/llm-task", agent(http.HandlerFunc(s.handleLLMTask)))
	mux.Handle("/context", agent(http.HandlerFunc(s.handleContext)))

	mux.Handle("/traces", agent(http.HandlerFunc(s.handleTraceList)))
	mux.Handle("/traces/by-label", agent(http.HandlerFunc(s.handleTraceByLabel)))
	mux.Handle("/traces/by-entity", agent(http.HandlerFunc(s.handleTraceByEntity)))
	mux.Handle("/traces/diff", agent(http.HandlerFunc(s.handleTraceDiff)))
	mux.Handle("/traces/{id}", agent(http.HandlerFunc(s.handleTraceGet)))
	mux.Handle("/traces/{id}/replay", agent(http.HandlerFunc(s.handleTraceReplay)))
	mux.Handle("/traces/{id}/label", agent(http.HandlerFunc(s.handleTraceLabel)))
	mux.Handle("/traces/{id}/annotate", agent(http.HandlerFunc(s.handleTraceAnnotate)))

	mux.Handle("/skills/publish", agent(http.HandlerFunc(s.handleSkillPublish)))
	mux.Handle("/skills/by-state", agent(http.HandlerFunc(s.handleSkillsByState)))
	mux.Handle("/skills/registry/{name}", agent(http.HandlerFunc(s.handleSkillGet)))
	mux.Handle("/skills/registry/{name}/{version}", agent(http.HandlerFunc(s.handleSkillGet)))
	mux.Handle("/skills/registry/{name}/test", agent(http.HandlerFunc(s.handleSkillTest)))
	mux.Handle("/skills/registry/{name}/transition", agent(http.HandlerFunc(s.handleSkillTransition)))

	mux.Handle("/audit", agent(http.HandlerFunc(s.handleAudit)))
	mux.Handle("/budget", methodRouter(map[string]http.Handler{
		http.MethodGet:  agent(http.HandlerFunc(s.handleBudgetGet)),
		http.MethodPost: agent(http.HandlerFunc(s.handleBudgetSet)),
	}))
	mux.Handle("/budget/check", agent(http.HandlerFunc(s.handleBudgetCheck)))
	mux.Handle("/cost/forecast", agent(http.HandlerFunc(s.handleCostForecast)))
	mux.Handle("/risk/score", agent(http.HandlerFunc(s.handleRiskScore)))

	mux.Handle("/retention/policy", methodRouter(map[string]http.Handler{
		http.MethodGet:  agent(http.HandlerFunc(s.handleRetentionPolicyGet)),
		http.MethodPost: agent(http.HandlerFunc(s.handleRetentionPolicySet)),
	}))
	mux.Handle("/retention/enforce", agent(http.HandlerFunc(s.handleRetentionEnforce)))
	mux.Handle("/retention/stats", agent(http.HandlerFunc(s.handleRetentionStats)))

	mux.Handle("/workspace/pin", methodRouter(map[string]http.Handler{
		http.MethodGet:  agent(http.HandlerFunc(s.handleWorkspacePinGet)),
		http.MethodPost: agent(http.HandlerFunc(s.handleWorkspacePinSet)),
	}))
	mux.Handle("/workspace/{id}/pins", agent(http.HandlerFunc(s.handleWorkspacePins)))
	mux.Handle("/workspace/envs/init", agent(http.HandlerFunc(s.handleWorkspaceEnvsInit)))
	mux.Handle("/workspace/envs/promote", agent(http.HandlerFunc(s.handleWorkspaceEnvsPromote)))
	mux.Handle("/workspace/impact", agent(http.HandlerFunc(s.handleWorkspaceImpact)))

	ops := OpsAuthMiddleware(s.opsValidator)
	mux.Handle("/ops/api/me", ops(http.HandlerFunc(s.handleOpsMe)))
	mux.Handle("/ops/api/override", ops(http.HandlerFunc(s.handleOpsOverride)))
	mux.Handle("/ops/api/traces", ops(http.HandlerFunc(s.handleOpsTraces)))
	mux.Handle("/ops/api/audit", ops(http.HandlerFunc(s.handleOpsAudit)))

	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/compatibility", s.handleCompatibility)

	return LoggingMiddleware(s.logger, s.metrics)(mux)
}

func methodRouter(byMethod map[string]http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, ok := byMethod[r.Method]; ok {
			h.ServeHTTP(w, r)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})
}

// Start binds the listener and serves in the background; it returns once
// the listener is bound so the caller can log a definite "ready" point.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("http server listening", "addr", addr)
	return nil
}

// Shutdown drains in-flight requests up to the grace period, then stops
// accepting new ones entirely.
func (s *Server) Shutdown(ctx context.Context, grace time.Duration) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
