package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/governedrun/runtime/internal/audit"
	"github.com/governedrun/runtime/internal/budget"
	"github.com/governedrun/runtime/internal/config"
	"github.com/governedrun/runtime/internal/controlplane"
	"github.com/governedrun/runtime/internal/httpapi"
	"github.com/governedrun/runtime/internal/observability"
	"github.com/governedrun/runtime/internal/orchestrator"
	"github.com/governedrun/runtime/internal/provider"
	"github.com/governedrun/runtime/internal/provider/providers"
	"github.com/governedrun/runtime/internal/redact"
	"github.com/governedrun/runtime/internal/retention"
	"github.com/governedrun/runtime/internal/skills"
	"github.com/governedrun/runtime/internal/store"
	"github.com/governedrun/runtime/internal/tenancy"
	"github.com/governedrun/runtime/internal/toolarbiter"
	"github.com/governedrun/runtime/internal/trace"
	"github.com/governedrun/runtime/internal/webhook"
	"github.com/governedrun/runtime/internal/workspace"
	"github.com/governedrun/runtime/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

const shutdownGrace = 30 * time.Second

// systemTenant is the sentinel tenant_id for process lifecycle events,
// which have no owning tenant but still need a non-null column value.
const systemTenant = "_system"

func runServe(ctx context.Context, configPath string, debug bool) error {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("configuration loaded", "version", version, "commit", commit, "port", cfg.Server.Port)

	db, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.DB.Close()

	auditLog := audit.NewLog(db)
	budgetMgr := budget.NewManager(db, auditLog)
	traceStore := trace.NewStore(db)
	retentionMgr := retention.NewManager(db, traceStore)
	versioning := workspace.NewVersioning(db, cfg.Workspace.Path)
	skillsRegistry := skills.NewRegistry(db, auditLog)
	tenancySvc := tenancy.NewService(cfg.Auth.DaemonKey, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	redactor := redact.New(cfg.Redact.Salt)

	router, err := buildRouter(ctx, cfg, cfg.Providers.Default)
	if err != nil {
		return fmt.Errorf("build default provider router: %w", err)
	}
	cheapRouter, err := buildRouter(ctx, cfg, cfg.Providers.Cheap)
	if err != nil {
		return fmt.Errorf("build cheap provider router: %w", err)
	}

	var cpClient *controlplane.Client
	var caller toolarbiter.Caller = noopCaller{}
	if cfg.ControlPlane.BaseURL != "" {
		cpClient = controlplane.New(cfg.ControlPlane.BaseURL, tenancySvc)
		caller = cpClient
	}

	arbiter := toolarbiter.New(toolarbiter.DefaultConfig(), caller, auditLog)
	webhookEmitter := webhook.NewEmitter(cfg.Auth.WebhookSecret, logger)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	orch := orchestrator.New(orchestrator.Config{
		Tenancy: tenancySvc, Budget: budgetMgr, Versioning: versioning, WorkspacePath: cfg.Workspace.Path,
		Skills: skillsRegistry, Router: router, CheapRouter: cheapRouter, Arbiter: arbiter,
		Traces: traceStore, Audit: auditLog, Webhooks: webhookEmitter, Redactor: redactor, ControlPlane: cpClient,
		DefaultModel: cfg.Providers.Default, DefaultTitle: cfg.Workspace.DefaultTaskTitle, Metrics: metrics,
	})

	var opsValidator *tenancy.JWKSValidator
	if cfg.Ops.JWKSURL != "" {
		opsValidator = tenancy.NewJWKSValidator(cfg.Ops.JWKSURL, cfg.Ops.OIDCIssuer, cfg.Ops.OIDCAudience,
			cfg.Ops.RBACClaim, cfg.Ops.TenantClaim, cfg.Ops.WorkspaceClaim, cfg.Ops.AllowedTenants)
	}

	server := httpapi.New(httpapi.Config{
		Store: db, Orchestrator: orch, Tenancy: tenancySvc, OpsValidator: opsValidator,
		Traces: traceStore, Audit: auditLog, Skills: skillsRegistry, Budget: budgetMgr, Retention: retentionMgr,
		Versioning: versioning, Evaluator: cheapEvaluator{router: cheapRouter}, Logger: logger,
		DefaultModel: cfg.Providers.Default, Version: version, Metrics: metrics, Registry: registry,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := server.Start(addr); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	_ = auditLog.Append(ctx, audit.Entry{TenantID: systemTenant, EventType: audit.SystemStartup, Payload: map[string]any{"version": version}})

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@daily", func() {
		removed, err := retentionMgr.EnforceAll(context.Background())
		if err != nil {
			logger.Error("scheduled retention enforcement failed", "error", err)
			return
		}
		logger.Info("scheduled retention enforcement complete", "traces_removed", removed)
	}); err != nil {
		logger.Error("failed to register retention enforcement job", "error", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight requests")

	shutdownCtx := observability.WithRequestID(context.Background(), "shutdown")
	if err := server.Shutdown(shutdownCtx, shutdownGrace); err != nil {
		logger.Warn("http server shutdown error", "error", err)
	}
	_ = auditLog.Append(context.Background(), audit.Entry{TenantID: systemTenant, EventType: audit.SystemShutdown})
	logger.Info("stopped gracefully")
	return nil
}

// buildRouter constructs a provider.Router for one model slot ("provider/model"),
// instantiating only the backend that slot names so an unconfigured API
// key for an unused provider is never required.
func buildRouter(ctx context.Context, cfg *config.Config, modelSlot string) (*provider.Router, error) {
	backend, model := splitModelSlot(modelSlot)
	retryCfg := provider.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts, InitialDelay: cfg.Retry.BaseDelay, MaxDelay: cfg.Retry.MaxDelay,
		Factor: 2.0, Jitter: cfg.Retry.Jitter,
	}
	switch backend {
	case "anthropic":
		return provider.NewRouter(retryCfg, providers.NewAnthropic(cfg.Providers.APIKeys["anthropic"], "", model)), nil
	case "bedrock":
		b, err := providers.NewBedrock(ctx, "us-east-1", model)
		if err != nil {
			return nil, err
		}
		return provider.NewRouter(retryCfg, b), nil
	default:
		return provider.NewRouter(retryCfg, providers.NewOpenAI(cfg.Providers.APIKeys["openai"], "", model)), nil
	}
}

func splitModelSlot(slot string) (backend, model string) {
	for i := 0; i < len(slot); i++ {
		if slot[i] == '/' {
			return slot[:i], slot[i+1:]
		}
	}
	return "openai", slot
}

// noopCaller is wired when no control plane is configured, so a tool call
// fails with a clear error instead of a nil-pointer dereference.
type noopCaller struct{}

func (noopCaller) Call(ctx context.Context, tenantID, tool string, args []byte) (string, error) {
	return "", fmt.Errorf("no control plane configured: cannot invoke tool %q", tool)
}

// cheapEvaluator adapts the cheap-tier provider router to skills.Evaluator
// so skill test-case evaluation never invokes the expensive default model.
type cheapEvaluator struct {
	router *provider.Router
}

func (e cheapEvaluator) CompleteCheap(ctx context.Context, systemPrompt, userInput string) (string, error) {
	resp, _, err := e.router.Complete(ctx, provider.Request{
		System: systemPrompt, Messages: []models.Message{{Role: "user", Content: userInput}}, MaxTokens: 512,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}
