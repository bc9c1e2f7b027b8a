// Package orchestrator runs the per-request state machine: admission,
// budget forecast, workspace/skill/model resolution, provider invocation,
// tool arbitration, and sealed-trace completion. The state names and
// transition order are new (no teacher module runs a comparable pipeline
// end to end); the per-state construction borrows from the teacher's
// internal/agent package call sequence (resolve persona, build prompt,
// invoke provider, execute tools, record trace) without copying its code,
// since the teacher's agent loop is in-memory and session-oriented while
// this one is stateless and store-backed at every step.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/governedrun/runtime/internal/audit"
	"github.com/governedrun/runtime/internal/budget"
	"github.com/governedrun/runtime/internal/controlplane"
	"github.com/governedrun/runtime/internal/errs"
	"github.com/governedrun/runtime/internal/observability"
	"github.com/governedrun/runtime/internal/provider"
	"github.com/governedrun/runtime/internal/redact"
	"github.com/governedrun/runtime/internal/skills"
	"github.com/governedrun/runtime/internal/tenancy"
	"github.com/governedrun/runtime/internal/toolarbiter"
	"github.com/governedrun/runtime/internal/trace"
	"github.com/governedrun/runtime/internal/webhook"
	"github.com/governedrun/runtime/internal/workspace"
	"github.com/governedrun/runtime/pkg/models"
)

// defaultToolRoundCap bounds the tool-call loop so a misbehaving model or
// tool cannot loop the request forever.
const defaultToolRoundCap = 8

// Webhook carries the per-request, caller-supplied callback configuration.
type Webhook struct {
	URL    string
	Secret string
}

// Request is one /api/agents/send (or /stream) call.
type Request struct {
	TenantID         string
	UserID           string
	SessionKey       models.SessionKey
	Message          string
	History          []models.Message
	TaskID           string
	TaskTitle        string
	TaskDescription  string
	SystemPromptOverride string
	KickoffDocument  string
	Timezone         string
	Webhook          *Webhook
	Workspace        string
	Environment      string
}

// Result is the synchronous response to /api/agents/send.
type Result struct {
	TaskID         string
	Response       string
	Usage          models.Usage
	Cost           models.Cost
	TraceID        string
	Model          string
	Provider       string
	ContextWarning string
}

// Orchestrator wires every governance component into the per-request
// pipeline.
type Orchestrator struct {
	tenancy       *tenancy.Service
	budget        *budget.Manager
	versioning    *workspace.Versioning
	loaders       map[string]*workspace.Loader // workspace name -> loader
	skills        *skills.Registry
	router        *provider.Router
	cheapRouter   *provider.Router
	arbiter       *toolarbiter.Arbiter
	traces        *trace.Store
	audit         *audit.Log
	webhooks      *webhook.Emitter
	redactor      *redact.Redactor
	controlPlane  *controlplane.Client
	defaultModel  string
	defaultTitle  string
	toolRoundCap  int
	workspacePath string
	metrics       *observability.Metrics
}

// Config bundles every dependency Orchestrator needs, deferring wiring
// details (API keys, store paths) to the caller.
type Config struct {
	Tenancy       *tenancy.Service
	Budget        *budget.Manager
	Versioning    *workspace.Versioning
	WorkspacePath string
	Skills        *skills.Registry
	Router        *provider.Router
	CheapRouter   *provider.Router
	Arbiter       *toolarbiter.Arbiter
	Traces        *trace.Store
	Audit         *audit.Log
	Webhooks      *webhook.Emitter
	Redactor      *redact.Redactor
	ControlPlane  *controlplane.Client
	DefaultModel  string
	DefaultTitle  string
	ToolRoundCap  int
	Metrics       *observability.Metrics
}

func New(cfg Config) *Orchestrator {
	roundCap := cfg.ToolRoundCap
	if roundCap <= 0 {
		roundCap = defaultToolRoundCap
	}
	return &Orchestrator{
		tenancy: cfg.Tenancy, budget: cfg.Budget, versioning: cfg.Versioning,
		loaders: map[string]*workspace.Loader{}, skills: cfg.Skills, router: cfg.Router,
		cheapRouter: cfg.CheapRouter, arbiter: cfg.Arbiter, traces: cfg.Traces, audit: cfg.Audit,
		webhooks: cfg.Webhooks, redactor: cfg.Redactor, controlPlane: cfg.ControlPlane,
		defaultModel: cfg.DefaultModel, defaultTitle: cfg.DefaultTitle, toolRoundCap: roundCap,
		workspacePath: cfg.WorkspacePath, metrics: cfg.Metrics,
	}
}

func (o *Orchestrator) loaderFor(name string) *workspace.Loader {
	if l, ok := o.loaders[name]; ok {
		return l
	}
	l := workspace.NewLoader(workspace.Config{Path: o.workspacePath, TimeEnabled: true})
	o.loaders[name] = l
	return l
}

// resolveTask implements the priority chain: explicit task id > explicit
// task title (find-or-create) > configured default title > validation
// error.
func (o *Orchestrator) resolveTask(ctx context.Context, req Request) (string, error) {
	if req.TaskID != "" {
		return req.TaskID, nil
	}
	title := req.TaskTitle
	if title == "" {
		title = o.defaultTitle
	}
	if title == "" {
		return "", errs.New(errs.Validation, "no task id, task title, or configured default title")
	}
	if o.controlPlane == nil {
		return title, nil
	}
	task, err := o.controlPlane.FindOrCreateTaskByTitle(ctx, req.TenantID, req.UserID, title, req.TaskDescription)
	if err != nil {
		return "", errs.Wrap(errs.UpstreamUnavailable, "find-or-create task", err)
	}
	return task.ID, nil
}

// Execute runs ADMITTED through SEALED for one non-streaming request.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Result, error) {
	// ADMITTED
	if req.SessionKey.UserID != req.UserID {
		_ = o.audit.Append(ctx, audit.Entry{TenantID: req.TenantID, UserID: req.UserID, EventType: audit.AuthFailure,
			Payload: map[string]any{"reason": "session key user mismatch"}})
		return Result{}, errs.New(errs.AuthInvalid, "session key user id does not match authenticated user")
	}

	builder := trace.NewBuilder(req.TenantID, req.Workspace, req.SessionKey.AgentRole, req.Message, len(req.History))
	_ = o.audit.Append(ctx, audit.Entry{TenantID: req.TenantID, TraceID: builder.ID(), EventType: audit.ExecutionStarted})

	result, err := o.run(ctx, req, builder)
	if err != nil {
		sealed := builder.Seal(string(errs.KindOf(err)))
		sealed.OutputMessage, _ = o.redactor.Redact(sealed.OutputMessage)
		if saveErr := o.traces.Save(ctx, sealed); saveErr != nil {
			// trace persistence failures degrade but never fail the response
		}
		_ = o.audit.Append(ctx, audit.Entry{TenantID: req.TenantID, TraceID: sealed.ID, EventType: audit.ExecutionFailed,
			Payload: map[string]any{"error": err.Error()}})
		if req.Webhook != nil {
			o.webhooks.SendWithSecret(req.Webhook.URL, req.Webhook.Secret, webhook.Event{Type: webhook.EventFailed, TenantID: req.TenantID, TraceID: sealed.ID,
				Timestamp: time.Now().UTC(), Payload: map[string]any{"error": err.Error()}})
		}
		return Result{}, err
	}
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request, builder *trace.Builder) (Result, error) {
	taskID, err := o.resolveTask(ctx, req)
	if err != nil {
		return Result{}, err
	}

	// FORECAST
	capability := o.tenancy.CapabilityFor(req.TenantID)
	model := o.defaultModel
	estimatedPromptTokens := int64(len(req.Message)) / 4
	forecast, err := o.budget.ForecastCost(ctx, req.TenantID, estimatedPromptTokens, 1024, model)
	if err != nil {
		return Result{}, errs.Wrap(errs.Internal, "forecast cost", err)
	}
	if err := o.budget.CheckBeforeExecution(ctx, req.TenantID, builder.ID(), forecast); err != nil {
		if o.metrics != nil {
			o.metrics.BudgetBlocks.WithLabelValues(req.TenantID).Inc()
		}
		return Result{}, errs.Wrap(errs.BudgetExceeded, "budget exceeded", err)
	}

	// RESOLVED
	env := req.Environment
	if env == "" {
		env = "prod"
	}
	workspaceName := req.Workspace
	var workspaceHash string
	pin, pinErr := o.versioning.GetPin(ctx, workspaceName, env)
	if pinErr == nil {
		workspaceHash = pin.VersionHash
		if pin.Model != "" {
			model = pin.Model
		}
	}

	loader := o.loaderFor(workspaceName)
	eligible, err := o.skills.EligibleSkills(ctx, model, req.TenantID, map[string]string{"environment": env})
	if err != nil {
		return Result{}, errs.Wrap(errs.Internal, "resolve eligible skills", err)
	}
	skillVersions := map[string]string{}
	var skillInstructions string
	for _, s := range eligible {
		skillVersions[s.Name] = s.Version
		skillInstructions += "\n\n" + s.Content
	}

	mode := workspace.Full
	if req.SystemPromptOverride != "" {
		mode = workspace.Minimal
	}
	systemPrompt, err := loader.SystemPrompt(mode, req.SessionKey.AgentRole, skillInstructions, req.Timezone)
	if err != nil {
		return Result{}, errs.Wrap(errs.Internal, "compose system prompt", err)
	}
	if req.SystemPromptOverride != "" {
		systemPrompt = req.SystemPromptOverride + "\n\n" + systemPrompt
	}
	builder.SetResolution(workspaceHash, skillVersions, model, "")

	messages := append(append([]models.Message{}, req.History...), models.Message{Role: "user", Content: req.Message})

	// INVOKING + ARBITRATING
	var toolDefs []provider.ToolDef
	if o.controlPlane != nil {
		if specs, err := o.controlPlane.ListTools(ctx, req.TenantID, req.UserID); err == nil {
			for _, s := range specs {
				toolDefs = append(toolDefs, provider.ToolDef{Name: s.Name, Description: s.Description, Schema: s.Schema})
			}
		}
	}

	var resp provider.Response
	var usedProvider string
	for round := 0; ; round++ {
		if round > o.toolRoundCap {
			return Result{}, errs.New(errs.Internal, "tool-call round cap exceeded")
		}
		callStart := time.Now()
		resp, usedProvider, err = o.router.Complete(ctx, provider.Request{
			Model: model, System: systemPrompt, Messages: messages, Tools: toolDefs, MaxTokens: 4096,
		})
		if err != nil {
			builder.Append(models.Step{Kind: models.StepError, Error: err.Error(), Duration: time.Since(callStart)})
			return Result{}, errs.Wrap(errs.UpstreamUnavailable, "model call failed", err)
		}
		cost := budget.Estimate(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		builder.Append(models.Step{Kind: models.StepModelCall, Duration: time.Since(callStart), Usage: &resp.Usage, Cost: &cost})
		if o.metrics != nil {
			o.metrics.ModelLatency.WithLabelValues(usedProvider, model).Observe(time.Since(callStart).Seconds())
		}

		if len(resp.ToolCalls) == 0 {
			break
		}
		messages = append(messages, models.Message{Role: "assistant", ToolCalls: resp.ToolCalls})
		for _, tc := range resp.ToolCalls {
			tc := tc
			builder.Append(models.Step{Kind: models.StepToolCall, ToolCall: &tc})
		}
		results := o.arbiter.ExecuteConcurrently(ctx, req.TenantID, resp.ToolCalls, eligible, capability)
		for i, r := range results {
			r := r
			tc := resp.ToolCalls[i]
			builder.Append(models.Step{Kind: models.StepToolResult, ToolCall: &tc, Result: &r})
			if o.metrics != nil {
				outcome := "success"
				if !r.Success {
					outcome = "failure"
				}
				o.metrics.ToolCallsTotal.WithLabelValues(tc.Name, outcome).Inc()
			}
		}
		messages = append(messages, models.Message{Role: "tool", ToolResults: results})
	}

	// COMPLETING
	builder.SetOutput(resp.Text)
	redactedPrompt, _ := o.redactor.Redact(systemPrompt)
	builder.SetRedactedPrompt(redactedPrompt)
	cost := budget.Estimate(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	sealed := builder.Seal("")
	if err := o.traces.Save(ctx, sealed); err != nil {
		// degrade, do not fail the response
	}
	if err := o.budget.RecordSpend(ctx, req.TenantID, sealed.ID, cost.TotalCost); err != nil {
		// spend recording failure does not fail the response
	}
	_ = o.audit.Append(ctx, audit.Entry{TenantID: req.TenantID, TraceID: sealed.ID, EventType: audit.ExecutionCompleted,
		Payload: map[string]any{"model": model, "provider": usedProvider}})

	if o.controlPlane != nil {
		_, _ = o.controlPlane.PostMessage(ctx, req.TenantID, req.UserID, controlplane.Message{TaskID: taskID, Role: "assistant", Content: resp.Text})
		if req.KickoffDocument != "" {
			_, _ = o.controlPlane.PostDocument(ctx, req.TenantID, req.UserID, controlplane.Document{Name: "kickoff", Content: req.KickoffDocument})
		}
	}
	if req.Webhook != nil {
		o.webhooks.SendWithSecret(req.Webhook.URL, req.Webhook.Secret, webhook.Event{Type: webhook.EventCompleted, TenantID: req.TenantID, TraceID: sealed.ID,
			Timestamp: time.Now().UTC(), Payload: map[string]any{"response": resp.Text, "usage": resp.Usage, "cost": cost}})
	}

	return Result{
		TaskID: taskID, Response: resp.Text, Usage: resp.Usage, Cost: cost,
		TraceID: sealed.ID, Model: model, Provider: usedProvider,
	}, nil
}

// StreamEvent is one server-sent event emitted by Stream.
type StreamEvent struct {
	Type  string // "start" | "chunk" | "done" | "error"
	Text  string
	Usage models.Usage
	Cost  models.Cost
	Error string
}

// Stream runs the streaming variant: INVOKING/ARBITRATING/COMPLETING are
// replaced by a direct forward of the provider's stream. Tool calls are
// not executed mid-stream, by contract.
func (o *Orchestrator) Stream(ctx context.Context, req Request, out chan<- StreamEvent) {
	defer close(out)
	if req.SessionKey.UserID != req.UserID {
		_ = o.audit.Append(ctx, audit.Entry{TenantID: req.TenantID, UserID: req.UserID, EventType: audit.AuthFailure})
		out <- StreamEvent{Type: "error", Error: "session key user id does not match authenticated user"}
		return
	}

	builder := trace.NewBuilder(req.TenantID, req.Workspace, req.SessionKey.AgentRole, req.Message, len(req.History))
	_ = o.audit.Append(ctx, audit.Entry{TenantID: req.TenantID, TraceID: builder.ID(), EventType: audit.ExecutionStarted})

	model := o.defaultModel
	loader := o.loaderFor(req.Workspace)
	systemPrompt, err := loader.SystemPrompt(workspace.Full, req.SessionKey.AgentRole, "", req.Timezone)
	if err != nil {
		out <- StreamEvent{Type: "error", Error: err.Error()}
		o.sealStreamError(ctx, builder, "internal")
		return
	}
	builder.SetResolution("", nil, model, "")
	messages := append(append([]models.Message{}, req.History...), models.Message{Role: "user", Content: req.Message})

	chunks, _, err := o.router.Stream(ctx, provider.Request{Model: model, System: systemPrompt, Messages: messages, MaxTokens: 4096})
	if err != nil {
		out <- StreamEvent{Type: "error", Error: err.Error()}
		o.sealStreamError(ctx, builder, "upstream_unavailable")
		return
	}

	out <- StreamEvent{Type: "start"}
	var text string
	var usage models.Usage
	for chunk := range chunks {
		select {
		case <-ctx.Done():
			builder.SetOutput(text)
			sealed := builder.Seal("cancelled")
			_ = o.traces.Save(ctx, sealed)
			return
		default:
		}
		if chunk.Error != nil {
			out <- StreamEvent{Type: "error", Error: chunk.Error.Error()}
			o.sealStreamError(ctx, builder, "upstream_unavailable")
			return
		}
		if chunk.Text != "" {
			text += chunk.Text
			out <- StreamEvent{Type: "chunk", Text: chunk.Text}
		}
		if chunk.Done {
			usage = models.Usage{PromptTokens: chunk.InputTokens, CompletionTokens: chunk.OutputTokens, TotalTokens: chunk.InputTokens + chunk.OutputTokens}
			break
		}
	}
	cost := budget.Estimate(model, usage.PromptTokens, usage.CompletionTokens)
	builder.SetOutput(text)
	builder.Append(models.Step{Kind: models.StepModelCall, Usage: &usage, Cost: &cost})
	sealed := builder.Seal("")
	_ = o.traces.Save(ctx, sealed)
	_ = o.budget.RecordSpend(ctx, req.TenantID, sealed.ID, cost.TotalCost)
	_ = o.audit.Append(ctx, audit.Entry{TenantID: req.TenantID, TraceID: sealed.ID, EventType: audit.ExecutionCompleted})
	out <- StreamEvent{Type: "done", Usage: usage, Cost: cost}
}

func (o *Orchestrator) sealStreamError(ctx context.Context, builder *trace.Builder, kind string) {
	sealed := builder.Seal(kind)
	_ = o.traces.Save(ctx, sealed)
	_ = o.audit.Append(ctx, audit.Entry{TenantID: sealed.TenantID, TraceID: sealed.ID, EventType: audit.ExecutionFailed,
		Payload: map[string]any{"error_kind": kind}})
}

// Compact bypasses prompt assembly and calls straight through to the
// cheap-tier router, replacing the first N-keepRecent turns with one
// summary system turn while preserving the tail verbatim.
func (o *Orchestrator) Compact(ctx context.Context, tenantID string, history []models.Message, instructions string, keepRecent int) ([]models.Message, models.Usage, error) {
	if keepRecent <= 0 {
		keepRecent = 2
	}
	if len(history) <= keepRecent {
		return history, models.Usage{}, nil
	}
	head, tail := history[:len(history)-keepRecent], history[len(history)-keepRecent:]

	var transcript string
	for _, m := range head {
		transcript += fmt.Sprintf("%s: %s\n", m.Role, m.Content)
	}
	system := "Summarize the following conversation concisely, preserving facts and decisions."
	if instructions != "" {
		system = instructions
	}
	resp, _, err := o.cheapRouter.Complete(ctx, provider.Request{System: system, Messages: []models.Message{{Role: "user", Content: transcript}}, MaxTokens: 1024})
	if err != nil {
		return nil, models.Usage{}, errs.Wrap(errs.UpstreamUnavailable, "compaction summary call failed", err)
	}
	compacted := append([]models.Message{{Role: "system", Content: resp.Text}}, tail...)
	return compacted, resp.Usage, nil
}

// Task bypasses prompt assembly for the structured-output endpoint.
func (o *Orchestrator) Task(ctx context.Context, tenantID, systemPrompt, input string, schema []byte, model string) (string, models.Usage, bool, error) {
	if model == "" {
		model = o.defaultModel
	}
	resp, _, err := o.router.Complete(ctx, provider.Request{Model: model, System: systemPrompt, Messages: []models.Message{{Role: "user", Content: input}}, MaxTokens: 2048})
	if err != nil {
		return "", models.Usage{}, false, errs.Wrap(errs.UpstreamUnavailable, "structured task call failed", err)
	}
	validated := ValidateAgainstSchema(resp.Text, schema)
	return resp.Text, resp.Usage, validated, nil
}
