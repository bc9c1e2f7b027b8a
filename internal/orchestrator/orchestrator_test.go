package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/governedrun/runtime/internal/audit"
	"github.com/governedrun/runtime/internal/budget"
	"github.com/governedrun/runtime/internal/provider"
	"github.com/governedrun/runtime/internal/redact"
	"github.com/governedrun/runtime/internal/skills"
	"github.com/governedrun/runtime/internal/store"
	"github.com/governedrun/runtime/internal/tenancy"
	"github.com/governedrun/runtime/internal/toolarbiter"
	"github.com/governedrun/runtime/internal/trace"
	"github.com/governedrun/runtime/internal/webhook"
	"github.com/governedrun/runtime/internal/workspace"
	"github.com/governedrun/runtime/pkg/models"
)

// fakeLLMProvider scripts a fixed sequence of responses, one per call, so a
// test can exercise a multi-round tool-call loop deterministically.
type fakeLLMProvider struct {
	responses []provider.Response
	errs      []error
	calls     int
}

func (f *fakeLLMProvider) Name() string        { return "fake" }
func (f *fakeLLMProvider) SupportsTools() bool { return true }

func (f *fakeLLMProvider) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return provider.Response{}, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return f.responses[len(f.responses)-1], nil
}

func (f *fakeLLMProvider) Stream(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	ch := make(chan provider.Chunk, 1)
	ch <- provider.Chunk{Text: "hi", Done: true}
	close(ch)
	return ch, nil
}

// fakeToolCaller answers every tool call with a fixed success result.
type fakeToolCaller struct{}

func (fakeToolCaller) Call(ctx context.Context, tenantID, tool string, args []byte) (string, error) {
	return "ok:" + tool, nil
}

func newTestOrchestrator(t *testing.T, llm provider.LLMProvider) *Orchestrator {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	auditLog := audit.NewLog(db)
	tenancySvc := tenancy.NewService("", "jwt-secret", 0)
	router := provider.NewRouter(provider.RetryConfig{MaxAttempts: 1, Factor: 1}, llm)

	return New(Config{
		Tenancy:       tenancySvc,
		Budget:        budget.NewManager(db, auditLog),
		Versioning:    workspace.NewVersioning(db, t.TempDir()),
		WorkspacePath: t.TempDir(),
		Skills:        skills.NewRegistry(db, auditLog),
		Router:        router,
		CheapRouter:   router,
		Arbiter:       toolarbiter.New(toolarbiter.DefaultConfig(), fakeToolCaller{}, auditLog),
		Traces:        trace.NewStore(db),
		Audit:         auditLog,
		Webhooks:      webhook.NewEmitter("secret", nil),
		Redactor:      redact.New("salt"),
		DefaultModel:  "gpt-4o-mini",
		DefaultTitle:  "default task",
	})
}

func baseRequest() Request {
	return Request{
		TenantID:   "tenant-a",
		UserID:     "user-1",
		SessionKey: models.SessionKey{UserID: "user-1", AgentRole: "assistant"},
		Message:    "hello",
		Workspace:  "main",
	}
}

func TestExecuteRejectsSessionKeyUserMismatch(t *testing.T) {
	o := newTestOrchestrator(t, &fakeLLMProvider{responses: []provider.Response{{Text: "hi"}}})
	req := baseRequest()
	req.SessionKey.UserID = "someone-else"
	if _, err := o.Execute(context.Background(), req); err == nil {
		t.Fatal("expected error for a session key that doesn't match the authenticated user")
	}
}

func TestExecuteRequiresTaskIdentity(t *testing.T) {
	o := newTestOrchestrator(t, &fakeLLMProvider{responses: []provider.Response{{Text: "hi"}}})
	o.defaultTitle = ""
	req := baseRequest()
	if _, err := o.Execute(context.Background(), req); err == nil {
		t.Fatal("expected error when no task id, title, or default title is available")
	}
}

func TestExecuteSucceedsWithoutToolCalls(t *testing.T) {
	o := newTestOrchestrator(t, &fakeLLMProvider{responses: []provider.Response{
		{Text: "hello there", Usage: models.Usage{PromptTokens: 10, CompletionTokens: 5}},
	}})
	result, err := o.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Response != "hello there" {
		t.Fatalf("unexpected response: %q", result.Response)
	}
	if result.TraceID == "" {
		t.Fatal("expected a trace id to be assigned")
	}
}

func TestExecuteRunsToolCallRoundsAndRecordsCorrelatedSteps(t *testing.T) {
	toolCall := models.ToolCall{ID: "c1", Name: "search", Arguments: []byte(`{}`)}
	o := newTestOrchestrator(t, &fakeLLMProvider{responses: []provider.Response{
		{Text: "", ToolCalls: []models.ToolCall{toolCall}},
		{Text: "final answer"},
	}})
	result, err := o.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Response != "final answer" {
		t.Fatalf("expected the second round's text, got %q", result.Response)
	}

	sealed, err := o.traces.Get(context.Background(), "tenant-a", result.TraceID)
	if err != nil {
		t.Fatalf("get trace: %v", err)
	}
	var sawCall, sawResult bool
	for _, step := range sealed.Steps {
		if step.Kind == models.StepToolCall {
			sawCall = true
			if step.ToolCall == nil || step.ToolCall.ID != "c1" {
				t.Fatalf("expected tool_call step correlated to c1, got %+v", step)
			}
		}
		if step.Kind == models.StepToolResult {
			sawResult = true
			if step.ToolCall == nil || step.ToolCall.ID != "c1" || step.Result == nil {
				t.Fatalf("expected tool_result step correlated to c1, got %+v", step)
			}
		}
	}
	if !sawCall || !sawResult {
		t.Fatalf("expected both a tool_call and a tool_result step, steps: %+v", sealed.Steps)
	}
}

func TestExecuteFailsOverToUpstreamErrorAndSealsTrace(t *testing.T) {
	o := newTestOrchestrator(t, &fakeLLMProvider{errs: []error{errors.New("invalid api key")}, responses: []provider.Response{{}}})
	_, err := o.Execute(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected an error when the only provider fails permanently")
	}
	items, _, err := o.traces.List(context.Background(), trace.ListFilter{TenantID: "tenant-a"})
	if err != nil {
		t.Fatalf("list traces: %v", err)
	}
	if len(items) != 1 || !items[0].Sealed || items[0].ErrorKind != "upstream_unavailable" {
		t.Fatalf("expected one sealed trace with error kind upstream_unavailable, got %+v", items)
	}
}

func TestExecuteBlocksWhenBudgetExceeded(t *testing.T) {
	o := newTestOrchestrator(t, &fakeLLMProvider{responses: []provider.Response{{Text: "hi"}}})
	if err := o.budget.SetBudget(context.Background(), "tenant-a", 0.0000001, true, 0.8, 0, nil, nil); err != nil {
		t.Fatalf("set budget: %v", err)
	}
	if _, err := o.Execute(context.Background(), baseRequest()); err == nil {
		t.Fatal("expected budget-exceeded error")
	}
}

func TestCompactSummarizesHeadAndPreservesTail(t *testing.T) {
	o := newTestOrchestrator(t, &fakeLLMProvider{responses: []provider.Response{{Text: "summary of earlier turns"}}})
	history := []models.Message{
		{Role: "user", Content: "turn one"},
		{Role: "assistant", Content: "turn two"},
		{Role: "user", Content: "turn three"},
		{Role: "assistant", Content: "turn four"},
	}
	compacted, _, err := o.Compact(context.Background(), "tenant-a", history, "", 2)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(compacted) != 3 {
		t.Fatalf("expected 1 summary turn + 2 kept turns, got %d", len(compacted))
	}
	if compacted[0].Role != "system" || compacted[0].Content != "summary of earlier turns" {
		t.Fatalf("unexpected summary turn: %+v", compacted[0])
	}
	if compacted[1].Content != "turn three" || compacted[2].Content != "turn four" {
		t.Fatalf("expected the tail preserved verbatim, got %+v", compacted[1:])
	}
}

func TestCompactNoopsWhenHistoryFitsWithinKeepRecent(t *testing.T) {
	o := newTestOrchestrator(t, &fakeLLMProvider{responses: []provider.Response{{Text: "unused"}}})
	history := []models.Message{{Role: "user", Content: "only turn"}}
	compacted, _, err := o.Compact(context.Background(), "tenant-a", history, "", 2)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(compacted) != 1 || compacted[0].Content != "only turn" {
		t.Fatalf("expected history returned unchanged, got %+v", compacted)
	}
}

func TestTaskReturnsProviderTextAndValidatesSchema(t *testing.T) {
	o := newTestOrchestrator(t, &fakeLLMProvider{responses: []provider.Response{{Text: `{"ok":true}`}}})
	text, _, valid, err := o.Task(context.Background(), "tenant-a", "system", "input", []byte(`{"type":"object"}`), "")
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if text != `{"ok":true}` {
		t.Fatalf("unexpected text: %q", text)
	}
	if !valid {
		t.Fatal("expected the output to validate against the object schema")
	}
}
