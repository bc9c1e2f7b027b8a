// Package toolarbiter decides whether a requested tool call is permitted
// and, if so, executes it against the control plane. The concurrent
// fan-in is adapted from the teacher's internal/agent/tool_exec.go
// ExecuteConcurrently (semaphore-bounded goroutines, results returned in
// input order, context-cancellation short-circuit).
package toolarbiter

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/governedrun/runtime/internal/audit"
	"github.com/governedrun/runtime/internal/skills"
	"github.com/governedrun/runtime/internal/tenancy"
	"github.com/governedrun/runtime/pkg/models"
)

// Caller proxies one permitted tool call to the control plane.
type Caller interface {
	Call(ctx context.Context, tenantID, tool string, args []byte) (result string, err error)
}

// Config tunes arbitration.
type Config struct {
	Concurrency    int
	PerToolTimeout time.Duration
	SandboxRoot    string
}

func DefaultConfig() Config {
	return Config{Concurrency: 4, PerToolTimeout: 30 * time.Second}
}

// Arbiter applies the skill gate, tenant capability gate, path-argument
// validation, and injection-pattern scan to every tool call before
// proxying it.
type Arbiter struct {
	cfg    Config
	caller Caller
	audit  *audit.Log
}

func New(cfg Config, caller Caller, auditLog *audit.Log) *Arbiter {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PerToolTimeout <= 0 {
		cfg.PerToolTimeout = 30 * time.Second
	}
	return &Arbiter{cfg: cfg, caller: caller, audit: auditLog}
}

// Decision is the arbitration outcome for one tool call.
type Decision struct {
	Permitted bool
	Reason    string
}

// injectionPatterns catch the common prompt-injection phrasings embedded
// in tool-call arguments (e.g. a fetched web page trying to redirect the
// model's next action). These are heuristic, not a security boundary on
// their own — arbitration backstops on the permission gate.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore (all )?(previous|prior|above) instructions`),
	regexp.MustCompile(`(?i)disregard (the )?system prompt`),
	regexp.MustCompile(`(?i)you are now in (developer|debug|admin) mode`),
	regexp.MustCompile(`(?i)reveal (your|the) (system prompt|instructions)`),
}

// Authorize checks whether tool is permitted for this call: the skill's
// declared tool list (if the call originates from a skill), the tenant's
// allow/deny capability, and a path-argument traversal check.
func Authorize(tool string, args string, skillTools []string, cap tenancy.Capability) Decision {
	if len(skillTools) > 0 && !contains(skillTools, tool) {
		return Decision{Permitted: false, Reason: "tool not declared by invoking skill"}
	}
	if !cap.ToolAllowed(tool) {
		return Decision{Permitted: false, Reason: "tool denied by tenant capability"}
	}
	if strings.Contains(args, "..") && strings.ContainsAny(args, "/\\") {
		return Decision{Permitted: false, Reason: "path argument contains parent-directory traversal"}
	}
	for _, pattern := range injectionPatterns {
		if pattern.MatchString(args) {
			return Decision{Permitted: false, Reason: "argument matches a prompt-injection pattern"}
		}
	}
	return Decision{Permitted: true}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Execute authorizes and, if permitted, proxies one tool call, recording
// an audit entry either way.
func (a *Arbiter) Execute(ctx context.Context, tenantID string, call models.ToolCall, skillTools []string, cap tenancy.Capability) models.ToolResult {
	start := time.Now()
	decision := Authorize(call.Name, string(call.Arguments), skillTools, cap)
	if !decision.Permitted {
		_ = a.audit.Append(ctx, audit.Entry{TenantID: tenantID, EventType: audit.ToolPermissionDenied,
			Payload: map[string]any{"tool": call.Name, "reason": decision.Reason}})
		return models.ToolResult{ToolCallID: call.ID, Success: false, Error: decision.Reason, Permitted: false}
	}
	_ = a.audit.Append(ctx, audit.Entry{TenantID: tenantID, EventType: audit.ToolRequested,
		Payload: map[string]any{"tool": call.Name}})

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.PerToolTimeout)
	defer cancel()
	result, err := a.caller.Call(callCtx, tenantID, call.Name, call.Arguments)
	duration := time.Since(start)
	if err != nil {
		_ = a.audit.Append(ctx, audit.Entry{TenantID: tenantID, EventType: audit.ToolFailed,
			Payload: map[string]any{"tool": call.Name, "error": err.Error()}})
		return models.ToolResult{ToolCallID: call.ID, Success: false, Error: err.Error(), Duration: duration, Permitted: true}
	}
	_ = a.audit.Append(ctx, audit.Entry{TenantID: tenantID, EventType: audit.ToolSucceeded,
		Payload: map[string]any{"tool": call.Name, "duration_ms": duration.Milliseconds()}})
	return models.ToolResult{ToolCallID: call.ID, Success: true, Result: result, Duration: duration, Permitted: true}
}

// indexedResult pairs a tool result with its position in the input slice
// so concurrent completion can be reassembled in submission order.
type indexedResult struct {
	index  int
	result models.ToolResult
}

// ExecuteConcurrently arbitrates and executes every call in toolCalls,
// bounded by the configured concurrency, returning results in input order.
func (a *Arbiter) ExecuteConcurrently(ctx context.Context, tenantID string, toolCalls []models.ToolCall, eligibleSkills []skills.Manifest, cap tenancy.Capability) []models.ToolResult {
	results := make([]models.ToolResult, len(toolCalls))
	skillTools := toolNamesFromSkills(eligibleSkills)

	sem := make(chan struct{}, a.cfg.Concurrency)
	var wg sync.WaitGroup
	resultsCh := make(chan indexedResult, len(toolCalls))

	for i, call := range toolCalls {
		wg.Add(1)
		go func(idx int, tc models.ToolCall) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				resultsCh <- indexedResult{idx, models.ToolResult{ToolCallID: tc.ID, Success: false, Error: "context canceled"}}
				return
			}
			resultsCh <- indexedResult{idx, a.Execute(ctx, tenantID, tc, skillTools, cap)}
		}(i, call)
	}

	go func() {
		wg.Wait()
		close(resultsCh)
	}()
	for r := range resultsCh {
		results[r.index] = r.result
	}
	return results
}

func toolNamesFromSkills(manifests []skills.Manifest) []string {
	if len(manifests) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, m := range manifests {
		for _, t := range m.Tools {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}
