// Package models holds the domain types shared across the execution
// pipeline: usage/cost accounting, tool calls and their results,
// conversation messages, trace steps, and the session key.
package models

import (
	"encoding/json"
	"time"
)

// Usage accumulates token counts for one model call or one trace.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Add accumulates another usage sample in place.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Cost is the dollar breakdown for a model call, always carrying the model
// name that produced it even when pricing was unknown (cost is then zero).
type Cost struct {
	Model        string  `json:"model"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	InputCost    float64 `json:"inputCost"`
	OutputCost   float64 `json:"outputCost"`
	TotalCost    float64 `json:"totalCost"`
	Currency     string  `json:"currency"`
}

// ToolCall is a normalized tool invocation request extracted from model
// output, regardless of which encoding shape the provider used.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of proxying a ToolCall to the control plane.
type ToolResult struct {
	ToolCallID string        `json:"tool_call_id"`
	Success    bool          `json:"success"`
	Result     string        `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	Permitted  bool          `json:"permitted"`
}

// Message is one turn in a conversation history.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// StepKind is the closed set of trace step kinds.
type StepKind string

const (
	StepModelCall  StepKind = "model_call"
	StepToolCall   StepKind = "tool_call"
	StepToolResult StepKind = "tool_result"
	StepError      StepKind = "error"
)

// Step is one appended entry of a trace.
type Step struct {
	Kind      StepKind        `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Duration  time.Duration   `json:"duration"`
	ToolCall  *ToolCall       `json:"tool_call,omitempty"`
	Result    *ToolResult     `json:"result,omitempty"`
	Usage     *Usage          `json:"usage,omitempty"`
	Cost      *Cost           `json:"cost,omitempty"`
	Error     string          `json:"error,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// SessionKey is the composite conversation identity: kind=user, user id,
// agent role.
type SessionKey struct {
	Kind     string `json:"kind"`
	UserID   string `json:"user_id"`
	AgentRole string `json:"agent_role"`
}

// String renders the canonical "user:<id>:<role>" form used on the wire.
func (k SessionKey) String() string {
	return k.Kind + ":" + k.UserID + ":" + k.AgentRole
}
