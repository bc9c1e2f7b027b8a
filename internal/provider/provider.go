// Package provider abstracts the downstream LLM backends (Anthropic,
// OpenAI, Bedrock) behind one interface and layers retry, failover, and a
// circuit breaker on top. The interface shape and the transient-error
// classification are adapted from the teacher's internal/agent/providers
// package (AnthropicProvider/OpenAIProvider's Complete/isRetryableError),
// collapsed from a streaming-chunk channel API to a single synchronous
// call plus an explicit Stream method, and extended with a circuit
// breaker the teacher's per-call retry loop did not have.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/governedrun/runtime/pkg/models"
)

// Request is one completion call.
type Request struct {
	Model          string
	System         string
	Messages       []models.Message
	Tools          []ToolDef
	MaxTokens      int
	EnableThinking bool
}

// ToolDef is a tool schema exposed to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      []byte // JSON schema
}

// Chunk is one streamed piece of a completion.
type Chunk struct {
	Text         string
	ToolCalls    []models.ToolCall
	Done         bool
	InputTokens  int64
	OutputTokens int64
	Error        error
}

// Response is a non-streaming completion result. ToolCalls holds every
// tool_use/tool_calls entry the model emitted in this turn, not just the
// first — a turn can request more than one concurrent call.
type Response struct {
	Text      string
	ToolCalls []models.ToolCall
	Usage     models.Usage
}

// LLMProvider is implemented by each backend.
type LLMProvider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
	SupportsTools() bool
}

// transientMarkers mirrors the teacher's isRetryableError substring
// classification: rate limiting, 5xx, timeouts, and connection resets are
// the retryable error class; anything else (auth, validation, 4xx other
// than 429) is permanent.
var transientMarkers = []string{
	"rate_limit", "429", "too many requests",
	"500", "502", "503", "504",
	"internal server error", "bad gateway", "service unavailable", "gateway timeout",
	"timeout", "deadline exceeded",
	"connection reset", "connection refused", "no such host", "eof",
}

// IsTransient classifies an error as retryable.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// RetryConfig configures the backoff schedule, matching the teacher's
// retry.Config shape (initial delay, max delay, exponential factor,
// jitter).
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second, Factor: 2.0, Jitter: true}
}

func backoff(cfg RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Factor, float64(attempt-1))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		delay *= 0.5 + rand.Float64() // #nosec G404 -- jitter does not need cryptographic randomness
	}
	return time.Duration(delay)
}

// breakerState is a per-provider circuit breaker: three consecutive failed
// calls (transient or permanent, each counted once after its retries) open
// the circuit for a cooldown window. Once the window has passed every call
// is let through again; the failure count is reset only by a success, so
// the next failure reopens the circuit at once.
type breakerState struct {
	mu            sync.Mutex
	consecutive   int
	openUntil     time.Time
	openThreshold int
	cooldown      time.Duration
}

func newBreaker() *breakerState {
	return &breakerState{openThreshold: 3, cooldown: 30 * time.Second}
}

func (b *breakerState) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Now().After(b.openUntil)
}

func (b *breakerState) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.openUntil = time.Time{}
}

func (b *breakerState) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	if b.consecutive >= b.openThreshold {
		b.openUntil = time.Now().Add(b.cooldown)
	}
}

// ErrCircuitOpen is returned when a provider's breaker is open.
var ErrCircuitOpen = errors.New("provider circuit open")

// Router tries providers in priority order, retrying each with backoff
// before failing over to the next, per provider circuit breaker state.
type Router struct {
	providers []LLMProvider
	breakers  map[string]*breakerState
	retry     RetryConfig
}

func NewRouter(retry RetryConfig, providers ...LLMProvider) *Router {
	breakers := make(map[string]*breakerState, len(providers))
	for _, p := range providers {
		breakers[p.Name()] = newBreaker()
	}
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryConfig()
	}
	return &Router{providers: providers, breakers: breakers, retry: retry}
}

// Complete tries each provider in order, retrying transient failures per
// provider before moving to the next. The first success wins; if every
// provider is exhausted the last error is returned.
func (r *Router) Complete(ctx context.Context, req Request) (Response, string, error) {
	var lastErr error
	for _, p := range r.providers {
		breaker := r.breakers[p.Name()]
		if !breaker.allow() {
			lastErr = fmt.Errorf("%s: %w", p.Name(), ErrCircuitOpen)
			continue
		}
		resp, err := r.completeWithRetry(ctx, p, req)
		if err == nil {
			breaker.recordSuccess()
			return resp, p.Name(), nil
		}
		breaker.recordFailure()
		lastErr = fmt.Errorf("%s: %w", p.Name(), err)
	}
	return Response{}, "", lastErr
}

func (r *Router) completeWithRetry(ctx context.Context, p LLMProvider, req Request) (Response, error) {
	var lastErr error
	for attempt := 1; attempt <= r.retry.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		resp, err := p.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return Response{}, err
		}
		if attempt == r.retry.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(backoff(r.retry, attempt)):
		}
	}
	return Response{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Stream opens a stream against the first available (breaker-closed)
// provider in priority order. Streaming does not fail over mid-stream:
// once a chunk has reached the caller, switching providers would produce
// a response that is not reproducible from a single trace.
func (r *Router) Stream(ctx context.Context, req Request) (<-chan Chunk, string, error) {
	var lastErr error
	for _, p := range r.providers {
		breaker := r.breakers[p.Name()]
		if !breaker.allow() {
			lastErr = fmt.Errorf("%s: %w", p.Name(), ErrCircuitOpen)
			continue
		}
		ch, err := p.Stream(ctx, req)
		if err != nil {
			breaker.recordFailure()
			lastErr = fmt.Errorf("%s: %w", p.Name(), err)
			continue
		}
		breaker.recordSuccess()
		return ch, p.Name(), nil
	}
	return nil, "", lastErr
}
