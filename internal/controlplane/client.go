// Package controlplane is an outbound HTTP client for the SaaS control
// plane that owns tasks, messages, documents, and the tool catalog this
// runtime arbitrates against. Request shape (bearer agent token, JSON
// body, fixed timeout) follows the teacher's voice/twilio.go outbound
// client.
package controlplane

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Minter mints the outbound agent token attached to every request.
type Minter interface {
	Mint(tenantID, userID, role string) (string, error)
}

// Client calls the control plane's task, message, document, and tool
// endpoints on behalf of a tenant.
type Client struct {
	baseURL string
	http    *http.Client
	minter  Minter
}

func New(baseURL string, minter Minter) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}, minter: minter}
}

// Task is a unit of work assigned to the agent.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
}

// Message is one turn of conversation attached to a task.
type Message struct {
	ID      string `json:"id"`
	TaskID  string `json:"task_id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Document is a reference artifact attached to a task or workspace.
type Document struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	Content string `json:"content,omitempty"`
}

// ToolSpec describes one tool the control plane exposes for arbitration.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

func (c *Client) GetTask(ctx context.Context, tenantID, userID, taskID string) (Task, error) {
	var out Task
	err := c.do(ctx, tenantID, userID, http.MethodGet, "/api/mission-control/tasks/"+taskID, nil, "", &out)
	return out, err
}

// FindOrCreateTaskByTitle resolves a task by title via the control plane's
// find-or-create semantics: the same idempotency key for a given
// (tenant, title) pair means a retried call returns the same task instead
// of creating a duplicate.
func (c *Client) FindOrCreateTaskByTitle(ctx context.Context, tenantID, userID, title, description string) (Task, error) {
	var out Task
	body := struct {
		Title       string `json:"title"`
		Description string `json:"description,omitempty"`
	}{Title: title, Description: description}
	key := idempotencyKey(tenantID, "task", title)
	err := c.do(ctx, tenantID, userID, http.MethodPost, "/api/mission-control/tasks", body, key, &out)
	return out, err
}

func (c *Client) PostMessage(ctx context.Context, tenantID, userID string, msg Message) (Message, error) {
	var out Message
	key := idempotencyKey(tenantID, msg.TaskID, msg.Content)
	err := c.do(ctx, tenantID, userID, http.MethodPost, "/api/mission-control/messages", msg, key, &out)
	return out, err
}

func (c *Client) PostDocument(ctx context.Context, tenantID, userID string, doc Document) (Document, error) {
	var out Document
	key := idempotencyKey(tenantID, doc.Name, doc.Content)
	err := c.do(ctx, tenantID, userID, http.MethodPost, "/api/mission-control/documents", doc, key, &out)
	return out, err
}

func (c *Client) ListTools(ctx context.Context, tenantID, userID string) ([]ToolSpec, error) {
	var out []ToolSpec
	err := c.do(ctx, tenantID, userID, http.MethodGet, "/api/tools", nil, "", &out)
	return out, err
}

// Call invokes one tool by name with raw JSON arguments, satisfying
// toolarbiter.Caller.
func (c *Client) Call(ctx context.Context, tenantID, tool string, args []byte) (string, error) {
	body := struct {
		Args json.RawMessage `json:"args"`
	}{Args: args}
	var out struct {
		Result string `json:"result"`
	}
	key := idempotencyKey(tenantID, tool, string(args))
	err := c.do(ctx, tenantID, "", http.MethodPost, "/api/tools/"+tool+"/invoke", body, key, &out)
	return out.Result, err
}

// idempotencyKey derives a stable key from the request's identifying
// fields so retried deliveries are deduplicated by the control plane
// rather than double-applied.
func idempotencyKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Client) do(ctx context.Context, tenantID, userID, method, path string, body any, idempotencyKey string, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("controlplane: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("controlplane: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	token, err := c.minter.Mint(tenantID, userID, "agent")
	if err != nil {
		return fmt.Errorf("controlplane: mint agent token: %w", err)
	}
	req.Header.Set("X-Agent-Token", token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("controlplane: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("controlplane: %s %s: status %d: %s", method, path, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("controlplane: decode response: %w", err)
	}
	return nil
}
