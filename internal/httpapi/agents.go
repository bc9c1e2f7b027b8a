package httpapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/governedrun/runtime/internal/errs"
	"github.com/governedrun/runtime/internal/orchestrator"
	"github.com/governedrun/runtime/internal/tenancy"
	"github.com/governedrun/runtime/pkg/models"
)

type sendRequest struct {
	UserID               string            `json:"user_id"`
	SessionKind          string            `json:"session_kind"`
	AgentRole            string            `json:"agent_role"`
	Message              string            `json:"message"`
	History              []models.Message  `json:"history"`
	TaskID               string            `json:"task_id"`
	TaskTitle            string            `json:"task_title"`
	TaskDescription      string            `json:"task_description"`
	SystemPromptOverride string            `json:"system_prompt_override"`
	KickoffDocument      string            `json:"kickoff_document"`
	Timezone             string            `json:"timezone"`
	Workspace            string            `json:"workspace"`
	Environment          string            `json:"environment"`
	Webhook              *webhookRequest   `json:"webhook"`
}

type webhookRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

func (s *Server) handleAgentSend(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	if tenant == nil {
		writeError(w, errs.New(errs.AuthMissing, "no tenant in context"))
		return
	}
	var body sendRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Message == "" {
		writeError(w, errs.New(errs.Validation, "message is required"))
		return
	}
	req := toOrchestratorRequest(tenant, body)
	result, err := s.orchestrator.Execute(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func toOrchestratorRequest(tenant *tenancy.Tenant, body sendRequest) orchestrator.Request {
	req := orchestrator.Request{
		TenantID:             tenant.TenantID,
		UserID:               tenant.UserID,
		SessionKey:           models.SessionKey{Kind: body.SessionKind, UserID: tenant.UserID, AgentRole: body.AgentRole},
		Message:              body.Message,
		History:              body.History,
		TaskID:               body.TaskID,
		TaskTitle:            body.TaskTitle,
		TaskDescription:      body.TaskDescription,
		SystemPromptOverride: body.SystemPromptOverride,
		KickoffDocument:      body.KickoffDocument,
		Timezone:             body.Timezone,
		Workspace:            body.Workspace,
		Environment:          body.Environment,
	}
	if body.Webhook != nil {
		req.Webhook = &orchestrator.Webhook{URL: body.Webhook.URL, Secret: body.Webhook.Secret}
	}
	return req
}

func (s *Server) handleAgentStream(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	if tenant == nil {
		writeError(w, errs.New(errs.AuthMissing, "no tenant in context"))
		return
	}
	var body sendRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errs.New(errs.Internal, "streaming unsupported by this response writer"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	req := toOrchestratorRequest(tenant, body)
	events := make(chan orchestrator.StreamEvent)
	go s.orchestrator.Stream(r.Context(), req, events)

	bw := bufio.NewWriter(w)
	for ev := range events {
		payload, _ := json.Marshal(ev)
		fmt.Fprintf(bw, "event: %s\ndata: %s\n\n", ev.Type, payload)
		bw.Flush()
		flusher.Flush()
	}
}

type compactRequest struct {
	History      []models.Message `json:"history"`
	Instructions string           `json:"instructions"`
	KeepRecent   int              `json:"keep_recent"`
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	if tenant == nil {
		writeError(w, errs.New(errs.AuthMissing, "no tenant in context"))
		return
	}
	var body compactRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	compacted, usage, err := s.orchestrator.Compact(r.Context(), tenant.TenantID, body.History, body.Instructions, body.KeepRecent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": compacted, "usage": usage})
}

type llmTaskRequest struct {
	SystemPrompt string          `json:"system_prompt"`
	Input        string          `json:"input"`
	Schema       json.RawMessage `json:"schema"`
	Model        string          `json:"model"`
}

func (s *Server) handleLLMTask(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r)
	if tenant == nil {
		writeError(w, errs.New(errs.AuthMissing, "no tenant in context"))
		return
	}
	var body llmTaskRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Input == "" {
		writeError(w, errs.New(errs.Validation, "input is required"))
		return
	}
	output, usage, validated, err := s.orchestrator.Task(r.Context(), tenant.TenantID, body.SystemPrompt, body.Input, body.Schema, body.Model)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"output": output, "usage": usage, "validated": validated})
}
