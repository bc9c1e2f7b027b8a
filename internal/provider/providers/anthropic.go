// Package providers implements LLMProvider for each downstream backend.
package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/governedrun/runtime/internal/provider"
	"github.com/governedrun/runtime/pkg/models"
)

// Anthropic wraps the official SDK client as an LLMProvider.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
}

func NewAnthropic(apiKey, baseURL, defaultModel string) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4-5"
	}
	return &Anthropic{client: anthropic.NewClient(opts...), defaultModel: defaultModel}
}

func (a *Anthropic) Name() string       { return "anthropic" }
func (a *Anthropic) SupportsTools() bool { return true }

func resultText(tr models.ToolResult) string {
	if !tr.Success && tr.Error != "" {
		return tr.Error
	}
	return tr.Result
}

func (a *Anthropic) model(req provider.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return a.defaultModel
}

func (a *Anthropic) params(req provider.Request) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model(req)),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			continue
		}
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, resultText(tr), !tr.Success))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return params, fmt.Errorf("invalid tool call input: %w", err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if msg.Role == "assistant" {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(content...))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(content...))
		}
	}
	for _, t := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Schema, &schema); err != nil {
			return params, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		toolParam.OfTool.Description = anthropic.String(t.Description)
		params.Tools = append(params.Tools, toolParam)
	}
	return params, nil
}

func (a *Anthropic) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	params, err := a.params(req)
	if err != nil {
		return provider.Response{}, err
	}
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return provider.Response{}, fmt.Errorf("anthropic: %w", err)
	}
	var resp provider.Response
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Text += variant.Text
		case anthropic.ToolUseBlock:
			raw, _ := json.Marshal(variant.Input)
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{ID: variant.ID, Name: variant.Name, Arguments: raw})
		}
	}
	resp.Usage = models.Usage{PromptTokens: msg.Usage.InputTokens, CompletionTokens: msg.Usage.OutputTokens,
		TotalTokens: msg.Usage.InputTokens + msg.Usage.OutputTokens}
	return resp, nil
}

func (a *Anthropic) Stream(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	params, err := a.params(req)
	if err != nil {
		return nil, err
	}
	out := make(chan provider.Chunk)
	stream := a.client.Messages.NewStreaming(ctx, params)
	go func() {
		defer close(out)
		var currentTool *models.ToolCall
		var toolInput []byte
		var inputTokens, outputTokens int64
		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				ms := event.AsMessageStart()
				inputTokens = ms.Message.Usage.InputTokens
			case "content_block_start":
				cb := event.AsContentBlockStart().ContentBlock
				if cb.Type == "tool_use" {
					tu := cb.AsToolUse()
					currentTool = &models.ToolCall{ID: tu.ID, Name: tu.Name}
					toolInput = nil
				}
			case "content_block_delta":
				d := event.AsContentBlockDelta().Delta
				switch d.Type {
				case "text_delta":
					if d.Text != "" {
						out <- provider.Chunk{Text: d.Text}
					}
				case "input_json_delta":
					toolInput = append(toolInput, []byte(d.PartialJSON)...)
				}
			case "content_block_stop":
				if currentTool != nil {
					currentTool.Arguments = toolInput
					out <- provider.Chunk{ToolCalls: []models.ToolCall{*currentTool}}
					currentTool = nil
				}
			case "message_delta":
				md := event.AsMessageDelta()
				outputTokens = md.Usage.OutputTokens
			case "message_stop":
				out <- provider.Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
				return
			}
		}
		if err := stream.Err(); err != nil {
			out <- provider.Chunk{Error: fmt.Errorf("anthropic stream: %w", err)}
		}
	}()
	return out, nil
}
