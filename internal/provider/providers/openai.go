package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/governedrun/runtime/internal/provider"
	"github.com/governedrun/runtime/pkg/models"
)

// OpenAI wraps go-openai's chat completion client.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
}

func NewOpenAI(apiKey, baseURL, defaultModel string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), defaultModel: defaultModel}
}

func (o *OpenAI) Name() string        { return "openai" }
func (o *OpenAI) SupportsTools() bool { return true }

func (o *OpenAI) model(req provider.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return o.defaultModel
}

func (o *OpenAI) messages(req provider.Request) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, msg := range req.Messages {
		role := msg.Role
		if role == "" {
			role = openai.ChatMessageRoleUser
		}
		cm := openai.ChatCompletionMessage{Role: role, Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID: tc.ID, Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: tc.Name, Arguments: string(tc.Arguments)},
			})
		}
		out = append(out, cm)
		for _, tr := range msg.ToolResults {
			out = append(out, openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleTool, ToolCallID: tr.ToolCallID, Content: resultText(tr),
			})
		}
	}
	return out
}

func (o *OpenAI) tools(req provider.Request) []openai.Tool {
	var out []openai.Tool
	for _, t := range req.Tools {
		var params map[string]any
		_ = json.Unmarshal(t.Schema, &params)
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	return out
}

func (o *OpenAI) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	chatReq := openai.ChatCompletionRequest{Model: o.model(req), Messages: o.messages(req)}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = o.tools(req)
	}
	resp, err := o.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return provider.Response{}, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return provider.Response{}, fmt.Errorf("openai: empty response")
	}
	choice := resp.Choices[0]
	out := provider.Response{
		Text: choice.Message.Content,
		Usage: models.Usage{
			PromptTokens: int64(resp.Usage.PromptTokens), CompletionTokens: int64(resp.Usage.CompletionTokens),
			TotalTokens: int64(resp.Usage.TotalTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: json.RawMessage(tc.Function.Arguments)})
	}
	return out, nil
}

func (o *OpenAI) Stream(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	chatReq := openai.ChatCompletionRequest{Model: o.model(req), Messages: o.messages(req), Stream: true}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = o.tools(req)
	}
	stream, err := o.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	out := make(chan provider.Chunk)
	go func() {
		defer close(out)
		defer stream.Close()
		// OpenAI streams parallel tool calls as interleaved deltas keyed by
		// index; accumulate each by index and flush all of them together
		// once the model signals it's done, so a multi-tool-call turn
		// arrives as one Chunk carrying every call rather than one-at-a-time.
		calls := map[int]*models.ToolCall{}
		var order []int
		args := map[int]string{}
		for {
			resp, err := stream.Recv()
			if err == io.EOF {
				out <- provider.Chunk{Done: true}
				return
			}
			if err != nil {
				out <- provider.Chunk{Error: fmt.Errorf("openai stream: %w", err)}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if delta.Content != "" {
				out <- provider.Chunk{Text: delta.Content}
			}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				if tc.ID != "" {
					calls[idx] = &models.ToolCall{ID: tc.ID, Name: tc.Function.Name}
					order = append(order, idx)
				}
				args[idx] += tc.Function.Arguments
			}
			if resp.Choices[0].FinishReason != "" && len(calls) > 0 {
				toolCalls := make([]models.ToolCall, 0, len(order))
				for _, idx := range order {
					call := calls[idx]
					call.Arguments = json.RawMessage(args[idx])
					toolCalls = append(toolCalls, *call)
				}
				out <- provider.Chunk{ToolCalls: toolCalls}
				calls = map[int]*models.ToolCall{}
				order = nil
				args = map[int]string{}
			}
		}
	}()
	return out, nil
}
