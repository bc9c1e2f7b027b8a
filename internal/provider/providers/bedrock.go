package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/governedrun/runtime/internal/provider"
	"github.com/governedrun/runtime/pkg/models"
)

// Bedrock wraps the AWS Bedrock runtime Converse API as an LLMProvider.
// Authentication and region selection follow the default AWS credential
// chain; callers needing explicit keys configure them through the
// standard AWS environment variables rather than a bespoke config field,
// since this runtime only ever runs in environments the operator already
// controls via IAM.
type Bedrock struct {
	client       *bedrockruntime.Client
	defaultModel string
}

func NewBedrock(ctx context.Context, region, defaultModel string) (*Bedrock, error) {
	if region == "" {
		region = "us-east-1"
	}
	if defaultModel == "" {
		defaultModel = "anthropic.claude-3-haiku-20240307-v1:0"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	return &Bedrock{client: bedrockruntime.NewFromConfig(awsCfg), defaultModel: defaultModel}, nil
}

func (b *Bedrock) Name() string        { return "bedrock" }
func (b *Bedrock) SupportsTools() bool  { return true }

func (b *Bedrock) model(req provider.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return b.defaultModel
}

func (b *Bedrock) messages(req provider.Request) []types.Message {
	var out []types.Message
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			continue
		}
		var content []types.ContentBlock
		if msg.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}
		for _, tr := range msg.ToolResults {
			status := types.ToolResultStatusSuccess
			if !tr.Success {
				status = types.ToolResultStatusError
			}
			content = append(content, &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
				ToolUseId: aws.String(tr.ToolCallID),
				Status:    status,
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: resultText(tr)}},
			}})
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			_ = json.Unmarshal(tc.Arguments, &input)
			content = append(content, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
				ToolUseId: aws.String(tc.ID), Name: aws.String(tc.Name), Input: document.NewLazyDocument(input),
			}})
		}
		role := types.ConversationRoleUser
		if msg.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}
		out = append(out, types.Message{Role: role, Content: content})
	}
	return out
}

func (b *Bedrock) toolConfig(req provider.Request) *types.ToolConfiguration {
	if len(req.Tools) == 0 {
		return nil
	}
	var tools []types.Tool
	for _, t := range req.Tools {
		var schema map[string]any
		_ = json.Unmarshal(t.Schema, &schema)
		tools = append(tools, &types.ToolMemberToolSpec{Value: types.ToolSpec{
			Name: aws.String(t.Name), Description: aws.String(t.Description),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
		}})
	}
	return &types.ToolConfiguration{Tools: tools}
}

func (b *Bedrock) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(b.model(req)),
		Messages: b.messages(req),
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}
	input.ToolConfig = b.toolConfig(req)

	out, err := b.client.Converse(ctx, input)
	if err != nil {
		return provider.Response{}, fmt.Errorf("bedrock: %w", err)
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return provider.Response{}, fmt.Errorf("bedrock: unexpected output shape")
	}
	var resp provider.Response
	for _, block := range msg.Value.Content {
		switch v := block.(type) {
		case *types.ContentBlockMemberText:
			resp.Text += v.Value
		case *types.ContentBlockMemberToolUse:
			var raw map[string]any
			_ = v.Value.Input.UnmarshalSmithyDocument(&raw)
			args, _ := json.Marshal(raw)
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{ID: aws.ToString(v.Value.ToolUseId), Name: aws.ToString(v.Value.Name), Arguments: args})
		}
	}
	if out.Usage != nil {
		resp.Usage = models.Usage{
			PromptTokens: int64(aws.ToInt32(out.Usage.InputTokens)), CompletionTokens: int64(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens: int64(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	return resp, nil
}

// Stream uses ConverseStream, the streaming counterpart of Complete.
func (b *Bedrock) Stream(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(b.model(req)),
		Messages: b.messages(req),
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}
	input.ToolConfig = b.toolConfig(req)

	stream, err := b.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	out := make(chan provider.Chunk)
	go func() {
		defer close(out)
		var toolID, toolName string
		var toolInput []byte
		for event := range stream.GetStream().Events() {
			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if tu, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					toolID, toolName = aws.ToString(tu.Value.ToolUseId), aws.ToString(tu.Value.Name)
					toolInput = nil
				}
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch d := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					out <- provider.Chunk{Text: d.Value}
				case *types.ContentBlockDeltaMemberToolUse:
					toolInput = append(toolInput, []byte(aws.ToString(d.Value.Input))...)
				}
			case *types.ConverseStreamOutputMemberContentBlockStop:
				if toolID != "" {
					out <- provider.Chunk{ToolCalls: []models.ToolCall{{ID: toolID, Name: toolName, Arguments: toolInput}}}
					toolID = ""
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				out <- provider.Chunk{Done: true}
			}
		}
		if err := stream.GetStream().Err(); err != nil {
			out <- provider.Chunk{Error: fmt.Errorf("bedrock stream: %w", err)}
		}
	}()
	return out, nil
}
