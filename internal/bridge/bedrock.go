package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/m4xw311/acpadapter/internal/failure"
)

// BedrockBridge drives a turn against an Anthropic model hosted on AWS
// Bedrock. Grounded on the upstream assistant's llm/bedrock.go, which
// hand-assembles the Anthropic-on-Bedrock wire format as raw maps because
// the Bedrock SDK has no typed Anthropic message model.
type BedrockBridge struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockBridge resolves AWS credentials from the environment/default
// chain (AWS_PROFILE, AWS_ACCESS_KEY_ID, instance role, ...).
func NewBedrockBridge(ctx context.Context, modelID string) (*BedrockBridge, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, failure.Wrapf(err, "loading AWS config")
	}
	return &BedrockBridge{client: bedrockruntime.NewFromConfig(cfg), modelID: modelID}, nil
}

func (b *BedrockBridge) Version() string { return "bedrock:" + b.modelID }

func (b *BedrockBridge) CheckAuth(ctx context.Context) error {
	_, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        []byte(`{"anthropic_version":"bedrock-2023-05-31","max_tokens":1,"messages":[{"role":"user","content":"ping"}]}`),
	})
	if err != nil {
		return failure.WrapfKind(failure.KindPermission, err, "validating Bedrock credentials")
	}
	return nil
}

func (b *BedrockBridge) Close() error { return nil }

func (b *BedrockBridge) DriveTurn(ctx context.Context, messages *[]Message, userText string, tools []ToolSpec, cb Callbacks) error {
	return runLoop(ctx, b.step, messages, userText, tools, cb)
}

func (b *BedrockBridge) step(ctx context.Context, messages []Message, tools []ToolSpec) (Message, error) {
	bedrockMessages, systemPrompt := toBedrockMessages(messages)
	body, err := bedrockRequestBody(bedrockMessages, systemPrompt, tools)
	if err != nil {
		return Message{}, failure.Wrapf(err, "building Bedrock request body")
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return Message{}, failure.Wrapf(err, "invoking Bedrock model %s", b.modelID)
	}
	return fromBedrockResponse(resp.Body)
}

func toBedrockMessages(messages []Message) ([]map[string]any, string) {
	var out []map[string]any
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			out = append(out, map[string]any{
				"role":    "user",
				"content": []map[string]any{{"type": "text", "text": msg.Content}},
			})
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				var uses []map[string]any
				for _, tc := range msg.ToolCalls {
					uses = append(uses, map[string]any{"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": tc.Args})
				}
				out = append(out, map[string]any{"role": "assistant", "content": uses})
			} else if msg.Content != "" {
				out = append(out, map[string]any{
					"role":    "assistant",
					"content": []map[string]any{{"type": "text", "text": msg.Content}},
				})
			}
		case "tool":
			out = append(out, map[string]any{
				"role": "user",
				"content": []map[string]any{{
					"type":        "tool_result",
					"tool_use_id": msg.ToolCallID,
					"content":     msg.Content,
				}},
			})
		case "system":
			systemPrompt = msg.Content
		}
	}
	return out, systemPrompt
}

func bedrockRequestBody(messages []map[string]any, systemPrompt string, tools []ToolSpec) ([]byte, error) {
	request := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        4096,
		"messages":          messages,
	}
	if systemPrompt != "" {
		request["system"] = systemPrompt
	}
	if len(tools) > 0 {
		var specs []map[string]any
		for _, t := range tools {
			params := t.Parameters
			if params == nil {
				params = map[string]any{}
			}
			specs = append(specs, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"input_schema": map[string]any{
					"type":       "object",
					"properties": params,
				},
			})
		}
		request["tools"] = specs
	}
	return json.Marshal(request)
}

func fromBedrockResponse(body []byte) (Message, error) {
	var resp map[string]any
	if err := json.Unmarshal(body, &resp); err != nil {
		return Message{}, failure.Wrapf(err, "unmarshaling Bedrock response")
	}
	if errMsg, ok := resp["error"]; ok {
		return Message{}, failure.Newf(failure.KindProtocol, "Bedrock API error: %v", errMsg)
	}

	content, ok := resp["content"].([]any)
	if !ok {
		return Message{Role: "assistant"}, nil
	}

	var responseContent string
	var calls []ToolCallRequest
	counter := 0

	for _, item := range content {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch m["type"] {
		case "text":
			if text, ok := m["text"].(string); ok {
				responseContent += text
			}
		case "tool_use":
			name, _ := m["name"].(string)
			input, _ := m["input"].(map[string]any)
			id, ok := m["id"].(string)
			if !ok {
				id = fmt.Sprintf("call_%d_%s", counter, name)
			}
			calls = append(calls, ToolCallRequest{ID: id, Name: name, Args: input})
			counter++
		}
	}

	return Message{Role: "assistant", Content: responseContent, ToolCalls: calls}, nil
}
