package bridge

import (
	"context"
	"encoding/json"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/m4xw311/acpadapter/internal/failure"
)

// AnthropicBridge drives a turn against the Anthropic Messages API.
// Grounded on the upstream assistant's llm/anthropic.go message and tool
// conversion; generalized from its session.Message shape to bridge.Message
// and from a single Chat call to the shared DriveTurn loop.
type AnthropicBridge struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicBridge requires ANTHROPIC_API_KEY.
func NewAnthropicBridge(model string) (*AnthropicBridge, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, failure.Newf(failure.KindValidation, "ANTHROPIC_API_KEY environment variable not set")
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicBridge{client: &client, model: model}, nil
}

func (b *AnthropicBridge) Version() string { return "anthropic:" + b.model }

func (b *AnthropicBridge) CheckAuth(ctx context.Context) error {
	_, err := b.client.Models.Get(ctx, b.model)
	if err != nil {
		return failure.WrapfKind(failure.KindPermission, err, "validating Anthropic credentials")
	}
	return nil
}

func (b *AnthropicBridge) Close() error { return nil }

func (b *AnthropicBridge) DriveTurn(ctx context.Context, messages *[]Message, userText string, tools []ToolSpec, cb Callbacks) error {
	return runLoop(ctx, b.step, messages, userText, tools, cb)
}

func (b *AnthropicBridge) step(ctx context.Context, messages []Message, tools []ToolSpec) (Message, error) {
	apiMessages, systemPrompt := toAnthropicMessages(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: 4096,
		Messages:  apiMessages,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	for _, t := range toAnthropicTools(tools) {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &t})
	}

	resp, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return Message{}, failure.Wrapf(err, "calling Anthropic Messages API")
	}
	return fromAnthropicResponse(resp)
}

func toAnthropicMessages(messages []Message) ([]anthropic.MessageParam, string) {
	var out []anthropic.MessageParam
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				var blocks []anthropic.ContentBlockParamUnion
				for _, tc := range msg.ToolCalls {
					argsBytes, err := json.Marshal(tc.Args)
					if err != nil {
						continue
					}
					blocks = append(blocks, anthropic.ContentBlockParamUnion{
						OfToolUse: &anthropic.ToolUseBlockParam{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: argsBytes},
					})
				}
				out = append(out, anthropic.MessageParam{Role: anthropic.MessageParamRoleAssistant, Content: blocks})
			} else if msg.Content != "" {
				out = append(out, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: []anthropic.ContentBlockParamUnion{{OfText: &anthropic.TextBlockParam{Text: msg.Content}}},
				})
			}
		case "tool":
			out = append(out, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: msg.ToolCallID,
						Content:   []anthropic.ToolResultBlockParamContentUnion{{OfText: &anthropic.TextBlockParam{Text: msg.Content}}},
					},
				}},
			})
		case "system":
			systemPrompt = msg.Content
		}
	}
	return out, systemPrompt
}

func toAnthropicTools(tools []ToolSpec) []anthropic.ToolParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropic.ToolParam, 0, len(tools))
	for _, t := range tools {
		props := t.Parameters
		if props == nil {
			props = map[string]any{}
		}
		out = append(out, anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: props},
		})
	}
	return out
}

func fromAnthropicResponse(resp *anthropic.Message) (Message, error) {
	if len(resp.Content) == 0 {
		return Message{Role: "assistant"}, nil
	}

	var content string
	var calls []ToolCallRequest

	for _, block := range resp.Content {
		switch c := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += c.Text
		case anthropic.ToolUseBlock:
			var args map[string]any
			if err := json.Unmarshal(c.Input, &args); err != nil {
				return Message{}, failure.Wrapf(err, "unmarshaling Anthropic tool call input")
			}
			calls = append(calls, ToolCallRequest{ID: c.ID, Name: c.Name, Args: args})
		}
	}

	return Message{Role: "assistant", Content: content, ToolCalls: calls}, nil
}
