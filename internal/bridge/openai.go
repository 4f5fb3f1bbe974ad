package bridge

import (
	"context"
	"encoding/json"
	"os"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/m4xw311/acpadapter/internal/failure"
)

// OpenAIBridge drives a turn against OpenAI's Chat Completions API.
// Grounded on the upstream assistant's llm/openai.go conversion logic.
type OpenAIBridge struct {
	client *openai.Client
	model  string
}

// NewOpenAIBridge requires OPENAI_API_KEY and honors OPENAI_BASE_URL for
// custom endpoints.
func NewOpenAIBridge(model string) (*OpenAIBridge, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, failure.Newf(failure.KindValidation, "OPENAI_API_KEY environment variable not set")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIBridge{client: &client, model: model}, nil
}

func (b *OpenAIBridge) Version() string { return "openai:" + b.model }

func (b *OpenAIBridge) CheckAuth(ctx context.Context) error {
	_, err := b.client.Models.Get(ctx, b.model)
	if err != nil {
		return failure.WrapfKind(failure.KindPermission, err, "validating OpenAI credentials")
	}
	return nil
}

func (b *OpenAIBridge) Close() error { return nil }

func (b *OpenAIBridge) DriveTurn(ctx context.Context, messages *[]Message, userText string, tools []ToolSpec, cb Callbacks) error {
	return runLoop(ctx, b.step, messages, userText, tools, cb)
}

func (b *OpenAIBridge) step(ctx context.Context, messages []Message, tools []ToolSpec) (Message, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(b.model),
		Messages: toOpenAIMessages(messages),
		Tools:    toOpenAITools(tools),
	}
	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Message{}, failure.Wrapf(err, "calling OpenAI chat completions")
	}
	return fromOpenAIResponse(resp)
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			assistant := openai.ChatCompletionMessage{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				argsBytes, err := json.Marshal(tc.Args)
				if err != nil {
					continue
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnion{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageFunctionToolCallFunction{
						Name:      tc.Name,
						Arguments: string(argsBytes),
					},
				})
			}
			out = append(out, assistant.ToParam())
		case "tool":
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func toOpenAITools(tools []ToolSpec) []openai.ChatCompletionToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		params := openai.FunctionParameters{"type": "object", "properties": map[string]any{}}
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  params,
		}))
	}
	return out
}

func fromOpenAIResponse(resp *openai.ChatCompletion) (Message, error) {
	if len(resp.Choices) == 0 {
		return Message{Role: "assistant"}, nil
	}
	choice := resp.Choices[0].Message

	var calls []ToolCallRequest
	for _, tc := range choice.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return Message{}, failure.Wrapf(err, "unmarshaling OpenAI tool call arguments")
		}
		calls = append(calls, ToolCallRequest{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}
	return Message{Role: "assistant", Content: choice.Content, ToolCalls: calls}, nil
}
