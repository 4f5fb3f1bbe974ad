package bridge

import (
	"context"
	"os"
	"strconv"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/m4xw311/acpadapter/internal/failure"
)

// GeminiBridge drives a turn against the Google Gemini API. Grounded on
// the upstream assistant's llm/gemini.go conversion logic; unlike the
// original, function calls are surfaced as ToolCallRequest and executed
// by the shared runLoop rather than inline in response processing, so
// Gemini tool calls get the same tool_call/tool_call_update reporting as
// every other backend.
type GeminiBridge struct {
	model *genai.GenerativeModel
}

// NewGeminiBridge requires GEMINI_API_KEY.
func NewGeminiBridge(ctx context.Context, modelName string) (*GeminiBridge, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, failure.Newf(failure.KindValidation, "GEMINI_API_KEY environment variable not set")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, failure.Wrapf(err, "creating genai client")
	}
	return &GeminiBridge{model: client.GenerativeModel(modelName)}, nil
}

func (b *GeminiBridge) Version() string { return "gemini:" + b.model.Name() }

func (b *GeminiBridge) CheckAuth(ctx context.Context) error {
	_, err := b.model.CountTokens(ctx, genai.Text("ping"))
	if err != nil {
		return failure.WrapfKind(failure.KindPermission, err, "validating Gemini credentials")
	}
	return nil
}

func (b *GeminiBridge) Close() error { return nil }

func (b *GeminiBridge) DriveTurn(ctx context.Context, messages *[]Message, userText string, tools []ToolSpec, cb Callbacks) error {
	b.model.Tools = toGeminiTools(tools)
	return runLoop(ctx, b.step, messages, userText, tools, cb)
}

func (b *GeminiBridge) step(ctx context.Context, messages []Message, tools []ToolSpec) (Message, error) {
	history := toGeminiContent(messages)
	if len(history) == 0 {
		return Message{Role: "assistant"}, nil
	}
	last := history[len(history)-1]

	chat := b.model.StartChat()
	chat.History = history[:len(history)-1]

	resp, err := chat.SendMessage(ctx, last.Parts...)
	if err != nil {
		return Message{}, failure.Wrapf(err, "calling Gemini generateContent")
	}
	return fromGeminiResponse(resp)
}

func toGeminiContent(messages []Message) []*genai.Content {
	var out []*genai.Content
	for _, msg := range messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		out = append(out, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(msg.Content)}})
	}
	return out
}

func toGeminiTools(tools []ToolSpec) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	var decls []*genai.FunctionDeclaration
	for _, t := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"args": {Type: genai.TypeObject, Description: "Arguments for the function call, as a map."},
				},
				Required: []string{"args"},
			},
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func fromGeminiResponse(resp *genai.GenerateContentResponse) (Message, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Message{}, failure.Newf(failure.KindProtocol, "received an empty response from Gemini")
	}

	var content string
	var calls []ToolCallRequest

	for i, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			content += string(v)
		case genai.FunctionCall:
			args, _ := v.Args["args"].(map[string]any)
			calls = append(calls, ToolCallRequest{ID: functionCallID(v.Name, i), Name: v.Name, Args: args})
		}
	}
	return Message{Role: "assistant", Content: content, ToolCalls: calls}, nil
}

// functionCallID synthesizes a stable id for a Gemini function call, which
// (unlike Anthropic/OpenAI) does not assign one itself.
func functionCallID(name string, index int) string {
	return name + "#" + strconv.Itoa(index)
}
