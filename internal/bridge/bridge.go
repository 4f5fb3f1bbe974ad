// Package bridge implements the agent bridge facade (C11): a single
// opaque interface hiding whichever upstream assistant SDK is configured,
// so the adapter orchestrator (C10) never branches on backend identity.
// Grounded on the upstream assistant's own llm package, which defines an
// LLMClient interface with one Chat method per backend; generalized here
// into a facade whose DriveTurn owns the whole tool-call loop internally
// (report tool_call, execute via the caller's callback, feed the result
// back, repeat) instead of leaving that loop to the caller.
package bridge

import (
	"context"

	"github.com/m4xw311/acpadapter/internal/failure"
)

// Message is one turn of conversation history, in the facade's own
// backend-agnostic shape.
type Message struct {
	Role       string // "user", "assistant", "tool", "system"
	Content    string
	ToolCalls  []ToolCallRequest
	ToolCallID string // set on Role == "tool": which call this answers
}

// ToolCallRequest is one tool invocation the assistant asked for.
type ToolCallRequest struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolSpec describes one tool available to the assistant for this turn.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Callbacks lets DriveTurn report progress and delegate tool execution to
// the caller (which routes through the tool dispatcher, C6) without the
// bridge itself depending on that package.
type Callbacks struct {
	OnAssistantChunk func(text string)
	OnToolCall       func(call ToolCallRequest)
	ExecuteTool      func(ctx context.Context, call ToolCallRequest) (resultText string, err error)
}

// AssistantBridge is the facade every concrete backend implements.
type AssistantBridge interface {
	Version() string
	CheckAuth(ctx context.Context) error
	Close() error
	DriveTurn(ctx context.Context, messages *[]Message, userText string, tools []ToolSpec, cb Callbacks) error
}

// stepFunc performs one request/response round trip against a concrete
// backend: given the conversation so far and the available tools, return
// the assistant's next message (which may itself carry tool calls).
type stepFunc func(ctx context.Context, messages []Message, tools []ToolSpec) (Message, error)

// maxToolIterations bounds a single DriveTurn call so a misbehaving
// backend that always asks for another tool call cannot loop forever.
const maxToolIterations = 25

// runLoop is the tool-call loop shared by every concrete bridge: append
// the user's message, call step, and if the assistant asked for tool
// calls, execute each via cb.ExecuteTool and feed the results back as
// new messages, repeating until the assistant responds with none.
func runLoop(ctx context.Context, step stepFunc, messages *[]Message, userText string, tools []ToolSpec, cb Callbacks) error {
	*messages = append(*messages, Message{Role: "user", Content: userText})

	for i := 0; i < maxToolIterations; i++ {
		assistant, err := step(ctx, *messages, tools)
		if err != nil {
			return err
		}
		*messages = append(*messages, assistant)

		if assistant.Content != "" && cb.OnAssistantChunk != nil {
			cb.OnAssistantChunk(assistant.Content)
		}

		if len(assistant.ToolCalls) == 0 {
			return nil
		}

		for _, call := range assistant.ToolCalls {
			if cb.OnToolCall != nil {
				cb.OnToolCall(call)
			}

			var resultText string
			if cb.ExecuteTool != nil {
				resultText, err = cb.ExecuteTool(ctx, call)
				if err != nil {
					resultText = "error: " + err.Error()
				}
			}
			*messages = append(*messages, Message{Role: "tool", Content: resultText, ToolCallID: call.ID})
		}
	}

	return failure.Newf(failure.KindProtocol, "exceeded maximum tool-call iterations (%d) in a single turn", maxToolIterations)
}
