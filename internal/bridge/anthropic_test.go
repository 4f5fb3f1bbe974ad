package bridge

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestToAnthropicMessagesSplitsSystemPromptOut(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "tool", ToolCallID: "t1", Content: "result"},
	}
	out, system := toAnthropicMessages(messages)
	if system != "be terse" {
		t.Errorf("system = %q, want %q", system, "be terse")
	}
	if len(out) != 3 {
		t.Fatalf("out has %d entries, want 3 (system is not emitted as a message)", len(out))
	}
}

func TestToAnthropicMessagesEncodesToolCallsOnAssistantTurn(t *testing.T) {
	messages := []Message{
		{Role: "assistant", ToolCalls: []ToolCallRequest{{ID: "t1", Name: "read_file", Args: map[string]any{"path": "/a"}}}},
	}
	out, _ := toAnthropicMessages(messages)
	if len(out) != 1 {
		t.Fatalf("out has %d entries, want 1", len(out))
	}
	if out[0].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("Role = %v, want assistant", out[0].Role)
	}
	if len(out[0].Content) != 1 {
		t.Fatalf("Content has %d blocks, want 1", len(out[0].Content))
	}
}

func TestToAnthropicMessagesSkipsEmptyAssistantTurn(t *testing.T) {
	messages := []Message{{Role: "assistant", Content: ""}}
	out, _ := toAnthropicMessages(messages)
	if len(out) != 0 {
		t.Errorf("out has %d entries, want 0 for an empty assistant turn with no tool calls", len(out))
	}
}

func TestToAnthropicToolsShapesEachSpec(t *testing.T) {
	tools := []ToolSpec{
		{Name: "read_file", Description: "reads a file", Parameters: map[string]any{"path": map[string]any{"type": "string"}}},
		{Name: "no_params"},
	}
	out := toAnthropicTools(tools)
	if len(out) != 2 {
		t.Fatalf("out has %d entries, want 2", len(out))
	}
	if out[0].Name != "read_file" {
		t.Errorf("out[0].Name = %q, want read_file", out[0].Name)
	}
}

func TestToAnthropicToolsEmptyInputYieldsNil(t *testing.T) {
	if out := toAnthropicTools(nil); out != nil {
		t.Errorf("toAnthropicTools(nil) = %v, want nil", out)
	}
}
