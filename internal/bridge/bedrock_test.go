package bridge

import (
	"encoding/json"
	"testing"
)

func TestToBedrockMessagesShapesEachRole(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "list files"},
		{Role: "assistant", ToolCalls: []ToolCallRequest{{ID: "t1", Name: "list_directory", Args: map[string]any{"path": "."}}}},
		{Role: "tool", ToolCallID: "t1", Content: "a.go\nb.go"},
		{Role: "assistant", Content: "done"},
	}

	out, system := toBedrockMessages(messages)
	if system != "be terse" {
		t.Errorf("system = %q, want %q", system, "be terse")
	}
	if len(out) != 4 {
		t.Fatalf("out has %d entries, want 4 (system is pulled out, not emitted as a message)", len(out))
	}
	if out[0]["role"] != "user" {
		t.Errorf("out[0].role = %v, want user", out[0]["role"])
	}
	if out[3]["role"] != "assistant" {
		t.Errorf("out[3].role = %v, want assistant", out[3]["role"])
	}
}

func TestBedrockRequestBodyIncludesToolsWhenPresent(t *testing.T) {
	body, err := bedrockRequestBody(nil, "sys", []ToolSpec{{Name: "read_file", Description: "reads a file"}})
	if err != nil {
		t.Fatalf("bedrockRequestBody: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["system"] != "sys" {
		t.Errorf("system = %v, want sys", decoded["system"])
	}
	tools, ok := decoded["tools"].([]any)
	if !ok || len(tools) != 1 {
		t.Fatalf("tools = %v", decoded["tools"])
	}
}

func TestBedrockRequestBodyOmitsToolsWhenEmpty(t *testing.T) {
	body, err := bedrockRequestBody(nil, "", nil)
	if err != nil {
		t.Fatalf("bedrockRequestBody: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := decoded["tools"]; ok {
		t.Error("tools key should be absent when no tools are offered")
	}
	if _, ok := decoded["system"]; ok {
		t.Error("system key should be absent when empty")
	}
}

func TestFromBedrockResponseExtractsTextAndToolUse(t *testing.T) {
	raw := `{"content":[{"type":"text","text":"here you go"},{"type":"tool_use","id":"call_1","name":"read_file","input":{"path":"/a"}}]}`
	msg, err := fromBedrockResponse([]byte(raw))
	if err != nil {
		t.Fatalf("fromBedrockResponse: %v", err)
	}
	if msg.Content != "here you go" {
		t.Errorf("Content = %q", msg.Content)
	}
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Name != "read_file" {
		t.Errorf("ToolCalls = %+v", msg.ToolCalls)
	}
}

func TestFromBedrockResponseSynthesizesMissingToolUseID(t *testing.T) {
	raw := `{"content":[{"type":"tool_use","name":"run_command","input":{}}]}`
	msg, err := fromBedrockResponse([]byte(raw))
	if err != nil {
		t.Fatalf("fromBedrockResponse: %v", err)
	}
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].ID == "" {
		t.Errorf("ToolCalls = %+v, want a synthesized non-empty id", msg.ToolCalls)
	}
}

func TestFromBedrockResponseSurfacesAPIError(t *testing.T) {
	raw := `{"error":{"type":"invalid_request_error","message":"bad model id"}}`
	if _, err := fromBedrockResponse([]byte(raw)); err == nil {
		t.Fatal("expected an error when the response body carries an error field")
	}
}

func TestFromBedrockResponseRejectsMalformedJSON(t *testing.T) {
	if _, err := fromBedrockResponse([]byte("not json")); err == nil {
		t.Fatal("expected an error for malformed response JSON")
	}
}
