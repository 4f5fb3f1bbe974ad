package bridge

import (
	"context"
	"fmt"
)

// MockBridge parrots the user's message back, used as the default
// backend so the adapter runs end to end with no API keys configured.
// Grounded on the upstream assistant's own MockLLMClient.
type MockBridge struct{}

func NewMockBridge() *MockBridge { return &MockBridge{} }

func (m *MockBridge) Version() string { return "mock-1" }

func (m *MockBridge) CheckAuth(ctx context.Context) error { return nil }

func (m *MockBridge) Close() error { return nil }

func (m *MockBridge) DriveTurn(ctx context.Context, messages *[]Message, userText string, tools []ToolSpec, cb Callbacks) error {
	step := func(ctx context.Context, messages []Message, tools []ToolSpec) (Message, error) {
		return Message{
			Role:    "assistant",
			Content: fmt.Sprintf("mock bridge received: %q (%d tools available)", userText, len(tools)),
		}, nil
	}
	return runLoop(ctx, step, messages, userText, tools, cb)
}
