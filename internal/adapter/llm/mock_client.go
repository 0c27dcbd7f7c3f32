package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MockClient answers without a model, for local runs and tests.
type MockClient struct {
	// Delay simulates inference latency.
	Delay time.Duration
}

// NewMockClient creates a new mock client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Ensure MockClient implements ChatClient interface.
var _ ChatClient = (*MockClient)(nil)

// CreateChatCompletion returns a canned answer derived from the prompt.
func (m *MockClient) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Delay):
		}
	}

	var prompt string
	if n := len(req.Messages); n > 0 {
		prompt = req.Messages[n-1].Content
	}
	content := fmt.Sprintf("## Summary\nMock analysis of %d characters of input.\n\n## Findings\n%s\n",
		len(prompt), truncate(strings.TrimSpace(prompt), 120))

	return &ChatCompletionResponse{
		ID:      fmt.Sprintf("mock-chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{
			{
				Index:        0,
				Message:      &ChatMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
		Usage: &Usage{
			PromptTokens:     len(prompt) / 4,
			CompletionTokens: len(content) / 4,
			TotalTokens:      (len(prompt) + len(content)) / 4,
		},
	}, nil
}

// truncate truncates a string to the given length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
