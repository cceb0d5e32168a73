package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockClient provides deterministic local replies when no hosted provider is
// configured.
type MockClient struct{}

func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) Complete(ctx context.Context, prompt string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	// Condensation requests get a stable stub summary so the memory manager
	// behaves end to end without a hosted API.
	if strings.Contains(prompt, "running summary") {
		return "Summary: " + firstLine(prompt, 120), nil
	}
	return "Noted: " + firstLine(prompt, 120), nil
}

func (c *MockClient) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	select {
	case <-ctx.Done():
		return ChatResponse{}, ctx.Err()
	default:
	}

	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	if last == "" {
		return ChatResponse{Text: "How can I help your business today?"}, nil
	}
	return ChatResponse{Text: fmt.Sprintf("Regarding %q: let's break that down step by step.", firstLine(last, 80))}, nil
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if len(s) > max {
		s = s[:max]
	}
	return s
}
