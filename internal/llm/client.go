package llm

import (
	"context"
	"fmt"
	"strings"
)

// Message is one chat message in a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the normalized request sent to the completion service.
type ChatRequest struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// ChatResponse is the completion service's reply.
type ChatResponse struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Client is the stateless completion capability consumed by the chat service
// and the memory manager. Neither method retries; retries, if any, belong to
// the caller.
type Client interface {
	// Complete runs a single-prompt completion (used for summarization).
	Complete(ctx context.Context, prompt string) (string, error)
	// Chat runs a full system-plus-messages completion (used for replies).
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// ServiceError reports a failed completion request. StatusCode is zero for
// transport-level failures.
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("completion service: %s", e.Message)
	}
	return fmt.Sprintf("completion service: status %d: %s", e.StatusCode, e.Message)
}

// Config controls client construction.
type Config struct {
	Mode         string // auto | openai | mock
	APIKey       string
	BaseURL      string
	ChatModel    string
	SummaryModel string
}

// NewClient selects a provider. Auto mode prefers the hosted API when a key
// is configured and falls back to the deterministic mock otherwise.
func NewClient(cfg Config) (Client, string, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, "", fmt.Errorf("LLM_PROVIDER=openai but OPENAI_API_KEY is not set")
		}
		return NewOpenAIClient(cfg), "openai", nil
	case "mock":
		return NewMockClient(), "mock", nil
	case "auto":
		if strings.TrimSpace(cfg.APIKey) != "" {
			return NewOpenAIClient(cfg), "openai", nil
		}
		return NewMockClient(), "mock", nil
	default:
		return nil, "", fmt.Errorf("unsupported llm provider %q (expected auto|openai|mock)", cfg.Mode)
	}
}
