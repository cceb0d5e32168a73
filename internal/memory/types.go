package memory

import (
	"time"
	"unicode/utf8"
)

// Role identifies the author of a conversational turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is one message in a session's conversation log. Immutable once created.
type Turn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Budget is the immutable per-process token budget configuration.
type Budget struct {
	// MaxTokens is the maximum estimated size of the context handed to the
	// completion model.
	MaxTokens int
	// ReservedForSummary is the allowance carved out of MaxTokens for the
	// running summary text when older turns must be folded.
	ReservedForSummary int
}

// BoundedContext is the condensed view of a session handed to the
// reply-generation step: a running summary (possibly empty) plus the most
// recent turns kept verbatim.
type BoundedContext struct {
	Summary     string `json:"summary"`
	RecentTurns []Turn `json:"recent_turns"`
}

// EstimateTokens is the deterministic size proxy used for all budget
// decisions: one token per four runes, rounded up. It must stay monotonic in
// text length so partition decisions are reproducible across calls.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// EstimateTurn returns the estimated token cost of a single turn.
func EstimateTurn(t Turn) int {
	return EstimateTokens(t.Content)
}

// EstimateHistory returns the estimated token cost of a sequence of turns.
func EstimateHistory(turns []Turn) int {
	total := 0
	for _, t := range turns {
		total += EstimateTurn(t)
	}
	return total
}

// EstimateContext returns the estimated token cost of a bounded context,
// summary included.
func (c BoundedContext) EstimateContext() int {
	return EstimateTokens(c.Summary) + EstimateHistory(c.RecentTurns)
}
