package memory

import (
	"context"
	"fmt"
	"strings"
)

// Completer is the narrow slice of the completion service the memory manager
// needs for summarization.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// SummarizationError reports that the completion service could not produce a
// summary. The prior summary is carried unchanged so no conversation content
// is lost on a transient failure.
type SummarizationError struct {
	PriorSummary string
	Err          error
}

func (e *SummarizationError) Error() string {
	return fmt.Sprintf("summarize conversation: %v", e.Err)
}

func (e *SummarizationError) Unwrap() error { return e.Err }

// Manager decides when a session's accumulated turns exceed the token budget
// and produces the bounded context handed to reply generation. It holds no
// per-session state: every decision is a function of the inputs, which keeps
// repeated calls on an unchanged history bit-identical.
type Manager struct {
	llm Completer
}

func NewManager(llm Completer) *Manager {
	return &Manager{llm: llm}
}

// BuildContext condenses a full ordered turn history (oldest to newest) into
// a context that fits budget.MaxTokens.
//
// Histories at or under the budget pass through verbatim with an empty
// summary. Over-budget histories are split by scanning from the newest turn
// backward and cutting at the first point the verbatim allowance
// (MaxTokens - ReservedForSummary) would be exceeded; the older segment plus
// the prior summary is folded into a fresh summary. The newest turn is always
// kept whole, even when it alone blows the budget: the budget is a soft
// ceiling, never a mid-turn truncation.
//
// On summarization failure the full history is returned verbatim together
// with a *SummarizationError so the caller can keep the conversation going
// over budget and retry the fold on a later call.
func (m *Manager) BuildContext(ctx context.Context, priorSummary string, history []Turn, budget Budget) (BoundedContext, error) {
	if len(history) == 0 {
		return BoundedContext{}, nil
	}

	if EstimateHistory(history) <= budget.MaxTokens {
		return BoundedContext{RecentTurns: history}, nil
	}

	older, newer := partition(history, budget)
	if len(older) == 0 {
		// A single oversized newest turn: nothing to fold, surface it whole.
		return BoundedContext{Summary: priorSummary, RecentTurns: newer}, nil
	}

	summary, err := m.Summarize(ctx, priorSummary, older)
	if err != nil {
		return BoundedContext{Summary: priorSummary, RecentTurns: history}, err
	}

	return BoundedContext{Summary: summary, RecentTurns: newer}, nil
}

// partition splits history into an older segment to be folded and a newer
// segment kept verbatim. The boundary scan runs newest-first; a turn that
// lands exactly on the allowance stays verbatim.
func partition(history []Turn, budget Budget) (older, newer []Turn) {
	allowance := budget.MaxTokens - budget.ReservedForSummary
	if allowance < 0 {
		allowance = 0
	}

	cut := len(history) - 1
	running := EstimateTurn(history[cut])
	for cut > 0 {
		next := running + EstimateTurn(history[cut-1])
		if next > allowance {
			break
		}
		running = next
		cut--
	}

	return history[:cut], history[cut:]
}

// Summarize folds the prior summary and the turns aging out of the verbatim
// window into one updated summary via the completion service. Summarization
// is cumulative: facts already condensed must survive the fold. The call is
// never retried here; retries are the caller's concern.
func (m *Manager) Summarize(ctx context.Context, priorSummary string, agingOut []Turn) (string, error) {
	if len(agingOut) == 0 {
		return priorSummary, nil
	}

	text, err := m.llm.Complete(ctx, summaryPrompt(priorSummary, agingOut))
	if err != nil {
		return priorSummary, &SummarizationError{PriorSummary: priorSummary, Err: err}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return priorSummary, &SummarizationError{PriorSummary: priorSummary, Err: fmt.Errorf("empty summary from completion service")}
	}
	return text, nil
}

const summaryInstruction = "You maintain the running summary of an ongoing business consulting conversation. " +
	"Fold the current summary and the new exchanges below into one updated summary. " +
	"Be faithful and concise. Preserve facts, figures, decisions made, and open questions " +
	"from both the current summary and the new exchanges. Keep chronological order. " +
	"Reply with the updated summary only."

func summaryPrompt(priorSummary string, agingOut []Turn) string {
	var b strings.Builder
	b.WriteString(summaryInstruction)
	b.WriteString("\n\nCurrent summary:\n")
	if strings.TrimSpace(priorSummary) == "" {
		b.WriteString("(none)")
	} else {
		b.WriteString(priorSummary)
	}
	b.WriteString("\n\nNew exchanges:\n")
	for _, t := range agingOut {
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	return b.String()
}
