package reasoning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/friddaylabs/fridday/internal/llm"
	"github.com/friddaylabs/fridday/internal/memory"
)

// Stage names one step of the linear reflection flow.
type Stage string

const (
	StageGenerating Stage = "generating"
	StageReflecting Stage = "reflecting"
	StageRevising   Stage = "revising"
	StageFinalized  Stage = "finalized"
)

// Step records one completed stage, in order.
type Step struct {
	Stage   Stage     `json:"stage"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// StepHandler receives steps as they complete, for streaming surfaces.
type StepHandler func(Step)

// Input carries everything the pipeline needs for one reply.
type Input struct {
	System    string
	Summary   string
	Recent    []memory.Turn
	UserInput string
}

// Result is the finished reply plus the reasoning trail.
type Result struct {
	FinalAnswer string
	Steps       []Step
	Revised     bool
}

// approvedMarker is what the reflection step must lead with to skip revision.
const approvedMarker = "APPROVED"

// Pipeline runs the fixed generate -> reflect -> revise -> finalize sequence.
// The flow is linear and non-branching: reflection either approves the draft
// or produces a critique that drives exactly one revision pass.
type Pipeline struct {
	client llm.Client
	now    func() time.Time
}

func New(client llm.Client) *Pipeline {
	return &Pipeline{client: client, now: time.Now}
}

func (p *Pipeline) Run(ctx context.Context, in Input, onStep StepHandler) (Result, error) {
	var res Result
	emit := func(stage Stage, content string) {
		step := Step{Stage: stage, Content: content, At: p.now().UTC()}
		res.Steps = append(res.Steps, step)
		if onStep != nil {
			onStep(step)
		}
	}

	draft, err := p.client.Chat(ctx, llm.ChatRequest{
		System:   in.System,
		Messages: p.conversation(in, in.UserInput),
	})
	if err != nil {
		return Result{}, fmt.Errorf("generate draft: %w", err)
	}
	emit(StageGenerating, draft.Text)

	critique, err := p.client.Chat(ctx, llm.ChatRequest{
		System: reflectSystem,
		Messages: []llm.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Question:\n%s\n\nDraft answer:\n%s", in.UserInput, draft.Text),
		}},
	})
	if err != nil {
		// A failed critique is not worth losing the draft over.
		emit(StageFinalized, draft.Text)
		res.FinalAnswer = draft.Text
		return res, nil
	}
	emit(StageReflecting, critique.Text)

	final := draft.Text
	if needsRevision(critique.Text) {
		revised, err := p.client.Chat(ctx, llm.ChatRequest{
			System: in.System,
			Messages: p.conversation(in, fmt.Sprintf(
				"%s\n\nYour draft answer:\n%s\n\nReviewer critique:\n%s\n\nRewrite the answer addressing the critique. Reply with the improved answer only.",
				in.UserInput, draft.Text, critique.Text,
			)),
		})
		if err != nil {
			emit(StageFinalized, draft.Text)
			res.FinalAnswer = draft.Text
			return res, nil
		}
		emit(StageRevising, revised.Text)
		final = revised.Text
		res.Revised = true
	}

	emit(StageFinalized, final)
	res.FinalAnswer = final
	return res, nil
}

// conversation renders the bounded context ahead of the prompt: the running
// summary as a system note, then the recent turns verbatim.
func (p *Pipeline) conversation(in Input, prompt string) []llm.Message {
	messages := make([]llm.Message, 0, len(in.Recent)+2)
	if strings.TrimSpace(in.Summary) != "" {
		messages = append(messages, llm.Message{
			Role:    "system",
			Content: "Conversation so far, summarized: " + in.Summary,
		})
	}
	for _, t := range in.Recent {
		messages = append(messages, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: prompt})
	return messages
}

const reflectSystem = "You review draft answers from a business consulting assistant. " +
	"If the draft fully answers the question, is accurate, and is well structured, reply with exactly APPROVED. " +
	"Otherwise list the concrete improvements needed, one per line."

func needsRevision(critique string) bool {
	return !strings.HasPrefix(strings.TrimSpace(critique), approvedMarker)
}
