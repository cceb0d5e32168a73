package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/friddaylabs/fridday/internal/llm"
	"github.com/friddaylabs/fridday/internal/memory"
	"github.com/friddaylabs/fridday/internal/observability"
	"github.com/friddaylabs/fridday/internal/reasoning"
	"github.com/friddaylabs/fridday/internal/reliability"
	"github.com/friddaylabs/fridday/internal/router"
	"github.com/friddaylabs/fridday/internal/store"
)

var ErrEmptyMessage = errors.New("message must not be empty")

// Profile carries optional personalization fields supplied by the caller.
type Profile struct {
	Username             string `json:"username,omitempty"`
	CompanyName          string `json:"company_name,omitempty"`
	UserRole             string `json:"user_role,omitempty"`
	CommunicationTone    string `json:"communication_tone,omitempty"`
	AdditionalGuidelines string `json:"additional_guidelines,omitempty"`
}

type SendInput struct {
	SessionID string
	UserID    string
	Message   string
	Profile   *Profile
}

type SendOutput struct {
	SessionID        string           `json:"session_id"`
	TurnID           string           `json:"turn_id"`
	Reply            string           `json:"reply"`
	Route            router.Route     `json:"route"`
	RouteExplanation string           `json:"route_explanation"`
	Steps            []reasoning.Step `json:"steps,omitempty"`
	Revised          bool             `json:"revised,omitempty"`
}

// Options groups the tunables the service reads from config.
type Options struct {
	Budget           memory.Budget
	PurgeFoldedTurns bool
	RetryAttempts    int
	RetryBase        time.Duration
	RetryCap         time.Duration
}

// Service runs one full conversational cycle per user message: persist the
// turn, bound the context through the memory manager, route, generate the
// reply, and persist the result.
type Service struct {
	store    store.Store
	llm      llm.Client
	manager  *memory.Manager
	cache    memory.SummaryCache
	router   *router.Router
	pipeline *reasoning.Pipeline
	metrics  *observability.Metrics
	opts     Options

	sleep func(context.Context, time.Duration) error

	// Summarization for the same session must never run concurrently: two
	// racing folds would both start from the same prior summary and one
	// update would be lost. One mutex per session serializes the cycle.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(
	st store.Store,
	client llm.Client,
	manager *memory.Manager,
	cache memory.SummaryCache,
	rt *router.Router,
	pipeline *reasoning.Pipeline,
	metrics *observability.Metrics,
	opts Options,
) *Service {
	return &Service{
		store:    st,
		llm:      client,
		manager:  manager,
		cache:    cache,
		router:   rt,
		pipeline: pipeline,
		metrics:  metrics,
		opts:     opts,
		sleep:    sleepContext,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Send processes one user message and returns the assistant reply. onStep,
// when non-nil, receives reasoning steps as they complete (used by the
// websocket surface); it is never called on the direct route.
func (s *Service) Send(ctx context.Context, in SendInput, onStep reasoning.StepHandler) (SendOutput, error) {
	if strings.TrimSpace(in.Message) == "" {
		return SendOutput{}, ErrEmptyMessage
	}

	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		created, err := s.store.CreateSession(ctx, in.UserID, titleFrom(in.Message))
		if err != nil {
			return SendOutput{}, fmt.Errorf("create session: %w", err)
		}
		s.metrics.ActiveSessions.Inc()
		sessionID = created.ID
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	// The session row is read under the lock, so the prior summary seen here
	// is never older than a fold committed by a previous lock holder.
	sess, err := s.store.GetSession(ctx, sessionID, in.UserID)
	if err != nil {
		return SendOutput{}, err
	}

	turnStart := time.Now()

	if _, err := s.store.AppendTurn(ctx, memory.Turn{
		SessionID: sess.ID,
		UserID:    in.UserID,
		Role:      memory.RoleUser,
		Content:   in.Message,
	}); err != nil {
		return SendOutput{}, fmt.Errorf("persist user turn: %w", err)
	}

	history, err := s.store.History(ctx, sess.ID, in.UserID)
	if err != nil {
		return SendOutput{}, fmt.Errorf("load history: %w", err)
	}

	bctx := s.boundContext(ctx, sess, in.UserID, history)
	s.metrics.ContextTokens.Observe(float64(bctx.EstimateContext()))

	route := s.router.Pick(in.Message)
	recent := dropTrailingUserTurn(bctx.RecentTurns)
	system := systemPrompt(in.Profile)

	var (
		reply   string
		steps   []reasoning.Step
		revised bool
	)
	if route == router.RouteReflect {
		res, rerr := s.reflectReply(ctx, reasoning.Input{
			System:    system,
			Summary:   bctx.Summary,
			Recent:    recent,
			UserInput: in.Message,
		}, onStep)
		if rerr != nil {
			s.metrics.ChatRequests.WithLabelValues(string(route), "error").Inc()
			return SendOutput{}, rerr
		}
		reply, steps, revised = res.FinalAnswer, res.Steps, res.Revised
		if revised {
			s.metrics.CountIndicator("revision")
		}
	} else {
		reply, err = s.directReply(ctx, system, bctx.Summary, recent, in.Message)
		if err != nil {
			s.metrics.ChatRequests.WithLabelValues(string(route), "error").Inc()
			return SendOutput{}, err
		}
	}

	assistantTurn, err := s.store.AppendTurn(ctx, memory.Turn{
		SessionID: sess.ID,
		UserID:    in.UserID,
		Role:      memory.RoleAssistant,
		Content:   reply,
	})
	if err != nil {
		return SendOutput{}, fmt.Errorf("persist assistant turn: %w", err)
	}
	if sess.Title == "" {
		if err := s.store.UpdateTitle(ctx, sess.ID, in.UserID, titleFrom(in.Message)); err != nil {
			s.metrics.CountIndicator("title_update_failed")
		}
	} else if err := s.store.TouchSession(ctx, sess.ID, in.UserID); err != nil {
		s.metrics.CountIndicator("session_touch_failed")
	}

	s.metrics.ChatRequests.WithLabelValues(string(route), "ok").Inc()
	s.metrics.ObservePhase("turn_total", time.Since(turnStart))

	return SendOutput{
		SessionID:        sess.ID,
		TurnID:           assistantTurn.ID,
		Reply:            reply,
		Route:            route,
		RouteExplanation: s.router.Explain(route),
		Steps:            steps,
		Revised:          revised,
	}, nil
}

// boundContext runs the memory manager over the full history. A failed
// summarization is counted and absorbed here: the conversation continues on
// the verbatim (possibly over-budget) history and the fold is retried on the
// next call.
func (s *Service) boundContext(ctx context.Context, sess store.Session, userID string, history []memory.Turn) memory.BoundedContext {
	prior, ok := s.cache.Get(sess.ID)
	if !ok {
		prior = sess.Summary
	}

	start := time.Now()
	bctx, err := s.manager.BuildContext(ctx, prior, history, s.opts.Budget)
	s.metrics.ObservePhase("context_build", time.Since(start))
	if err != nil {
		s.metrics.SummarizationEvents.WithLabelValues("failed").Inc()
		var serr *memory.SummarizationError
		if errors.As(err, &serr) {
			s.observeProviderError("summarize", serr.Err)
		}
		return bctx
	}

	if bctx.Summary != prior && bctx.Summary != "" {
		s.metrics.SummarizationEvents.WithLabelValues("ok").Inc()
		s.cache.Put(sess.ID, bctx.Summary)
		if err := s.store.UpdateSummary(ctx, sess.ID, userID, bctx.Summary); err != nil {
			s.metrics.CountIndicator("summary_persist_failed")
		}
		if s.opts.PurgeFoldedTurns && len(bctx.RecentTurns) > 0 {
			cutoff := bctx.RecentTurns[0].CreatedAt
			if err := s.store.DeleteTurnsBefore(ctx, sess.ID, userID, cutoff); err != nil {
				s.metrics.CountIndicator("retention_delete_failed")
			}
		}
	}
	return bctx
}

func (s *Service) directReply(ctx context.Context, system, summary string, recent []memory.Turn, message string) (string, error) {
	messages := make([]llm.Message, 0, len(recent)+2)
	if strings.TrimSpace(summary) != "" {
		messages = append(messages, llm.Message{
			Role:    "system",
			Content: "Conversation so far, summarized: " + summary,
		})
	}
	for _, t := range recent {
		messages = append(messages, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: message})

	var reply string
	err := s.withRetry(ctx, "generate", func() error {
		start := time.Now()
		res, cerr := s.llm.Chat(ctx, llm.ChatRequest{System: system, Messages: messages})
		s.metrics.ObserveLLMRequest("generate", time.Since(start))
		if cerr != nil {
			return cerr
		}
		reply = res.Text
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	return reply, nil
}

func (s *Service) reflectReply(ctx context.Context, in reasoning.Input, onStep reasoning.StepHandler) (reasoning.Result, error) {
	var res reasoning.Result
	err := s.withRetry(ctx, "reflect_pipeline", func() error {
		start := time.Now()
		r, perr := s.pipeline.Run(ctx, in, onStep)
		s.metrics.ObservePhase("reflect", time.Since(start))
		if perr != nil {
			return perr
		}
		res = r
		return nil
	})
	if err != nil {
		return reasoning.Result{}, fmt.Errorf("reflection pipeline: %w", err)
	}
	return res, nil
}

// withRetry retries retryable completion failures with capped exponential
// backoff. Anything that is not a retryable service error fails immediately.
func (s *Service) withRetry(ctx context.Context, operation string, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		s.observeProviderError(operation, err)

		var serr *llm.ServiceError
		if !errors.As(err, &serr) || !reliability.IsRetryableHTTPStatus(serr.StatusCode) {
			return err
		}
		if attempt >= s.opts.RetryAttempts {
			return err
		}
		if err := s.sleep(ctx, reliability.ExponentialBackoff(attempt, s.opts.RetryBase, s.opts.RetryCap)); err != nil {
			return err
		}
	}
}

// sleepContext waits out a backoff delay but returns early when the request
// is canceled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) observeProviderError(operation string, err error) {
	code := "transport"
	var serr *llm.ServiceError
	if errors.As(err, &serr) && serr.StatusCode != 0 {
		code = strconv.Itoa(serr.StatusCode)
	}
	s.metrics.ProviderErrors.WithLabelValues(operation, code).Inc()
}

// ForgetSession drops the per-session state held by the service. Called by
// the API layer after a session is deleted from the store.
func (s *Service) ForgetSession(sessionID string) {
	s.cache.Invalidate(sessionID)
	s.mu.Lock()
	delete(s.locks, sessionID)
	s.mu.Unlock()
}

func (s *Service) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

// dropTrailingUserTurn removes the just-appended user turn from the verbatim
// window so the prompt does not carry the message twice.
func dropTrailingUserTurn(recent []memory.Turn) []memory.Turn {
	if n := len(recent); n > 0 && recent[n-1].Role == memory.RoleUser {
		return recent[:n-1]
	}
	return recent
}

func titleFrom(message string) string {
	title := strings.TrimSpace(message)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	runes := []rune(title)
	if len(runes) > 48 {
		title = string(runes[:48])
	}
	return title
}

const baseSystemPrompt = "You are Fridday, a business consulting assistant. " +
	"You help professionals with strategy, operations, marketing, and finance questions. " +
	"Be concrete and structured; ground recommendations in the facts the user has shared; " +
	"say so plainly when information is missing instead of inventing it."

func systemPrompt(p *Profile) string {
	if p == nil {
		return baseSystemPrompt
	}
	var b strings.Builder
	b.WriteString(baseSystemPrompt)
	if p.Username != "" {
		fmt.Fprintf(&b, "\nThe user's name is %s.", p.Username)
	}
	if p.CompanyName != "" {
		fmt.Fprintf(&b, "\nThey work at %s.", p.CompanyName)
	}
	if p.UserRole != "" {
		fmt.Fprintf(&b, "\nTheir role: %s.", p.UserRole)
	}
	if p.CommunicationTone != "" {
		fmt.Fprintf(&b, "\nPreferred tone: %s.", p.CommunicationTone)
	}
	if p.AdditionalGuidelines != "" {
		fmt.Fprintf(&b, "\nAdditional guidelines: %s.", p.AdditionalGuidelines)
	}
	return b.String()
}
