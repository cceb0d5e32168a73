package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/friddaylabs/fridday/internal/llm"
	"github.com/friddaylabs/fridday/internal/memory"
	"github.com/friddaylabs/fridday/internal/observability"
	"github.com/friddaylabs/fridday/internal/reasoning"
	"github.com/friddaylabs/fridday/internal/router"
	"github.com/friddaylabs/fridday/internal/store"
)

type fakeClient struct {
	mu            sync.Mutex
	chatFn        func(llm.ChatRequest) (llm.ChatResponse, error)
	chatCalls     []llm.ChatRequest
	completeFn    func(prompt string) (string, error)
	completeCalls []string
	completeText  string
	completeErr   error
}

func (f *fakeClient) Chat(_ context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatCalls = append(f.chatCalls, req)
	if f.chatFn != nil {
		return f.chatFn(req)
	}
	return llm.ChatResponse{Text: "ok"}, nil
}

func (f *fakeClient) Complete(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.completeCalls = append(f.completeCalls, prompt)
	fn := f.completeFn
	f.mu.Unlock()
	if fn != nil {
		return fn(prompt)
	}
	if f.completeErr != nil {
		return "", f.completeErr
	}
	return f.completeText, nil
}

var metricsSeq int64

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("test_chat_%d_%d", time.Now().UnixNano(), atomic.AddInt64(&metricsSeq, 1)))
}

func newTestService(client *fakeClient, opts Options) (*Service, *store.InMemoryStore) {
	if opts.Budget.MaxTokens == 0 {
		opts.Budget = memory.Budget{MaxTokens: 2000, ReservedForSummary: 400}
	}
	st := store.NewInMemoryStore()
	svc := NewService(
		st,
		client,
		memory.NewManager(client),
		memory.NewInMemorySummaryCache(),
		router.New(),
		reasoning.New(client),
		testMetrics(),
		opts,
	)
	svc.sleep = func(context.Context, time.Duration) error { return nil }
	return svc, st
}

// seedHistory creates a session and n alternating turns of fixed token size,
// spaced one minute apart so retention cutoffs are unambiguous.
func seedHistory(t *testing.T, st *store.InMemoryStore, userID string, n, tokensPerTurn int) store.Session {
	t.Helper()
	sess, err := st.CreateSession(context.Background(), userID, "seeded")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	base := time.Now().UTC().Add(-time.Duration(n+1) * time.Minute)
	for i := 0; i < n; i++ {
		role := memory.RoleUser
		if i%2 == 1 {
			role = memory.RoleAssistant
		}
		_, err := st.AppendTurn(context.Background(), memory.Turn{
			SessionID: sess.ID,
			UserID:    userID,
			Role:      role,
			Content:   strings.Repeat("a", tokensPerTurn*4),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append turn %d: %v", i, err)
		}
	}
	return sess
}

func TestSendDirectCreatesSessionAndPersistsTurns(t *testing.T) {
	client := &fakeClient{chatFn: func(llm.ChatRequest) (llm.ChatResponse, error) {
		return llm.ChatResponse{Text: "Hi Ana."}, nil
	}}
	svc, st := newTestService(client, Options{})

	out, err := svc.Send(context.Background(), SendInput{
		UserID:  "u1",
		Message: "hello",
		Profile: &Profile{Username: "Ana"},
	}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if out.Route != router.RouteDirect {
		t.Fatalf("route = %q, want direct", out.Route)
	}
	if out.Reply != "Hi Ana." {
		t.Fatalf("reply = %q", out.Reply)
	}
	if len(out.Steps) != 0 {
		t.Fatalf("direct route emitted %d steps", len(out.Steps))
	}

	sess, err := st.GetSession(context.Background(), out.SessionID, "u1")
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if sess.Title != "hello" {
		t.Fatalf("title = %q, want message-derived title", sess.Title)
	}
	history, _ := st.History(context.Background(), out.SessionID, "u1")
	if len(history) != 2 {
		t.Fatalf("history length = %d, want user + assistant", len(history))
	}
	if history[0].Role != memory.RoleUser || history[1].Role != memory.RoleAssistant {
		t.Fatalf("history roles = %q, %q", history[0].Role, history[1].Role)
	}

	if len(client.chatCalls) != 1 {
		t.Fatalf("chat calls = %d, want 1", len(client.chatCalls))
	}
	req := client.chatCalls[0]
	if !strings.Contains(req.System, "Ana") {
		t.Fatalf("system prompt missing profile name: %q", req.System)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "user" || last.Content != "hello" {
		t.Fatalf("final message = %+v", last)
	}
}

func TestSendReflectRouteStreamsSteps(t *testing.T) {
	responses := []string{"draft answer", "APPROVED"}
	var call int
	client := &fakeClient{chatFn: func(llm.ChatRequest) (llm.ChatResponse, error) {
		text := responses[call]
		call++
		return llm.ChatResponse{Text: text}, nil
	}}
	svc, _ := newTestService(client, Options{})

	var streamed []reasoning.Step
	out, err := svc.Send(context.Background(), SendInput{
		UserID:  "u1",
		Message: "help me define a strategy for expanding into new markets",
	}, func(step reasoning.Step) { streamed = append(streamed, step) })
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if out.Route != router.RouteReflect {
		t.Fatalf("route = %q, want reflect", out.Route)
	}
	if out.Reply != "draft answer" {
		t.Fatalf("reply = %q", out.Reply)
	}
	if out.Revised {
		t.Fatal("approved draft should not count as revised")
	}
	want := []reasoning.Stage{reasoning.StageGenerating, reasoning.StageReflecting, reasoning.StageFinalized}
	if len(streamed) != len(want) {
		t.Fatalf("streamed %d steps, want %d", len(streamed), len(want))
	}
	for i, stage := range want {
		if streamed[i].Stage != stage {
			t.Fatalf("step %d stage = %q, want %q", i, streamed[i].Stage, stage)
		}
	}
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	svc, _ := newTestService(&fakeClient{}, Options{})
	_, err := svc.Send(context.Background(), SendInput{UserID: "u1", Message: "   "}, nil)
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestSendUnknownSession(t *testing.T) {
	svc, _ := newTestService(&fakeClient{}, Options{})
	_, err := svc.Send(context.Background(), SendInput{SessionID: "nope", UserID: "u1", Message: "hi"}, nil)
	if !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSendRetriesRetryableProviderError(t *testing.T) {
	var call int
	client := &fakeClient{chatFn: func(llm.ChatRequest) (llm.ChatResponse, error) {
		call++
		if call == 1 {
			return llm.ChatResponse{}, &llm.ServiceError{StatusCode: 503, Message: "overloaded"}
		}
		return llm.ChatResponse{Text: "recovered"}, nil
	}}
	svc, _ := newTestService(client, Options{RetryAttempts: 2, RetryBase: time.Millisecond, RetryCap: 10 * time.Millisecond})

	var slept int
	svc.sleep = func(context.Context, time.Duration) error { slept++; return nil }

	out, err := svc.Send(context.Background(), SendInput{UserID: "u1", Message: "hello"}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if out.Reply != "recovered" {
		t.Fatalf("reply = %q", out.Reply)
	}
	if call != 2 {
		t.Fatalf("chat calls = %d, want 2", call)
	}
	if slept != 1 {
		t.Fatalf("backoff sleeps = %d, want 1", slept)
	}
}

func TestSendDoesNotRetryClientError(t *testing.T) {
	var call int
	client := &fakeClient{chatFn: func(llm.ChatRequest) (llm.ChatResponse, error) {
		call++
		return llm.ChatResponse{}, &llm.ServiceError{StatusCode: 400, Message: "bad request"}
	}}
	svc, _ := newTestService(client, Options{RetryAttempts: 2, RetryBase: time.Millisecond, RetryCap: 10 * time.Millisecond})

	var slept int
	svc.sleep = func(context.Context, time.Duration) error { slept++; return nil }

	_, err := svc.Send(context.Background(), SendInput{UserID: "u1", Message: "hello"}, nil)
	var serr *llm.ServiceError
	if !errors.As(err, &serr) || serr.StatusCode != 400 {
		t.Fatalf("err = %v, want 400 service error", err)
	}
	if call != 1 || slept != 0 {
		t.Fatalf("calls = %d, sleeps = %d, want 1 and 0", call, slept)
	}
}

func TestSendFoldsHistoryAndPersistsSummary(t *testing.T) {
	client := &fakeClient{completeText: "compressed recap"}
	svc, st := newTestService(client, Options{
		Budget: memory.Budget{MaxTokens: 400, ReservedForSummary: 100},
	})
	sess := seedHistory(t, st, "u1", 30, 40)

	out, err := svc.Send(context.Background(), SendInput{
		SessionID: sess.ID,
		UserID:    "u1",
		Message:   "and now?",
	}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if out.Reply != "ok" {
		t.Fatalf("reply = %q", out.Reply)
	}

	if len(client.completeCalls) != 1 {
		t.Fatalf("summarization calls = %d, want 1", len(client.completeCalls))
	}
	updated, err := st.GetSession(context.Background(), sess.ID, "u1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if updated.Summary != "compressed recap" {
		t.Fatalf("persisted summary = %q", updated.Summary)
	}

	// Folded turns stay in the log unless retention is configured off.
	history, _ := st.History(context.Background(), sess.ID, "u1")
	if len(history) != 32 {
		t.Fatalf("history length = %d, want all 30 seeded + user + assistant", len(history))
	}
}

func TestSendPurgesFoldedTurnsWhenConfigured(t *testing.T) {
	client := &fakeClient{completeText: "compressed recap"}
	svc, st := newTestService(client, Options{
		Budget:           memory.Budget{MaxTokens: 400, ReservedForSummary: 100},
		PurgeFoldedTurns: true,
	})
	sess := seedHistory(t, st, "u1", 30, 40)

	_, err := svc.Send(context.Background(), SendInput{
		SessionID: sess.ID,
		UserID:    "u1",
		Message:   "and now?",
	}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Allowance is 300 tokens: the 2-token new message plus seven 40-token
	// turns fit verbatim, so 23 seeded turns fold and get purged. The
	// assistant reply lands after the purge.
	history, _ := st.History(context.Background(), sess.ID, "u1")
	if len(history) != 9 {
		t.Fatalf("history length after purge = %d, want 9", len(history))
	}
	if history[len(history)-1].Role != memory.RoleAssistant {
		t.Fatalf("newest turn role = %q, want assistant", history[len(history)-1].Role)
	}
}

func TestSendSummarizationFailureKeepsConversationGoing(t *testing.T) {
	client := &fakeClient{completeErr: errors.New("provider down")}
	svc, st := newTestService(client, Options{
		Budget: memory.Budget{MaxTokens: 400, ReservedForSummary: 100},
	})
	sess := seedHistory(t, st, "u1", 30, 40)

	out, err := svc.Send(context.Background(), SendInput{
		SessionID: sess.ID,
		UserID:    "u1",
		Message:   "and now?",
	}, nil)
	if err != nil {
		t.Fatalf("Send should absorb summarization failure, got %v", err)
	}
	if out.Reply != "ok" {
		t.Fatalf("reply = %q", out.Reply)
	}

	updated, _ := st.GetSession(context.Background(), sess.ID, "u1")
	if updated.Summary != "" {
		t.Fatalf("summary should stay empty after failed fold, got %q", updated.Summary)
	}
	// The full verbatim history went into the prompt instead.
	req := client.chatCalls[len(client.chatCalls)-1]
	if len(req.Messages) < 30 {
		t.Fatalf("prompt carried %d messages, want full verbatim history", len(req.Messages))
	}
}

// A fold that commits while another request for the same session is queued on
// the lock must be visible to that request: the second fold starts from the
// first fold's summary, never from the snapshot taken before queueing.
func TestConcurrentSendsFoldFromLatestSummary(t *testing.T) {
	firstFoldStarted := make(chan struct{})
	release := make(chan struct{})

	var foldMu sync.Mutex
	var folds []string
	client := &fakeClient{}
	client.completeFn = func(prompt string) (string, error) {
		foldMu.Lock()
		n := len(folds)
		folds = append(folds, prompt)
		foldMu.Unlock()
		if n == 0 {
			close(firstFoldStarted)
			<-release
			return "agreed: the lisbon office opens in march", nil
		}
		return "second fold result", nil
	}

	svc, st := newTestService(client, Options{
		Budget:           memory.Budget{MaxTokens: 400, ReservedForSummary: 100},
		PurgeFoldedTurns: true,
	})
	sess := seedHistory(t, st, "u1", 30, 40)

	done := make(chan error, 2)
	go func() {
		_, err := svc.Send(context.Background(), SendInput{SessionID: sess.ID, UserID: "u1", Message: "and now?"}, nil)
		done <- err
	}()
	<-firstFoldStarted
	go func() {
		// Large enough to push the post-purge history over budget again.
		_, err := svc.Send(context.Background(), SendInput{SessionID: sess.ID, UserID: "u1", Message: strings.Repeat("b", 800)}, nil)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	foldMu.Lock()
	defer foldMu.Unlock()
	if len(folds) != 2 {
		t.Fatalf("folds = %d, want 2", len(folds))
	}
	if !strings.Contains(folds[1], "lisbon office opens in march") {
		t.Fatalf("second fold did not start from the committed summary:\n%s", folds[1])
	}
}

func TestSendFoldsFromCachedSummary(t *testing.T) {
	var foldMu sync.Mutex
	var folds []string
	client := &fakeClient{}
	client.completeFn = func(prompt string) (string, error) {
		foldMu.Lock()
		defer foldMu.Unlock()
		folds = append(folds, prompt)
		if len(folds) == 1 {
			return "first fold summary", nil
		}
		return "second fold summary", nil
	}

	svc, st := newTestService(client, Options{
		Budget: memory.Budget{MaxTokens: 400, ReservedForSummary: 100},
	})
	sess := seedHistory(t, st, "u1", 30, 40)

	if _, err := svc.Send(context.Background(), SendInput{SessionID: sess.ID, UserID: "u1", Message: "and now?"}, nil); err != nil {
		t.Fatalf("first Send: %v", err)
	}

	// A divergent store copy proves the next fold is served from the cache.
	if err := st.UpdateSummary(context.Background(), sess.ID, "u1", "stale db copy"); err != nil {
		t.Fatalf("update summary: %v", err)
	}

	if _, err := svc.Send(context.Background(), SendInput{SessionID: sess.ID, UserID: "u1", Message: "next question"}, nil); err != nil {
		t.Fatalf("second Send: %v", err)
	}

	foldMu.Lock()
	defer foldMu.Unlock()
	if len(folds) != 2 {
		t.Fatalf("folds = %d, want 2", len(folds))
	}
	if !strings.Contains(folds[1], "first fold summary") || strings.Contains(folds[1], "stale db copy") {
		t.Fatalf("second fold did not use the cached summary:\n%s", folds[1])
	}
}

func TestSendRetryStopsOnCanceledContext(t *testing.T) {
	client := &fakeClient{chatFn: func(llm.ChatRequest) (llm.ChatResponse, error) {
		return llm.ChatResponse{}, &llm.ServiceError{StatusCode: 503, Message: "overloaded"}
	}}
	svc, _ := newTestService(client, Options{RetryAttempts: 3, RetryBase: time.Hour, RetryCap: time.Hour})
	svc.sleep = sleepContext

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Send(ctx, SendInput{UserID: "u1", Message: "hello"}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSendIncrementsActiveSessionsOnImplicitCreate(t *testing.T) {
	svc, _ := newTestService(&fakeClient{}, Options{})
	gauge := svc.metrics.ActiveSessions

	out, err := svc.Send(context.Background(), SendInput{UserID: "u1", Message: "hello"}, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := testutil.ToFloat64(gauge); got != 1 {
		t.Fatalf("gauge after implicit create = %v, want 1", got)
	}

	// Follow-up messages on the same session must not count again.
	if _, err := svc.Send(context.Background(), SendInput{SessionID: out.SessionID, UserID: "u1", Message: "more"}, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := testutil.ToFloat64(gauge); got != 1 {
		t.Fatalf("gauge after follow-up = %v, want 1", got)
	}
}
