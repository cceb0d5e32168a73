package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/friddaylabs/fridday/internal/memory"
)

// InMemoryStore is a process-local store for local/dev use and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	turns    map[string][]memory.Turn
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]Session),
		turns:    make(map[string][]memory.Turn),
	}
}

func (s *InMemoryStore) CreateSession(_ context.Context, userID, title string) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *InMemoryStore) GetSession(_ context.Context, sessionID, userID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return Session{}, ErrSessionNotFound
	}
	return sess, nil
}

func (s *InMemoryStore) ListSessions(_ context.Context, userID string, activeOnly bool) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sessions []Session
	for _, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		if activeOnly && !sess.IsActive {
			continue
		}
		sessions = append(sessions, sess)
	}
	// Most recently updated first, matching the Postgres ordering.
	for i := 1; i < len(sessions); i++ {
		for j := i; j > 0 && sessions[j].UpdatedAt.After(sessions[j-1].UpdatedAt); j-- {
			sessions[j], sessions[j-1] = sessions[j-1], sessions[j]
		}
	}
	return sessions, nil
}

func (s *InMemoryStore) TouchSession(_ context.Context, sessionID, userID string) error {
	return s.mutate(sessionID, userID, func(sess *Session) {})
}

func (s *InMemoryStore) UpdateTitle(_ context.Context, sessionID, userID, title string) error {
	return s.mutate(sessionID, userID, func(sess *Session) { sess.Title = title })
}

func (s *InMemoryStore) UpdateSummary(_ context.Context, sessionID, userID, summary string) error {
	return s.mutate(sessionID, userID, func(sess *Session) { sess.Summary = summary })
}

func (s *InMemoryStore) DeactivateSession(_ context.Context, sessionID, userID string) error {
	return s.mutate(sessionID, userID, func(sess *Session) { sess.IsActive = false })
}

func (s *InMemoryStore) mutate(sessionID, userID string, apply func(*Session)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return ErrSessionNotFound
	}
	apply(&sess)
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[sessionID] = sess
	return nil
}

func (s *InMemoryStore) DeleteSession(_ context.Context, sessionID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	delete(s.turns, sessionID)
	return nil
}

func (s *InMemoryStore) AppendTurn(_ context.Context, turn memory.Turn) (memory.Turn, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[turn.SessionID] = append(s.turns[turn.SessionID], turn)
	return turn, nil
}

func (s *InMemoryStore) History(_ context.Context, sessionID, userID string) ([]memory.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.turns[sessionID]
	out := make([]memory.Turn, 0, len(src))
	for _, t := range src {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *InMemoryStore) DeleteTurnsBefore(_ context.Context, sessionID, userID string, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.turns[sessionID]
	kept := src[:0]
	for _, t := range src {
		if t.UserID == userID && t.CreatedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, t)
	}
	s.turns[sessionID] = kept
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
