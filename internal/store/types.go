package store

import (
	"context"
	"errors"
	"time"

	"github.com/friddaylabs/fridday/internal/memory"
)

var ErrSessionNotFound = errors.New("session not found")

// Session is a named conversation thread owned by one user. Summary is a
// redundant, rebuildable cache of the memory manager's running summary.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the durable session and turn log. History is append-only and
// ordered by creation time ascending with no upper bound on length.
type Store interface {
	CreateSession(ctx context.Context, userID, title string) (Session, error)
	GetSession(ctx context.Context, sessionID, userID string) (Session, error)
	ListSessions(ctx context.Context, userID string, activeOnly bool) ([]Session, error)
	TouchSession(ctx context.Context, sessionID, userID string) error
	UpdateTitle(ctx context.Context, sessionID, userID, title string) error
	UpdateSummary(ctx context.Context, sessionID, userID, summary string) error
	DeactivateSession(ctx context.Context, sessionID, userID string) error
	DeleteSession(ctx context.Context, sessionID, userID string) error

	AppendTurn(ctx context.Context, turn memory.Turn) (memory.Turn, error)
	History(ctx context.Context, sessionID, userID string) ([]memory.Turn, error)
	// DeleteTurnsBefore removes turns created strictly before the cutoff.
	// Used only when folded-turn retention is disabled.
	DeleteTurnsBefore(ctx context.Context, sessionID, userID string, cutoff time.Time) error

	Close() error
}
