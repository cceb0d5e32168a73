package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/friddaylabs/fridday/internal/memory"
)

// PostgresStore persists sessions and the conversation turn log in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_sessions_user_updated ON chat_sessions (user_id, updated_at);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_session_created ON conversations (session_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, userID, title string) (Session, error) {
	now := time.Now().UTC()
	sess := Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_sessions (id, user_id, title, summary, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, '', TRUE, $4, $4)`,
		sess.ID, sess.UserID, sess.Title, now,
	)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID, userID string) (Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, summary, is_active, created_at, updated_at
		 FROM chat_sessions WHERE id=$1 AND user_id=$2`,
		sessionID, userID,
	)
	var sess Session
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.Summary, &sess.IsActive, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, userID string, activeOnly bool) ([]Session, error) {
	q := `SELECT id, user_id, title, summary, is_active, created_at, updated_at
	      FROM chat_sessions WHERE user_id=$1`
	if activeOnly {
		q += ` AND is_active`
	}
	q += ` ORDER BY updated_at DESC`

	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.Summary, &sess.IsActive, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return sessions, nil
}

func (s *PostgresStore) TouchSession(ctx context.Context, sessionID, userID string) error {
	return s.updateSession(ctx, sessionID, userID,
		`UPDATE chat_sessions SET updated_at=now() WHERE id=$1 AND user_id=$2`)
}

func (s *PostgresStore) UpdateTitle(ctx context.Context, sessionID, userID, title string) error {
	return s.updateSession(ctx, sessionID, userID,
		`UPDATE chat_sessions SET title=$3, updated_at=now() WHERE id=$1 AND user_id=$2`, title)
}

func (s *PostgresStore) UpdateSummary(ctx context.Context, sessionID, userID, summary string) error {
	return s.updateSession(ctx, sessionID, userID,
		`UPDATE chat_sessions SET summary=$3, updated_at=now() WHERE id=$1 AND user_id=$2`, summary)
}

func (s *PostgresStore) DeactivateSession(ctx context.Context, sessionID, userID string) error {
	return s.updateSession(ctx, sessionID, userID,
		`UPDATE chat_sessions SET is_active=FALSE, updated_at=now() WHERE id=$1 AND user_id=$2`)
}

func (s *PostgresStore) updateSession(ctx context.Context, sessionID, userID, query string, extra ...any) error {
	args := append([]any{sessionID, userID}, extra...)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID, userID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM conversations WHERE session_id=$1 AND user_id=$2`, sessionID, userID); err != nil {
		return fmt.Errorf("delete session turns: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM chat_sessions WHERE id=$1 AND user_id=$2`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, turn memory.Turn) (memory.Turn, error) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, session_id, user_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		turn.ID, turn.SessionID, turn.UserID, string(turn.Role), turn.Content, turn.CreatedAt,
	)
	if err != nil {
		return memory.Turn{}, fmt.Errorf("append turn: %w", err)
	}
	return turn, nil
}

func (s *PostgresStore) History(ctx context.Context, sessionID, userID string) ([]memory.Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, user_id, role, content, created_at
		 FROM conversations WHERE session_id=$1 AND user_id=$2 ORDER BY created_at ASC, id ASC`,
		sessionID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var turns []memory.Turn
	for rows.Next() {
		var t memory.Turn
		var role string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.UserID, &role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		t.Role = memory.Role(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return turns, nil
}

func (s *PostgresStore) DeleteTurnsBefore(ctx context.Context, sessionID, userID string, cutoff time.Time) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM conversations WHERE session_id=$1 AND user_id=$2 AND created_at < $3`,
		sessionID, userID, cutoff,
	)
	if err != nil {
		return fmt.Errorf("delete folded turns: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
