package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// EnsureSession creates the session row if it does not already exist.
func (s *Store) EnsureSession(ctx context.Context, sessionID, userID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING;
	`, sessionID, userID)
	if err != nil {
		return classifyErr("ensure_session", err)
	}
	return nil
}

// AppendTurn persists the user message and assistant response in one
// transaction GENERATING→PERSISTED transition.
func (s *Store) AppendTurn(ctx context.Context, sessionID, userID, userText string, userTokens int, assistantText string, assistantTokens int, partial bool) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO messages (session_id, user_id, role, content, tokens, partial)
			VALUES ($1, $2, 'user', $3, $4, false);
		`, sessionID, userID, userText, userTokens); err != nil {
			return classifyErr("append_turn_user", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO messages (session_id, user_id, role, content, tokens, partial)
			VALUES ($1, $2, 'assistant', $3, $4, $5);
		`, sessionID, userID, assistantText, assistantTokens, partial); err != nil {
			return classifyErr("append_turn_assistant", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE sessions SET updated_at = now() WHERE id = $1;`, sessionID); err != nil {
			return classifyErr("append_turn_touch_session", err)
		}
		return nil
	})
}

// ListMessages returns the session's message log, oldest first.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]StoredMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, user_id, role, content, tokens, partial, created_at
		FROM messages WHERE session_id = $1 ORDER BY id ASC;
	`, sessionID)
	if err != nil {
		return nil, classifyErr("list_messages", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var createdAt time.Time
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &m.Role, &m.Content, &m.Tokens, &m.Partial, &createdAt); err != nil {
			return nil, classifyErr("list_messages_scan", err)
		}
		m.CreatedAt = createdAt
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListIdleSessions returns sessions untouched since idleSince, for the
// session idle sweeper background task.
func (s *Store) ListIdleSessions(ctx context.Context, idleSince time.Time) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, created_at, updated_at FROM sessions WHERE updated_at < $1;
	`, idleSince)
	if err != nil {
		return nil, classifyErr("list_idle_sessions", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.SessionID, &sess.UserID, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, classifyErr("list_idle_sessions_scan", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ExpireSession deletes a session and its message log (cascades).
func (s *Store) ExpireSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1;`, sessionID)
	if err != nil {
		return classifyErr("expire_session", err)
	}
	return nil
}
