package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// JulesSession tracks a remote Jules session started by the router.
type JulesSession struct {
	SessionID string
	Mode      string // "api" or "cli_headless"
	Source    string
	Prompt    string
	Branch    string
	State     string
	URL       string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SaveJulesSession upserts a Jules session. Later saves update state and url.
func (s *SQLiteStore) SaveJulesSession(ctx context.Context, session JulesSession) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jules_sessions (session_id, mode, source, prompt, branch, state, url)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				state = excluded.state,
				url = COALESCE(NULLIF(excluded.url, ''), jules_sessions.url),
				updated_at = CURRENT_TIMESTAMP
		`, session.SessionID, session.Mode, session.Source, session.Prompt, session.Branch, session.State, session.URL)
		if err != nil {
			return fmt.Errorf("failed to save jules session: %w", err)
		}
		return nil
	})
}

// GetJulesSession retrieves a Jules session by id.
func (s *SQLiteStore) GetJulesSession(ctx context.Context, sessionID string) (*JulesSession, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, mode, source, prompt, branch, state, url, created_at, updated_at
		FROM jules_sessions
		WHERE session_id = ?
	`, sessionID)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("jules session %q: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query jules session: %w", err)
	}
	return session, nil
}

// ListJulesSessions returns the most recently updated sessions first.
func (s *SQLiteStore) ListJulesSessions(ctx context.Context, limit int) ([]JulesSession, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, mode, source, prompt, branch, state, url, created_at, updated_at
		FROM jules_sessions
		ORDER BY updated_at DESC, session_id
		LIMIT ?
	`, limitClause(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query jules sessions: %w", err)
	}
	defer rows.Close()

	sessions := []JulesSession{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan jules session: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jules sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(row rowScanner) (*JulesSession, error) {
	var session JulesSession
	var source, branch, url sql.NullString
	err := row.Scan(&session.SessionID, &session.Mode, &source, &session.Prompt, &branch,
		&session.State, &url, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, err
	}
	session.Source = source.String
	session.Branch = branch.String
	session.URL = url.String
	return &session, nil
}
