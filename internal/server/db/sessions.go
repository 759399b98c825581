package db

import (
	"database/sql"
	"fmt"
	"time"
)

const sessionColumns = `id, user_id, tag_id, token_hash, state, fingerprint, user_agent, ip, session_data, created_at, expires_at, last_activity`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	s := &Session{}
	var tokenHash sql.NullString
	err := row.Scan(&s.ID, &s.UserID, &s.TagID, &tokenHash, &s.State, &s.Fingerprint,
		&s.UserAgent, &s.IP, &s.SessionData, &s.CreatedAt, &s.ExpiresAt, &s.LastActivity)
	if err != nil {
		return nil, err
	}
	s.TokenHash = tokenHash.String
	return s, nil
}

// InsertSession persists a new session row.
func (s *Store) InsertSession(sess *Session) error {
	var tokenHash any
	if sess.TokenHash != "" {
		tokenHash = sess.TokenHash
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.TagID, tokenHash, sess.State, sess.Fingerprint,
		sess.UserAgent, sess.IP, sess.SessionData, sess.CreatedAt, sess.ExpiresAt, sess.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// GetSessionByTokenHash retrieves a session by its bearer-token hash.
func (s *Store) GetSessionByTokenHash(hash string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE token_hash = ?`, hash))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session by token: %w", err)
	}
	return sess, nil
}

// UpdateSessionState transitions a session's lifecycle state. Returns true
// if a row was updated.
func (s *Store) UpdateSessionState(id, state string) (bool, error) {
	res, err := s.db.Exec(`UPDATE sessions SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return false, fmt.Errorf("update session state: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AttachSessionToken sets the token hash on an authenticated session.
func (s *Store) AttachSessionToken(id, tokenHash, state string, expiresAt time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE sessions SET token_hash = ?, state = ?, expires_at = ?, last_activity = ? WHERE id = ?`,
		tokenHash, state, expiresAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("attach session token: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TouchSession bumps last_activity.
func (s *Store) TouchSession(id string, at time.Time) error {
	if _, err := s.db.Exec(`UPDATE sessions SET last_activity = ? WHERE id = ?`, at.UTC(), id); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// ExtendSession pushes expires_at forward.
func (s *Store) ExtendSession(id string, expiresAt time.Time) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE sessions SET expires_at = ?, last_activity = ? WHERE id = ?`,
		expiresAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("extend session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// InvalidateUserSessions marks all of a user's non-terminal sessions
// invalidated and reports how many rows changed.
func (s *Store) InvalidateUserSessions(userID string) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE sessions SET state = ? WHERE user_id = ? AND state IN (?, ?)`,
		SessionStateInvalidated, userID, SessionStateInitialized, SessionStateAuthenticated,
	)
	if err != nil {
		return 0, fmt.Errorf("invalidate user sessions: %w", err)
	}
	return res.RowsAffected()
}

// ListUserSessions returns the user's sessions, newest first.
func (s *Store) ListUserSessions(userID string) ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// ActiveUserSessions returns the user's authenticated, unexpired sessions
// ordered oldest activity first, so the head is the eviction candidate.
func (s *Store) ActiveUserSessions(userID string, now time.Time) ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = ? AND state = ? AND expires_at > ?
		 ORDER BY last_activity`, userID, SessionStateAuthenticated, now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// DeleteExpiredSessions bulk-deletes sessions past their expiry.
func (s *Store) DeleteExpiredSessions(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// SessionStats summarizes session rows by state.
type SessionStats struct {
	Total   int64            `json:"total"`
	ByState map[string]int64 `json:"by_state"`
}

// GetSessionStats aggregates session counts for a user.
func (s *Store) GetSessionStats(userID string) (*SessionStats, error) {
	rows, err := s.db.Query(
		`SELECT state, COUNT(*) FROM sessions WHERE user_id = ? GROUP BY state`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregate sessions: %w", err)
	}
	defer rows.Close()

	stats := &SessionStats{ByState: make(map[string]int64)}
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan session count: %w", err)
		}
		stats.ByState[state] = n
		stats.Total += n
	}
	return stats, rows.Err()
}
