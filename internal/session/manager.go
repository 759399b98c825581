// Package session issues, validates, refreshes, and invalidates bearer
// session tokens. Raw tokens are handed to the client once; only their
// SHA-256 hash is persisted.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/noteriver/tagvault/internal/ctime"
	"github.com/noteriver/tagvault/internal/logx"
	"github.com/noteriver/tagvault/internal/server/db"
)

const (
	// tokenEntropy is the raw token size before encoding.
	tokenEntropy = 64

	DefaultTTL       = 24 * time.Hour
	DefaultUserLimit = 5

	// AuthInitTTL bounds the window between auth-init and auth-finalize.
	AuthInitTTL = 5 * time.Minute
)

var ErrSessionInvalid = errors.New("session invalid")

// Manager wraps the session table with lifecycle policy: per-user
// concurrency limits, lazy expiry, and fingerprint recording.
type Manager struct {
	store *db.Store

	ttl       time.Duration
	userLimit int

	// fpSalt randomizes session fingerprints so they cannot be
	// precomputed from a known UA/IP pair.
	fpSalt []byte

	now func() time.Time
}

// New creates a Manager. ttl <= 0 selects DefaultTTL; userLimit <= 0
// selects DefaultUserLimit.
func New(store *db.Store, ttl time.Duration, userLimit int) (*Manager, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if userLimit <= 0 {
		userLimit = DefaultUserLimit
	}
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate fingerprint salt: %w", err)
	}
	return &Manager{store: store, ttl: ttl, userLimit: userLimit, fpSalt: salt, now: time.Now}, nil
}

// GenerateToken returns a fresh bearer token with 64 bytes of entropy,
// base64url-encoded.
func GenerateToken() (string, error) {
	raw := make([]byte, tokenEntropy)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashToken derives the persisted lookup hash for a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Fingerprint derives the stored client fingerprint from user agent and
// IP under the manager's salt.
func (m *Manager) Fingerprint(userAgent, ip string) string {
	h := sha256.New()
	h.Write(m.fpSalt)
	h.Write([]byte(userAgent))
	h.Write([]byte{0})
	h.Write([]byte(ip))
	return hex.EncodeToString(h.Sum(nil))
}

// Create issues a new authenticated session for userID. When the user is
// at the concurrent-session limit, the least-recently-active session is
// evicted first.
func (m *Manager) Create(userID, tagID, userAgent, ip, sessionData string) (string, *db.Session, error) {
	now := m.now().UTC()

	active, err := m.store.ActiveUserSessions(userID, now)
	if err != nil {
		return "", nil, err
	}
	for len(active) >= m.userLimit {
		victim := active[0] // oldest activity first
		if _, err := m.store.UpdateSessionState(victim.ID, db.SessionStateInvalidated); err != nil {
			return "", nil, err
		}
		logx.Infof("session limit reached for user %s, evicted session %s", userID, victim.ID)
		active = active[1:]
	}

	token, err := GenerateToken()
	if err != nil {
		return "", nil, err
	}

	sess := &db.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		TagID:        tagID,
		TokenHash:    HashToken(token),
		State:        db.SessionStateAuthenticated,
		Fingerprint:  m.Fingerprint(userAgent, ip),
		UserAgent:    userAgent,
		IP:           ip,
		SessionData:  sessionData,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
		LastActivity: now,
	}
	if err := m.store.InsertSession(sess); err != nil {
		return "", nil, err
	}
	return token, sess, nil
}

// BeginAuth creates an initialized auth session with the short
// auth-handshake TTL. No token exists yet; Promote attaches one once the
// login proof verifies.
func (m *Manager) BeginAuth(userID, tagID, userAgent, ip string) (*db.Session, error) {
	now := m.now().UTC()
	sess := &db.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		TagID:        tagID,
		State:        db.SessionStateInitialized,
		Fingerprint:  m.Fingerprint(userAgent, ip),
		UserAgent:    userAgent,
		IP:           ip,
		CreatedAt:    now,
		ExpiresAt:    now.Add(AuthInitTTL),
		LastActivity: now,
	}
	if err := m.store.InsertSession(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Promote transitions an initialized auth session to authenticated,
// attaching a fresh bearer token and the full session TTL. The per-user
// concurrency limit is enforced the same way Create enforces it.
func (m *Manager) Promote(sessionID string) (string, *db.Session, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return "", nil, err
	}
	if sess == nil || sess.State != db.SessionStateInitialized {
		return "", nil, ErrSessionInvalid
	}

	now := m.now().UTC()
	if !sess.ExpiresAt.After(now) {
		if _, err := m.store.UpdateSessionState(sess.ID, db.SessionStateExpired); err != nil {
			return "", nil, err
		}
		return "", nil, ErrSessionInvalid
	}

	active, err := m.store.ActiveUserSessions(sess.UserID, now)
	if err != nil {
		return "", nil, err
	}
	for len(active) >= m.userLimit {
		victim := active[0]
		if _, err := m.store.UpdateSessionState(victim.ID, db.SessionStateInvalidated); err != nil {
			return "", nil, err
		}
		logx.Infof("session limit reached for user %s, evicted session %s", sess.UserID, victim.ID)
		active = active[1:]
	}

	token, err := GenerateToken()
	if err != nil {
		return "", nil, err
	}
	expiresAt := now.Add(m.ttl)
	ok, err := m.store.AttachSessionToken(sess.ID, HashToken(token), db.SessionStateAuthenticated, expiresAt)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, ErrSessionInvalid
	}
	sess.TokenHash = HashToken(token)
	sess.State = db.SessionStateAuthenticated
	sess.ExpiresAt = expiresAt
	return token, sess, nil
}

// Validate resolves a token to its session. Expired sessions are
// invalidated as a side effect, so a second validation attempt cannot
// succeed either. Fingerprint mismatches are logged, not enforced.
func (m *Manager) Validate(token, userAgent, ip string) (*db.Session, error) {
	if token == "" {
		return nil, nil
	}

	sess, err := m.store.GetSessionByTokenHash(HashToken(token))
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.State != db.SessionStateAuthenticated {
		return nil, nil
	}

	now := m.now().UTC()
	if !sess.ExpiresAt.After(now) {
		// Consume the expired session rather than merely reporting it.
		if _, err := m.store.UpdateSessionState(sess.ID, db.SessionStateInvalidated); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if userAgent != "" || ip != "" {
		if fp := m.Fingerprint(userAgent, ip); !ctime.EqualString(fp, sess.Fingerprint) {
			logx.Warnf("session %s fingerprint mismatch (ua/ip change)", sess.ID)
		}
	}

	if err := m.store.TouchSession(sess.ID, now); err != nil {
		return nil, err
	}
	sess.LastActivity = now
	return sess, nil
}

// Refresh extends a session's expiry by the configured TTL.
func (m *Manager) Refresh(sess *db.Session) (*db.Session, error) {
	newExpiry := m.now().UTC().Add(m.ttl)
	ok, err := m.store.ExtendSession(sess.ID, newExpiry)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionInvalid
	}
	sess.ExpiresAt = newExpiry
	return sess, nil
}

// Invalidate revokes the session for a token. Invalidating an unknown or
// already-invalid token returns false, never an error.
func (m *Manager) Invalidate(token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	sess, err := m.store.GetSessionByTokenHash(HashToken(token))
	if err != nil {
		return false, err
	}
	if sess == nil || sess.State != db.SessionStateAuthenticated {
		return false, nil
	}
	return m.store.UpdateSessionState(sess.ID, db.SessionStateInvalidated)
}

// InvalidateUser revokes all of a user's live sessions and reports the
// count. Zero is not an error.
func (m *Manager) InvalidateUser(userID string) (int64, error) {
	return m.store.InvalidateUserSessions(userID)
}

// CleanupExpired bulk-deletes expired persisted sessions.
func (m *Manager) CleanupExpired() (int64, error) {
	return m.store.DeleteExpiredSessions(m.now())
}

// TTL exposes the configured session lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }
