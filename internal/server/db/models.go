package db

import "time"

// SecretTag is a registered secret tag: the lookup id, the material the
// server retains for authentication, and display metadata. The tag id is a
// 32-hex-char encoding of the 16-byte phrase-derived identifier and is
// never accepted as free-form user input.
type SecretTag struct {
	TagID           string    `json:"tag_id"`
	UserID          string    `json:"user_id"`
	Salt            []byte    `json:"-"`
	Verifier        []byte    `json:"-"`
	OprfSeed        []byte    `json:"-"`
	Envelope        []byte    `json:"-"`
	ServerPublicKey []byte    `json:"-"`
	TagName         string    `json:"tag_name"`
	ColorCode       string    `json:"color_code"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// WrappedKey is a data-encryption key wrapped under tag-scoped key
// material. Exactly one active wrapped key exists per (tag, purpose).
type WrappedKey struct {
	ID         string    `json:"id"`
	TagID      string    `json:"tag_id"`
	VaultID    string    `json:"vault_id"`
	Purpose    string    `json:"purpose"`
	WrappedKey []byte    `json:"-"`
	Algorithm  string    `json:"algorithm"`
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
}

// VaultBlob is one encrypted object in a tag-scoped vault. The server
// stores ciphertext, IV, and AEAD tag opaquely; it never holds the data
// key in unwrapped form.
type VaultBlob struct {
	VaultID      string    `json:"vault_id"`
	ObjectID     string    `json:"object_id"`
	WrappedKeyID string    `json:"wrapped_key_id"`
	IV           []byte    `json:"-"`
	Ciphertext   []byte    `json:"-"`
	AuthTag      []byte    `json:"-"`
	ContentType  string    `json:"content_type"`
	ContentSize  int64     `json:"content_size"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Session lifecycle states.
const (
	SessionStateInitialized   = "initialized"
	SessionStateAuthenticated = "authenticated"
	SessionStateInvalidated   = "invalidated"
	SessionStateExpired       = "expired"
)

// Session is a persisted auth or bearer session. Only the SHA-256 hash of
// the bearer token is stored; the raw token never touches the database.
type Session struct {
	ID           string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	TagID        string    `json:"tag_id,omitempty"`
	TokenHash    string    `json:"-"`
	State        string    `json:"state"`
	Fingerprint  string    `json:"-"`
	UserAgent    string    `json:"user_agent,omitempty"`
	IP           string    `json:"ip,omitempty"`
	SessionData  string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
}
