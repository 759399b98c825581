package client

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/noteriver/tagvault/internal/kdf"
	"github.com/noteriver/tagvault/internal/keywrap"
	"github.com/noteriver/tagvault/internal/opaque"
)

const (
	blindLabel    = "tagvault/v1/blind:"
	envelopeLabel = "tagvault/v1/envelope:"
)

// blindPhrase produces the 32-byte blinded element the server evaluates.
// The server treats it opaquely; it cannot recover the phrase from it.
func blindPhrase(phrase string) []byte {
	mac := hmac.New(sha256.New, []byte(blindLabel))
	mac.Write([]byte(kdf.Normalize(phrase)))
	return mac.Sum(nil)
}

// buildEnvelope assembles the registration envelope: the 16-byte tag id
// in the clear, followed by a binding MAC over the server's registration
// response under the encryption key.
func buildEnvelope(tagID [16]byte, encryptionKey, serverPublicKey, evaluatedElement []byte) []byte {
	mac := hmac.New(sha256.New, encryptionKey)
	mac.Write([]byte(envelopeLabel))
	mac.Write(serverPublicKey)
	mac.Write(evaluatedElement)

	out := make([]byte, 0, len(tagID)+sha256.Size)
	out = append(out, tagID[:]...)
	return mac.Sum(out)
}

type registerStartResponse struct {
	EvaluatedElement string `json:"evaluated_element"`
	ServerPublicKey  string `json:"server_public_key"`
	Salt             string `json:"salt"`
}

// RegisterResult reports a completed registration.
type RegisterResult struct {
	TagID     string    `json:"tag_id"`
	TagName   string    `json:"tag_name"`
	ColorCode string    `json:"color_code"`
	VaultID   string    `json:"vault_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Register runs the full two-phase registration for a phrase.
func (c *Client) Register(phrase, tagName, colorCode string, profile kdf.Profile) (*RegisterResult, error) {
	tagID, err := kdf.TagID(phrase)
	if err != nil {
		return nil, err
	}
	tagIDHex := hex.EncodeToString(tagID[:])

	_, clientPub, err := opaque.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	var start registerStartResponse
	err = c.do("POST", "/v1/opaque/register/start", map[string]string{
		"tag_id":            tagIDHex,
		"blinded_element":   base64.StdEncoding.EncodeToString(blindPhrase(phrase)),
		"client_public_key": base64.StdEncoding.EncodeToString(clientPub),
	}, &start)
	if err != nil {
		return nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(start.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	serverPub, err := base64.StdEncoding.DecodeString(start.ServerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode server public key: %w", err)
	}
	evaluated, err := base64.StdEncoding.DecodeString(start.EvaluatedElement)
	if err != nil {
		return nil, fmt.Errorf("decode evaluated element: %w", err)
	}

	derived, err := kdf.NewEngine(profile).DeriveKeys(phrase, salt)
	if err != nil {
		return nil, err
	}

	envelope := buildEnvelope(derived.TagID, derived.EncryptionKey[:], serverPub, evaluated)

	var result RegisterResult
	err = c.do("POST", "/v1/secret-tags/register", map[string]string{
		"opaque_envelope": base64.StdEncoding.EncodeToString(envelope),
		"verifier_kv":     base64.StdEncoding.EncodeToString(derived.VerificationKey[:]),
		"salt":            base64.StdEncoding.EncodeToString(salt),
		"tag_name":        tagName,
		"color_code":      colorCode,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

type authInitResponse struct {
	SessionID     string `json:"session_id"`
	ServerMessage struct {
		EvaluatedElement string `json:"evaluated_element"`
		ServerPublicKey  string `json:"server_public_key"`
		Envelope         string `json:"envelope"`
		Salt             string `json:"salt"`
	} `json:"server_message"`
	ExpiresAt time.Time `json:"expires_at"`
}

type authFinalizeResponse struct {
	TagID        string            `json:"tag_id"`
	VaultID      string            `json:"vault_id"`
	WrappedKeys  map[string]string `json:"wrapped_keys"`
	SessionToken string            `json:"session_token"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

// LoginResult carries everything a logged-in client needs for vault I/O.
type LoginResult struct {
	TagID     string    `json:"tag_id"`
	VaultID   string    `json:"vault_id"`
	Token     string    `json:"token"`
	DataKey   []byte    `json:"data_key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login runs the full two-phase login for a phrase and unwraps the vault
// data key locally. The client also sets its bearer token on success.
func (c *Client) Login(phrase string, profile kdf.Profile) (*LoginResult, error) {
	tagID, err := kdf.TagID(phrase)
	if err != nil {
		return nil, err
	}
	tagIDHex := hex.EncodeToString(tagID[:])

	_, clientPub, err := opaque.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	clientMessage := append(blindPhrase(phrase), clientPub...)

	var init authInitResponse
	err = c.do("POST", "/v1/auth/init", map[string]string{
		"tag_id":         tagIDHex,
		"client_message": base64.StdEncoding.EncodeToString(clientMessage),
	}, &init)
	if err != nil {
		return nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(init.ServerMessage.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	derived, err := kdf.NewEngine(profile).DeriveKeys(phrase, salt)
	if err != nil {
		return nil, err
	}

	proof := opaque.LoginProof(derived.VerificationKey[:], tagIDHex)

	var fin authFinalizeResponse
	err = c.do("POST", "/v1/auth/finalize", map[string]string{
		"session_id":              init.SessionID,
		"client_finalize_message": base64.StdEncoding.EncodeToString(proof),
	}, &fin)
	if err != nil {
		return nil, err
	}

	wrapped, ok := fin.WrappedKeys["vault-data"]
	if !ok {
		return nil, fmt.Errorf("server response is missing the vault data key")
	}
	wrappedRaw, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped key: %w", err)
	}
	dataKey, err := keywrap.Unwrap(derived.VerificationKey[:], wrappedRaw)
	if err != nil {
		return nil, fmt.Errorf("unwrap vault data key: %w", err)
	}

	c.Token = fin.SessionToken
	return &LoginResult{
		TagID:     fin.TagID,
		VaultID:   fin.VaultID,
		Token:     fin.SessionToken,
		DataKey:   dataKey,
		ExpiresAt: fin.ExpiresAt,
	}, nil
}
