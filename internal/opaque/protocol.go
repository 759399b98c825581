// Package opaque implements the server side of the asymmetric
// password-authenticated exchange used for secret-tag authentication.
//
// The protocol simulates the OPRF and key-exchange steps with HMAC-SHA256
// and X25519 keypairs rather than a standards-track OPAQUE suite; the
// server evaluates blinded elements under a per-record seed and never sees
// the client's phrase.
package opaque

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"

	"github.com/noteriver/tagvault/internal/ctime"
)

const (
	// ElementLen is the size of blinded and evaluated OPRF elements.
	ElementLen = 32
	// KeyLen is the size of public keys, OPRF seeds, and session keys.
	KeyLen = 32
	// SaltLen matches the KDF salt length.
	SaltLen = 16

	loginProofLabel = "tagvault/v1/login-proof:"
)

var ErrInvalidInput = errors.New("invalid input")

// EvaluateElement runs the OPRF-equivalent evaluation: HMAC-SHA256 of the
// blinded element under the record's seed.
func EvaluateElement(seed, blinded []byte) []byte {
	mac := hmac.New(sha256.New, seed)
	mac.Write(blinded)
	return mac.Sum(nil)
}

// LoginProof computes the client proof for a login context. The context
// string binds the proof to the principal (and, at the transport layer, to
// the auth session).
func LoginProof(verificationKey []byte, context string) []byte {
	mac := hmac.New(sha256.New, verificationKey)
	mac.Write([]byte(loginProofLabel))
	mac.Write([]byte(context))
	return mac.Sum(nil)
}

// VerifyLoginProof checks a client proof in constant time.
func VerifyLoginProof(verificationKey, proof []byte, context string) bool {
	return ctime.Equal(proof, LoginProof(verificationKey, context))
}

// GenerateKeyPair returns a fresh X25519 keypair.
func GenerateKeyPair() (priv, pub []byte, err error) {
	priv = make([]byte, KeyLen)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, nil, fmt.Errorf("generate private key: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive public key: %w", err)
	}
	return priv, pub, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("read csprng: %w", err)
	}
	return b, nil
}

func validateElement(name string, b []byte) error {
	if len(b) != ElementLen {
		return fmt.Errorf("%w: %s must be exactly %d bytes", ErrInvalidInput, name, ElementLen)
	}
	return nil
}
