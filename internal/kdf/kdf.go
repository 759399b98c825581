// Package kdf turns a secret phrase into a deterministic lookup identifier
// and two independent sub-keys.
//
// The tag id is salt-free (BLAKE2s over the normalized phrase, truncated to
// 16 bytes) so a tag can be looked up before any salt is known. The
// verification and encryption keys are derived from an Argon2id master
// secret with HKDF-SHA256 and are salt-dependent.
package kdf

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/hkdf"

	"github.com/noteriver/tagvault/internal/ctime"
)

const (
	TagIDLen = 16
	SaltLen  = 16
	KeyLen   = 32

	// maxPhraseLen bounds the accepted phrase size (1 MiB).
	maxPhraseLen = 1 << 20
)

var (
	ErrInvalidInput = errors.New("invalid input")

	infoVerify  = []byte("verify")
	infoEncrypt = []byte("encrypt")
)

// Profile holds Argon2id cost parameters. Profiles differ in cost only,
// never in output length.
type Profile struct {
	Name    string
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

var (
	// ProfileDevelopment keeps tests and local runs fast.
	ProfileDevelopment = Profile{Name: "development", Time: 1, Memory: 8 * 1024, Threads: 1}
	// ProfileMobile trades memory for battery-bound clients.
	ProfileMobile = Profile{Name: "mobile", Time: 2, Memory: 64 * 1024, Threads: 2}
	// ProfileProduction is the server-side default.
	ProfileProduction = Profile{Name: "production", Time: 3, Memory: 256 * 1024, Threads: 4}
)

// ParseProfile resolves a profile by name.
func ParseProfile(name string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "production":
		return ProfileProduction, nil
	case "mobile":
		return ProfileMobile, nil
	case "development", "dev":
		return ProfileDevelopment, nil
	default:
		return Profile{}, fmt.Errorf("unknown kdf profile %q (expected development|mobile|production)", name)
	}
}

// Derived is the output of DeriveKeys.
type Derived struct {
	TagID           [TagIDLen]byte
	VerificationKey [KeyLen]byte
	EncryptionKey   [KeyLen]byte
	Salt            [SaltLen]byte
}

// Engine derives keys under a fixed cost profile.
type Engine struct {
	profile Profile
}

func NewEngine(p Profile) *Engine {
	return &Engine{profile: p}
}

// Normalize collapses all whitespace runs in phrase to single spaces and
// trims the ends. Normalization is length/format-only and does not branch
// on phrase content beyond whitespace classification.
func Normalize(phrase string) string {
	return strings.Join(strings.Fields(phrase), " ")
}

// TagID computes the salt-free 16-byte lookup identifier for a phrase.
func TagID(phrase string) ([TagIDLen]byte, error) {
	var id [TagIDLen]byte
	norm, err := validatePhrase(phrase)
	if err != nil {
		return id, err
	}
	sum := blake2s.Sum256([]byte(norm))
	copy(id[:], sum[:TagIDLen])
	return id, nil
}

// DeriveKeys derives the tag id, verification key, and encryption key for
// phrase. A nil salt generates a fresh random one; otherwise salt must be
// exactly 16 bytes. Input validation happens before any Argon2id work.
func (e *Engine) DeriveKeys(phrase string, salt []byte) (*Derived, error) {
	norm, err := validatePhrase(phrase)
	if err != nil {
		return nil, err
	}

	var s [SaltLen]byte
	switch {
	case salt == nil:
		if _, err := io.ReadFull(rand.Reader, s[:]); err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
	case len(salt) == SaltLen:
		copy(s[:], salt)
	default:
		return nil, fmt.Errorf("%w: salt must be exactly %d bytes", ErrInvalidInput, SaltLen)
	}

	d := &Derived{Salt: s}
	sum := blake2s.Sum256([]byte(norm))
	copy(d.TagID[:], sum[:TagIDLen])

	master := argon2.IDKey([]byte(norm), s[:], e.profile.Time, e.profile.Memory, e.profile.Threads, KeyLen)
	defer zero(master)

	if err := expand(master, s[:], infoVerify, d.VerificationKey[:]); err != nil {
		return nil, err
	}
	if err := expand(master, s[:], infoEncrypt, d.EncryptionKey[:]); err != nil {
		return nil, err
	}

	if allZero(d.TagID[:]) || allZero(d.VerificationKey[:]) || allZero(d.EncryptionKey[:]) {
		return nil, errors.New("key derivation produced an all-zero output")
	}
	if ctime.Equal(d.VerificationKey[:], d.EncryptionKey[:]) {
		return nil, errors.New("key derivation produced identical sub-keys")
	}
	return d, nil
}

// VerifyTagID recomputes the tag id for phrase and compares it to tagID in
// constant time.
func VerifyTagID(tagID []byte, phrase string) (bool, error) {
	want, err := TagID(phrase)
	if err != nil {
		return false, err
	}
	return ctime.Equal(tagID, want[:]), nil
}

func validatePhrase(phrase string) (string, error) {
	if len(phrase) > maxPhraseLen {
		return "", fmt.Errorf("%w: phrase exceeds %d bytes", ErrInvalidInput, maxPhraseLen)
	}
	norm := Normalize(phrase)
	if norm == "" {
		return "", fmt.Errorf("%w: phrase is empty after whitespace normalization", ErrInvalidInput)
	}
	return norm, nil
}

func expand(master, salt, info, out []byte) error {
	r := hkdf.New(sha256.New, master, salt, info)
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("hkdf expand %q: %w", info, err)
	}
	return nil
}

func allZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
