package kdf

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
)

func testEngine() *Engine {
	return NewEngine(ProfileDevelopment)
}

func randomSalt(t *testing.T) []byte {
	t.Helper()
	salt := make([]byte, SaltLen)
	if _, err := rand.Read(salt); err != nil {
		t.Fatal(err)
	}
	return salt
}

func TestDeriveKeys_Deterministic(t *testing.T) {
	e := testEngine()
	salt := randomSalt(t)

	a, err := e.DeriveKeys("correct horse battery staple", salt)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	b, err := e.DeriveKeys("correct horse battery staple", salt)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}

	if a.TagID != b.TagID {
		t.Error("tag id differs across identical calls")
	}
	if a.VerificationKey != b.VerificationKey {
		t.Error("verification key differs across identical calls")
	}
	if a.EncryptionKey != b.EncryptionKey {
		t.Error("encryption key differs across identical calls")
	}
}

func TestDeriveKeys_TagIDSaltIndependent(t *testing.T) {
	e := testEngine()

	a, err := e.DeriveKeys("correct horse battery staple", randomSalt(t))
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	b, err := e.DeriveKeys("correct horse battery staple", randomSalt(t))
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}

	if a.TagID != b.TagID {
		t.Error("tag id should not depend on salt")
	}
	if a.EncryptionKey == b.EncryptionKey {
		t.Error("encryption keys should differ between salts")
	}
	if a.VerificationKey == b.VerificationKey {
		t.Error("verification keys should differ between salts")
	}
}

func TestDeriveKeys_SubKeysIndependent(t *testing.T) {
	e := testEngine()
	d, err := e.DeriveKeys("a modest phrase", randomSalt(t))
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	if d.VerificationKey == d.EncryptionKey {
		t.Error("verification and encryption keys must differ")
	}
}

func TestDeriveKeys_GeneratesSalt(t *testing.T) {
	e := testEngine()
	a, err := e.DeriveKeys("phrase", nil)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	b, err := e.DeriveKeys("phrase", nil)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	if a.Salt == b.Salt {
		t.Error("expected distinct random salts")
	}
	if a.TagID != b.TagID {
		t.Error("tag id should match regardless of generated salt")
	}
}

func TestDeriveKeys_Validation(t *testing.T) {
	e := testEngine()

	cases := []struct {
		name   string
		phrase string
		salt   []byte
	}{
		{"empty", "", nil},
		{"whitespace only", "  \t\n  ", nil},
		{"oversized", strings.Repeat("a", maxPhraseLen+1), nil},
		{"short salt", "phrase", make([]byte, 15)},
		{"long salt", "phrase", make([]byte, 17)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := e.DeriveKeys(c.phrase, c.salt); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("got %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"hello world", "hello world"},
		{"  hello   world  ", "hello world"},
		{"hello\tworld\n", "hello world"},
		{"one", "one"},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDeriveKeys_NormalizedPhrasesCollide(t *testing.T) {
	e := testEngine()
	salt := randomSalt(t)

	a, err := e.DeriveKeys("hello   world", salt)
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.DeriveKeys("  hello world ", salt)
	if err != nil {
		t.Fatal(err)
	}
	if a.TagID != b.TagID || a.EncryptionKey != b.EncryptionKey {
		t.Error("whitespace variants of the same phrase should derive identically")
	}
}

func TestVerifyTagID(t *testing.T) {
	id, err := TagID("my secret phrase")
	if err != nil {
		t.Fatal(err)
	}

	ok, err := VerifyTagID(id[:], "my secret phrase")
	if err != nil || !ok {
		t.Fatalf("VerifyTagID = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = VerifyTagID(id[:], "another phrase")
	if err != nil || ok {
		t.Fatalf("VerifyTagID mismatch = (%v, %v), want (false, nil)", ok, err)
	}

	if _, err := VerifyTagID(id[:], ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}
}

func TestProfilesShareOutputLength(t *testing.T) {
	salt := randomSalt(t)
	for _, p := range []Profile{ProfileDevelopment, ProfileMobile} {
		d, err := NewEngine(p).DeriveKeys("phrase", salt)
		if err != nil {
			t.Fatalf("profile %s: %v", p.Name, err)
		}
		if len(d.VerificationKey) != KeyLen || len(d.EncryptionKey) != KeyLen {
			t.Fatalf("profile %s: unexpected key length", p.Name)
		}
	}
}

func TestParseProfile(t *testing.T) {
	for _, name := range []string{"", "production", "mobile", "development", "dev", "Mobile "} {
		if _, err := ParseProfile(name); err != nil {
			t.Errorf("ParseProfile(%q): %v", name, err)
		}
	}
	if _, err := ParseProfile("turbo"); err == nil {
		t.Error("expected error for unknown profile")
	}
}

func TestTagID_NotAllZero(t *testing.T) {
	id, err := TagID("phrase")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(id[:], make([]byte, TagIDLen)) {
		t.Error("tag id is all zero")
	}
}
