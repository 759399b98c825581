// Package blobcrypt encrypts vault objects client-side with AES-256-GCM.
// The server only ever sees the three detached parts (iv, ciphertext,
// auth tag); the data key never leaves the client.
package blobcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	KeyLen     = 32
	IVLen      = 12
	AuthTagLen = 16
)

var ErrDecryptFailed = errors.New("decrypt failed")

// Sealed holds the detached parts of one encrypted object.
type Sealed struct {
	IV         []byte
	Ciphertext []byte
	AuthTag    []byte
}

// Seal encrypts plaintext under the data key. The object is bound to its
// vault and object id through GCM additional data, so a blob moved to a
// different slot fails to open.
func Seal(dataKey []byte, vaultID, objectID string, plaintext []byte) (*Sealed, error) {
	gcm, err := newGCM(dataKey)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, IVLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate IV: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, aad(vaultID, objectID))
	split := len(sealed) - AuthTagLen
	return &Sealed{
		IV:         iv,
		Ciphertext: sealed[:split],
		AuthTag:    sealed[split:],
	}, nil
}

// Open decrypts one object. Any tamper with the iv, ciphertext, auth tag,
// or the vault/object binding yields ErrDecryptFailed.
func Open(dataKey []byte, vaultID, objectID string, s *Sealed) ([]byte, error) {
	if len(s.IV) != IVLen || len(s.AuthTag) != AuthTagLen {
		return nil, ErrDecryptFailed
	}
	gcm, err := newGCM(dataKey)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(s.Ciphertext)+AuthTagLen)
	sealed = append(sealed, s.Ciphertext...)
	sealed = append(sealed, s.AuthTag...)

	plaintext, err := gcm.Open(nil, s.IV, sealed, aad(vaultID, objectID))
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func newGCM(dataKey []byte) (cipher.AEAD, error) {
	if len(dataKey) != KeyLen {
		return nil, fmt.Errorf("data key must be %d bytes, got %d", KeyLen, len(dataKey))
	}
	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

func aad(vaultID, objectID string) []byte {
	out := make([]byte, 0, len(vaultID)+1+len(objectID))
	out = append(out, vaultID...)
	out = append(out, 0)
	out = append(out, objectID...)
	return out
}
