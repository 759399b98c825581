// Package keywrap implements AES Key Wrap (RFC 3394) for protecting
// fixed-purpose data-encryption keys under a key-encrypting key, plus
// data-key generation.
//
// Wrapping is deterministic: identical inputs always produce identical
// output. It is a key-wrap primitive, not a general AEAD, and must never
// stand in for randomized encryption of variable plaintext.
package keywrap

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	blockLen = 8

	minKeyLen = 16
	maxKeyLen = 512

	// DefaultDataKeyLen is the size of a freshly generated vault data key.
	DefaultDataKeyLen = 32
)

// defaultIV is the initial value from RFC 3394 §2.2.3.1.
var defaultIV = [blockLen]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

var (
	ErrInvalidInput = errors.New("invalid input")

	// ErrIntegrityCheckFailed covers wrong KEK, wrong IV, and tampered
	// ciphertext alike; callers cannot distinguish the cause.
	ErrIntegrityCheckFailed = errors.New("key unwrap integrity check failed")
)

// Wrap wraps key under kek with the default IV. The output is
// len(key)+8 bytes.
func Wrap(kek, key []byte) ([]byte, error) {
	return WrapWithIV(kek, key, defaultIV[:])
}

// WrapWithIV wraps key under kek with a caller-supplied 8-byte IV.
func WrapWithIV(kek, key, iv []byte) ([]byte, error) {
	if err := validateKEK(kek); err != nil {
		return nil, err
	}
	if err := validatePlaintext(key); err != nil {
		return nil, err
	}
	if len(iv) != blockLen {
		return nil, fmt.Errorf("%w: iv must be exactly %d bytes", ErrInvalidInput, blockLen)
	}

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}

	n := len(key) / blockLen
	out := make([]byte, (n+1)*blockLen)
	copy(out[:blockLen], iv)
	copy(out[blockLen:], key)

	var buf [2 * blockLen]byte
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			copy(buf[:blockLen], out[:blockLen])
			copy(buf[blockLen:], out[i*blockLen:(i+1)*blockLen])
			block.Encrypt(buf[:], buf[:])

			t := uint64(n*j + i)
			binary.BigEndian.PutUint64(out[:blockLen], binary.BigEndian.Uint64(buf[:blockLen])^t)
			copy(out[i*blockLen:(i+1)*blockLen], buf[blockLen:])
		}
	}
	return out, nil
}

// Unwrap reverses Wrap with the default IV, returning the plaintext key.
func Unwrap(kek, wrapped []byte) ([]byte, error) {
	return UnwrapWithIV(kek, wrapped, defaultIV[:])
}

// UnwrapWithIV reverses WrapWithIV. It returns ErrIntegrityCheckFailed
// when the recovered integrity value does not match iv, which happens on a
// wrong KEK, a wrong IV, or any bit-level tamper to the wrapped blob.
func UnwrapWithIV(kek, wrapped, iv []byte) ([]byte, error) {
	if err := validateKEK(kek); err != nil {
		return nil, err
	}
	if len(iv) != blockLen {
		return nil, fmt.Errorf("%w: iv must be exactly %d bytes", ErrInvalidInput, blockLen)
	}
	if len(wrapped)%blockLen != 0 || len(wrapped) < minKeyLen+blockLen || len(wrapped) > maxKeyLen+blockLen {
		return nil, fmt.Errorf("%w: wrapped key has invalid length %d", ErrInvalidInput, len(wrapped))
	}

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}

	n := len(wrapped)/blockLen - 1
	a := make([]byte, blockLen)
	copy(a, wrapped[:blockLen])
	out := make([]byte, n*blockLen)
	copy(out, wrapped[blockLen:])

	var buf [2 * blockLen]byte
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(n*j + i)
			binary.BigEndian.PutUint64(buf[:blockLen], binary.BigEndian.Uint64(a)^t)
			copy(buf[blockLen:], out[(i-1)*blockLen:i*blockLen])
			block.Decrypt(buf[:], buf[:])

			copy(a, buf[:blockLen])
			copy(out[(i-1)*blockLen:i*blockLen], buf[blockLen:])
		}
	}

	if subtle.ConstantTimeCompare(a, iv) != 1 {
		return nil, ErrIntegrityCheckFailed
	}
	return out, nil
}

// GenerateDataKey returns size bytes from the CSPRNG. size <= 0 selects
// DefaultDataKeyLen.
func GenerateDataKey(size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultDataKeyLen
	}
	if size%blockLen != 0 || size < minKeyLen || size > maxKeyLen {
		return nil, fmt.Errorf("%w: data key size must be a multiple of %d in [%d, %d]",
			ErrInvalidInput, blockLen, minKeyLen, maxKeyLen)
	}
	key := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}
	return key, nil
}

func validateKEK(kek []byte) error {
	switch len(kek) {
	case 16, 24, 32:
		return nil
	default:
		return fmt.Errorf("%w: kek must be 16, 24, or 32 bytes", ErrInvalidInput)
	}
}

func validatePlaintext(key []byte) error {
	if len(key)%blockLen != 0 || len(key) < minKeyLen || len(key) > maxKeyLen {
		return fmt.Errorf("%w: key length must be a multiple of %d in [%d, %d]",
			ErrInvalidInput, blockLen, minKeyLen, maxKeyLen)
	}
	return nil
}
