// Package ctime provides fixed-time comparison helpers and response-time
// normalization. Every comparison of secret material in this codebase goes
// through Equal or EqualString; native == and bytes.Equal must not be used
// on verifiers, proofs, tokens, or keys.
package ctime

import (
	"crypto/subtle"
	"time"
)

// Equal reports whether a and b are equal without leaking the position of
// the first differing byte. Inputs of different lengths still scan the
// full length of a, so the timing depends only on len(a).
func Equal(a, b []byte) bool {
	if len(a) != len(b) {
		// Burn the same comparison work against a itself, then fail.
		subtle.ConstantTimeCompare(a, a)
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// EqualString is Equal over the raw bytes of two strings.
func EqualString(a, b string) bool {
	return Equal([]byte(a), []byte(b))
}

// NormalizeDuration sleeps until at least floor has elapsed since start.
// It is a no-op when the floor has already passed. Callers invoke it on
// every exit path of an authentication operation so that early validation
// failures and late cryptographic failures are indistinguishable on the
// wire.
func NormalizeDuration(start time.Time, floor time.Duration) {
	if floor <= 0 {
		return
	}
	elapsed := time.Since(start)
	if elapsed >= floor {
		return
	}
	time.Sleep(floor - elapsed)
}
