package crypto

import (
	"crypto/subtle"
	"runtime"
)

// SecretSize is the size of every derived secret (one HMAC-SHA512 output).
const SecretSize = 64

// Secret is a fixed-size secret value. The zero value is all zero bytes,
// never uninitialized memory.
type Secret [SecretSize]byte

// SecretFromBytes copies b into a Secret. Shorter input is zero padded and
// longer input truncated.
func SecretFromBytes(b []byte) Secret {
	var s Secret
	copy(s[:], b)
	return s
}

// Bytes returns the secret as a slice aliasing s.
func (s *Secret) Bytes() []byte { return s[:] }

// Equal compares two secrets in constant time.
func (s *Secret) Equal(o *Secret) bool {
	return subtle.ConstantTimeCompare(s[:], o[:]) == 1
}

// IsZero reports whether s is all zero bytes.
func (s *Secret) IsZero() bool {
	var zero Secret
	return s.Equal(&zero)
}

// Wipe overwrites the secret with zeros.
func (s *Secret) Wipe() {
	Wipe(s[:])
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	clear(b)
	runtime.KeepAlive(b)
}
