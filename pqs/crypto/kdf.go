package crypto

import (
	"crypto/hmac"
	"crypto/sha512"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyUsage labels a KBKDF derivation so one master secret never feeds two
// purposes.
type KeyUsage byte

const (
	UsageHeaderCheck          KeyUsage = 'H'
	UsageHMAC                 KeyUsage = 'M'
	UsageInitiatorToResponder KeyUsage = 'A'
	UsageResponderToInitiator KeyUsage = 'B'
	UsageRatchet              KeyUsage = 'R'
)

const (
	// HMACSize is the size of an HMAC-SHA384 authentication tag.
	HMACSize = sha512.Size384
	// HashSize is the size of a SHA-384 digest (identity hashes).
	HashSize = sha512.Size384
)

const protocolName = "PQS_Noise_IKpsk2_NISTP384_KYBER1024_AESGCM_SHA512"

// InitialKey seeds every handshake chain.
var InitialKey = Secret(sha512.Sum512([]byte(protocolName)))

// KBKDF derives a 64-byte sub-key from secret for the given usage.
// It is HMAC-SHA512 keyed by secret over a fixed structured buffer in
// counter mode; HKDF-Expand supplies the counter byte.
func KBKDF(secret []byte, usage KeyUsage) Secret {
	info := [...]byte{
		0, 0, 0, 0,
		'P', 'Q', 'S', '-', 'K', 'B', 'K', 'D', 'F',
		0x00,
		byte(usage),
		0x00, 0x00, 0x02, 0x00, // output length in bits, 512
	}
	var out Secret
	// One block of output from HKDF-Expand cannot fail.
	_, _ = io.ReadFull(hkdf.Expand(sha512.New, secret, info[:]), out[:])
	return out
}

// Mix folds material into key: HMAC-SHA512(key, material...).
func Mix(key []byte, material ...[]byte) Secret {
	mac := hmac.New(sha512.New, key)
	for _, m := range material {
		mac.Write(m)
	}
	var out Secret
	mac.Sum(out[:0])
	return out
}

// HMACSHA384 computes an HMAC-SHA384 tag over the concatenation of parts.
func HMACSHA384(key []byte, parts ...[]byte) [HMACSize]byte {
	mac := hmac.New(sha512.New384, key)
	for _, p := range parts {
		mac.Write(p)
	}
	var out [HMACSize]byte
	mac.Sum(out[:0])
	return out
}

// VerifyHMACSHA384 recomputes the tag and compares it in constant time.
func VerifyHMACSHA384(tag []byte, key []byte, parts ...[]byte) bool {
	expected := HMACSHA384(key, parts...)
	return hmac.Equal(expected[:], tag)
}

// SHA384 hashes the concatenation of parts.
func SHA384(parts ...[]byte) [HashSize]byte {
	h := sha512.New384()
	for _, p := range parts {
		h.Write(p)
	}
	var out [HashSize]byte
	h.Sum(out[:0])
	return out
}
