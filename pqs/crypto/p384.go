package crypto

import (
	"crypto/ecdh"
	"errors"
	"io"
)

const (
	// P384PublicKeySize is the size of an uncompressed P-384 public key.
	P384PublicKeySize = 97
	// P384SharedSecretSize is the size of a raw P-384 ECDH shared secret.
	P384SharedSecretSize = 48
)

var (
	ErrInvalidPublicKey = errors.New("crypto: invalid P-384 public key")
)

// GenerateP384 generates a new P-384 key pair.
func GenerateP384(rand io.Reader) (*ecdh.PrivateKey, error) {
	return ecdh.P384().GenerateKey(rand)
}

// ParseP384Public parses an uncompressed P-384 public key.
func ParseP384Public(b []byte) (*ecdh.PublicKey, error) {
	if len(b) != P384PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	pub, err := ecdh.P384().NewPublicKey(b)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return pub, nil
}

// ECDH computes the raw P-384 shared secret.
// The result should only be used as input to Mix or KBKDF.
func ECDH(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) ([]byte, error) {
	if priv == nil || peer == nil {
		return nil, ErrInvalidPublicKey
	}
	if priv.Curve() != ecdh.P384() || peer.Curve() != ecdh.P384() {
		return nil, ErrInvalidPublicKey
	}
	return priv.ECDH(peer)
}
