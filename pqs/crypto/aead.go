package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

var (
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
	ErrDecryptionFailed   = errors.New("crypto: decryption failed")
	ErrInvalidKeySize     = errors.New("crypto: invalid key size")
)

const (
	// AESKeySize is the AES-256 key size.
	AESKeySize = 32
	// GCMTagSize is the AES-GCM authentication tag size.
	GCMTagSize = 16
	// GCMNonceSize is the AES-GCM nonce size.
	GCMNonceSize = 12
)

// AEAD wraps AES-256-GCM. Nonces are supplied by the caller and derived
// from the packet's canonical header, so a unique packet counter per key
// guarantees unique nonces.
//
// An AEAD is safe for concurrent use.
type AEAD struct {
	aead cipher.AEAD
}

// NewAEAD creates a new AES-256-GCM cipher. Only the first AESKeySize bytes
// of key are used; shorter keys are rejected.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) < AESKeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key[:AESKeySize])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AEAD{aead: gcm}, nil
}

// Seal encrypts and authenticates plaintext, appending ciphertext || tag
// to dst. To seal in place use plaintext[:0] as dst.
func (a *AEAD) Seal(dst, nonce, plaintext, additionalData []byte) []byte {
	return a.aead.Seal(dst, nonce, plaintext, additionalData)
}

// Open authenticates and decrypts ciphertext || tag, appending the
// plaintext to dst.
func (a *AEAD) Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if len(ciphertext) < GCMTagSize {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := a.aead.Open(dst, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Overhead returns the authentication tag overhead.
func (a *AEAD) Overhead() int { return a.aead.Overhead() }

// NonceSize returns the nonce size.
func (a *AEAD) NonceSize() int { return a.aead.NonceSize() }

// NewHeaderCheckCipher returns the AES-256 block cipher used for header
// check codes, keyed from the first AESKeySize bytes of key.
func NewHeaderCheckCipher(key *Secret) (cipher.Block, error) {
	return aes.NewCipher(key[:AESKeySize])
}
