package crypto

import (
	"errors"
	"io"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber1024"
)

var (
	ErrInvalidKEMPublicKey  = errors.New("crypto: invalid KEM public key")
	ErrInvalidKEMCiphertext = errors.New("crypto: invalid KEM ciphertext")
)

const (
	// KEMPublicKeySize is the Kyber1024 public key size.
	KEMPublicKeySize = kyber1024.PublicKeySize
	// KEMCiphertextSize is the Kyber1024 ciphertext size.
	KEMCiphertextSize = kyber1024.CiphertextSize
	// KEMSharedKeySize is the Kyber1024 shared secret size.
	KEMSharedKeySize = kyber1024.SharedKeySize
)

var kemScheme = kyber1024.Scheme()

// KEMKeyPair is an ephemeral Kyber1024 key pair used in hybrid mode.
type KEMKeyPair struct {
	public  kem.PublicKey
	private kem.PrivateKey
}

// GenerateKEM derives a fresh Kyber1024 key pair from seed material read
// from rand.
func GenerateKEM(rand io.Reader) (*KEMKeyPair, error) {
	seed := make([]byte, kemScheme.SeedSize())
	defer Wipe(seed)
	if _, err := io.ReadFull(rand, seed); err != nil {
		return nil, err
	}
	pk, sk := kemScheme.DeriveKeyPair(seed)
	return &KEMKeyPair{public: pk, private: sk}, nil
}

// PublicBytes returns the packed public key.
func (kp *KEMKeyPair) PublicBytes() []byte {
	b, err := kp.public.MarshalBinary()
	if err != nil {
		return nil
	}
	return b
}

// Decapsulate recovers the shared secret from a ciphertext.
func (kp *KEMKeyPair) Decapsulate(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != KEMCiphertextSize {
		return nil, ErrInvalidKEMCiphertext
	}
	ss, err := kemScheme.Decapsulate(kp.private, ciphertext)
	if err != nil {
		return nil, ErrInvalidKEMCiphertext
	}
	return ss, nil
}

// KEMEncapsulate encapsulates a fresh shared secret to a packed public key.
func KEMEncapsulate(rand io.Reader, publicKey []byte) (ciphertext, sharedSecret []byte, err error) {
	if len(publicKey) != KEMPublicKeySize {
		return nil, nil, ErrInvalidKEMPublicKey
	}
	pk, err := kemScheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return nil, nil, ErrInvalidKEMPublicKey
	}
	seed := make([]byte, kemScheme.EncapsulationSeedSize())
	defer Wipe(seed)
	if _, err := io.ReadFull(rand, seed); err != nil {
		return nil, nil, err
	}
	return kemScheme.EncapsulateDeterministically(pk, seed)
}
