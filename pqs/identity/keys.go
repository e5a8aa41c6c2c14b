package identity

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"

	"github.com/TheusHen/pqs/pqs/crypto"
)

// BlobTypeP384 tags a static public blob carrying an uncompressed P-384
// point.
const BlobTypeP384 byte = 0x01

// PublicBlobSize is the length of a P-384 static public blob.
const PublicBlobSize = 1 + crypto.P384PublicKeySize

const pemType = "PRIVATE KEY"

var (
	ErrInvalidBlob = errors.New("identity: invalid static public blob")
	ErrInvalidKey  = errors.New("identity: invalid private key")
)

// KeyPair holds the static P-384 keypair a node is known by.
type KeyPair struct {
	Private *ecdh.PrivateKey
}

func GenerateKeyPair() (KeyPair, error) {
	return GenerateKeyPairFrom(rand.Reader)
}

// GenerateKeyPairFrom draws the private scalar from r.
func GenerateKeyPairFrom(r io.Reader) (KeyPair, error) {
	priv, err := crypto.GenerateP384(r)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Private: priv}, nil
}

// NewKeyPair wraps a raw 48-byte P-384 scalar.
func NewKeyPair(scalar []byte) (KeyPair, error) {
	priv, err := ecdh.P384().NewPrivateKey(scalar)
	if err != nil {
		return KeyPair{}, ErrInvalidKey
	}
	return KeyPair{Private: priv}, nil
}

// PublicBlob is the identity as carried in key offers.
func (kp KeyPair) PublicBlob() []byte {
	return MarshalPublicBlob(kp.Private.PublicKey())
}

func (kp KeyPair) PeerID() PeerID {
	return PeerIDFromBlob(kp.PublicBlob())
}

// MarshalPEM encodes the private key as PKCS#8 PEM.
func (kp KeyPair) MarshalPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(kp.Private)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: der}), nil
}

// ParsePEM decodes a PKCS#8 PEM P-384 private key.
func ParsePEM(b []byte) (KeyPair, error) {
	block, _ := pem.Decode(b)
	if block == nil || block.Type != pemType {
		return KeyPair{}, ErrInvalidKey
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return KeyPair{}, ErrInvalidKey
	}
	ec, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return KeyPair{}, ErrInvalidKey
	}
	priv, err := ec.ECDH()
	if err != nil || priv.Curve() != ecdh.P384() {
		return KeyPair{}, ErrInvalidKey
	}
	return KeyPair{Private: priv}, nil
}

func MarshalPublicBlob(pub *ecdh.PublicKey) []byte {
	blob := make([]byte, 0, PublicBlobSize)
	blob = append(blob, BlobTypeP384)
	return append(blob, pub.Bytes()...)
}

// ParsePublicBlob validates blob and returns the P-384 key it carries.
func ParsePublicBlob(blob []byte) (*ecdh.PublicKey, error) {
	if len(blob) != PublicBlobSize || blob[0] != BlobTypeP384 {
		return nil, ErrInvalidBlob
	}
	pub, err := crypto.ParseP384Public(blob[1:])
	if err != nil {
		return nil, ErrInvalidBlob
	}
	return pub, nil
}
