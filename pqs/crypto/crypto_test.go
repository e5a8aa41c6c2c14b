package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestP384ECDH(t *testing.T) {
	alice, err := GenerateP384(rand.Reader)
	require.NoError(t, err)
	bob, err := GenerateP384(rand.Reader)
	require.NoError(t, err)

	pub := alice.PublicKey().Bytes()
	require.Len(t, pub, P384PublicKeySize)

	parsed, err := ParseP384Public(pub)
	require.NoError(t, err)

	sharedBob, err := ECDH(bob, parsed)
	require.NoError(t, err)
	sharedAlice, err := ECDH(alice, bob.PublicKey())
	require.NoError(t, err)

	assert.Equal(t, sharedAlice, sharedBob)
	assert.Len(t, sharedAlice, P384SharedSecretSize)
}

func TestParseP384PublicRejectsGarbage(t *testing.T) {
	_, err := ParseP384Public(make([]byte, P384PublicKeySize))
	assert.ErrorIs(t, err, ErrInvalidPublicKey)

	_, err = ParseP384Public([]byte{0x04, 1, 2})
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestAEADRoundTrip(t *testing.T) {
	key := make([]byte, SecretSize)
	for i := range key {
		key[i] = byte(i)
	}
	aead, err := NewAEAD(key)
	require.NoError(t, err)

	nonce := make([]byte, GCMNonceSize)
	plaintext := []byte("hello pqs secure session")
	ad := []byte("canonical header")

	ciphertext := aead.Seal(nil, nonce, plaintext, ad)
	require.Len(t, ciphertext, len(plaintext)+GCMTagSize)

	decrypted, err := aead.Open(nil, nonce, ciphertext, ad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)

	ciphertext[len(ciphertext)-1] ^= 0xff
	_, err = aead.Open(nil, nonce, ciphertext, ad)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = aead.Open(nil, nonce, ciphertext[:GCMTagSize-1], ad)
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestAEADWrongAdditionalData(t *testing.T) {
	aead, err := NewAEAD(bytes.Repeat([]byte{7}, AESKeySize))
	require.NoError(t, err)
	nonce := make([]byte, GCMNonceSize)
	ct := aead.Seal(nil, nonce, []byte("payload"), []byte("ad-1"))
	_, err = aead.Open(nil, nonce, ct, []byte("ad-2"))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestNewAEADShortKey(t *testing.T) {
	_, err := NewAEAD(make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestKBKDFDomainSeparation(t *testing.T) {
	secret := bytes.Repeat([]byte{0x42}, SecretSize)

	a := KBKDF(secret, UsageInitiatorToResponder)
	b := KBKDF(secret, UsageResponderToInitiator)
	h := KBKDF(secret, UsageHeaderCheck)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, h)
	assert.Equal(t, a, KBKDF(secret, UsageInitiatorToResponder))
	assert.NotEqual(t, a, KBKDF(secret[:32], UsageInitiatorToResponder))
}

func TestMixOrderMatters(t *testing.T) {
	k := InitialKey
	ab := Mix(k[:], []byte("a"))
	ab = Mix(ab[:], []byte("b"))
	ba := Mix(k[:], []byte("b"))
	ba = Mix(ba[:], []byte("a"))
	assert.NotEqual(t, ab, ba)

	joined := Mix(k[:], []byte("a"), []byte("b"))
	assert.Equal(t, joined, Mix(k[:], []byte("ab")))
}

func TestHMACSHA384(t *testing.T) {
	key := []byte("key")
	tag := HMACSHA384(key, []byte("hello "), []byte("world"))
	assert.True(t, VerifyHMACSHA384(tag[:], key, []byte("hello world")))

	tag[0] ^= 1
	assert.False(t, VerifyHMACSHA384(tag[:], key, []byte("hello world")))
	assert.False(t, VerifyHMACSHA384(tag[:10], key, []byte("hello world")))
}

func TestSecretWipe(t *testing.T) {
	s := SecretFromBytes([]byte{1, 2, 3})
	assert.False(t, s.IsZero())
	s.Wipe()
	assert.True(t, s.IsZero())
}

func TestKEMRoundTrip(t *testing.T) {
	kp, err := GenerateKEM(rand.Reader)
	require.NoError(t, err)
	pub := kp.PublicBytes()
	require.Len(t, pub, KEMPublicKeySize)

	ct, ssA, err := KEMEncapsulate(rand.Reader, pub)
	require.NoError(t, err)
	require.Len(t, ct, KEMCiphertextSize)

	ssB, err := kp.Decapsulate(ct)
	require.NoError(t, err)
	assert.Equal(t, ssA, ssB)
	assert.Len(t, ssA, KEMSharedKeySize)

	_, _, err = KEMEncapsulate(rand.Reader, pub[:10])
	assert.ErrorIs(t, err, ErrInvalidKEMPublicKey)
	_, err = kp.Decapsulate(ct[:10])
	assert.ErrorIs(t, err, ErrInvalidKEMCiphertext)
}

func BenchmarkAEADSeal1400(b *testing.B) {
	aead, _ := NewAEAD(bytes.Repeat([]byte{1}, AESKeySize))
	nonce := make([]byte, GCMNonceSize)
	pt := make([]byte, 1400)
	out := make([]byte, 0, 1400+GCMTagSize)
	b.SetBytes(int64(len(pt)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		aead.Seal(out[:0], nonce, pt, nil)
	}
}

func BenchmarkKBKDF(b *testing.B) {
	secret := bytes.Repeat([]byte{1}, SecretSize)
	for i := 0; i < b.N; i++ {
		KBKDF(secret, UsageHMAC)
	}
}
