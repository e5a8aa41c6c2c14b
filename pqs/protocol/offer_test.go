package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKEMSize = 32

func TestKeyOfferEncodeDecode(t *testing.T) {
	fp := [RatchetFingerprintSize]byte{1, 2, 3}
	in := KeyOffer{
		OfferID:            [OfferIDSize]byte{0xaa, 0xbb},
		SessionID:          0x0000c0ffee01,
		StaticPublicBlob:   bytes.Repeat([]byte{4}, 98),
		Metadata:           []byte("meta"),
		KEMPublicKey:       bytes.Repeat([]byte{5}, testKEMSize),
		RatchetFingerprint: &fp,
	}
	w := NewWriter(make([]byte, 512))
	require.NoError(t, in.Encode(w))

	out, err := DecodeKeyOffer(w.Bytes(), testKEMSize)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestKeyOfferMinimal(t *testing.T) {
	in := KeyOffer{SessionID: 1, StaticPublicBlob: []byte{1}}
	w := NewWriter(make([]byte, 64))
	require.NoError(t, in.Encode(w))
	assert.Equal(t, OfferIDSize+6+2+1+1+1, w.Len())

	out, err := DecodeKeyOffer(w.Bytes(), testKEMSize)
	require.NoError(t, err)
	assert.Nil(t, out.KEMPublicKey)
	assert.Nil(t, out.RatchetFingerprint)
	assert.Empty(t, out.Metadata)
}

func TestKeyOfferDecodeRejects(t *testing.T) {
	in := KeyOffer{SessionID: 1, StaticPublicBlob: []byte{1}, KEMPublicKey: make([]byte, testKEMSize)}
	w := NewWriter(make([]byte, 128))
	require.NoError(t, in.Encode(w))
	good := w.Bytes()

	for n := 0; n < len(good); n++ {
		_, err := DecodeKeyOffer(good[:n], testKEMSize)
		assert.ErrorIs(t, err, ErrInvalidPacket, "truncated at %d", n)
	}

	bad := append([]byte(nil), good...)
	bad[OfferIDSize+6+2+1] = 7 // unknown KEM type
	_, err := DecodeKeyOffer(bad, testKEMSize)
	assert.ErrorIs(t, err, ErrInvalidPacket)

	zeroSID := append([]byte(nil), good...)
	copy(zeroSID[OfferIDSize:OfferIDSize+6], make([]byte, 6))
	_, err = DecodeKeyOffer(zeroSID, testKEMSize)
	assert.ErrorIs(t, err, ErrInvalidPacket)
}

func TestKeyOfferTooLarge(t *testing.T) {
	in := KeyOffer{SessionID: 1, Metadata: make([]byte, MaxMetadataSize+1)}
	w := NewWriter(make([]byte, 4096))
	assert.ErrorIs(t, in.Encode(w), ErrDataTooLarge)

	small := KeyOffer{SessionID: 1, StaticPublicBlob: make([]byte, 40)}
	assert.ErrorIs(t, small.Encode(NewWriter(make([]byte, 30))), ErrUnexpectedBufferOverrun)
}

func TestCounterOfferEncodeDecode(t *testing.T) {
	fp := [RatchetFingerprintSize]byte{9}
	in := CounterOffer{
		OfferID:            [OfferIDSize]byte{1},
		SessionID:          2,
		KEMCiphertext:      bytes.Repeat([]byte{3}, testKEMSize),
		RatchetFingerprint: &fp,
	}
	w := NewWriter(make([]byte, 256))
	require.NoError(t, in.Encode(w))

	out, err := DecodeCounterOffer(w.Bytes(), testKEMSize)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeCounterOffer(w.Bytes()[:w.Len()-1], testKEMSize)
	assert.ErrorIs(t, err, ErrInvalidPacket)
}
