package protocol

// Handshake payload bodies. Both travel AES-GCM encrypted inside the
// KEY_OFFER / KEY_COUNTER_OFFER envelope:
//
//	KEY_OFFER:         header | version | e_pub | enc(KeyOffer) | tag | hmac_es | hmac_ss
//	KEY_COUNTER_OFFER: header | version | f_pub | enc(CounterOffer) | tag | hmac

// KEM type tags.
const (
	KEMNone       byte = 0
	KEMKyber1024  byte = 1
	ratchetAbsent byte = 0
	ratchetGiven  byte = 1
)

// Limits on offer fields accepted from the network.
const (
	MaxStaticPublicBlobSize = 512
	MaxMetadataSize         = 1024
	maxKEMBlobSize          = 2048
)

// KeyOffer is the plaintext body of a KEY_OFFER.
type KeyOffer struct {
	OfferID [OfferIDSize]byte
	// SessionID is the initiator's local id; the responder addresses
	// replies to it.
	SessionID SessionID
	// StaticPublicBlob is the initiator's application-defined identity.
	StaticPublicBlob []byte
	Metadata         []byte
	// KEMPublicKey is set in hybrid mode.
	KEMPublicKey []byte
	// RatchetFingerprint names the ratchet key the initiator wants mixed.
	RatchetFingerprint *[RatchetFingerprintSize]byte
}

// Encode appends the offer body to w.
func (o *KeyOffer) Encode(w *Writer) error {
	if len(o.StaticPublicBlob) > MaxStaticPublicBlobSize || len(o.Metadata) > MaxMetadataSize {
		return ErrDataTooLarge
	}
	if err := w.WriteBytes(o.OfferID[:]); err != nil {
		return err
	}
	if err := w.WriteU48(uint64(o.SessionID)); err != nil {
		return err
	}
	if err := w.WriteVarBytes(o.StaticPublicBlob); err != nil {
		return err
	}
	if err := w.WriteVarBytes(o.Metadata); err != nil {
		return err
	}
	if err := writeKEM(w, o.KEMPublicKey); err != nil {
		return err
	}
	return writeRatchet(w, o.RatchetFingerprint)
}

// DecodeKeyOffer parses an offer body. Slices alias b.
func DecodeKeyOffer(b []byte, kemPublicKeySize int) (KeyOffer, error) {
	var o KeyOffer
	r := NewReader(b)
	id, err := r.ReadBytes(OfferIDSize)
	if err != nil {
		return o, err
	}
	copy(o.OfferID[:], id)
	sid, err := r.ReadU48()
	if err != nil {
		return o, err
	}
	o.SessionID = SessionID(sid)
	if !o.SessionID.Valid() {
		return o, ErrInvalidPacket
	}
	if o.StaticPublicBlob, err = r.ReadVarBytes(MaxStaticPublicBlobSize); err != nil {
		return o, err
	}
	if o.Metadata, err = r.ReadVarBytes(MaxMetadataSize); err != nil {
		return o, err
	}
	if o.KEMPublicKey, err = readKEM(r, kemPublicKeySize); err != nil {
		return o, err
	}
	if o.RatchetFingerprint, err = readRatchet(r); err != nil {
		return o, err
	}
	return o, nil
}

// CounterOffer is the plaintext body of a KEY_COUNTER_OFFER.
type CounterOffer struct {
	// OfferID echoes the offer being answered.
	OfferID [OfferIDSize]byte
	// SessionID is the responder's local id.
	SessionID SessionID
	// KEMCiphertext answers the offer's KEM public key.
	KEMCiphertext []byte
	// RatchetFingerprint is set when the responder found the offered
	// ratchet key.
	RatchetFingerprint *[RatchetFingerprintSize]byte
}

func (c *CounterOffer) Encode(w *Writer) error {
	if err := w.WriteBytes(c.OfferID[:]); err != nil {
		return err
	}
	if err := w.WriteU48(uint64(c.SessionID)); err != nil {
		return err
	}
	if err := writeKEM(w, c.KEMCiphertext); err != nil {
		return err
	}
	return writeRatchet(w, c.RatchetFingerprint)
}

func DecodeCounterOffer(b []byte, kemCiphertextSize int) (CounterOffer, error) {
	var c CounterOffer
	r := NewReader(b)
	id, err := r.ReadBytes(OfferIDSize)
	if err != nil {
		return c, err
	}
	copy(c.OfferID[:], id)
	sid, err := r.ReadU48()
	if err != nil {
		return c, err
	}
	c.SessionID = SessionID(sid)
	if !c.SessionID.Valid() {
		return c, ErrInvalidPacket
	}
	if c.KEMCiphertext, err = readKEM(r, kemCiphertextSize); err != nil {
		return c, err
	}
	if c.RatchetFingerprint, err = readRatchet(r); err != nil {
		return c, err
	}
	return c, nil
}

func writeKEM(w *Writer, blob []byte) error {
	if len(blob) == 0 {
		return w.WriteByte(KEMNone)
	}
	if len(blob) > maxKEMBlobSize {
		return ErrDataTooLarge
	}
	if w.Available() < 1+len(blob) {
		return ErrUnexpectedBufferOverrun
	}
	_ = w.WriteByte(KEMKyber1024)
	return w.WriteBytes(blob)
}

func readKEM(r *Reader, size int) ([]byte, error) {
	t, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch t {
	case KEMNone:
		return nil, nil
	case KEMKyber1024:
		return r.ReadBytes(size)
	default:
		return nil, ErrInvalidPacket
	}
}

func writeRatchet(w *Writer, fp *[RatchetFingerprintSize]byte) error {
	if fp == nil {
		return w.WriteByte(ratchetAbsent)
	}
	if w.Available() < 1+RatchetFingerprintSize {
		return ErrUnexpectedBufferOverrun
	}
	_ = w.WriteByte(ratchetGiven)
	return w.WriteBytes(fp[:])
}

func readRatchet(r *Reader) (*[RatchetFingerprintSize]byte, error) {
	t, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch t {
	case ratchetAbsent:
		return nil, nil
	case ratchetGiven:
		b, err := r.ReadBytes(RatchetFingerprintSize)
		if err != nil {
			return nil, err
		}
		var fp [RatchetFingerprintSize]byte
		copy(fp[:], b)
		return &fp, nil
	default:
		return nil, ErrInvalidPacket
	}
}
