package session

import (
	"crypto/ecdh"
	"crypto/subtle"
	"io"

	"github.com/TheusHen/pqs/pqs/crypto"
	"github.com/TheusHen/pqs/pqs/crypto/ratchet"
	"github.com/TheusHen/pqs/pqs/protocol"
	"github.com/sirupsen/logrus"
)

// Handshake envelopes after the header:
//
//	KEY_OFFER:         version | e_pub | body | tag | hmac_es | hmac_ss
//	KEY_COUNTER_OFFER: version | f_pub | body | tag | hmac
const (
	envelopePrefixSize = 1 + crypto.P384PublicKeySize

	maxOfferBodySize = protocol.OfferIDSize + protocol.SessionIDSize +
		2*protocol.MaxVarintSize + protocol.MaxStaticPublicBlobSize + protocol.MaxMetadataSize +
		1 + crypto.KEMPublicKeySize + 1 + protocol.RatchetFingerprintSize
	maxCounterOfferBodySize = protocol.OfferIDSize + protocol.SessionIDSize +
		1 + crypto.KEMCiphertextSize + 1 + protocol.RatchetFingerprintSize

	minOfferPayload        = envelopePrefixSize + protocol.AESGCMTagSize + 2*protocol.HMACSize
	minCounterOfferPayload = envelopePrefixSize + protocol.AESGCMTagSize + protocol.HMACSize
)

// StartSession creates a session to the identity in remoteStaticBlob and
// sends the first key offer. Applications that look sessions up from a
// concurrent receive loop should use NewSession and SendOffer instead, so
// the session is registered before a counter-offer can arrive.
func (c *Context) StartSession(send protocol.SendFunc, localID protocol.SessionID, remoteStaticBlob, metadata []byte,
	psk crypto.Secret, appData any, mtu int, now int64) (*Session, error) {
	if mtu < protocol.MinTransportMTU {
		return nil, ErrInvalidParameter
	}
	s, err := c.NewSession(localID, remoteStaticBlob, metadata, psk, appData, now)
	if err != nil {
		return nil, err
	}
	if err := s.SendOffer(send, mtu, now); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// NewSession creates a session to the identity in remoteStaticBlob without
// sending anything. SendOffer starts the handshake.
func (c *Context) NewSession(localID protocol.SessionID, remoteStaticBlob, metadata []byte,
	psk crypto.Secret, appData any, now int64) (*Session, error) {
	if !localID.Valid() || len(metadata) > protocol.MaxMetadataSize {
		return nil, ErrInvalidParameter
	}
	remoteStatic, ok := c.app.ExtractP384Static(remoteStaticBlob)
	if !ok {
		return nil, ErrInvalidParameter
	}
	ss, err := crypto.ECDH(c.app.LocalStaticKeyPair(), remoteStatic)
	if err != nil {
		return nil, ErrInvalidParameter
	}
	defer crypto.Wipe(ss)

	s, err := newSession(c, localID, remoteStaticBlob, remoteStatic, ss, psk, appData, now)
	if err != nil {
		return nil, err
	}
	s.localMetadata = append([]byte(nil), metadata...)
	return s, nil
}

// SendOffer sends a key offer, replacing any pending one.
func (s *Session) SendOffer(send protocol.SendFunc, mtu int, now int64) error {
	if mtu < protocol.MinTransportMTU {
		return ErrInvalidParameter
	}
	s.hs.Lock()
	defer s.hs.Unlock()
	if err := s.ctx.sendOffer(s, send, mtu, now); err != nil {
		return err
	}
	s.log().WithFields(logrus.Fields{
		"function": "SendOffer",
		"hybrid":   s.ctx.cfg.EnableHybridKEM,
	}).Debug("Key offer sent")
	return nil
}

// Rekey starts a new handshake on an established session. The current key
// stays in use until the new one is confirmed.
func (s *Session) Rekey(send protocol.SendFunc, mtu int, now int64) error {
	s.hs.Lock()
	defer s.hs.Unlock()
	if !s.Established() {
		return ErrSessionNotEstablished
	}
	return s.ctx.sendOffer(s, send, mtu, now)
}

// Service drives timers: it re-offers when a pending offer has gone
// unanswered for OfferRetry, and rekeys when a key this side initiated is
// older than RekeyAfter. It reports whether an offer was sent.
func (s *Session) Service(send protocol.SendFunc, mtu int, now int64) (bool, error) {
	cfg := &s.ctx.cfg
	s.hs.Lock()
	defer s.hs.Unlock()

	s.mu.RLock()
	offer := s.offer
	cur := s.ring.Current()
	established := s.remoteID != 0 && cur != nil
	var (
		initiator bool
		born      int64
		count     uint64
	)
	if cur != nil {
		initiator = cur.Role() == ratchet.RoleInitiator
		born = cur.EstablishTime()
		count = cur.RatchetCount()
	}
	s.mu.RUnlock()

	if offer != nil {
		if now-offer.createdAt < cfg.OfferRetry.Milliseconds() {
			return false, nil
		}
		return true, s.ctx.sendOffer(s, send, mtu, now)
	}
	if !established || cfg.RekeyAfter < 0 || !initiator {
		return false, nil
	}
	if now-born < cfg.RekeyAfter.Milliseconds() {
		return false, nil
	}
	s.log().WithFields(logrus.Fields{
		"function":      "Service",
		"ratchet_count": count,
	}).Debug("Key expired, rekeying")
	return true, s.ctx.sendOffer(s, send, mtu, now)
}

// mixEphemeral is the first link of the chain:
// Mix(Mix(InitialKey, ePub), es).
func mixEphemeral(ePub, es []byte) crypto.Secret {
	k := crypto.Mix(crypto.InitialKey[:], ePub)
	return crypto.Mix(k[:], es)
}

// mixMaster folds the responder ephemeral and the PSK into esssKey.
func mixMaster(esssKey *crypto.Secret, fPub, ee, se []byte, psk *crypto.Secret) crypto.Secret {
	m := crypto.Mix(esssKey[:], fPub)
	m = crypto.Mix(m[:], ee)
	m = crypto.Mix(m[:], se)
	return crypto.Mix(m[:], psk[:])
}

func envelopeAAD(canon *[protocol.HeaderSize]byte, prefix []byte) []byte {
	aad := make([]byte, 0, protocol.HeaderSize+len(prefix))
	aad = append(aad, canon[:]...)
	return append(aad, prefix...)
}

// sealBody encrypts plain into pkt at bodyStart, tag included.
func sealBody(key *crypto.Secret, usage crypto.KeyUsage, canon *[protocol.HeaderSize]byte, pkt []byte, bodyStart int, plain []byte) error {
	k := crypto.KBKDF(key[:], usage)
	defer k.Wipe()
	aead, err := crypto.NewAEAD(k[:])
	if err != nil {
		return err
	}
	nonce := protocol.Nonce(canon)
	aead.Seal(pkt[bodyStart:bodyStart], nonce[:], plain, envelopeAAD(canon, pkt[protocol.HeaderSize:bodyStart]))
	return nil
}

// openBody decrypts p[envelopePrefixSize:tagEnd] where p is the packet
// without its header.
func openBody(key *crypto.Secret, usage crypto.KeyUsage, canon *[protocol.HeaderSize]byte, p []byte, tagEnd int) ([]byte, error) {
	k := crypto.KBKDF(key[:], usage)
	defer k.Wipe()
	aead, err := crypto.NewAEAD(k[:])
	if err != nil {
		return nil, err
	}
	nonce := protocol.Nonce(canon)
	plain, err := aead.Open(nil, nonce[:], p[envelopePrefixSize:tagEnd], envelopeAAD(canon, p[:envelopePrefixSize]))
	if err != nil {
		return nil, ErrFailedAuthentication
	}
	return plain, nil
}

func writeHMAC(dst []byte, key *crypto.Secret, parts ...[]byte) {
	mk := crypto.KBKDF(key[:], crypto.UsageHMAC)
	defer mk.Wipe()
	tag := crypto.HMACSHA384(mk[:], parts...)
	copy(dst, tag[:])
}

func verifyHMAC(tag []byte, key *crypto.Secret, parts ...[]byte) bool {
	mk := crypto.KBKDF(key[:], crypto.UsageHMAC)
	defer mk.Wipe()
	return crypto.VerifyHMACSHA384(tag, mk[:], parts...)
}

// sendOffer builds and sends a KEY_OFFER. The offer becomes pending only
// once it is on the wire. The caller holds s.hs.
func (c *Context) sendOffer(s *Session, send protocol.SendFunc, mtu int, now int64) error {
	s.mu.RLock()
	closed := s.closed
	ss := s.ss
	recipient := s.remoteID
	offer := &EphemeralOffer{createdAt: now}
	if cur := s.ring.Current(); cur != nil {
		fp := cur.Fingerprint()
		offer.fingerprint = &fp
		offer.ratchetKey = cur.RatchetKey()
		offer.ratchetCount = cur.RatchetCount()
	}
	s.mu.RUnlock()
	defer crypto.Wipe(ss[:])
	pending := false
	defer func() {
		if !pending {
			offer.wipe()
		}
	}()
	if closed {
		return ErrSessionNotEstablished
	}

	e, err := crypto.GenerateP384(c.cfg.Rand)
	if err != nil {
		return err
	}
	offer.ephemeral = e
	ePub := e.PublicKey().Bytes()
	es, err := crypto.ECDH(e, s.remoteStatic)
	if err != nil {
		return ErrInvalidParameter
	}
	esKey := mixEphemeral(ePub, es)
	crypto.Wipe(es)
	defer esKey.Wipe()

	if _, err := io.ReadFull(c.cfg.Rand, offer.id[:]); err != nil {
		return err
	}
	body := protocol.KeyOffer{
		OfferID:          offer.id,
		SessionID:        s.id,
		StaticPublicBlob: c.app.LocalStaticPublicBlob(),
		Metadata:         s.localMetadata,
	}
	if c.cfg.EnableHybridKEM {
		kp, err := crypto.GenerateKEM(c.cfg.Rand)
		if err != nil {
			return err
		}
		offer.kem = kp
		body.KEMPublicKey = kp.PublicBytes()
	}
	if offer.fingerprint != nil {
		body.RatchetFingerprint = (*[protocol.RatchetFingerprintSize]byte)(offer.fingerprint)
	}

	bw := protocol.NewWriter(make([]byte, maxOfferBodySize))
	if err := body.Encode(bw); err != nil {
		return err
	}
	plain := bw.Bytes()
	defer crypto.Wipe(plain)

	bodyStart := protocol.HeaderSize + envelopePrefixSize
	tagEnd := bodyStart + len(plain) + protocol.AESGCMTagSize
	total := tagEnd + 2*protocol.HMACSize
	count, err := protocol.FragmentCount(total, mtu)
	if err != nil {
		return err
	}
	if count > protocol.KeyExchangeMaxFragments {
		return ErrDataTooLarge
	}

	counter, err := s.nextCounter()
	if err != nil {
		return err
	}
	pkt := make([]byte, total)
	if err := protocol.EncodeHeader(pkt, counter, recipient, protocol.PacketTypeKeyOffer, 1, 0); err != nil {
		return err
	}
	canon := protocol.CanonicalHeader(counter, recipient, protocol.PacketTypeKeyOffer)
	pkt[protocol.HeaderSize] = protocol.SessionProtocolVersion
	copy(pkt[protocol.HeaderSize+1:bodyStart], ePub)

	if err := sealBody(&esKey, crypto.UsageInitiatorToResponder, &canon, pkt, bodyStart, plain); err != nil {
		return err
	}
	writeHMAC(pkt[tagEnd:], &esKey, canon[:], pkt[protocol.HeaderSize:tagEnd])
	offer.esssKey = crypto.Mix(esKey[:], ss[:])
	writeHMAC(pkt[tagEnd+protocol.HMACSize:], &offer.esssKey, canon[:], pkt[protocol.HeaderSize:tagEnd+protocol.HMACSize])

	// Before the peer knows our session id the offer is addressed to its
	// identity.
	block := s.headerCheck
	if recipient == 0 {
		block = s.identityCheck
	}
	if err := protocol.SendWithFragmentation(send, pkt, mtu, block); err != nil {
		return err
	}

	s.mu.Lock()
	old := s.offer
	s.offer = offer
	s.mu.Unlock()
	pending = true
	if old != nil {
		old.wipe()
	}
	return nil
}

// receiveKeyOffer handles a KEY_OFFER, creating a session when s is nil.
// p is the reassembled packet without its header. The handshake math and
// the reply run under s.hs only; s.mu is held just to read state and to
// install the result, so data keeps flowing meanwhile.
func (c *Context) receiveKeyOffer(s *Session, remoteAddr string, send protocol.SendFunc, h protocol.Header, p []byte, mtu int, now int64) (ReceiveResult, error) {
	if len(p) < minOfferPayload {
		return ReceiveResult{}, ErrInvalidPacket
	}
	var (
		ss  [crypto.P384SharedSecretSize]byte
		psk crypto.Secret
	)
	defer crypto.Wipe(ss[:])
	defer psk.Wipe()
	if s != nil {
		s.hs.Lock()
		defer s.hs.Unlock()
		s.mu.RLock()
		closed := s.closed
		limited := s.remoteOffered && now-s.lastRemoteOffer < c.cfg.RekeyRateLimit.Milliseconds()
		ss, psk = s.ss, s.psk
		s.mu.RUnlock()
		if closed {
			return ReceiveResult{}, ErrSessionNotEstablished
		}
		if limited {
			return ReceiveResult{}, ErrRateLimited
		}
	} else if !c.app.CheckNewSessionAttempt(c, remoteAddr) {
		return ReceiveResult{}, ErrRateLimited
	}
	if p[0] != protocol.SessionProtocolVersion {
		return ReceiveResult{}, ErrUnknownProtocolVersion
	}

	ePubBytes := p[1:envelopePrefixSize]
	ePub, err := crypto.ParseP384Public(ePubBytes)
	if err != nil {
		return ReceiveResult{}, ErrFailedAuthentication
	}
	local := c.app.LocalStaticKeyPair()
	es, err := crypto.ECDH(local, ePub)
	if err != nil {
		return ReceiveResult{}, ErrFailedAuthentication
	}
	esKey := mixEphemeral(ePubBytes, es)
	crypto.Wipe(es)
	defer esKey.Wipe()

	canon := h.Canonical()
	tagEnd := len(p) - 2*protocol.HMACSize
	hmacEnd := tagEnd + protocol.HMACSize
	if !verifyHMAC(p[tagEnd:hmacEnd], &esKey, canon[:], p[:tagEnd]) {
		return ReceiveResult{}, ErrFailedAuthentication
	}
	plain, err := openBody(&esKey, crypto.UsageInitiatorToResponder, &canon, p, tagEnd)
	if err != nil {
		return ReceiveResult{}, err
	}
	defer crypto.Wipe(plain)
	offer, err := protocol.DecodeKeyOffer(plain, crypto.KEMPublicKeySize)
	if err != nil {
		return ReceiveResult{}, err
	}

	var remoteStatic *ecdh.PublicKey
	if s != nil {
		if subtle.ConstantTimeCompare(offer.StaticPublicBlob, s.remoteStaticBlob) != 1 {
			return ReceiveResult{}, ErrFailedAuthentication
		}
	} else {
		var ok bool
		if remoteStatic, ok = c.app.ExtractP384Static(offer.StaticPublicBlob); !ok {
			return ReceiveResult{}, ErrFailedAuthentication
		}
		shared, err := crypto.ECDH(local, remoteStatic)
		if err != nil {
			return ReceiveResult{}, ErrFailedAuthentication
		}
		copy(ss[:], shared)
		crypto.Wipe(shared)
	}
	esssKey := crypto.Mix(esKey[:], ss[:])
	defer esssKey.Wipe()
	if !verifyHMAC(p[hmacEnd:], &esssKey, canon[:], p[:hmacEnd]) {
		return ReceiveResult{}, ErrFailedAuthentication
	}

	kind := ResultOK
	if s == nil {
		acc, ok := c.app.AcceptNewSession(c, remoteAddr, offer.StaticPublicBlob, offer.Metadata)
		if !ok {
			return ReceiveResult{}, ErrNewSessionRejected
		}
		if !acc.LocalID.Valid() {
			return ReceiveResult{}, ErrInvalidParameter
		}
		if s, err = newSession(c, acc.LocalID, offer.StaticPublicBlob, remoteStatic, ss[:], acc.PSK, acc.AppData, now); err != nil {
			return ReceiveResult{}, err
		}
		psk = acc.PSK
		kind = ResultOKNewSession
	}
	fail := func(err error) (ReceiveResult, error) {
		if kind == ResultOKNewSession {
			s.Close()
		}
		return ReceiveResult{}, err
	}

	pkt, key, err := c.buildCounterOffer(s, &offer, ePub, &esssKey, &psk, mtu, now)
	if err != nil {
		return fail(err)
	}
	// The key goes in before the reply leaves so that the initiator's
	// confirmation always finds it; a failed send puts the ring back.
	s.mu.Lock()
	staged := s.ring.Stage(key)
	s.mu.Unlock()
	if err := protocol.SendWithFragmentation(send, pkt, mtu, s.headerCheck); err != nil {
		s.mu.Lock()
		s.ring.Revert(staged)
		s.mu.Unlock()
		return fail(err)
	}
	s.mu.Lock()
	s.ring.Commit(staged)
	s.remoteID = offer.SessionID
	s.lastRemoteOffer = now
	s.remoteOffered = true
	s.remoteMetadata = append([]byte(nil), offer.Metadata...)
	s.mu.Unlock()

	s.log().WithFields(logrus.Fields{
		"function":    "receiveKeyOffer",
		"remote_id":   offer.SessionID.String(),
		"remote_addr": remoteAddr,
		"new_session": kind == ResultOKNewSession,
		"hybrid":      len(offer.KEMPublicKey) > 0,
	}).Debug("Key offer accepted")
	return ReceiveResult{Kind: kind, Session: s}, nil
}

// ratchetFor returns the ratchet key and count of the retained key with
// fingerprint fp.
func (s *Session) ratchetFor(fp ratchet.Fingerprint) (crypto.Secret, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k := s.ring.FindByFingerprint(fp)
	if k == nil {
		return crypto.Secret{}, 0, false
	}
	return k.RatchetKey(), k.RatchetCount(), true
}

// buildCounterOffer completes the responder side: it derives the new key
// and seals the KEY_COUNTER_OFFER that carries it. Nothing is installed.
func (c *Context) buildCounterOffer(s *Session, offer *protocol.KeyOffer, ePub *ecdh.PublicKey,
	esssKey, psk *crypto.Secret, mtu int, now int64) ([]byte, *ratchet.Key, error) {
	f, err := crypto.GenerateP384(c.cfg.Rand)
	if err != nil {
		return nil, nil, err
	}
	fPub := f.PublicKey().Bytes()
	ee, err := crypto.ECDH(f, ePub)
	if err != nil {
		return nil, nil, ErrFailedAuthentication
	}
	defer crypto.Wipe(ee)
	se, err := crypto.ECDH(f, s.remoteStatic)
	if err != nil {
		return nil, nil, ErrFailedAuthentication
	}
	defer crypto.Wipe(se)

	master := mixMaster(esssKey, fPub, ee, se, psk)
	defer master.Wipe()
	final := master
	defer final.Wipe()

	co := protocol.CounterOffer{OfferID: offer.OfferID, SessionID: s.id}
	ratchetCount := uint64(1)
	if offer.RatchetFingerprint != nil {
		if rk, n, ok := s.ratchetFor(ratchet.Fingerprint(*offer.RatchetFingerprint)); ok {
			final = crypto.Mix(final[:], rk[:])
			rk.Wipe()
			ratchetCount = n + 1
			co.RatchetFingerprint = offer.RatchetFingerprint
		}
	}
	hybrid := len(offer.KEMPublicKey) > 0
	if hybrid {
		ct, kss, err := crypto.KEMEncapsulate(c.cfg.Rand, offer.KEMPublicKey)
		if err != nil {
			return nil, nil, ErrInvalidPacket
		}
		final = crypto.Mix(final[:], kss)
		crypto.Wipe(kss)
		co.KEMCiphertext = ct
	}

	bw := protocol.NewWriter(make([]byte, maxCounterOfferBodySize))
	if err := co.Encode(bw); err != nil {
		return nil, nil, err
	}
	plain := bw.Bytes()

	bodyStart := protocol.HeaderSize + envelopePrefixSize
	tagEnd := bodyStart + len(plain) + protocol.AESGCMTagSize
	total := tagEnd + protocol.HMACSize
	count, err := protocol.FragmentCount(total, mtu)
	if err != nil {
		return nil, nil, err
	}
	if count > protocol.KeyExchangeMaxFragments {
		return nil, nil, ErrDataTooLarge
	}

	counter, err := s.nextCounter()
	if err != nil {
		return nil, nil, err
	}
	pkt := make([]byte, total)
	if err := protocol.EncodeHeader(pkt, counter, offer.SessionID, protocol.PacketTypeKeyCounterOffer, 1, 0); err != nil {
		return nil, nil, err
	}
	canon := protocol.CanonicalHeader(counter, offer.SessionID, protocol.PacketTypeKeyCounterOffer)
	pkt[protocol.HeaderSize] = protocol.SessionProtocolVersion
	copy(pkt[protocol.HeaderSize+1:bodyStart], fPub)
	if err := sealBody(&master, crypto.UsageResponderToInitiator, &canon, pkt, bodyStart, plain); err != nil {
		return nil, nil, err
	}
	writeHMAC(pkt[tagEnd:], &final, canon[:], pkt[protocol.HeaderSize:tagEnd])

	key, err := ratchet.NewKey(final, ratchet.RoleResponder, uint64(counter), now, ratchetCount, hybrid)
	if err != nil {
		return nil, nil, err
	}
	return pkt, key, nil
}

// receiveCounterOffer completes the initiator side and confirms the new key
// with a NOP. The pending offer is consumed only once the NOP is sent.
func (c *Context) receiveCounterOffer(s *Session, send protocol.SendFunc, h protocol.Header, p []byte, mtu int, now int64) (ReceiveResult, error) {
	if len(p) < minCounterOfferPayload {
		return ReceiveResult{}, ErrInvalidPacket
	}
	s.hs.Lock()
	defer s.hs.Unlock()

	s.mu.RLock()
	offer := s.offer
	psk := s.psk
	s.mu.RUnlock()
	defer psk.Wipe()
	if offer == nil {
		return ReceiveResult{Kind: ResultIgnored, Session: s}, nil
	}
	if p[0] != protocol.SessionProtocolVersion {
		return ReceiveResult{}, ErrUnknownProtocolVersion
	}
	fPubBytes := p[1:envelopePrefixSize]
	fPub, err := crypto.ParseP384Public(fPubBytes)
	if err != nil {
		return ReceiveResult{}, ErrFailedAuthentication
	}
	ee, err := crypto.ECDH(offer.ephemeral, fPub)
	if err != nil {
		return ReceiveResult{}, ErrFailedAuthentication
	}
	defer crypto.Wipe(ee)
	se, err := crypto.ECDH(c.app.LocalStaticKeyPair(), fPub)
	if err != nil {
		return ReceiveResult{}, ErrFailedAuthentication
	}
	defer crypto.Wipe(se)

	master := mixMaster(&offer.esssKey, fPubBytes, ee, se, &psk)
	defer master.Wipe()

	canon := h.Canonical()
	tagEnd := len(p) - protocol.HMACSize
	plain, err := openBody(&master, crypto.UsageResponderToInitiator, &canon, p, tagEnd)
	if err != nil {
		return ReceiveResult{}, err
	}
	co, err := protocol.DecodeCounterOffer(plain, crypto.KEMCiphertextSize)
	if err != nil {
		return ReceiveResult{}, err
	}
	if subtle.ConstantTimeCompare(co.OfferID[:], offer.id[:]) != 1 {
		return ReceiveResult{Kind: ResultIgnored, Session: s}, nil
	}

	final := master
	defer final.Wipe()
	ratchetCount := uint64(1)
	if co.RatchetFingerprint != nil {
		if offer.fingerprint == nil || !offer.fingerprint.Equal(ratchet.Fingerprint(*co.RatchetFingerprint)) {
			return ReceiveResult{}, ErrFailedAuthentication
		}
		final = crypto.Mix(final[:], offer.ratchetKey[:])
		ratchetCount = offer.ratchetCount + 1
	}
	hybrid := false
	switch {
	case offer.kem != nil && co.KEMCiphertext == nil:
		// The responder dropped the KEM we offered.
		return ReceiveResult{}, ErrFailedAuthentication
	case offer.kem == nil && co.KEMCiphertext != nil:
		return ReceiveResult{}, ErrFailedAuthentication
	case offer.kem != nil:
		kss, err := offer.kem.Decapsulate(co.KEMCiphertext)
		if err != nil {
			return ReceiveResult{}, ErrFailedAuthentication
		}
		final = crypto.Mix(final[:], kss)
		crypto.Wipe(kss)
		hybrid = true
	}
	if !verifyHMAC(p[tagEnd:], &final, canon[:], p[:tagEnd]) {
		return ReceiveResult{}, ErrFailedAuthentication
	}

	counter, err := s.nextCounter()
	if err != nil {
		return ReceiveResult{}, err
	}
	key, err := ratchet.NewKey(final, ratchet.RoleInitiator, uint64(counter), now, ratchetCount, hybrid)
	if err != nil {
		return ReceiveResult{}, err
	}
	nop, err := sealPacket(key, counter, co.SessionID, protocol.PacketTypeNOP, nil)
	if err != nil {
		key.Wipe()
		return ReceiveResult{}, err
	}

	s.mu.Lock()
	staged := s.ring.Stage(key)
	s.mu.Unlock()
	if err := protocol.SendWithFragmentation(send, nop, mtu, s.headerCheck); err != nil {
		s.mu.Lock()
		s.ring.Revert(staged)
		s.mu.Unlock()
		return ReceiveResult{}, err
	}
	s.mu.Lock()
	s.ring.Commit(staged)
	s.ring.Promote(staged.Slot(), key)
	s.remoteID = co.SessionID
	s.offer = nil
	s.mu.Unlock()
	offer.wipe()

	s.log().WithFields(logrus.Fields{
		"function":      "receiveCounterOffer",
		"remote_id":     co.SessionID.String(),
		"ratchet_count": ratchetCount,
		"hybrid":        hybrid,
	}).Info("Session established")
	return ReceiveResult{Kind: ResultOK, Session: s}, nil
}
