package session

import (
	"crypto/cipher"
	"crypto/ecdh"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheusHen/pqs/pqs/crypto"
	"github.com/TheusHen/pqs/pqs/crypto/ratchet"
	"github.com/TheusHen/pqs/pqs/protocol"
	"github.com/sirupsen/logrus"
)

// Session is one end of a secure session with a remote peer. It is created
// by Context.StartSession or by an accepted key offer and lives until the
// application drops it.
type Session struct {
	ctx *Context
	id  protocol.SessionID

	// counter is the next packet counter to send.
	counter atomic.Uint64

	psk              crypto.Secret
	ss               [crypto.P384SharedSecretSize]byte
	headerCheck      cipher.Block
	identityCheck    cipher.Block
	remoteStatic     *ecdh.PublicKey
	remoteStaticBlob []byte
	remoteStaticHash [crypto.HashSize]byte
	localMetadata    []byte
	appData          any
	createdAt        int64

	defrag *protocol.Defragmenter[uint32]

	// hs serializes handshakes on this session. It is taken before mu and
	// may be held across crypto and sends; mu never is.
	hs sync.Mutex

	mu              sync.RWMutex
	closed          bool
	remoteID        protocol.SessionID
	ring            ratchet.Ring
	offer           *EphemeralOffer
	lastRemoteOffer int64
	remoteOffered   bool
	remoteMetadata  []byte
}

// EphemeralOffer is the initiator's state between sending a key offer and
// validating the counter-offer.
type EphemeralOffer struct {
	id           [protocol.OfferIDSize]byte
	createdAt    int64
	esssKey      crypto.Secret
	ephemeral    *ecdh.PrivateKey
	kem          *crypto.KEMKeyPair
	ratchetKey   crypto.Secret
	ratchetCount uint64
	fingerprint  *ratchet.Fingerprint
}

func (o *EphemeralOffer) wipe() {
	o.esssKey.Wipe()
	o.ratchetKey.Wipe()
	o.ephemeral = nil
	o.kem = nil
}

func newSession(ctx *Context, id protocol.SessionID, remoteBlob []byte, remoteStatic *ecdh.PublicKey,
	ss []byte, psk crypto.Secret, appData any, now int64) (*Session, error) {
	hc := crypto.KBKDF(ss, crypto.UsageHeaderCheck)
	defer hc.Wipe()
	headerCheck, err := crypto.NewHeaderCheckCipher(&hc)
	if err != nil {
		return nil, err
	}
	remoteHash := crypto.SHA384(remoteBlob)
	identityCheck, err := identityCheckCipher(remoteHash)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ctx:              ctx,
		id:               id,
		psk:              psk,
		headerCheck:      headerCheck,
		identityCheck:    identityCheck,
		remoteStatic:     remoteStatic,
		remoteStaticBlob: append([]byte(nil), remoteBlob...),
		remoteStaticHash: remoteHash,
		appData:          appData,
		createdAt:        now,
		defrag:           protocol.NewDefragmenter[uint32](ctx.cfg.DefragCapacity),
	}
	copy(s.ss[:], ss)
	s.counter.Store(1)
	return s, nil
}

// identityCheckCipher keys header checks for packets addressed to an
// identity rather than to a session.
func identityCheckCipher(staticHash [crypto.HashSize]byte) (cipher.Block, error) {
	k := crypto.KBKDF(staticHash[:], crypto.UsageHeaderCheck)
	defer k.Wipe()
	return crypto.NewHeaderCheckCipher(&k)
}

func (s *Session) nextCounter() (uint32, error) {
	c := s.counter.Add(1) - 1
	if c > math.MaxUint32 {
		return 0, ErrCounterExhausted
	}
	return uint32(c), nil
}

func (s *Session) log() *logrus.Entry {
	return s.ctx.cfg.Logger.WithField("session_id", s.id.String())
}

// ID returns the local session id.
func (s *Session) ID() protocol.SessionID { return s.id }

// RemoteID returns the peer's session id, zero until established.
func (s *Session) RemoteID() protocol.SessionID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteID
}

func (s *Session) RemoteStaticPublicBlob() []byte { return s.remoteStaticBlob }

func (s *Session) RemoteStaticPublicHash() [crypto.HashSize]byte { return s.remoteStaticHash }

// RemoteMetadata returns the metadata from the last accepted key offer.
func (s *Session) RemoteMetadata() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteMetadata
}

// AppData returns the object the application attached to the session.
func (s *Session) AppData() any { return s.appData }

func (s *Session) CreatedAt() int64 { return s.createdAt }

// LastRemoteOffer is when the last key offer from the peer was accepted.
func (s *Session) LastRemoteOffer() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRemoteOffer
}

// Established reports whether data can be sent.
func (s *Session) Established() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteID != 0 && s.ring.Current() != nil
}

// OfferPending reports whether a key offer is awaiting its counter-offer.
func (s *Session) OfferPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offer != nil
}

// Close wipes all key material. Send and Receive fail with
// ErrSessionNotEstablished afterwards. It waits for a handshake in
// progress on this session to finish.
func (s *Session) Close() {
	s.hs.Lock()
	defer s.hs.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.ring.Wipe()
	if s.offer != nil {
		s.offer.wipe()
		s.offer = nil
	}
	s.psk.Wipe()
	crypto.Wipe(s.ss[:])
}

// SecurityInfo describes the current key.
type SecurityInfo struct {
	RatchetCount uint64
	Hybrid       bool
	KeyAge       time.Duration
	KeysRetained int
}

// SecurityInfo reports on the current key, or false if there is none.
func (s *Session) SecurityInfo(now int64) (SecurityInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k := s.ring.Current()
	if k == nil {
		return SecurityInfo{}, false
	}
	return SecurityInfo{
		RatchetCount: k.RatchetCount(),
		Hybrid:       k.Hybrid(),
		KeyAge:       time.Duration(now-k.EstablishTime()) * time.Millisecond,
		KeysRetained: s.ring.Len(),
	}, true
}

// Send seals data in a DATA packet under the current key and transmits it,
// fragmenting to fit mtu.
func (s *Session) Send(send protocol.SendFunc, mtu int, data []byte) error {
	if mtu < protocol.MinTransportMTU {
		return ErrInvalidParameter
	}
	total := protocol.HeaderSize + len(data) + protocol.AESGCMTagSize
	if total-protocol.HeaderSize > s.ctx.cfg.maxPacket(mtu) {
		return ErrDataTooLarge
	}
	if _, err := protocol.FragmentCount(total, mtu); err != nil {
		return err
	}

	pkt, err := s.seal(data)
	if err != nil {
		return err
	}
	return protocol.SendWithFragmentation(send, pkt, mtu, s.headerCheck)
}

// seal builds a DATA packet under the current key. The read lock covers
// only the sealing, never the send.
func (s *Session) seal(data []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := s.ring.Current()
	if key == nil || s.remoteID == 0 {
		return nil, ErrSessionNotEstablished
	}
	counter, err := s.nextCounter()
	if err != nil {
		return nil, err
	}
	return sealPacket(key, counter, s.remoteID, protocol.PacketTypeData, data)
}

// sealPacket builds a DATA or NOP packet with an unfragmented header.
func sealPacket(key *ratchet.Key, counter uint32, recipient protocol.SessionID, typ protocol.PacketType, data []byte) ([]byte, error) {
	pkt := make([]byte, protocol.HeaderSize, protocol.HeaderSize+len(data)+protocol.AESGCMTagSize)
	if err := protocol.EncodeHeader(pkt, counter, recipient, typ, 1, 0); err != nil {
		return nil, err
	}
	canon := protocol.CanonicalHeader(counter, recipient, typ)
	nonce := protocol.Nonce(&canon)
	return key.Seal(pkt, nonce[:], data, canon[:])
}
