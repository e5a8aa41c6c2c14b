package session

import (
	"crypto/cipher"

	"github.com/TheusHen/pqs/pqs/crypto"
	"github.com/TheusHen/pqs/pqs/crypto/ratchet"
	"github.com/TheusHen/pqs/pqs/protocol"
	"github.com/sirupsen/logrus"
)

// ResultKind classifies a successfully handled packet.
type ResultKind uint8

const (
	// ResultOK means a control packet or a partial fragment was consumed.
	ResultOK ResultKind = iota
	// ResultOKData means Data holds decrypted application data.
	ResultOKData
	// ResultOKNewSession means Session was just created and should be
	// retained by the application.
	ResultOKNewSession
	// ResultIgnored means a stale or duplicate packet was dropped.
	ResultIgnored
)

func (k ResultKind) String() string {
	switch k {
	case ResultOK:
		return "ok"
	case ResultOKData:
		return "ok_data"
	case ResultOKNewSession:
		return "ok_new_session"
	case ResultIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// ReceiveResult is what Receive produced. Data aliases the caller's buffer.
type ReceiveResult struct {
	Kind    ResultKind
	Data    []byte
	Session *Session
}

type preSessionKey struct {
	addr    string
	counter uint32
}

// Context receives packets for one local identity. It holds no sessions;
// those belong to the ApplicationLayer. A Context is safe for concurrent
// use.
type Context struct {
	app           ApplicationLayer
	cfg           Config
	identityCheck cipher.Block
	defrag        *protocol.Defragmenter[preSessionKey]
}

// NewContext creates a receive context for app's local identity.
func NewContext(app ApplicationLayer, cfg Config) (*Context, error) {
	if app == nil || app.LocalStaticKeyPair() == nil {
		return nil, ErrInvalidParameter
	}
	cfg = cfg.withDefaults()
	identityCheck, err := identityCheckCipher(app.LocalStaticPublicHash())
	if err != nil {
		return nil, err
	}
	return &Context{
		app:           app,
		cfg:           cfg,
		identityCheck: identityCheck,
		defrag:        protocol.NewDefragmenter[preSessionKey](cfg.PreSessionDefragCapacity),
	}, nil
}

// Config returns the effective configuration.
func (c *Context) Config() Config { return c.cfg }

// Receive processes one datagram from remoteAddr. Replies such as
// counter-offers go out through send. Decrypted data is written into
// dataBuf. Errors are per packet; the caller should drop the packet and
// carry on.
func (c *Context) Receive(remoteAddr string, send protocol.SendFunc, dataBuf, packet []byte, mtu int, now int64) (ReceiveResult, error) {
	res, err := c.receive(remoteAddr, send, dataBuf, packet, mtu, now)
	if err != nil {
		c.cfg.Logger.WithFields(logrus.Fields{
			"function":    "Receive",
			"remote_addr": remoteAddr,
			"size":        len(packet),
			"error":       err,
		}).Debug("Dropped packet")
	}
	return res, err
}

func (c *Context) receive(remoteAddr string, send protocol.SendFunc, dataBuf, packet []byte, mtu int, now int64) (ReceiveResult, error) {
	if len(packet) < protocol.MinPacketSize {
		return ReceiveResult{}, ErrInvalidPacket
	}
	if mtu < protocol.MinTransportMTU {
		return ReceiveResult{}, ErrInvalidParameter
	}
	h, err := protocol.DecodeHeader(packet)
	if err != nil {
		return ReceiveResult{}, err
	}
	handshake := h.Type == protocol.PacketTypeKeyOffer || h.Type == protocol.PacketTypeKeyCounterOffer
	if handshake && h.FragmentCount > protocol.KeyExchangeMaxFragments {
		return ReceiveResult{}, ErrInvalidPacket
	}
	limit := c.cfg.maxPacket(mtu)

	if h.Recipient == 0 {
		if !protocol.VerifyHeaderCheck(packet, c.identityCheck) {
			return ReceiveResult{}, ErrFailedAuthentication
		}
		switch h.Type {
		case protocol.PacketTypeKeyOffer:
		case protocol.PacketTypeData, protocol.PacketTypeNOP:
			return ReceiveResult{}, ErrSessionNotEstablished
		default:
			return ReceiveResult{}, ErrInvalidPacket
		}
		p, ok, err := assemble(c.defrag, preSessionKey{addr: remoteAddr, counter: h.Counter}, h, packet, limit)
		if err != nil || !ok {
			return ReceiveResult{}, err
		}
		return c.receiveKeyOffer(nil, remoteAddr, send, h, p, mtu, now)
	}

	s := c.app.LookupSession(h.Recipient)
	if s == nil {
		return ReceiveResult{}, ErrUnknownLocalSessionID
	}
	if !protocol.VerifyHeaderCheck(packet, s.headerCheck) {
		return ReceiveResult{}, ErrFailedAuthentication
	}
	if h.Type > protocol.PacketTypeKeyCounterOffer {
		return ReceiveResult{}, ErrInvalidPacket
	}
	p, ok, err := assemble(s.defrag, h.Counter, h, packet, limit)
	if err != nil || !ok {
		return ReceiveResult{Session: s}, err
	}

	switch h.Type {
	case protocol.PacketTypeKeyOffer:
		return c.receiveKeyOffer(s, remoteAddr, send, h, p, mtu, now)
	case protocol.PacketTypeKeyCounterOffer:
		return c.receiveCounterOffer(s, send, h, p, mtu, now)
	default:
		return s.receiveData(h, p, dataBuf)
	}
}

// assemble returns the packet body once every fragment has arrived.
// Single fragment packets bypass the map.
func assemble[K comparable](d *protocol.Defragmenter[K], key K, h protocol.Header, packet []byte, limit int) ([]byte, bool, error) {
	if h.FragmentCount == 1 {
		if len(packet)-protocol.HeaderSize > limit {
			return nil, false, ErrDataTooLarge
		}
		return packet[protocol.HeaderSize:], true, nil
	}
	frags, ok := d.Assemble(key, h.FragmentCount, h.FragmentNo, packet)
	if !ok {
		return nil, false, nil
	}
	n := 0
	for _, f := range frags {
		n += len(f) - protocol.HeaderSize
	}
	if n > limit {
		return nil, false, ErrDataTooLarge
	}
	p := make([]byte, 0, n)
	for _, f := range frags {
		p = append(p, f[protocol.HeaderSize:]...)
	}
	return p, true, nil
}

// receiveData opens a DATA or NOP packet under any retained key, newest
// pointer first, and advances the current pointer when a fresher key
// authenticates.
func (s *Session) receiveData(h protocol.Header, p, dataBuf []byte) (ReceiveResult, error) {
	if len(p) < crypto.GCMTagSize {
		return ReceiveResult{}, ErrInvalidPacket
	}
	if h.Type == protocol.PacketTypeData && len(p)-crypto.GCMTagSize > len(dataBuf) {
		return ReceiveResult{}, ErrDataBufferTooSmall
	}
	canon := h.Canonical()
	nonce := protocol.Nonce(&canon)

	var (
		pt       []byte
		idx      int
		key      *ratchet.Key
		current  int
		retained int
	)
	s.mu.RLock()
	s.ring.Each(func(i int, k *ratchet.Key) bool {
		out, err := k.Open(dataBuf[:0], nonce[:], p, canon[:])
		if err != nil {
			return true
		}
		pt, idx, key = out, i, k
		return false
	})
	current = s.ring.CurrentIndex()
	retained = s.ring.Len()
	s.mu.RUnlock()

	if key == nil {
		if retained == 0 {
			return ReceiveResult{}, ErrSessionNotEstablished
		}
		return ReceiveResult{}, ErrFailedAuthentication
	}
	if !key.AcceptCounter(uint64(h.Counter)) {
		return ReceiveResult{Kind: ResultIgnored, Session: s}, nil
	}
	if idx != current {
		s.mu.Lock()
		if s.ring.Promote(idx, key) {
			s.log().WithFields(logrus.Fields{
				"function":      "receiveData",
				"ratchet_count": key.RatchetCount(),
			}).Info("Promoted new session key")
		}
		s.mu.Unlock()
	}
	if h.Type == protocol.PacketTypeNOP {
		return ReceiveResult{Kind: ResultOK, Session: s}, nil
	}
	return ReceiveResult{Kind: ResultOKData, Data: pt, Session: s}, nil
}
