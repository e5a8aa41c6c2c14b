package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Wire constants.
const (
	HeaderSize      = 16
	HeaderCheckSize = 4
	SessionIDSize   = 6

	// MaxFragments bounds the fragments of one logical packet (6-bit field).
	MaxFragments = 63
	// KeyExchangeMaxFragments bounds handshake packets, which are the only
	// packets accepted from peers without an established session.
	KeyExchangeMaxFragments = 4

	AESGCMTagSize          = 16
	HMACSize               = 48
	OfferIDSize            = 16
	RatchetFingerprintSize = 16

	MinTransportMTU = 64
	MinPacketSize   = HeaderSize + 1

	SessionProtocolVersion byte = 0x00
)

// PacketType is the 4-bit packet type carried in every header.
type PacketType uint8

const (
	PacketTypeData            PacketType = 0
	PacketTypeNOP             PacketType = 1
	PacketTypeKeyOffer        PacketType = 2
	PacketTypeKeyCounterOffer PacketType = 3
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeData:
		return "DATA"
	case PacketTypeNOP:
		return "NOP"
	case PacketTypeKeyOffer:
		return "KEY_OFFER"
	case PacketTypeKeyCounterOffer:
		return "KEY_COUNTER_OFFER"
	default:
		return "UNKNOWN"
	}
}

// SessionID is a locally unique 48-bit session identifier.
// Zero is reserved for "no session" and addresses the local identity.
type SessionID uint64

// MaxSessionID is the largest value representable on the wire.
const MaxSessionID SessionID = 1<<48 - 1

// Valid reports whether id is non-zero and fits in 48 bits.
func (id SessionID) Valid() bool { return id != 0 && id <= MaxSessionID }

func (id SessionID) String() string { return fmt.Sprintf("%012x", uint64(id)) }

// NewSessionID draws a random non-zero session id from rand.
func NewSessionID(rand io.Reader) (SessionID, error) {
	var b [8]byte
	for {
		if _, err := io.ReadFull(rand, b[:SessionIDSize]); err != nil {
			return 0, err
		}
		id := SessionID(binary.LittleEndian.Uint64(b[:]))
		if id.Valid() {
			return id, nil
		}
	}
}
