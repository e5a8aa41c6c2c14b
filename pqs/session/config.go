package session

import (
	"crypto/rand"
	"io"
	"time"

	"github.com/TheusHen/pqs/pqs/protocol"
	"github.com/sirupsen/logrus"
)

// RekeyRateLimitMS is the default minimum spacing of accepted key offers
// for one session.
const RekeyRateLimitMS = 2000

// Config tunes a Context. Zero fields take their DefaultConfig values,
// except EnableHybridKEM.
type Config struct {
	// EnableHybridKEM mixes a Kyber1024 secret into offers we initiate.
	EnableHybridKEM bool
	// RekeyRateLimit is the minimum spacing of accepted offers per session.
	RekeyRateLimit time.Duration
	// RekeyAfter is the key age at which Service starts a rekey.
	// Negative disables timed rekeying.
	RekeyAfter time.Duration
	// OfferRetry is how long Service waits for a counter-offer before
	// offering again.
	OfferRetry time.Duration
	// DefragCapacity bounds incomplete packets held per session.
	DefragCapacity int
	// PreSessionDefragCapacity bounds incomplete handshake packets held for
	// senders without a session.
	PreSessionDefragCapacity int
	// MaxPacketSize bounds a reassembled packet. It is further capped at
	// mtu*MaxFragments.
	MaxPacketSize int

	Rand   io.Reader
	Logger *logrus.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		EnableHybridKEM:          true,
		RekeyRateLimit:           RekeyRateLimitMS * time.Millisecond,
		RekeyAfter:               time.Hour,
		OfferRetry:               3 * time.Second,
		DefragCapacity:           32,
		PreSessionDefragCapacity: 256,
		MaxPacketSize:            64 * 1024,
		Rand:                     rand.Reader,
		Logger:                   logrus.StandardLogger(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RekeyRateLimit == 0 {
		c.RekeyRateLimit = d.RekeyRateLimit
	}
	if c.RekeyAfter == 0 {
		c.RekeyAfter = d.RekeyAfter
	}
	if c.OfferRetry == 0 {
		c.OfferRetry = d.OfferRetry
	}
	if c.DefragCapacity <= 0 {
		c.DefragCapacity = d.DefragCapacity
	}
	if c.PreSessionDefragCapacity <= 0 {
		c.PreSessionDefragCapacity = d.PreSessionDefragCapacity
	}
	if c.MaxPacketSize <= 0 {
		c.MaxPacketSize = d.MaxPacketSize
	}
	if c.Rand == nil {
		c.Rand = d.Rand
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	return c
}

// maxPacket is the reassembly bound for one packet at the given MTU.
func (c *Config) maxPacket(mtu int) int {
	return min(c.MaxPacketSize, mtu*protocol.MaxFragments)
}
