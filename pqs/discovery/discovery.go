package discovery

import (
	"errors"
	"net/netip"

	"github.com/TheusHen/pqs/pqs/identity"
)

var (
	ErrNotFound         = errors.New("discovery: peer not found")
	ErrIdentityMismatch = errors.New("discovery: peer id does not match static public blob")
)

// AddrInfo is what discovery knows about a peer: where to send datagrams
// and the static public blob needed to start a session with it.
type AddrInfo struct {
	PeerID           identity.PeerID
	Addr             netip.Addr
	Port             uint16
	StaticPublicBlob []byte
	Capabilities     map[string]string
}

func (a AddrInfo) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(a.Addr, a.Port)
}

// Validate checks that the blob parses and hashes to PeerID.
func (a AddrInfo) Validate() error {
	if _, err := identity.ParsePublicBlob(a.StaticPublicBlob); err != nil {
		return err
	}
	if identity.PeerIDFromBlob(a.StaticPublicBlob) != a.PeerID {
		return ErrIdentityMismatch
	}
	return nil
}

// Resolver is a generic discovery interface.
// Implementations can be backed by DHT, mDNS/DNS-SD, bootstrap lists, etc.
type Resolver interface {
	Announce(info AddrInfo) error
	Lookup(peerID identity.PeerID) (AddrInfo, error)
	List() ([]AddrInfo, error)
}
