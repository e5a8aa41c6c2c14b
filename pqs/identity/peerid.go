package identity

import (
	"encoding/hex"
	"errors"

	"github.com/TheusHen/pqs/pqs/crypto"
)

var ErrInvalidPeerID = errors.New("identity: invalid peer id")

// PeerID is the stable identifier for a peer.
// It is defined as: PeerID = SHA-384(static public blob).
type PeerID [crypto.HashSize]byte

func PeerIDFromBlob(blob []byte) PeerID {
	return PeerID(crypto.SHA384(blob))
}

func ParsePeerIDHex(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, err
	}
	if len(b) != len(PeerID{}) {
		return PeerID{}, ErrInvalidPeerID
	}
	return PeerID(b), nil
}

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// Short is the first eight bytes in hex, for logs.
func (id PeerID) Short() string {
	return hex.EncodeToString(id[:8])
}
