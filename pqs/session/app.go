package session

import (
	"crypto/ecdh"

	"github.com/TheusHen/pqs/pqs/crypto"
	"github.com/TheusHen/pqs/pqs/protocol"
)

// ApplicationLayer is implemented by whatever owns the sessions. The core
// calls it synchronously from StartSession and Receive.
type ApplicationLayer interface {
	// LocalStaticKeyPair returns the local P-384 static identity key.
	LocalStaticKeyPair() *ecdh.PrivateKey
	// LocalStaticPublicBlob returns the application-defined public identity
	// sent to peers in key offers.
	LocalStaticPublicBlob() []byte
	// LocalStaticPublicHash must equal SHA-384(LocalStaticPublicBlob()).
	LocalStaticPublicHash() [crypto.HashSize]byte
	// ExtractP384Static pulls the P-384 key out of a public identity blob.
	ExtractP384Static(blob []byte) (*ecdh.PublicKey, bool)

	// LookupSession resolves a local session id.
	LookupSession(id protocol.SessionID) *Session
	// CheckNewSessionAttempt is the pre-authentication gate for offers that
	// would create a session. Returning false rate limits the sender.
	CheckNewSessionAttempt(ctx *Context, remoteAddr string) bool
	// AcceptNewSession is called once an offer from an unknown peer has been
	// fully authenticated.
	AcceptNewSession(ctx *Context, remoteAddr string, remoteStaticBlob, metadata []byte) (Acceptance, bool)
}

// Acceptance describes a session the application agreed to create.
type Acceptance struct {
	LocalID protocol.SessionID
	PSK     crypto.Secret
	AppData any
}
