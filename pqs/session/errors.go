package session

import (
	"errors"

	"github.com/TheusHen/pqs/pqs/protocol"
)

// Every error is recoverable. Authentication failures of any kind share
// ErrFailedAuthentication so callers learn nothing about which check failed.
var (
	ErrInvalidPacket           = protocol.ErrInvalidPacket
	ErrUnexpectedBufferOverrun = protocol.ErrUnexpectedBufferOverrun
	ErrDataTooLarge            = protocol.ErrDataTooLarge
	ErrInvalidParameter        = protocol.ErrInvalidParameter

	ErrDataBufferTooSmall     = errors.New("session: data buffer too small")
	ErrUnknownProtocolVersion = errors.New("session: unknown protocol version")
	ErrFailedAuthentication   = errors.New("session: failed authentication")
	ErrRateLimited            = errors.New("session: rate limited")
	ErrNewSessionRejected     = errors.New("session: new session rejected")
	ErrUnknownLocalSessionID  = errors.New("session: unknown local session id")
	ErrSessionNotEstablished  = errors.New("session: session not established")
	ErrCounterExhausted       = errors.New("session: packet counter exhausted")
)
