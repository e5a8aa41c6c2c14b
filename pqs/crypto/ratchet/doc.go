// Package ratchet holds the per-session key history.
//
// Every completed handshake yields a Key. Besides its traffic ciphers a Key
// carries a ratchet key that the next handshake between the same two
// sessions mixes into its derivation, so each new key depends on the whole
// chain of prior handshakes. The ratchet count grows by one per link.
//
// A Ring retains the last KeyHistorySize keys so packets sealed under an
// older key still open while both sides converge on a new one.
package ratchet
