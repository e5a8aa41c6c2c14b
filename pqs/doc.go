// Package pqs provides a library implementation of PQS, a hybrid
// post-quantum secure session protocol over unreliable datagrams.
//
// Sessions are keyed by a Noise IK shaped handshake over NIST P-384 with an
// optional Kyber1024 KEM, carry AES-256-GCM sealed packets, fragment to the
// path MTU and ratchet forward on every rekey. The protocol core lives in
// pqs/session; this package adds Peer, which supplies identity, a session
// table, admission policy, a QUIC datagram transport, discovery and metrics.
package pqs
