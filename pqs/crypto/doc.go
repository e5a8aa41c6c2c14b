// Package crypto provides the cryptographic primitives used by PQS.
//
// Every primitive is treated as a black box with a fixed contract:
//   - NIST P-384 ECDH for static and ephemeral key agreement
//   - AES-256-GCM for packet sealing (AEAD)
//   - AES-256 single block encryption for the header check code
//   - HMAC-SHA384 for handshake authentication tags
//   - HMAC-SHA512 for key mixing and KBKDF sub-key derivation
//   - Kyber1024 as the optional post-quantum KEM in hybrid mode
//
// Secrets are carried in the fixed-size Secret type, which supports
// constant-time comparison and explicit wiping.
package crypto
