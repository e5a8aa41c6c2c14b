package protocol

import (
	"crypto/cipher"
	"encoding/binary"
)

// headerCheckCode encrypts packet[8:24] (zero padded for short fragments)
// and returns the first four bytes of the block.
func headerCheckCode(packet []byte, block cipher.Block) uint32 {
	var in, out [16]byte
	end := min(len(packet), HeaderSize+8)
	copy(in[:], packet[8:end])
	block.Encrypt(out[:], in[:])
	return binary.LittleEndian.Uint32(out[0:4])
}

// SetHeaderCheck stamps the header check code into packet[4:8].
func SetHeaderCheck(packet []byte, block cipher.Block) {
	if len(packet) < HeaderSize {
		return
	}
	binary.LittleEndian.PutUint32(packet[4:8], headerCheckCode(packet, block))
}

// VerifyHeaderCheck reports whether packet carries a valid check code.
// This is a flood filter only; AEAD tags and HMACs authenticate.
func VerifyHeaderCheck(packet []byte, block cipher.Block) bool {
	if len(packet) < HeaderSize {
		return false
	}
	return binary.LittleEndian.Uint32(packet[4:8]) == headerCheckCode(packet, block)
}
