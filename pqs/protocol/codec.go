package protocol

import (
	"encoding/binary"
	"errors"
)

var (
	ErrInvalidPacket           = errors.New("protocol: invalid packet")
	ErrUnexpectedBufferOverrun = errors.New("protocol: unexpected buffer overrun")
	ErrDataTooLarge            = errors.New("protocol: data too large")
	ErrInvalidParameter        = errors.New("protocol: invalid parameter")
)

// MaxVarintSize is the longest encoding WriteVarint produces.
const MaxVarintSize = binary.MaxVarintLen64

// Header is a decoded packet header.
//
// Layout (little endian):
//
//	[0:4]   counter
//	[4:8]   header check code
//	[8:16]  recipient(48) | type(4) | fragment_count-1(6) | fragment_no(6)
type Header struct {
	Counter       uint32
	Check         uint32
	Recipient     SessionID
	Type          PacketType
	FragmentCount int
	FragmentNo    int
}

func packHeaderWord(recipient SessionID, typ PacketType, fragmentCount, fragmentNo int) uint64 {
	return uint64(recipient) |
		uint64(typ)<<48 |
		uint64(fragmentCount-1)<<52 |
		uint64(fragmentNo)<<58
}

// EncodeHeader writes a header with a zero check code into buf[:HeaderSize].
func EncodeHeader(buf []byte, counter uint32, recipient SessionID, typ PacketType, fragmentCount, fragmentNo int) error {
	if len(buf) < HeaderSize {
		return ErrUnexpectedBufferOverrun
	}
	if fragmentCount > MaxFragments {
		return ErrDataTooLarge
	}
	if fragmentCount < 1 || fragmentNo < 0 || fragmentNo >= fragmentCount || typ > 15 || recipient > MaxSessionID {
		return ErrInvalidParameter
	}
	binary.LittleEndian.PutUint32(buf[0:4], counter)
	binary.LittleEndian.PutUint32(buf[4:8], 0)
	binary.LittleEndian.PutUint64(buf[8:16], packHeaderWord(recipient, typ, fragmentCount, fragmentNo))
	return nil
}

// DecodeHeader parses the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrInvalidPacket
	}
	w := binary.LittleEndian.Uint64(b[8:16])
	h := Header{
		Counter:       binary.LittleEndian.Uint32(b[0:4]),
		Check:         binary.LittleEndian.Uint32(b[4:8]),
		Recipient:     SessionID(w & uint64(MaxSessionID)),
		Type:          PacketType((w >> 48) & 0x0f),
		FragmentCount: int((w>>52)&0x3f) + 1,
		FragmentNo:    int(w >> 58),
	}
	if h.FragmentCount > MaxFragments || h.FragmentNo >= h.FragmentCount {
		return Header{}, ErrInvalidPacket
	}
	return h, nil
}

// CanonicalHeader is the header as seen by AEAD and HMAC. The check code and
// fragment fields are zeroed, so it is known before fragmentation and every
// fragment of a packet agrees on it.
func CanonicalHeader(counter uint32, recipient SessionID, typ PacketType) [HeaderSize]byte {
	var c [HeaderSize]byte
	binary.LittleEndian.PutUint32(c[0:4], counter)
	binary.LittleEndian.PutUint64(c[8:16], packHeaderWord(recipient, typ, 1, 0))
	return c
}

// Canonical returns the canonical form of h.
func (h Header) Canonical() [HeaderSize]byte {
	return CanonicalHeader(h.Counter, h.Recipient, h.Type)
}

// Nonce derives the 12-byte AES-GCM nonce from a canonical header.
func Nonce(canonical *[HeaderSize]byte) [12]byte {
	var n [12]byte
	copy(n[0:4], canonical[0:4])
	copy(n[4:12], canonical[8:16])
	return n
}

// Writer is a bounds-checked cursor over a caller-provided buffer.
// A write that does not fit writes nothing.
type Writer struct {
	buf []byte
	n   int
}

func NewWriter(buf []byte) *Writer { return &Writer{buf: buf} }

// Bytes returns everything written so far.
func (w *Writer) Bytes() []byte { return w.buf[:w.n] }

func (w *Writer) Len() int { return w.n }

func (w *Writer) Available() int { return len(w.buf) - w.n }

func (w *Writer) WriteBytes(b []byte) error {
	if len(b) > w.Available() {
		return ErrUnexpectedBufferOverrun
	}
	w.n += copy(w.buf[w.n:], b)
	return nil
}

func (w *Writer) WriteByte(c byte) error {
	if w.Available() < 1 {
		return ErrUnexpectedBufferOverrun
	}
	w.buf[w.n] = c
	w.n++
	return nil
}

// WriteU48 writes the low 48 bits of v little endian.
func (w *Writer) WriteU48(v uint64) error {
	if w.Available() < 6 {
		return ErrUnexpectedBufferOverrun
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.n += copy(w.buf[w.n:], b[:6])
	return nil
}

func (w *Writer) WriteVarint(v uint64) error {
	var b [MaxVarintSize]byte
	n := binary.PutUvarint(b[:], v)
	return w.WriteBytes(b[:n])
}

// WriteVarBytes writes a varint length prefix followed by b.
func (w *Writer) WriteVarBytes(b []byte) error {
	var pre [MaxVarintSize]byte
	n := binary.PutUvarint(pre[:], uint64(len(b)))
	if n+len(b) > w.Available() {
		return ErrUnexpectedBufferOverrun
	}
	w.n += copy(w.buf[w.n:], pre[:n])
	w.n += copy(w.buf[w.n:], b)
	return nil
}

// Reader is a bounds-checked cursor for parsing untrusted input.
// Returned slices alias the input.
type Reader struct {
	buf []byte
	off int
}

func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) Offset() int { return r.off }

func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if n < 0 || n > r.Remaining() {
		return nil, ErrInvalidPacket
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) ReadByte() (byte, error) {
	if r.Remaining() < 1 {
		return 0, ErrInvalidPacket
	}
	c := r.buf[r.off]
	r.off++
	return c, nil
}

func (r *Reader) ReadU48() (uint64, error) {
	b, err := r.ReadBytes(6)
	if err != nil {
		return 0, err
	}
	var v [8]byte
	copy(v[:], b)
	return binary.LittleEndian.Uint64(v[:]), nil
}

func (r *Reader) ReadVarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		return 0, ErrInvalidPacket
	}
	r.off += n
	return v, nil
}

// ReadVarBytes reads a varint length prefix and that many bytes, rejecting
// lengths above limit.
func (r *Reader) ReadVarBytes(limit int) ([]byte, error) {
	n, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(limit) {
		return nil, ErrInvalidPacket
	}
	return r.ReadBytes(int(n))
}
