package protocol

import "crypto/cipher"

// SendFunc transmits one datagram. The slice is owned by the callee.
type SendFunc func(datagram []byte) error

// FragmentCount returns how many datagrams a packet of packetLen bytes
// (header included) needs at the given MTU.
func FragmentCount(packetLen, mtu int) (int, error) {
	if mtu < MinTransportMTU {
		return 0, ErrInvalidParameter
	}
	if packetLen < MinPacketSize {
		return 0, ErrInvalidPacket
	}
	per := mtu - HeaderSize
	count := (packetLen - HeaderSize + per - 1) / per
	if count > MaxFragments {
		return 0, ErrDataTooLarge
	}
	return count, nil
}

// SendWithFragmentation splits packet into MTU-sized datagrams and hands
// each to send. packet must start with a header carrying the counter,
// recipient and type; the fragment fields and check code are re-stamped
// per datagram.
func SendWithFragmentation(send SendFunc, packet []byte, mtu int, block cipher.Block) error {
	count, err := FragmentCount(len(packet), mtu)
	if err != nil {
		return err
	}
	h, err := DecodeHeader(packet)
	if err != nil {
		return err
	}
	payload := packet[HeaderSize:]
	per := mtu - HeaderSize
	for no := 0; no < count; no++ {
		chunk := payload[no*per : min((no+1)*per, len(payload))]
		frag := make([]byte, HeaderSize+len(chunk))
		if err := EncodeHeader(frag, h.Counter, h.Recipient, h.Type, count, no); err != nil {
			return err
		}
		copy(frag[HeaderSize:], chunk)
		SetHeaderCheck(frag, block)
		if err := send(frag); err != nil {
			return err
		}
	}
	return nil
}

// Fragment is SendWithFragmentation collecting the datagrams instead of
// sending them.
func Fragment(packet []byte, mtu int, block cipher.Block) ([][]byte, error) {
	var out [][]byte
	err := SendWithFragmentation(func(d []byte) error {
		out = append(out, d)
		return nil
	}, packet, mtu, block)
	if err != nil {
		return nil, err
	}
	return out, nil
}
