package wsproto

import (
	"encoding/binary"
)

// MaxControlPayload is the RFC limit for Close, Ping and Pong bodies.
const MaxControlPayload = 125

// DefaultMaxPayload bounds a single message unless the caller configures otherwise.
const DefaultMaxPayload = 1 << 20

// headerLen returns the header size for a payload of n bytes.
func headerLen(n int, masked bool) int {
	h := 2
	switch {
	case n > 0xFFFF:
		h += 8
	case n > 125:
		h += 2
	}
	if masked {
		h += 4
	}
	return h
}

func putHeader(dst []byte, fin bool, op Opcode, n int, masked bool, key [4]byte) int {
	b0 := byte(op) & 0x0F
	if fin {
		b0 |= 0x80
	}
	dst[0] = b0

	var maskBit byte
	if masked {
		maskBit = 0x80
	}

	off := 2
	switch {
	case n <= 125:
		dst[1] = maskBit | byte(n)
	case n <= 0xFFFF:
		dst[1] = maskBit | 126
		binary.BigEndian.PutUint16(dst[2:], uint16(n))
		off += 2
	default:
		dst[1] = maskBit | 127
		binary.BigEndian.PutUint64(dst[2:], uint64(n))
		off += 8
	}

	if masked {
		copy(dst[off:], key[:])
		off += 4
	}
	return off
}

// EncodeFrame builds a final, unmasked frame as sent by a server.
func EncodeFrame(op Opcode, payload []byte) []byte {
	buf := make([]byte, headerLen(len(payload), false)+len(payload))
	off := putHeader(buf, true, op, len(payload), false, [4]byte{})
	copy(buf[off:], payload)
	return buf
}

// EncodeBinary wraps a binary payload such as a JPEG frame.
func EncodeBinary(payload []byte) []byte {
	return EncodeFrame(OpBinary, payload)
}

// EncodeText wraps a UTF-8 payload such as a JSON event.
func EncodeText(payload []byte) []byte {
	return EncodeFrame(OpText, payload)
}

// EncodeMaskedFrame builds a final frame masked with key, as sent by a client.
func EncodeMaskedFrame(op Opcode, payload []byte, key [4]byte) []byte {
	buf := make([]byte, headerLen(len(payload), true)+len(payload))
	off := putHeader(buf, true, op, len(payload), true, key)
	copy(buf[off:], payload)
	applyMask(key, buf[off:], 0)
	return buf
}

// applyMask XORs b in place with key, starting at key position pos.
func applyMask(key [4]byte, b []byte, pos int) {
	for i := range b {
		b[i] ^= key[(pos+i)&3]
	}
}

// DecodeFrame parses one frame from the start of buf and returns it with the
// number of bytes consumed. A buffer holding less than a whole frame yields a
// *FrameDecodeError.
func DecodeFrame(buf []byte) (*Frame, int, error) {
	if len(buf) < 2 {
		return nil, 0, decodeErr("truncated header: %d bytes", len(buf))
	}

	f := &Frame{
		Fin:    buf[0]&0x80 != 0,
		Opcode: Opcode(buf[0] & 0x0F),
		Masked: buf[1]&0x80 != 0,
	}
	if buf[0]&0x70 != 0 {
		return nil, 0, decodeErr("reserved bits set")
	}

	length := uint64(buf[1] & 0x7F)
	off := 2
	switch length {
	case 126:
		if len(buf) < off+2 {
			return nil, 0, decodeErr("truncated 16-bit length")
		}
		length = uint64(binary.BigEndian.Uint16(buf[off:]))
		off += 2
	case 127:
		if len(buf) < off+8 {
			return nil, 0, decodeErr("truncated 64-bit length")
		}
		length = binary.BigEndian.Uint64(buf[off:])
		off += 8
	}

	if f.Masked {
		if len(buf) < off+4 {
			return nil, 0, decodeErr("truncated mask key")
		}
		copy(f.MaskKey[:], buf[off:off+4])
		off += 4
	}

	if length > uint64(len(buf)-off) {
		return nil, 0, decodeErr("payload length %d exceeds buffer (%d available)", length, len(buf)-off)
	}

	n := int(length)
	f.Payload = make([]byte, n)
	copy(f.Payload, buf[off:off+n])
	if f.Masked {
		applyMask(f.MaskKey, f.Payload, 0)
	}
	return f, off + n, nil
}
