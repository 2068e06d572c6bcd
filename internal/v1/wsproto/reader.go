package wsproto

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// discardLimit is the largest oversized payload Reader will skip to stay aligned.
// Anything larger is treated as a protocol violation.
const discardLimit = 64 << 20

// Reader decodes frames from a buffered stream.
//
// Errors are either *TransportError (the stream is unusable) or
// *FrameDecodeError (the offending frame was consumed and skipped).
type Reader struct {
	br         *bufio.Reader
	maxPayload int
	hdr        [8]byte

	fragging bool
	fragDrop bool
	fragOp   Opcode
	fragBuf  []byte
}

// NewReader reads from br, rejecting messages larger than maxPayload bytes.
func NewReader(br *bufio.Reader, maxPayload int) *Reader {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Reader{br: br, maxPayload: maxPayload}
}

func (r *Reader) readFull(b []byte) error {
	if _, err := io.ReadFull(r.br, b); err != nil {
		return &TransportError{Op: "read", Err: err}
	}
	return nil
}

// ReadFrame reads exactly one frame. A *FrameDecodeError comes with the
// frame header (Payload nil) so callers can tell which frame was skipped.
func (r *Reader) ReadFrame() (*Frame, error) {
	if err := r.readFull(r.hdr[:2]); err != nil {
		return nil, err
	}

	f := &Frame{
		Fin:    r.hdr[0]&0x80 != 0,
		Opcode: Opcode(r.hdr[0] & 0x0F),
		Masked: r.hdr[1]&0x80 != 0,
	}
	rsv := r.hdr[0]&0x70 != 0

	length := uint64(r.hdr[1] & 0x7F)
	switch length {
	case 126:
		if err := r.readFull(r.hdr[:2]); err != nil {
			return nil, err
		}
		length = uint64(binary.BigEndian.Uint16(r.hdr[:2]))
	case 127:
		if err := r.readFull(r.hdr[:8]); err != nil {
			return nil, err
		}
		length = binary.BigEndian.Uint64(r.hdr[:8])
	}

	if f.Masked {
		if err := r.readFull(f.MaskKey[:]); err != nil {
			return nil, err
		}
	}

	limit := uint64(r.maxPayload)
	if f.Opcode.IsControl() {
		limit = MaxControlPayload
	}
	if length > limit {
		if length > discardLimit {
			return nil, &TransportError{Op: "read", Err: fmt.Errorf("%w: payload length %d", ErrProtocolViolation, length)}
		}
		if _, err := r.br.Discard(int(length)); err != nil {
			return nil, &TransportError{Op: "read", Err: err}
		}
		return f, decodeErr("%s payload length %d exceeds limit %d", f.Opcode, length, limit)
	}

	f.Payload = make([]byte, length)
	if err := r.readFull(f.Payload); err != nil {
		return nil, err
	}
	if f.Masked {
		applyMask(f.MaskKey, f.Payload, 0)
	}

	switch {
	case rsv:
		f.Payload = nil
		return f, decodeErr("reserved bits set")
	case !f.Opcode.valid():
		f.Payload = nil
		return f, decodeErr("unknown %s", f.Opcode)
	case f.Opcode.IsControl() && !f.Fin:
		f.Payload = nil
		return f, decodeErr("fragmented %s frame", f.Opcode)
	}
	return f, nil
}

// ReadMessage returns the next complete message. Fragmented data messages are
// reassembled; control frames are returned as soon as they arrive, even in the
// middle of a fragmented message.
func (r *Reader) ReadMessage() (Opcode, []byte, error) {
	for {
		f, err := r.ReadFrame()
		if err != nil {
			if f != nil {
				r.skipped(f)
			}
			return 0, nil, err
		}

		if f.Opcode.IsControl() {
			return f.Opcode, f.Payload, nil
		}

		if f.Opcode == OpContinuation {
			if !r.fragging {
				return 0, nil, decodeErr("continuation frame without a message in progress")
			}
			if r.fragDrop {
				if f.Fin {
					r.resetFragment()
				}
				continue
			}
			if len(r.fragBuf)+len(f.Payload) > r.maxPayload {
				r.fragBuf = nil
				r.fragDrop = true
				if f.Fin {
					r.resetFragment()
				}
				return 0, nil, decodeErr("fragmented message exceeds limit %d", r.maxPayload)
			}
			r.fragBuf = append(r.fragBuf, f.Payload...)
			if f.Fin {
				op, data := r.fragOp, r.fragBuf
				r.resetFragment()
				return op, data, nil
			}
			continue
		}

		if r.fragging {
			r.resetFragment()
			return 0, nil, decodeErr("new %s message while a fragmented message is in progress", f.Opcode)
		}
		if f.Fin {
			return f.Opcode, f.Payload, nil
		}
		r.fragging = true
		r.fragOp = f.Opcode
		r.fragBuf = f.Payload
	}
}

// skipped drops the rest of a fragmented message when one of its frames
// could not be decoded.
func (r *Reader) skipped(f *Frame) {
	if !r.fragging || f.Opcode.IsControl() {
		return
	}
	if f.Fin || f.Opcode != OpContinuation {
		r.resetFragment()
		return
	}
	r.fragBuf = nil
	r.fragDrop = true
}

func (r *Reader) resetFragment() {
	r.fragging = false
	r.fragDrop = false
	r.fragOp = 0
	r.fragBuf = nil
}
