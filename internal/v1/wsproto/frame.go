// Package wsproto is a minimal RFC 6455 implementation: the upgrade handshake,
// frame encoding and decoding, and a connection type with serialized writes.
// Extensions, subprotocols and TLS are not supported.
package wsproto

import (
	"encoding/binary"
	"fmt"
)

// Opcode is the 4-bit frame type.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// IsControl reports whether op is Close, Ping or Pong.
func (op Opcode) IsControl() bool {
	return op&0x8 != 0
}

func (op Opcode) valid() bool {
	switch op {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(0x%x)", byte(op))
	}
}

// Close status codes used by this package.
const (
	CloseNormal          uint16 = 1000
	CloseGoingAway       uint16 = 1001
	CloseProtocolError   uint16 = 1002
	CloseMessageTooBig   uint16 = 1009
	CloseNoStatusPresent uint16 = 1005
)

// Frame is one decoded wire frame. Payload is already unmasked.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

// ClosePayload builds the body of a close frame.
func ClosePayload(code uint16, reason string) []byte {
	if len(reason) > MaxControlPayload-2 {
		reason = reason[:MaxControlPayload-2]
	}
	buf := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(buf, code)
	copy(buf[2:], reason)
	return buf
}

// ParseClosePayload splits a close body into code and reason.
// An empty body yields CloseNoStatusPresent.
func ParseClosePayload(p []byte) (uint16, string) {
	if len(p) < 2 {
		return CloseNoStatusPresent, ""
	}
	return binary.BigEndian.Uint16(p), string(p[2:])
}
