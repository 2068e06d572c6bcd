package wsproto

import (
	"errors"
	"fmt"
	"io"
	"net"
)

var (
	// ErrConnectionLost is returned once a connection exceeds its consecutive error budget.
	ErrConnectionLost = errors.New("wsproto: connection lost")
	// ErrClosed is returned by operations on a connection that was closed locally.
	ErrClosed = errors.New("wsproto: connection closed")
	// ErrProtocolViolation marks input after which the stream cannot be realigned.
	ErrProtocolViolation = errors.New("wsproto: protocol violation")
)

// HandshakeError reports a failed upgrade. The connection must be closed.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("websocket handshake: %s: %v", e.Reason, e.Err)
	}
	return "websocket handshake: " + e.Reason
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// FrameDecodeError reports a malformed, truncated or oversized frame.
// When returned by Reader the stream is still aligned on a frame boundary.
type FrameDecodeError struct {
	Reason string
}

func (e *FrameDecodeError) Error() string {
	return "websocket frame: " + e.Reason
}

// TransportError wraps a socket read or write failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("websocket %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsClosed reports whether err means the peer or the local side closed the socket.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, ErrClosed)
}

func decodeErr(format string, args ...any) *FrameDecodeError {
	return &FrameDecodeError{Reason: fmt.Sprintf(format, args...)}
}
