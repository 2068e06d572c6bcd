package wsproto

import (
	"bufio"
	"crypto/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Role decides whether outgoing frames are masked.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// Conn is an upgraded connection. Writes are serialized so each frame goes out
// in a single write call; reads must come from one goroutine.
type Conn struct {
	nc     net.Conn
	reader *Reader
	role   Role

	writeTimeout time.Duration
	wmu          sync.Mutex

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewConn wraps nc after a successful handshake. br must be the reader the
// handshake consumed from, so pipelined bytes are not lost.
func NewConn(nc net.Conn, br *bufio.Reader, role Role, maxPayload int) *Conn {
	if br == nil {
		br = bufio.NewReader(nc)
	}
	return &Conn{
		nc:     nc,
		reader: NewReader(br, maxPayload),
		role:   role,
	}
}

// SetWriteTimeout bounds every subsequent frame write. Zero disables the bound.
func (c *Conn) SetWriteTimeout(d time.Duration) {
	c.wmu.Lock()
	c.writeTimeout = d
	c.wmu.Unlock()
}

// WriteFrame sends one final frame. Client connections mask with a fresh random key.
func (c *Conn) WriteFrame(op Opcode, payload []byte) error {
	if c.closed.Load() {
		return &TransportError{Op: "write", Err: ErrClosed}
	}

	var frame []byte
	if c.role == RoleClient {
		var key [4]byte
		if _, err := rand.Read(key[:]); err != nil {
			return &TransportError{Op: "write", Err: err}
		}
		frame = EncodeMaskedFrame(op, payload, key)
	} else {
		frame = EncodeFrame(op, payload)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.nc.Write(frame); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// WriteBinary sends a binary message.
func (c *Conn) WriteBinary(payload []byte) error {
	return c.WriteFrame(OpBinary, payload)
}

// WriteText sends a text message.
func (c *Conn) WriteText(payload []byte) error {
	return c.WriteFrame(OpText, payload)
}

// WriteClose sends a close frame with the given status.
func (c *Conn) WriteClose(code uint16, reason string) error {
	return c.WriteFrame(OpClose, ClosePayload(code, reason))
}

// ReadMessage blocks for the next message. See Reader.ReadMessage.
func (c *Conn) ReadMessage() (Opcode, []byte, error) {
	if c.closed.Load() {
		return 0, nil, &TransportError{Op: "read", Err: ErrClosed}
	}
	return c.reader.ReadMessage()
}

// Close closes the socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.nc.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// NetConn exposes the underlying socket.
func (c *Conn) NetConn() net.Conn {
	return c.nc
}
