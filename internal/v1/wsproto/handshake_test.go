package wsproto

import (
	"bufio"
	"bytes"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptKey_RFCVector(t *testing.T) {
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestServerHandshake_Success(t *testing.T) {
	req := "GET /stream HTTP/1.1\r\n" +
		"Host: 192.168.1.20:8080\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"sec-websocket-key:   dGhlIHNhbXBsZSBub25jZQ==  \r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	pipelined := EncodeMaskedFrame(OpText, []byte("early"), [4]byte{1, 2, 3, 4})

	br := bufio.NewReader(bytes.NewReader(append([]byte(req), pipelined...)))
	var out bytes.Buffer

	got, err := ServerHandshake(br, &out)
	require.NoError(t, err)
	assert.Equal(t, "dGhlIHNhbXBsZSBub25jZQ==", got.Key)
	assert.Equal(t, "GET /stream HTTP/1.1", got.RequestLine)
	assert.Equal(t, "13", got.Header["sec-websocket-version"])

	want := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n\r\n"
	assert.Equal(t, want, out.String())

	// Bytes after the header block stay in the reader for the frame decoder
	op, data, err := NewReader(br, 1024).ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, OpText, op)
	assert.Equal(t, "early", string(data))
}

func TestServerHandshake_MissingKey(t *testing.T) {
	req := "GET / HTTP/1.1\r\nHost: x\r\nUpgrade: websocket\r\n\r\n"
	var out bytes.Buffer

	_, err := ServerHandshake(bufio.NewReader(strings.NewReader(req)), &out)

	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Contains(t, hsErr.Error(), "Sec-WebSocket-Key")
	assert.True(t, strings.HasPrefix(out.String(), "HTTP/1.1 400"))
}

func TestServerHandshake_HeaderTooLarge(t *testing.T) {
	var b strings.Builder
	b.WriteString("GET / HTTP/1.1\r\n")
	for b.Len() < MaxHandshakeBytes+100 {
		b.WriteString("X-Padding: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\r\n")
	}
	b.WriteString("Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n\r\n")

	_, err := ServerHandshake(bufio.NewReader(strings.NewReader(b.String())), &bytes.Buffer{})
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.ErrorIs(t, err, errHeaderTooLarge)
}

func TestServerHandshake_TruncatedRequest(t *testing.T) {
	_, err := ServerHandshake(bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\nSec-WebSocket-Key: abc")), &bytes.Buffer{})
	var hsErr *HandshakeError
	assert.ErrorAs(t, err, &hsErr)
}

func TestClientHandshake_AgainstServer(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	serverErr := make(chan error, 1)
	go func() {
		_, err := ServerHandshake(bufio.NewReader(serverSide), serverSide)
		serverErr <- err
	}()

	err := ClientHandshake(bufio.NewReader(clientSide), clientSide, "127.0.0.1:8080", "/")
	require.NoError(t, err)
	require.NoError(t, <-serverErr)
}

func TestClientHandshake_BadAccept(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	go func() {
		br := bufio.NewReader(serverSide)
		_, _ = readHeaderBlock(br)
		_, _ = serverSide.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nSec-WebSocket-Accept: bogus\r\n\r\n"))
	}()

	err := ClientHandshake(bufio.NewReader(clientSide), clientSide, "host:1", "")
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Contains(t, err.Error(), "mismatch")
}

func TestClientHandshake_Rejected(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	go func() {
		br := bufio.NewReader(serverSide)
		_, _ = readHeaderBlock(br)
		_, _ = serverSide.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
	}()

	err := ClientHandshake(bufio.NewReader(clientSide), clientSide, "host:1", "/")
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Contains(t, err.Error(), "unexpected status")
}
