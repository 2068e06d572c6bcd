package wsproto

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// acceptGUID is the fixed suffix from RFC 6455 section 1.3.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// MaxHandshakeBytes bounds the request or response header block.
const MaxHandshakeBytes = 8192

var errHeaderTooLarge = errors.New("header block exceeds limit")

// HandshakeRequest is what the server learned from the upgrade request.
type HandshakeRequest struct {
	RequestLine string
	Key         string
	// Header names are lower-cased.
	Header map[string]string
}

// AcceptKey derives the Sec-WebSocket-Accept value for key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// ServerHandshake reads the upgrade request from br and writes the 101 response to w.
// Only Sec-WebSocket-Key is required. On failure a 400 response is attempted and a
// *HandshakeError is returned; the caller must close the connection.
func ServerHandshake(br *bufio.Reader, w io.Writer) (*HandshakeRequest, error) {
	lines, err := readHeaderBlock(br)
	if err != nil {
		writeBadRequest(w)
		return nil, &HandshakeError{Reason: "read request", Err: err}
	}

	req := &HandshakeRequest{RequestLine: lines[0], Header: parseHeaderLines(lines[1:])}
	req.Key = req.Header["sec-websocket-key"]
	if req.Key == "" {
		writeBadRequest(w)
		return nil, &HandshakeError{Reason: "missing Sec-WebSocket-Key"}
	}

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(req.Key) + "\r\n\r\n"
	if _, err := io.WriteString(w, resp); err != nil {
		return nil, &HandshakeError{Reason: "write response", Err: err}
	}
	return req, nil
}

// ClientHandshake sends an upgrade request for host and path over w and
// validates the server's reply read from br.
func ClientHandshake(br *bufio.Reader, w io.Writer, host, path string) error {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return &HandshakeError{Reason: "generate key", Err: err}
	}
	key := base64.StdEncoding.EncodeToString(nonce[:])
	if path == "" {
		path = "/"
	}

	req := "GET " + path + " HTTP/1.1\r\n" +
		"Host: " + host + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + key + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := io.WriteString(w, req); err != nil {
		return &HandshakeError{Reason: "write request", Err: err}
	}

	lines, err := readHeaderBlock(br)
	if err != nil {
		return &HandshakeError{Reason: "read response", Err: err}
	}
	status := strings.Fields(lines[0])
	if len(status) < 2 || status[1] != "101" {
		return &HandshakeError{Reason: fmt.Sprintf("unexpected status line %q", lines[0])}
	}

	header := parseHeaderLines(lines[1:])
	if header["sec-websocket-accept"] != AcceptKey(key) {
		return &HandshakeError{Reason: "Sec-WebSocket-Accept mismatch"}
	}
	return nil
}

// readHeaderBlock reads lines up to the blank line that ends an HTTP header,
// never consuming bytes past it.
func readHeaderBlock(br *bufio.Reader) ([]string, error) {
	var lines []string
	total := 0
	for {
		line, err := br.ReadSlice('\n')
		total += len(line)
		if total > MaxHandshakeBytes || errors.Is(err, bufio.ErrBufferFull) {
			return nil, errHeaderTooLarge
		}
		if err != nil {
			return nil, err
		}

		trimmed := string(bytes.TrimRight(line, "\r\n"))
		if trimmed == "" {
			if len(lines) == 0 {
				// Tolerate a leading blank line before the start line
				continue
			}
			return lines, nil
		}
		lines = append(lines, trimmed)
	}
}

func parseHeaderLines(lines []string) map[string]string {
	header := make(map[string]string, len(lines))
	for _, l := range lines {
		name, value, ok := strings.Cut(l, ":")
		if !ok {
			continue
		}
		header[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	return header
}

func writeBadRequest(w io.Writer) {
	_, _ = io.WriteString(w, "HTTP/1.1 400 Bad Request\r\nConnection: close\r\n\r\n")
}
