// Package sni implements the proxy's peeker: it inspects, without
// consuming, the first bytes of an accepted connection to classify it as
// TLS or plaintext HTTP and extract the target hostname.
package sni

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"time"
)

// Protocol is the classification Peek assigns to a connection.
type Protocol int

const (
	// ProtocolTLS is a TLS ClientHello (first byte 0x16).
	ProtocolTLS Protocol = iota
	// ProtocolHTTP is plaintext HTTP carrying a Host header.
	ProtocolHTTP
)

const (
	maxPeekBytes = 16 * 1024
	peekDeadline = 1500 * time.Millisecond
	tlsHandshake = 0x16
	httpPortNum  = 80
	httpsPortNum = 443
)

// ErrMalformedClientHello is returned when the first byte announces a TLS
// handshake but the ClientHello cannot be parsed. This is a Peek error:
// the caller closes the connection silently, no log entry.
var ErrMalformedClientHello = errors.New("sni: malformed ClientHello")

// ErrNoHostHeader is returned when a plaintext request has no Host
// header within the scanned header block, or when a well-formed
// ClientHello carries no server_name host name.
var ErrNoHostHeader = errors.New("sni: no Host header found")

// ErrHeaderTooLarge is returned when neither a full TLS record nor an
// end-of-headers marker appears within maxPeekBytes.
var ErrHeaderTooLarge = errors.New("sni: header exceeds peek limit")

// Result is the outcome of Peek: the classified protocol, the extracted
// hostname, and a net.Conn that will yield the exact bytes Peek looked at
// before any further bytes from the wire — Peek never consumes them.
type Result struct {
	Protocol Protocol
	Host     string
	Conn     net.Conn
}

// Port returns the upstream port implied by the classification: 443 for
// TLS, 80 for plaintext HTTP — the only two ports the redirector routes
// here.
func (r *Result) Port() int {
	if r.Protocol == ProtocolTLS {
		return httpsPortNum
	}
	return httpPortNum
}

// replayConn is the net.Conn a caller reads from instead of the raw
// accepted connection. It is a thin bufio.Reader-backed wrapper: because
// Peek only calls br.Peek (never br.Read), every byte br has already
// pulled off the wire still lives in its buffer and is served first.
type replayConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *replayConn) Read(p []byte) (int, error) { return c.br.Read(p) }

// Peek classifies conn and extracts its target hostname without
// consuming bytes downstream consumers still need. It never panics on
// malformed input — every offset into the peeked buffer is bounds
// checked.
func Peek(conn net.Conn) (*Result, error) {
	br := bufio.NewReaderSize(conn, maxPeekBytes)

	if err := conn.SetReadDeadline(time.Now().Add(peekDeadline)); err != nil {
		return nil, fmt.Errorf("sni: set deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck // best-effort deadline clear

	first, err := br.Peek(1)
	if err != nil {
		return nil, fmt.Errorf("sni: peek first byte: %w", err)
	}

	rc := &replayConn{Conn: conn, br: br}

	if first[0] == tlsHandshake {
		host, err := peekTLSHost(br)
		if err != nil {
			return nil, err
		}
		return &Result{Protocol: ProtocolTLS, Host: host, Conn: rc}, nil
	}

	host, err := peekHTTPHost(br)
	if err != nil {
		return nil, err
	}
	return &Result{Protocol: ProtocolHTTP, Host: host, Conn: rc}, nil
}

// peekHTTPHost scans the buffered bytes for the end of the header block
// and a case-insensitive Host: header. It grows the peek window one byte
// past whatever br already has buffered at a time rather than jumping to
// a fixed step: asking Peek for more than is currently available blocks
// until that much arrives, and a short request sent in a single write
// may never reach an arbitrary step size on its own.
func peekHTTPHost(br *bufio.Reader) (string, error) {
	n := br.Buffered()
	if n == 0 {
		n = 1
	}
	for {
		if n > maxPeekBytes {
			return "", ErrHeaderTooLarge
		}

		buf, err := br.Peek(n)
		if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
			return extractHostHeader(buf[:idx])
		}
		if err != nil {
			// Buffer exhausted (EOF/closed) before a full header block
			// appeared; nothing more to scan.
			return "", fmt.Errorf("sni: peek http headers: %w", err)
		}
		n++
	}
}

func extractHostHeader(headerBlock []byte) (string, error) {
	lines := bytes.Split(headerBlock, []byte("\r\n"))
	for _, line := range lines {
		idx := bytes.IndexByte(line, ':')
		if idx <= 0 {
			continue
		}
		if !bytes.EqualFold(bytes.TrimSpace(line[:idx]), []byte("Host")) {
			continue
		}
		return string(bytes.TrimSpace(line[idx+1:])), nil
	}
	return "", ErrNoHostHeader
}
