package bridge

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const (
	maxResponseHeaderBytes = 8 * 1024
	maxResponseHeaderLines = 128
)

// readResponseHeader reads (and consumes) the upstream response's status
// line and header block off br, bounded the same way firstRequest bounds a request, and
// parses it against the request it answers (so Content-Length/HEAD rules
// in net/http's ReadResponse are applied correctly).
func readResponseHeader(br *bufio.Reader, forReq *http.Request) (*http.Response, []byte, error) {
	raw, err := readHeaderBlock(br, maxResponseHeaderBytes, maxResponseHeaderLines)
	if err != nil {
		return nil, nil, err
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), forReq)
	if err != nil {
		return nil, nil, fmt.Errorf("bridge: parse response: %w", err)
	}

	return resp, raw, nil
}

// copyRequestBody forwards a parsed request's body to dst, honoring
// Content-Length or chunked Transfer-Encoding. A request with neither is
// treated as bodyless — the common case for the GET/HEAD requests this
// proxy mostly sees, and RFC 7230 gives a server no other way to find the
// end of such a body anyway.
func copyRequestBody(dst io.Writer, src *bufio.Reader, req *http.Request) error {
	switch {
	case isChunked(req.TransferEncoding):
		return copyChunked(dst, src)
	case req.ContentLength > 0:
		return copyExactly(dst, src, req.ContentLength)
	default:
		return nil
	}
}

// copyResponseBody forwards a parsed response's body to dst. It reports
// closeDelimited = true when the body's end was signalled only by the
// upstream closing the connection (no Content-Length, not chunked) — in
// that case the connection is never reusable for a further request
// regardless of what the Connection headers said.
func copyResponseBody(dst io.Writer, src *bufio.Reader, resp *http.Response, method string) (closeDelimited bool, err error) {
	switch {
	case method == http.MethodHead || noResponseBodyExpected(resp.StatusCode):
		return false, nil
	case isChunked(resp.TransferEncoding):
		return false, copyChunked(dst, src)
	case resp.ContentLength >= 0:
		return false, copyExactly(dst, src, resp.ContentLength)
	default:
		_, err := io.Copy(dst, src)
		return true, err
	}
}

// noResponseBodyExpected reports statuses that RFC 7230 §3.3 says never
// carry a body, regardless of any Content-Length header present.
func noResponseBodyExpected(status int) bool {
	return status/100 == 1 || status == http.StatusNoContent || status == http.StatusNotModified
}

func isChunked(te []string) bool {
	for _, v := range te {
		if strings.EqualFold(v, "chunked") {
			return true
		}
	}
	return false
}

// copyExactly forwards exactly n bytes from src to dst.
func copyExactly(dst io.Writer, src io.Reader, n int64) error {
	if _, err := io.CopyN(dst, src, n); err != nil {
		return fmt.Errorf("bridge: copy body: %w", err)
	}
	return nil
}

// copyChunked forwards a chunked-encoded body verbatim, walking its chunk
// framing (size line, data, trailing CRLF, repeat, terminating 0-size
// chunk plus trailer section) so the caller knows exactly where the body
// ends without decoding or re-encoding any chunk.
func copyChunked(dst io.Writer, src *bufio.Reader) error {
	for {
		sizeLine, err := src.ReadString('\n')
		if err != nil {
			return fmt.Errorf("bridge: read chunk size: %w", err)
		}
		if _, err := io.WriteString(dst, sizeLine); err != nil {
			return err
		}

		sizeField := strings.SplitN(strings.TrimRight(sizeLine, "\r\n"), ";", 2)[0]
		size, err := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 64)
		if err != nil {
			return fmt.Errorf("bridge: parse chunk size: %w", err)
		}

		if size == 0 {
			return copyChunkTrailer(dst, src)
		}

		if err := copyExactly(dst, src, size); err != nil {
			return err
		}

		crlf := make([]byte, 2)
		if _, err := io.ReadFull(src, crlf); err != nil {
			return fmt.Errorf("bridge: read chunk terminator: %w", err)
		}
		if _, err := dst.Write(crlf); err != nil {
			return fmt.Errorf("bridge: write chunk terminator: %w", err)
		}
	}
}

// copyChunkTrailer forwards the trailer section following a terminating
// 0-size chunk, ending at the blank line that closes the body.
func copyChunkTrailer(dst io.Writer, src *bufio.Reader) error {
	for {
		line, err := src.ReadString('\n')
		if err != nil {
			return fmt.Errorf("bridge: read chunk trailer: %w", err)
		}
		if _, err := io.WriteString(dst, line); err != nil {
			return fmt.Errorf("bridge: write chunk trailer: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			return nil
		}
	}
}

// isPersistent reports whether proto/header allow this connection to
// carry a further request after the current exchange completes: HTTP/1.1
// is persistent unless "Connection: close" is present; HTTP/1.0 is
// persistent only when "Connection: keep-alive" is explicitly present.
func isPersistent(proto string, header http.Header) bool {
	conn := header.Get("Connection")
	if strings.EqualFold(conn, "close") {
		return false
	}
	if proto == "HTTP/1.0" {
		return strings.EqualFold(conn, "keep-alive")
	}
	return true
}
