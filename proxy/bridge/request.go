package bridge

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/net/http/httpguts"
)

const (
	maxHeaderBytes = 8 * 1024
	maxHeaderLines = 64
)

// ErrHeaderTooLarge is returned when no end-of-headers marker appears
// within maxHeaderBytes, or the header block has more than maxHeaderLines.
var ErrHeaderTooLarge = errors.New("bridge: request header exceeds limit")

// ErrInvalidHeaderField is returned when a header's name or value fails
// RFC 7230 validation.
var ErrInvalidHeaderField = errors.New("bridge: invalid header field")

// firstRequest reads and parses exactly one HTTP request's header block
// off br, enforcing an 8KiB/64-line resource limit. It
// returns the parsed *http.Request (for method/path/host extraction) and
// the exact header bytes read, which the caller forwards upstream
// verbatim rather than a reserialisation of the parsed struct.
func firstRequest(br *bufio.Reader) (*http.Request, []byte, error) {
	raw, err := readHeaderBlock(br, maxHeaderBytes, maxHeaderLines)
	if err != nil {
		return nil, nil, err
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, nil, fmt.Errorf("bridge: parse request: %w", err)
	}

	if err := validateHeaderFields(req); err != nil {
		return nil, nil, err
	}

	return req, raw, nil
}

// validateHeaderFields rejects requests carrying header names or values
// that do not conform to RFC 7230, rather than forwarding them upstream
// verbatim on faith.
func validateHeaderFields(req *http.Request) error {
	for name, values := range req.Header {
		if !httpguts.ValidHeaderFieldName(name) {
			return fmt.Errorf("%w: name %q", ErrInvalidHeaderField, name)
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				return fmt.Errorf("%w: value of %q", ErrInvalidHeaderField, name)
			}
		}
	}
	return nil
}
