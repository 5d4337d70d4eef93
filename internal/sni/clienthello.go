package sni

import (
	"bufio"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

const (
	recordHeaderLen  = 5 // content type (1) + version (2) + length (2)
	clientHelloMsg   = 0x01
	extensionTypeSNI = 0
	sniHostNameType  = 0
)

// peekTLSHost peeks the first TLS record off br and extracts the
// ClientHello's server_name extension. It bounds-checks every cursor
// advance via cryptobyte.String, so malformed input returns an error
// rather than panicking.
func peekTLSHost(br *bufio.Reader) (string, error) {
	header, err := br.Peek(recordHeaderLen)
	if err != nil {
		return "", fmt.Errorf("sni: peek record header: %w", ErrMalformedClientHello)
	}

	recordLen := int(header[3])<<8 | int(header[4])
	total := recordHeaderLen + recordLen
	if total > maxPeekBytes {
		return "", ErrHeaderTooLarge
	}

	record, err := br.Peek(total)
	if err != nil {
		return "", fmt.Errorf("sni: peek record body: %w", ErrMalformedClientHello)
	}

	return parseClientHelloSNI(record[recordHeaderLen:])
}

// parseClientHelloSNI walks a ClientHello handshake message (everything
// after the 5-byte TLS record header) and returns the server_name
// extension's hostname. Every field is read through cryptobyte, which
// reports failure instead of indexing past the slice.
func parseClientHelloSNI(handshake []byte) (string, error) {
	s := cryptobyte.String(handshake)

	var msgType uint8
	if !s.ReadUint8(&msgType) || msgType != clientHelloMsg {
		return "", ErrMalformedClientHello
	}

	var body cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&body) {
		return "", ErrMalformedClientHello
	}

	var version uint16
	if !body.ReadUint16(&version) {
		return "", ErrMalformedClientHello
	}
	if !body.Skip(32) { // random
		return "", ErrMalformedClientHello
	}

	var sessionID cryptobyte.String
	if !body.ReadUint8LengthPrefixed(&sessionID) {
		return "", ErrMalformedClientHello
	}

	var cipherSuites cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&cipherSuites) {
		return "", ErrMalformedClientHello
	}

	var compressionMethods cryptobyte.String
	if !body.ReadUint8LengthPrefixed(&compressionMethods) {
		return "", ErrMalformedClientHello
	}

	if body.Empty() {
		// No extensions block at all (pre-TLS-1.2 client): there is no
		// SNI to extract, but this is not malformed input.
		return "", ErrNoHostHeader
	}

	var extensions cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&extensions) {
		return "", ErrMalformedClientHello
	}

	for !extensions.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return "", ErrMalformedClientHello
		}
		if extType != extensionTypeSNI {
			continue
		}

		var serverNameList cryptobyte.String
		if !extData.ReadUint16LengthPrefixed(&serverNameList) {
			return "", ErrMalformedClientHello
		}
		for !serverNameList.Empty() {
			var nameType uint8
			var hostName cryptobyte.String
			if !serverNameList.ReadUint8(&nameType) || !serverNameList.ReadUint16LengthPrefixed(&hostName) {
				return "", ErrMalformedClientHello
			}
			if nameType == sniHostNameType {
				return string(hostName), nil
			}
		}
	}

	return "", ErrNoHostHeader
}
