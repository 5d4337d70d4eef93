// Package cert implements the proxy's certificate authority: a long-lived
// self-signed root plus on-demand per-host leaf certificates signed by
// that root.
package cert

import (
	"crypto/tls"
	"crypto/x509"
)

// CA mints and serves TLS certificates for the MITM bridge's client-facing
// handshakes. A single CA is created once per process and lives for the
// process lifetime.
type CA interface {
	// GetCert returns a leaf certificate for the given host, minting one
	// if the cache has no unexpired entry.
	GetCert(host string) (*tls.Certificate, error)

	// GetRootCA returns the parsed root certificate.
	GetRootCA() *x509.Certificate
}
