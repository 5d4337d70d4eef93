package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	uuid "github.com/satori/go.uuid"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCADir     = "/ca"
	rootCommonName   = "Secure Proxy CA"
	rootValidity     = 10 * 365 * 24 * time.Hour
	leafValidity     = 365 * 24 * time.Hour
	leafClockSkew    = 24 * time.Hour
	leafCacheMaxSize = 1024
)

// SelfSignCA is a CA backed by a self-signed root certificate persisted to
// (or loaded from) disk, or held purely in memory for tests.
type SelfSignCA struct {
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
	rootPEM  []byte

	dir string // empty for the in-memory variant

	mintGroup singleflight.Group

	mu    sync.Mutex
	cache *lru.Cache
}

// NewSelfSignCA loads or generates a root CA persisted under dir
// (defaulting to /ca) and returns a ready-to-use leaf minter.
func NewSelfSignCA(dir string) (CA, error) {
	storePath, err := getStorePath(dir)
	if err != nil {
		return nil, fmt.Errorf("cert: resolve store path: %w", err)
	}

	ca := &SelfSignCA{
		dir:   storePath,
		cache: lru.New(leafCacheMaxSize),
	}

	if err := ca.loadOrGenerateRoot(); err != nil {
		return nil, err
	}
	return ca, nil
}

// NewSelfSignCAMemory returns a CA whose root never touches disk. Used by
// tests and by any embedder that wants a fresh root per process without a
// filesystem contract.
func NewSelfSignCAMemory() (CA, error) {
	ca := &SelfSignCA{
		cache: lru.New(leafCacheMaxSize),
	}
	if err := ca.generateRoot(); err != nil {
		return nil, err
	}
	return ca, nil
}

func getStorePath(dir string) (string, error) {
	if dir == "" {
		dir = defaultCADir
	}
	return dir, nil
}

func (ca *SelfSignCA) certDir() string { return filepath.Join(ca.dir, "certs") }
func (ca *SelfSignCA) keyDir() string  { return filepath.Join(ca.dir, "keys") }
func (ca *SelfSignCA) caFile() string  { return filepath.Join(ca.certDir(), "ca.pem") }
func (ca *SelfSignCA) keyFile() string { return filepath.Join(ca.keyDir(), "ca.key") }
func (ca *SelfSignCA) lockFile() string {
	return filepath.Join(ca.dir, ".ca.lock")
}

// loadOrGenerateRoot implements I1: a root is created exactly once per
// persistent CA directory, and concurrent first-time starts across
// processes serialise via an exclusive lock file.
func (ca *SelfSignCA) loadOrGenerateRoot() error {
	if ca.tryLoadRoot() == nil {
		return nil
	}

	if err := os.MkdirAll(ca.dir, 0o755); err != nil {
		return fmt.Errorf("cert: create ca dir: %w", err)
	}

	unlock, err := ca.acquireInitLock()
	if err != nil {
		return err
	}
	defer unlock()

	// Another process may have finished generation while we waited for
	// the lock.
	if err := ca.tryLoadRoot(); err == nil {
		return nil
	}

	if err := ca.generateRoot(); err != nil {
		return err
	}
	return ca.persistRoot()
}

func (ca *SelfSignCA) acquireInitLock() (func(), error) {
	f, err := os.OpenFile(ca.lockFile(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("cert: acquire init lock: %w", err)
		}
		// Someone else is initializing; wait briefly by polling for the
		// root files, then proceed regardless (best effort).
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if _, statErr := os.Stat(ca.caFile()); statErr == nil {
				return func() {}, nil
			}
			time.Sleep(50 * time.Millisecond)
		}
		return func() {}, nil
	}
	f.Close()
	return func() { os.Remove(ca.lockFile()) }, nil
}

func (ca *SelfSignCA) tryLoadRoot() error {
	certPEM, err := os.ReadFile(ca.caFile())
	if err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(ca.keyFile())
	if err != nil {
		return err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return fmt.Errorf("cert: no PEM block in %s", ca.caFile())
	}
	rootCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("cert: parse root cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return fmt.Errorf("cert: no PEM block in %s", ca.keyFile())
	}
	rootKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("cert: parse root key: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	ca.rootPEM = certPEM
	return nil
}

// generateRoot builds the self-signed root: CN "Secure Proxy CA", CA:TRUE,
// keyCertSign+cRLSign, 10y validity, random 128-bit serial, SHA-256
// signature.
func (ca *SelfSignCA) generateRoot() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("cert: generate root key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: rootCommonName},
		NotBefore:             now.Add(-leafClockSkew),
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("cert: create root cert: %w", err)
	}

	rootCert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("cert: parse generated root cert: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = key
	ca.rootPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return nil
}

// persistRoot writes the key (0600) and cert (0644) atomically: write to a
// temporary sibling, fsync, then rename into place, so an external watcher
// polling for ca.pem never observes a partial file.
func (ca *SelfSignCA) persistRoot() error {
	if ca.dir == "" {
		return nil // in-memory CA: nothing to persist
	}

	if err := os.MkdirAll(ca.certDir(), 0o755); err != nil {
		return fmt.Errorf("cert: create cert dir: %w", err)
	}
	if err := os.MkdirAll(ca.keyDir(), 0o755); err != nil {
		return fmt.Errorf("cert: create key dir: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(ca.rootKey),
	})

	if err := writeFileAtomic(ca.keyFile(), keyPEM, 0o600); err != nil {
		return fmt.Errorf("cert: persist root key: %w", err)
	}
	if err := writeFileAtomic(ca.caFile(), ca.rootPEM, 0o644); err != nil {
		return fmt.Errorf("cert: persist root cert: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// saveTo writes the root certificate's PEM encoding to w. Exercised
// directly by tests that need to assert the persisted file matches what
// was generated in-process.
func (ca *SelfSignCA) saveTo(w io.Writer) error {
	_, err := w.Write(ca.rootPEM)
	return err
}

// GetRootCA implements CA.
func (ca *SelfSignCA) GetRootCA() *x509.Certificate {
	return ca.rootCert
}

// GetCert implements CA. It satisfies P4 (single-flight): concurrent
// callers requesting the same host share one mint operation.
func (ca *SelfSignCA) GetCert(host string) (*tls.Certificate, error) {
	key := strings.ToLower(host)

	if leaf, ok := ca.lookupCache(key); ok {
		return leaf, nil
	}

	v, err, _ := ca.mintGroup.Do(key, func() (any, error) {
		if leaf, ok := ca.lookupCache(key); ok {
			return leaf, nil
		}
		leaf, err := ca.mintLeaf(key)
		if err != nil {
			return nil, err
		}
		ca.storeCache(key, leaf)
		return leaf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

func (ca *SelfSignCA) lookupCache(host string) (*tls.Certificate, bool) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	v, ok := ca.cache.Get(host)
	if !ok {
		return nil, false
	}
	leaf := v.(*tls.Certificate)
	if leafExpired(leaf) {
		ca.cache.Remove(host)
		return nil, false
	}
	return leaf, true
}

func (ca *SelfSignCA) storeCache(host string, leaf *tls.Certificate) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.cache.Add(host, leaf)
}

func leafExpired(leaf *tls.Certificate) bool {
	x509Cert, err := x509.ParseCertificate(leaf.Certificate[0])
	if err != nil {
		return true
	}
	return time.Now().After(x509Cert.NotAfter)
}

// mintLeaf builds a leaf certificate: CN = host, SAN DNS = {host} plus
// its www-prefixed/www-less variant, EKU serverAuth, KeyUsage
// digitalSignature+keyEncipherment, CA:FALSE, random 128-bit serial,
// validity [now-24h, min(now+365d, ca.NotAfter)], SHA-256.
func (ca *SelfSignCA) mintLeaf(host string) (*tls.Certificate, error) {
	mintID := uuid.NewV4()
	slog.Default().Debug("minting leaf certificate", "mint_id", mintID, "host", host)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("cert: generate leaf key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	notAfter := time.Now().Add(leafValidity)
	if ca.rootCert.NotAfter.Before(notAfter) {
		notAfter = ca.rootCert.NotAfter
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: host},
		DNSNames:              sanVariants(host),
		NotBefore:             time.Now().Add(-leafClockSkew),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}
	if ip := net.ParseIP(host); ip != nil {
		template.DNSNames = nil
		template.IPAddresses = []net.IP{ip}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &key.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("cert: sign leaf for %s: %w", host, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        template,
	}, nil
}

// sanVariants returns host plus its www-prefixed or www-less counterpart.
func sanVariants(host string) []string {
	if strings.HasPrefix(host, "www.") {
		return []string{host, strings.TrimPrefix(host, "www.")}
	}
	return []string{host, "www." + host}
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("cert: generate serial: %w", err)
	}
	return serial, nil
}
