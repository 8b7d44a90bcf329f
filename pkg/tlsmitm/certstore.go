package tlsmitm

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// Leaf is a minted, CA-signed certificate for one server name, tracked with
// a reference count so concurrent holders can share it safely.
type Leaf struct {
	Name string
	Cert tls.Certificate

	store *CertStore
	refs  int
}

// Release drops this holder's reference. The entry is evicted once no
// references remain, so a long-running server does not accumulate a key
// pair per distinct server name it has ever seen.
func (l *Leaf) Release() {
	l.store.release(l)
}

// CertStore mints and caches per-name leaf certificates signed by a single
// CA: one RSA key and X.509 cert per distinct SNI name, reused across
// concurrent connections to that name.
type CertStore struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	mu    sync.Mutex
	certs map[string]*Leaf
}

// NewCertStore builds a CertStore that signs leaf certificates with caCert/
// caKey, the CA's own certificate and RSA private key.
func NewCertStore(caCert *x509.Certificate, caKey *rsa.PrivateKey) *CertStore {
	return &CertStore{caCert: caCert, caKey: caKey, certs: make(map[string]*Leaf)}
}

// Get returns a Leaf certificate for name, minting and signing a fresh one
// on first use and reusing it (with an incremented ref count) on every
// call thereafter. The caller must call Release when done with it.
func (s *CertStore) Get(name string) (*Leaf, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.certs[name]; ok {
		l.refs++
		return l, nil
	}

	leaf, err := s.mint(name)
	if err != nil {
		return nil, err
	}
	l := &Leaf{Name: name, Cert: leaf, store: s, refs: 1}
	s.certs[name] = l
	return l, nil
}

func (s *CertStore) release(l *Leaf) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs <= 0 {
		delete(s.certs, l.Name)
	}
}

// mint signs a fresh 2048-bit RSA leaf certificate for name, valid from a
// day ago (clock-skew headroom) through seven days out.
func (s *CertStore) mint(name string) (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsmitm: generating leaf key: %w", err)
	}

	// Serial is a uniform draw from [5e7, 1e8).
	serial, err := rand.Int(rand.Reader, big.NewInt(50_000_000))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsmitm: generating serial: %w", err)
	}
	serial.Add(serial, big.NewInt(50_000_000))

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             now.Add(-24 * time.Hour),
		NotAfter:              now.Add(7 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		DNSNames:              []string{name},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, s.caCert, &key.PublicKey, s.caKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tlsmitm: signing leaf certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der, s.caCert.Raw},
		PrivateKey:  key,
		Leaf:        template,
	}, nil
}

// LoadCA reads a PEM-encoded CA certificate and RSA private key from disk.
func LoadCA(certPath, keyPath string) (*x509.Certificate, *rsa.PrivateKey, error) {
	return loadCA(certPath, keyPath)
}
