// Package testpki generates throwaway certificates for tests.
package testpki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Cert is a certificate with its key.
type Cert struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// CertPEM returns the PEM encoding of the certificate.
func (c *Cert) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Cert.Raw})
}

// KeyPEM returns the PEM encoding of the private key.
func (c *Cert) KeyPEM(tb testing.TB) []byte {
	tb.Helper()
	der, err := x509.MarshalECPrivateKey(c.Key)
	if err != nil {
		tb.Fatalf("marshal key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

// TLS returns the pair as a tls.Certificate.
func (c *Cert) TLS() tls.Certificate {
	return tls.Certificate{Certificate: [][]byte{c.Cert.Raw}, PrivateKey: c.Key, Leaf: c.Cert}
}

// WriteFiles writes the certificate and key PEM files into dir.
func (c *Cert) WriteFiles(tb testing.TB, dir, name string) (certPath, keyPath string) {
	tb.Helper()
	certPath = filepath.Join(dir, name+".pem")
	keyPath = filepath.Join(dir, name+".key")
	if err := os.WriteFile(certPath, c.CertPEM(), 0o600); err != nil {
		tb.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, c.KeyPEM(tb), 0o600); err != nil {
		tb.Fatalf("write key: %v", err)
	}
	return certPath, keyPath
}

// NewCA creates a self-signed certificate authority.
func NewCA(tb testing.TB, cn string) *Cert {
	tb.Helper()
	tmpl := template(tb, cn)
	tmpl.IsCA = true
	tmpl.BasicConstraintsValid = true
	tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature
	return sign(tb, tmpl, nil)
}

// SelfSigned creates a self-signed leaf usable for both client and server
// authentication.
func SelfSigned(tb testing.TB, cn string) *Cert {
	tb.Helper()
	tmpl := leaf(tb, cn, x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth)
	return sign(tb, tmpl, nil)
}

// IssueClient creates a client-auth leaf signed by ca.
func (c *Cert) IssueClient(tb testing.TB, cn string) *Cert {
	tb.Helper()
	return sign(tb, leaf(tb, cn, x509.ExtKeyUsageClientAuth), c)
}

// IssueServer creates a server-auth leaf for localhost signed by ca.
func (c *Cert) IssueServer(tb testing.TB, cn string) *Cert {
	tb.Helper()
	return sign(tb, leaf(tb, cn, x509.ExtKeyUsageServerAuth), c)
}

func template(tb testing.TB, cn string) *x509.Certificate {
	tb.Helper()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		tb.Fatalf("serial: %v", err)
	}
	return &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn, Organization: []string{"froyo-agent tests"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
}

func leaf(tb testing.TB, cn string, usage ...x509.ExtKeyUsage) *x509.Certificate {
	tmpl := template(tb, cn)
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	tmpl.ExtKeyUsage = usage
	tmpl.DNSNames = []string{"localhost"}
	tmpl.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1)}
	return tmpl
}

func sign(tb testing.TB, tmpl *x509.Certificate, parent *Cert) *Cert {
	tb.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		tb.Fatalf("generate key: %v", err)
	}
	parentCert, parentKey := tmpl, key
	if parent != nil {
		parentCert, parentKey = parent.Cert, parent.Key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parentCert, &key.PublicKey, parentKey)
	if err != nil {
		tb.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		tb.Fatalf("parse certificate: %v", err)
	}
	return &Cert{Cert: cert, Key: key}
}
