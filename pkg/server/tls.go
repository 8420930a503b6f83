package server

import (
	"crypto/tls"
	"fmt"
)

// LoadTLS builds the server TLS configuration from a PEM certificate and
// key. Client certificates are requested but not verified by the handshake;
// trust is decided per session.
func LoadTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequestClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
