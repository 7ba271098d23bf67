package server

import (
	"crypto/tls"
	"fmt"
)

// KeyBundle is the certificate material shared by secure listeners
type KeyBundle struct {
	CertFile string
	KeyFile  string
	config   *tls.Config
}

// LoadKeyBundle reads a PEM certificate chain and private key
func LoadKeyBundle(certFile, keyFile string) (*KeyBundle, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key bundle %s: %w", certFile, err)
	}
	kb := NewKeyBundle(cert)
	kb.CertFile = certFile
	kb.KeyFile = keyFile
	return kb, nil
}

// NewKeyBundle wraps an already parsed certificate
func NewKeyBundle(cert tls.Certificate) *KeyBundle {
	return &KeyBundle{
		config: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			NextProtos:   []string{"http/1.1"},
		},
	}
}

// Config returns the server-side TLS configuration
func (k *KeyBundle) Config() *tls.Config {
	return k.config
}
