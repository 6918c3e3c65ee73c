// Package certs manages the interception CA. The CA is generated once per
// installation and reused; sandboxes trust its certificate so the proxy can
// terminate their TLS connections.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	certFile = "sentinel-ca-cert.pem"
	keyFile  = "sentinel-ca-key.pem"

	caValidity = 10 * 365 * 24 * time.Hour
)

// CertPath returns where the CA certificate lives inside dir
func CertPath(dir string) string {
	return filepath.Join(dir, certFile)
}

// KeyPath returns where the CA private key lives inside dir
func KeyPath(dir string) string {
	return filepath.Join(dir, keyFile)
}

// ExistingCertPath returns the CA certificate path if it has been generated
func ExistingCertPath(dir string) (string, bool) {
	path := CertPath(dir)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// LoadOrCreate loads the CA key pair from dir, generating and persisting a
// new one if none exists. created reports whether generation happened.
func LoadOrCreate(dir string) (ca tls.Certificate, created bool, err error) {
	_, certErr := os.Stat(CertPath(dir))
	_, keyErr := os.Stat(KeyPath(dir))

	switch {
	case certErr == nil && keyErr == nil:
		ca, err = load(dir)
		return ca, false, err
	case errors.Is(certErr, os.ErrNotExist) && errors.Is(keyErr, os.ErrNotExist):
		ca, err = generate(dir)
		return ca, err == nil, err
	case certErr != nil && !errors.Is(certErr, os.ErrNotExist):
		return tls.Certificate{}, false, fmt.Errorf("failed to stat CA certificate: %w", certErr)
	case keyErr != nil && !errors.Is(keyErr, os.ErrNotExist):
		return tls.Certificate{}, false, fmt.Errorf("failed to stat CA key: %w", keyErr)
	default:
		return tls.Certificate{}, false, fmt.Errorf("incomplete CA in %s: certificate and key must both exist", dir)
	}
}

func load(dir string) (tls.Certificate, error) {
	ca, err := tls.LoadX509KeyPair(CertPath(dir), KeyPath(dir))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load CA: %w", err)
	}
	ca.Leaf, err = x509.ParseCertificate(ca.Certificate[0])
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	if !ca.Leaf.IsCA {
		return tls.Certificate{}, fmt.Errorf("certificate in %s is not a CA", dir)
	}
	return ca, nil
}

func generate(dir string) (tls.Certificate, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create CA dir: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "egress-sentinel interception CA",
			Organization: []string{"egress-sentinel"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to encode CA key: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(KeyPath(dir), keyPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to write CA key: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(CertPath(dir), certPEM, 0o644); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to write CA certificate: %w", err)
	}

	ca, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to assemble CA: %w", err)
	}
	ca.Leaf, err = x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	return ca, nil
}

// CertPEM returns the PEM-encoded certificate of ca
func CertPEM(ca tls.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Certificate[0]})
}
