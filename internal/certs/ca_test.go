package certs

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ca")

	_, ok := ExistingCertPath(dir)
	assert.False(t, ok, "no certificate before first start")

	ca, created, err := LoadOrCreate(dir)
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, ca.Leaf)
	assert.True(t, ca.Leaf.IsCA)

	path, ok := ExistingCertPath(dir)
	require.True(t, ok)
	assert.Equal(t, CertPath(dir), path)

	info, err := os.Stat(KeyPath(dir))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, created, err := LoadOrCreate(dir)
	require.NoError(t, err)
	assert.False(t, created, "existing CA is reused")
	assert.Equal(t, ca.Certificate[0], again.Certificate[0])
}

func TestLoadOrCreateIncomplete(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(CertPath(dir), []byte("not a cert"), 0o644))

	_, _, err := LoadOrCreate(dir)
	assert.Error(t, err)
}

func TestCertPEM(t *testing.T) {
	ca, _, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	block, _ := pem.Decode(CertPEM(ca))
	require.NotNil(t, block)
	assert.Equal(t, "CERTIFICATE", block.Type)

	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "egress-sentinel interception CA", cert.Subject.CommonName)
}
