// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package certauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caddyserver/intercept/logging"
)

// writeTestCA generates a throwaway self-signed CA and a leaf signer
// key, writes them as PEM files under dir, and returns their paths.
func writeTestCA(t *testing.T, dir string) (caCertPath, caKeyPath, leafKeyPath string) {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour * 24 * 365),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, caKey.Public(), caKey)
	require.NoError(t, err)

	caCertPath = filepath.Join(dir, "ca.crt")
	require.NoError(t, os.WriteFile(caCertPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))

	caKeyDER, err := x509.MarshalECPrivateKey(caKey)
	require.NoError(t, err)
	caKeyPath = filepath.Join(dir, "ca.key")
	require.NoError(t, os.WriteFile(caKeyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: caKeyDER}), 0o600))

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafKeyDER, err := x509.MarshalECPrivateKey(leafKey)
	require.NoError(t, err)
	leafKeyPath = filepath.Join(dir, "leaf.key")
	require.NoError(t, os.WriteFile(leafKeyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: leafKeyDER}), 0o600))

	return caCertPath, caKeyPath, leafKeyPath
}

func TestEnsureLeaf_IssuesAndReuses(t *testing.T) {
	dir := t.TempDir()
	caCert, caKey, leafKey := writeTestCA(t, dir)

	signer, err := NewSigner(caCert, caKey, leafKey)
	require.NoError(t, err)

	certDir := filepath.Join(dir, "certs")
	iss := NewIssuer(certDir, signer, logging.Discard())

	path := iss.EnsureLeaf("example.com")
	require.NotEmpty(t, path)
	require.FileExists(t, path)

	first, err := os.ReadFile(path)
	require.NoError(t, err)

	// Second call for the same hostname must not re-sign: file contents
	// are untouched.
	path2 := iss.EnsureLeaf("example.com")
	require.Equal(t, path, path2)
	second, err := os.ReadFile(path2)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestEnsureLeaf_DifferentHostsDoNotCollide(t *testing.T) {
	dir := t.TempDir()
	caCert, caKey, leafKey := writeTestCA(t, dir)
	signer, err := NewSigner(caCert, caKey, leafKey)
	require.NoError(t, err)

	iss := NewIssuer(filepath.Join(dir, "certs"), signer, logging.Discard())

	a := iss.EnsureLeaf("a.example.com")
	b := iss.EnsureLeaf("b.example.com")
	require.NotEmpty(t, a)
	require.NotEmpty(t, b)
	require.NotEqual(t, a, b)
}

func TestEnsureLeaf_ConcurrentFirstIssueIsSerialized(t *testing.T) {
	dir := t.TempDir()
	caCert, caKey, leafKey := writeTestCA(t, dir)
	signer, err := NewSigner(caCert, caKey, leafKey)
	require.NoError(t, err)

	iss := NewIssuer(filepath.Join(dir, "certs"), signer, logging.Discard())

	var wg sync.WaitGroup
	paths := make([]string, 8)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i] = iss.EnsureLeaf("race.example.com")
		}(i)
	}
	wg.Wait()

	for _, p := range paths {
		require.Equal(t, paths[0], p)
		require.NotEmpty(t, p)
	}
}

func TestEnsureLeaf_SignerFailureReturnsEmptyPath(t *testing.T) {
	dir := t.TempDir()
	caCert, caKey, leafKey := writeTestCA(t, dir)
	signer, err := NewSigner(caCert, caKey, leafKey)
	require.NoError(t, err)

	// Corrupt the signer's CA key so every sign attempt fails, without
	// touching the filesystem cert-cache path (the pristine signer only
	// supplies the CA certificate and leaf key; the issuer gets a copy
	// whose CA key is nil, so x509.CreateCertificate rejects it).
	badSigner := &Signer{caCert: signer.caCert, caKey: nil, leafKey: signer.leafKey}

	iss := NewIssuer(filepath.Join(dir, "certs"), badSigner, logging.Discard())
	path := iss.EnsureLeaf("broken.example.com")
	require.Empty(t, path)
}
