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
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.step.sm/crypto/pemutil"
)

// leafValidity is the validity period applied to every issued leaf
// certificate.
const leafValidity = 3650 * 24 * time.Hour

// ErrSignerUnavailable is returned when the CA key material needed to
// sign a new leaf isn't available on disk. It corresponds to
// generate_ssl_certificate's "no openssl tool installed" branch in the
// reference implementation, generalized to "the signing helper's inputs
// are missing" since this reimplementation signs in-process rather than
// shelling out to a CLI tool.
var ErrSignerUnavailable = errors.New("certauth: CA signer unavailable")

// Signer is the external X.509 signing helper: it owns the CA key
// material and is the only thing in the process allowed to touch it,
// so the issuer above it never sees a raw private key, mirroring how
// the reference implementation shells out to a separate openssl
// process for the same reason (isolating CA key handling from the
// request-serving code path).
type Signer struct {
	caCert  *x509.Certificate
	caKey   crypto.Signer
	leafKey crypto.Signer
}

// NewSigner loads the CA certificate and key, plus the shared leaf key
// that every issued certificate's SubjectPublicKeyInfo will carry, from
// the paths in the proxy's configuration. A missing or unreadable file
// is reported as ErrSignerUnavailable so the caller can respond by
// logging a user-visible error and letting the CONNECT handler answer
// 500, rather than crashing the process.
func NewSigner(caCertPath, caKeyPath, leafKeyPath string) (*Signer, error) {
	kp := KeyPair{Certificate: caCertPath, PrivateKey: caKeyPath}
	chain, caKey, err := kp.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}

	leafKey, err := LoadSigner(leafKeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}

	return &Signer{caCert: chain[0], caKey: caKey, leafKey: leafKey}, nil
}

// SignLeaf issues a new leaf certificate for hostname: CN=hostname,
// 3650-day validity, serial = current epoch-ms, signed by the CA. The
// epoch-ms serial and 3650-day validity are load-bearing constants, not
// arbitrary choices.
func (s *Signer) SignLeaf(hostname string, now time.Time) (pemBytes []byte, err error) {
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixMilli()),
		Subject:      pkix.Name{CommonName: hostname},
		DNSNames:     []string{hostname},
		NotBefore:    now,
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, s.caCert, s.leafKey.Public(), s.caKey)
	if err != nil {
		return nil, fmt.Errorf("signing leaf certificate for %q: %w", hostname, err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing freshly signed leaf certificate for %q: %w", hostname, err)
	}

	block, err := pemutil.Serialize(leaf)
	if err != nil {
		return nil, fmt.Errorf("encoding leaf certificate for %q: %w", hostname, err)
	}

	return pem.EncodeToMemory(block), nil
}
