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

// Package certauth implements the interception PKI: issuing per-host
// leaf certificates signed by a configured root CA, and serving that CA
// certificate to clients that want to trust it.
package certauth

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"os"

	"go.step.sm/crypto/pemutil"
)

// KeyPair loads a certificate (or chain) and an optional private key
// from PEM files on disk, the way modules/caddypki.KeyPair does:
// Certificate is required, PrivateKey is optional (a certificate-only
// KeyPair yields just the chain; a certificate+key KeyPair is how
// NewSigner reads the CA and its signer). The shared leaf key has no
// certificate and is read with LoadSigner instead.
type KeyPair struct {
	Certificate string
	PrivateKey  string
}

// Load parses the certificate chain and, if PrivateKey is set, the
// signer that matches the chain's leaf certificate.
func (kp KeyPair) Load() (chain []*x509.Certificate, signer crypto.Signer, err error) {
	raw, err := os.ReadFile(kp.Certificate)
	if err != nil {
		return nil, nil, fmt.Errorf("reading certificate %q: %w", kp.Certificate, err)
	}
	certs, err := pemutil.ParseCertificateBundle(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing certificate %q: %w", kp.Certificate, err)
	}
	if len(certs) == 0 {
		return nil, nil, fmt.Errorf("no certificates found in %q", kp.Certificate)
	}

	if kp.PrivateKey == "" {
		return certs, nil, nil
	}

	key, err := pemutil.Read(kp.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("reading private key %q: %w", kp.PrivateKey, err)
	}
	s, ok := key.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("key in %q is not usable as a signer", kp.PrivateKey)
	}

	return certs, s, nil
}

// LoadSigner reads a bare private key PEM file and returns it as a
// crypto.Signer, with no accompanying certificate. This is how the
// shared leaf key (one key, reused as the subject key for every issued
// host certificate) is loaded.
func LoadSigner(path string) (crypto.Signer, error) {
	key, err := pemutil.Read(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key %q: %w", path, err)
	}
	s, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key in %q is not usable as a signer", path)
	}
	return s, nil
}
