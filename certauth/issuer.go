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
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caddyserver/intercept/logging"
)

// Issuer hands out a PEM leaf certificate path for any hostname the
// CONNECT handler intercepts, minting one on first request and reusing
// it on every later request for the same host. This mirrors
// generate_ssl_certificate's behavior of caching issued certificates
// under a directory keyed by hostname, rather than signing fresh on
// every connection.
type Issuer struct {
	dir    string
	signer *Signer
	log    *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewIssuer constructs an Issuer that caches certificates under dir and
// signs new ones with signer.
func NewIssuer(dir string, signer *Signer, log *logging.Logger) *Issuer {
	return &Issuer{
		dir:    dir,
		signer: signer,
		log:    log,
		locks:  make(map[string]*sync.Mutex),
	}
}

// EnsureLeaf returns the filesystem path to a PEM certificate for
// hostname, signing and caching one if this is the first time hostname
// has been seen. A cached, non-empty certificate is reused with no expiry check,
// a deliberate match of the reference implementation's behavior, not
// an oversight. A signing failure (missing CA key material, any
// error from the signer) is logged and reported as an empty path rather
// than a Go error, mirroring generate_ssl_certificate's `return ''`: the
// CONNECT handler only needs to ask "did I get a path" to decide whether
// to answer 500.
//
// Concurrent first-requests for the same hostname block on each other
// rather than racing to sign and write the same file twice; concurrent
// requests for different hostnames never contend.
func (iss *Issuer) EnsureLeaf(hostname string) string {
	path := iss.certPath(hostname)

	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		return path
	}

	hostLock := iss.lockFor(hostname)
	hostLock.Lock()
	defer hostLock.Unlock()

	// Re-check: another goroutine may have finished issuance while we
	// were waiting on hostLock.
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		return path
	}

	if iss.signer == nil {
		iss.log.Error("no CA signer available, cannot issue leaf certificate", zap.String("host", hostname))
		return ""
	}

	pemBytes, err := iss.signer.SignLeaf(hostname, time.Now())
	if err != nil {
		iss.log.Error("failed to sign leaf certificate", zap.String("host", hostname), zap.Error(err))
		return ""
	}

	if err := os.MkdirAll(iss.dir, 0o755); err != nil {
		iss.log.Error("failed to create certificate directory", zap.String("dir", iss.dir), zap.Error(err))
		return ""
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, pemBytes, 0o644); err != nil {
		iss.log.Error("failed to write leaf certificate", zap.String("host", hostname), zap.Error(err))
		return ""
	}
	if err := os.Rename(tmp, path); err != nil {
		iss.log.Error("failed to install leaf certificate", zap.String("host", hostname), zap.Error(err))
		return ""
	}

	iss.log.Debug("issued leaf certificate", zap.String("host", hostname), zap.String("path", path))
	return path
}

func (iss *Issuer) certPath(hostname string) string {
	return filepath.Join(iss.dir, hostname+".crt")
}

// lockFor returns the per-hostname mutex used to serialize first-issue,
// creating it on first use. The map itself is guarded by iss.mu, but
// the returned mutex is held by the caller outside of that guard so
// unrelated hostnames never block each other.
func (iss *Issuer) lockFor(hostname string) *sync.Mutex {
	iss.mu.Lock()
	defer iss.mu.Unlock()

	l, ok := iss.locks[hostname]
	if !ok {
		l = &sync.Mutex{}
		iss.locks[hostname] = l
	}
	return l
}
