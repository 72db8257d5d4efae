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

// Package config defines the proxy's configuration surface and how it is
// loaded from a TOML file and command-line flags.
package config

import "time"

// MetadataHeaders names the reserved header names the plugin protocol
// uses to communicate with the coordinator. These headers are never
// forwarded to the client. Names are configurable but globally fixed for
// the lifetime of the process.
type MetadataHeaders struct {
	OverrideHost                  string `toml:"override_host_header"`
	OverrideResponseContentEncoding string `toml:"override_response_content_encoding"`
	IgnoreResponseDecompressionErrors string `toml:"ignore_response_decompression_errors"`
}

// DefaultMetadataHeaders returns the header names used when a config does
// not override them, matching IProxyPlugin.proxy2_metadata_headers in the
// reference implementation this proxy's plugin protocol was modeled on.
func DefaultMetadataHeaders() MetadataHeaders {
	return MetadataHeaders{
		OverrideHost:                      "X-Intercept-Override-Host",
		OverrideResponseContentEncoding:   "X-Intercept-Override-Response-Encoding",
		IgnoreResponseDecompressionErrors: "X-Intercept-Ignore-Decompression-Errors",
	}
}

// Options is the immutable configuration value passed into every
// component at construction. There are no process-wide mutable
// singletons; Options is built once at startup and handed to the server,
// the plugin dispatcher, the certificate issuer, and the fetch engine.
type Options struct {
	// Bind is the address the proxy listens on, e.g. "0.0.0.0:8080".
	Bind string `toml:"bind"`

	// Timeout is applied to upstream fetches and to the CONNECT relay
	// splice loop.
	Timeout time.Duration `toml:"timeout"`

	// CertDir, CertKey, CACert, and CAKey are file paths for the
	// interception PKI: CertDir holds issued leaf certificates,
	// CertKey is the private key shared by all leaves, CACert/CAKey
	// are the root CA used to sign them.
	CertDir string `toml:"certdir"`
	CertKey string `toml:"certkey"`
	CACert  string `toml:"cacert"`
	CAKey   string `toml:"cakey"`

	// ProxySelfURL is the request path that serves the CA certificate
	// to clients that want to trust it.
	ProxySelfURL string `toml:"proxy_self_url"`

	// NoProxy disables CONNECT handling entirely.
	NoProxy bool `toml:"no_proxy"`

	// SSLIntercept enables TLS termination on CONNECT; when false, the
	// CONNECT handler blind-relays the tunnel instead.
	SSLIntercept bool `toml:"ssl_intercept"`

	// AllowInvalid disables the non-printable-character validation of
	// incoming requests.
	AllowInvalid bool `toml:"allow_invalid"`

	// Debug, Trace, and Verbose control diagnostic verbosity. Debug also
	// changes error-handling behavior: plugin exceptions are re-raised
	// (aborting the transaction) instead of logged and swallowed.
	Debug   bool `toml:"debug"`
	Trace   bool `toml:"trace"`
	Verbose bool `toml:"verbose"`

	// Log is the log sink: a file path, "stdout", "stderr", or "" for stderr.
	Log string `toml:"log"`
	// Tee also writes log output to stdout when Log is a file path.
	Tee bool `toml:"tee"`

	// MetadataHeaders names the reserved in-band control headers.
	MetadataHeaders MetadataHeaders `toml:"metadata_headers"`
}

// Default returns an Options value with the same defaults the reference
// implementation's option parser applies before layering a config file
// and flags on top.
func Default() Options {
	return Options{
		Bind:            "0.0.0.0:8080",
		Timeout:         5 * time.Second,
		CertDir:         "certs",
		CertKey:         "certs/leaf.key",
		CACert:          "certs/ca.crt",
		CAKey:           "certs/ca.key",
		ProxySelfURL:    "/intercept-ca.crt",
		SSLIntercept:    true,
		MetadataHeaders: DefaultMetadataHeaders(),
	}
}
