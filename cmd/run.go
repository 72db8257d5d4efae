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

package interceptcmd

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caddyserver/intercept/certauth"
	"github.com/caddyserver/intercept/config"
	"github.com/caddyserver/intercept/fetch"
	"github.com/caddyserver/intercept/logging"
	"github.com/caddyserver/intercept/plugin"
	"github.com/caddyserver/intercept/proxyhttp"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Starts the proxy in the foreground",
		Long: `Starts the proxy in the foreground, blocking until it is interrupted.
Configuration is loaded from the file given by --config, if any, then
layered with any flags explicitly set on the command line.`,
	}

	fs := cmd.Flags()
	fs.String("config", "", "Path to a TOML configuration file")
	fs.String("bind", "", "Address to listen on, e.g. 0.0.0.0:8080")
	fs.Duration("timeout", 0, "Socket timeout applied to upstream and relay connections")
	fs.String("certdir", "", "Directory holding issued leaf certificates")
	fs.String("certkey", "", "Shared private key used by every issued leaf certificate")
	fs.String("cacert", "", "Root CA certificate used to sign leaves")
	fs.String("cakey", "", "Root CA private key used to sign leaves")
	fs.String("proxy-self-url", "", "Request path that serves the CA certificate to clients")
	fs.Bool("no-proxy", false, "Disable CONNECT handling entirely")
	fs.Bool("ssl-intercept", false, "Terminate client TLS on CONNECT instead of blind-relaying")
	fs.Bool("allow-invalid", false, "Disable the non-printable-character request validation")
	fs.Bool("debug", false, "Re-raise plugin errors instead of logging and swallowing them")
	fs.Bool("trace", false, "Enable trace-level log output")
	fs.Bool("verbose", false, "Use human-friendly console log encoding instead of JSON")
	fs.String("log", "", "Log sink: a file path, \"stdout\", \"stderr\", or empty for stderr")
	fs.Bool("tee", false, "Also write log output to stdout when --log is a file")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		configPath, _ := fs.GetString("config")
		opts, err := config.Load(configPath, fs)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		return runServer(opts)
	}

	return cmd
}

// runServer wires every collaborator the proxy needs at runtime: codec,
// issuer, dispatcher, fetch engine, loop detector, coordinator, CONNECT
// handler, into a Server and blocks serving connections. Plugin
// loading/discovery is out of this core's scope: the plugin list here
// is empty, ready for an external loader to populate before this
// function is reached in a fuller distribution.
func runServer(opts config.Options) error {
	log := logging.New(logging.Config{
		Path:    opts.Log,
		Tee:     opts.Tee,
		Verbose: opts.Verbose,
		Trace:   opts.Trace,
	})
	defer func() { _ = log.Sync() }()

	var plugins []plugin.Plugin
	dispatcher := plugin.New(plugins, opts.Debug, log)
	engine := fetch.NewEngine(opts.Timeout)
	local := fetch.DetectLocalAddresses(opts.Bind)
	coordinator := proxyhttp.NewCoordinator(opts, dispatcher, engine, local, log)

	var connectHandler *proxyhttp.ConnectHandler
	if opts.SSLIntercept {
		signer, err := certauth.NewSigner(opts.CACert, opts.CAKey, opts.CertKey)
		if err != nil {
			log.Error("CA signer unavailable, leaf issuance will fail until key material is present", zap.Error(err))
		}
		issuer := certauth.NewIssuer(opts.CertDir, signer, log)
		connectHandler = proxyhttp.NewConnectHandler(opts, issuer, log)
	} else {
		connectHandler = proxyhttp.NewConnectHandler(opts, noopIssuer{}, log)
	}

	server := proxyhttp.NewServer(opts, coordinator, connectHandler, log)

	ln, err := net.Listen("tcp", opts.Bind)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", opts.Bind, err)
	}
	log.Info("proxy listening", zap.String("bind", opts.Bind), zap.Bool("ssl_intercept", opts.SSLIntercept))

	return server.Serve(ln)
}

// noopIssuer stands in for certauth.Issuer when SSLIntercept is
// disabled: relay mode never calls EnsureLeaf, but ConnectHandler still
// needs an Issuer value to construct.
type noopIssuer struct{}

func (noopIssuer) EnsureLeaf(hostname string) string { return "" }
