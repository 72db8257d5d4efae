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

// Package interceptcmd is the CLI surface, a small cobra.Command tree:
// one root command, a "run" subcommand that starts the proxy in the
// foreground, and a "version" subcommand. Plugin loading/discovery and
// detached-process start/stop/reload commands are out of this core's
// scope.
package interceptcmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is overwritten at build time via -ldflags, kept as a plain
// var here since this module doesn't ship module-version introspection
// of its own.
var version = "dev"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "intercept",
		Short: "An intercepting HTTP/HTTPS forward proxy",
		Long: `intercept is a forward proxy that terminates client TLS with
dynamically issued per-host certificates, runs captured traffic through an
ordered chain of plugins, and forwards the (possibly rewritten) result to
the origin server.

Use 'intercept run --config <path>' to start the proxy in the foreground.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCommand())
	root.AddCommand(newVersionCommand())

	return root
}

// Main is the entry point invoked by main.go, mirroring
// caddycmd.Main()'s role as the one function main packages call.
func Main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
