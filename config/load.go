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

package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// Load builds an Options value starting from Default(), layering a TOML
// config file on top if path is non-empty, then layering flag overrides
// from fs on top of that: file values set the baseline, explicitly-set
// flags win.
func Load(path string, fs *pflag.FlagSet) (Options, error) {
	opts := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &opts); err != nil {
			return Options{}, fmt.Errorf("loading config file %q: %w", path, err)
		}
	}

	if fs != nil {
		applyFlagOverrides(&opts, fs)
	}

	if opts.MetadataHeaders == (MetadataHeaders{}) {
		opts.MetadataHeaders = DefaultMetadataHeaders()
	}

	return opts, nil
}

func applyFlagOverrides(opts *Options, fs *pflag.FlagSet) {
	visit := func(name string, assign func(string)) {
		if fs.Changed(name) {
			if v, err := fs.GetString(name); err == nil {
				assign(v)
			}
		}
	}
	visit("bind", func(v string) { opts.Bind = v })
	visit("certdir", func(v string) { opts.CertDir = v })
	visit("certkey", func(v string) { opts.CertKey = v })
	visit("cacert", func(v string) { opts.CACert = v })
	visit("cakey", func(v string) { opts.CAKey = v })
	visit("proxy-self-url", func(v string) { opts.ProxySelfURL = v })
	visit("log", func(v string) { opts.Log = v })

	if fs.Changed("timeout") {
		if v, err := fs.GetDuration("timeout"); err == nil {
			opts.Timeout = v
		}
	}
	if fs.Changed("no-proxy") {
		if v, err := fs.GetBool("no-proxy"); err == nil {
			opts.NoProxy = v
		}
	}
	if fs.Changed("ssl-intercept") {
		if v, err := fs.GetBool("ssl-intercept"); err == nil {
			opts.SSLIntercept = v
		}
	}
	if fs.Changed("allow-invalid") {
		if v, err := fs.GetBool("allow-invalid"); err == nil {
			opts.AllowInvalid = v
		}
	}
	if fs.Changed("debug") {
		if v, err := fs.GetBool("debug"); err == nil {
			opts.Debug = v
		}
	}
	if fs.Changed("trace") {
		if v, err := fs.GetBool("trace"); err == nil {
			opts.Trace = v
		}
	}
	if fs.Changed("verbose") {
		if v, err := fs.GetBool("verbose"); err == nil {
			opts.Verbose = v
		}
	}
	if fs.Changed("tee") {
		if v, err := fs.GetBool("tee"); err == nil {
			opts.Tee = v
		}
	}
}
