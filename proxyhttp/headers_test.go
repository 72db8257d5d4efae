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

package proxyhttp

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caddyserver/intercept/config"
)

func TestStripHopByHop_RemovesFixedSet(t *testing.T) {
	h := make(http.Header)
	h.Set("Connection", "keep-alive")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Proxy-Authenticate", "Basic")
	h.Set("Content-Type", "text/plain")

	stripHopByHop(h)

	require.Empty(t, h.Get("Connection"))
	require.Empty(t, h.Get("Keep-Alive"))
	require.Empty(t, h.Get("Proxy-Authenticate"))
	require.Equal(t, "text/plain", h.Get("Content-Type"))
}

func TestStripHopByHop_HonorsConnectionNamedExtension(t *testing.T) {
	h := make(http.Header)
	h.Set("Connection", "X-Custom-Hop")
	h.Set("X-Custom-Hop", "should be removed")
	h.Set("X-Keep", "should stay")

	stripHopByHop(h)

	require.Empty(t, h.Get("X-Custom-Hop"))
	require.Equal(t, "should stay", h.Get("X-Keep"))
}

func TestStripMetadataHeaders(t *testing.T) {
	names := config.DefaultMetadataHeaders()
	h := make(http.Header)
	h.Set(names.OverrideHost, "internal.example.com")
	h.Set(names.OverrideResponseContentEncoding, "identity")
	h.Set(names.IgnoreResponseDecompressionErrors, "1")
	h.Set("X-Keep", "yes")

	stripMetadataHeaders(h, names)

	require.Empty(t, h.Get(names.OverrideHost))
	require.Empty(t, h.Get(names.OverrideResponseContentEncoding))
	require.Empty(t, h.Get(names.IgnoreResponseDecompressionErrors))
	require.Equal(t, "yes", h.Get("X-Keep"))
}
