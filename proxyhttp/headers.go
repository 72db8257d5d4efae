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
	"strings"

	"github.com/caddyserver/intercept/config"
)

// hopHeaders are stripped before a message crosses the proxy boundary,
// per RFC 2616 §13.5.1. Table lifted from reverseproxy.go's hopHeaders,
// with Proxy-Connection kept for the same non-standard-but-common
// reason noted there.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHop removes the fixed hop-by-hop header set, plus any
// header named in the message's own Connection value (the per-request
// hop-by-hop extension RFC 2616 §14.10 describes), from h.
func stripHopByHop(h http.Header) {
	if c := h.Get("Connection"); c != "" {
		for _, f := range strings.Split(c, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}

	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// stripMetadataHeaders removes the reserved plugin-protocol header
// names from h so they never reach the client or the origin. Unlike
// hopHeaders, this set is configurable (config.MetadataHeaders), not a
// literal switch.
func stripMetadataHeaders(h http.Header, names config.MetadataHeaders) {
	h.Del(names.OverrideHost)
	h.Del(names.OverrideResponseContentEncoding)
	h.Del(names.IgnoreResponseDecompressionErrors)
}
