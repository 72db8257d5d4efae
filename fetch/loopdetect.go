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

package fetch

import (
	"net"
	"strings"
)

// LocalAddresses is the set of addresses this process considers "itself"
// for loop detection: every interface address, the loopback addresses,
// and the configured bind address. It is computed once at startup,
// unlike proxyhandler.py's get_ip(), which re-resolves
// socket.gethostbyname(socket.gethostname()) on every call, a pattern
// that is flaky in containers with no registered hostname. Enumerating
// interfaces directly and caching the result is the supplemented fix
// pulled from reading the original source.
type LocalAddresses struct {
	set map[string]struct{}
}

// DetectLocalAddresses enumerates this host's local addresses plus bind.
// It never returns an error: a failure to enumerate interfaces degrades
// to just the loopback addresses and bind, rather than aborting startup.
func DetectLocalAddresses(bind string) *LocalAddresses {
	set := map[string]struct{}{
		"127.0.0.1": {},
		"::1":       {},
	}

	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			ip, _, err := net.ParseCIDR(a.String())
			if err != nil {
				continue
			}
			set[ip.String()] = struct{}{}
		}
	}

	if host := stripPort(bind); host != "" && !isWildcard(host) {
		set[host] = struct{}{}
	} else if outbound := primaryOutboundIP(); outbound != "" {
		// bind is a wildcard address (0.0.0.0, ::, or empty): fall back
		// to the UDP-dial trick for the primary outbound IP, mirroring
		// get_ip()'s own fallback when no specific bind address pins
		// down an interface.
		set[outbound] = struct{}{}
	}

	return &LocalAddresses{set: set}
}

// NewLocalAddresses builds a LocalAddresses from an explicit address
// list, bypassing interface enumeration. Tests that need a controlled
// notion of "local" without depending on the host's real network
// configuration use this instead of DetectLocalAddresses.
func NewLocalAddresses(addrs ...string) *LocalAddresses {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		set[a] = struct{}{}
	}
	return &LocalAddresses{set: set}
}

// Contains reports whether ip (a string form, as returned by net.IP.String)
// is one of this process's local addresses.
func (l *LocalAddresses) Contains(ip string) bool {
	_, ok := l.set[ip]
	return ok
}

// IsLoop reports whether a request would loop back into this proxy:
// the outbound origin equals the inbound origin AND the resolved
// outbound IP is local.
func (l *LocalAddresses) IsLoop(inboundOrigin, outboundOrigin, resolvedOutboundIP string) bool {
	if !strings.EqualFold(inboundOrigin, outboundOrigin) {
		return false
	}
	return l.Contains(resolvedOutboundIP)
}

func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func isWildcard(host string) bool {
	return host == "" || host == "0.0.0.0" || host == "::"
}

// primaryOutboundIP dials a UDP "connection" (no packets sent) to a
// public address purely to ask the kernel which local interface would
// be used, the same trick get_ip() falls back to when no hostname
// resolves locally.
func primaryOutboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}
