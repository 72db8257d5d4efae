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
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/caddyserver/intercept/certauth"
	"github.com/caddyserver/intercept/config"
	"github.com/caddyserver/intercept/logging"
)

const relayChunkSize = 8 * 1024

// ConnectHandler chooses intercept vs. blind relay for a CONNECT
// target and, in intercept mode, hands the now-cleartext connection
// back to the caller to be parsed as ordinary HTTP/1.1 requests by the
// server front-end.
type ConnectHandler struct {
	opts   config.Options
	issuer Issuer
	log    *logging.Logger
}

// Issuer is the subset of *certauth.Issuer the CONNECT handler needs,
// named here so connect_test.go can supply a fake without pulling in
// real certificate signing.
type Issuer interface {
	EnsureLeaf(hostname string) string
}

var _ Issuer = (*certauth.Issuer)(nil)

// NewConnectHandler builds a ConnectHandler.
func NewConnectHandler(opts config.Options, issuer Issuer, log *logging.Logger) *ConnectHandler {
	return &ConnectHandler{opts: opts, issuer: issuer, log: log}
}

// Result reports what the CONNECT handler did with the raw connection.
type Result struct {
	// Intercepted is true when conn (now TLS-wrapped) should be parsed
	// as cleartext HTTP/1.1 requests by the caller.
	Intercepted bool
	// Conn is the connection to keep reading from: the TLS-wrapped
	// connection in intercept mode, nil otherwise (relay mode owns and
	// closes the raw connection itself; unsupported mode closes it too).
	Conn net.Conn
	// NoKeepAlive mirrors the reference implementation's
	// connection.no_keep_alive flag.
	NoKeepAlive bool
}

// Handle processes one CONNECT request for target ("host:port") read
// from conn, with connHeaders the request's own headers (for
// Proxy-Connection). The caller owns conn's lifecycle except where
// Result documents otherwise.
func (h *ConnectHandler) Handle(conn net.Conn, target string, connHeaders map[string]string) Result {
	if h.opts.NoProxy {
		h.log.Debug("CONNECT rejected: no_proxy is set")
		writeStatusLine(conn, 501, "Not Implemented")
		conn.Close()
		return Result{}
	}

	if h.opts.SSLIntercept {
		return h.intercept(conn, target, connHeaders)
	}
	return h.relay(conn, target)
}

func (h *ConnectHandler) intercept(conn net.Conn, target string, connHeaders map[string]string) Result {
	hostname := hostOnly(target)
	h.log.Debug("CONNECT intercepted", zap.String("target", target))

	certPath := h.issuer.EnsureLeaf(hostname)
	if certPath == "" {
		writeStatusLine(conn, 500, "Internal Server Error")
		conn.Close()
		return Result{}
	}

	writeStatusLine(conn, 200, "Connection Established")

	cert, err := tls.LoadX509KeyPair(certPath, h.opts.CertKey)
	if err != nil {
		h.log.Error("loading leaf certificate", zap.String("host", hostname), zap.Error(err))
		writeStatusLine(conn, 502, "Bad Gateway")
		conn.Close()
		return Result{}
	}

	tlsConn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{cert}})
	if err := tlsConn.Handshake(); err != nil {
		// The 200 response has already gone out on the cleartext
		// connection; there is no cleartext channel left to report
		// failure on, so the only signal left is resetting the
		// connection. This ordering mirrors connect_intercept's
		// try/except around ssl.wrap_socket.
		h.log.Error("TLS handshake with client failed", zap.String("host", hostname), zap.Error(err))
		tlsConn.Close()
		return Result{}
	}

	noKeepAlive := false
	if strings.EqualFold(connHeaders["Proxy-Connection"], "close") {
		noKeepAlive = true
	}

	return Result{Intercepted: true, Conn: tlsConn, NoKeepAlive: noKeepAlive}
}

func (h *ConnectHandler) relay(conn net.Conn, target string) Result {
	addr := defaultPort(target, "443")
	h.log.Debug("CONNECT relaying", zap.String("target", addr))

	upstream, err := net.DialTimeout("tcp", addr, h.opts.Timeout)
	if err != nil {
		h.log.Error("could not relay connection", zap.String("target", addr), zap.Error(err))
		writeStatusLine(conn, 502, "Bad Gateway")
		conn.Close()
		return Result{}
	}

	writeStatusLine(conn, 200, "Connection Established")

	noKeepAlive := splice(conn, upstream, h.opts.Timeout, h.log)

	conn.Close()
	upstream.Close()

	return Result{NoKeepAlive: noKeepAlive}
}

// splice copies data bidirectionally between a and b in relayChunkSize
// chunks until either side closes or the configured timeout elapses on
// both sides simultaneously. Go has no portable select()-style
// readiness multiplexer over two arbitrary net.Conns, so each
// direction's blocking read uses its own SetReadDeadline and runs in
// its own goroutine, adopting the same per-goroutine io.Copy idiom
// reverseproxy.go uses on its websocket-hijack path, the other place
// true per-connection concurrency is unavoidable.
func splice(a, b net.Conn, timeout time.Duration, log *logging.Logger) (noKeepAlive bool) {
	done := make(chan bool, 2)
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())

	copyDirection := func(dst, src net.Conn) {
		buf := make([]byte, relayChunkSize)
		for {
			if timeout > 0 {
				_ = src.SetReadDeadline(time.Now().Add(timeout))
			}
			n, err := src.Read(buf)
			if n > 0 {
				lastActivity.Store(time.Now().UnixNano())
				if _, werr := dst.Write(buf[:n]); werr != nil {
					done <- false
					return
				}
			}
			if err != nil {
				// A deadline on this side alone does not end the splice
				// while the other direction has moved data within timeout.
				if ne, ok := err.(net.Error); ok && ne.Timeout() && time.Since(time.Unix(0, lastActivity.Load())) < timeout {
					continue
				}
				done <- isGracefulClose(err)
				return
			}
		}
	}

	go copyDirection(b, a)
	go copyDirection(a, b)

	first := <-done
	return first
}

// isGracefulClose reports whether err represents the peer simply
// closing its side (EOF), the case that arms no_keep_alive the way an
// empty recv() does in connect_relay, as opposed to a timeout or reset
// which ends the splice without that flag.
func isGracefulClose(err error) bool {
	return err == io.EOF
}

func hostOnly(target string) string {
	if h, _, err := net.SplitHostPort(target); err == nil {
		return h
	}
	return target
}

// defaultPort appends def as the port when target's port component is
// missing, empty, or literally "0", the Go equivalent of
// `int(address[1]) or 443` in connect_relay.
func defaultPort(target, def string) string {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return net.JoinHostPort(target, def)
	}
	if port == "" || port == "0" {
		return net.JoinHostPort(host, def)
	}
	if n, err := strconv.Atoi(port); err == nil && n == 0 {
		return net.JoinHostPort(host, def)
	}
	return target
}

func writeStatusLine(w io.Writer, code int, reason string) {
	bw := bufio.NewWriter(w)
	_, _ = bw.WriteString("HTTP/1.1 " + strconv.Itoa(code) + " " + reason + "\r\n\r\n")
	_ = bw.Flush()
}
