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
	"io"
	"net"
	"net/http"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/caddyserver/intercept/config"
	"github.com/caddyserver/intercept/logging"
)

// Server is the front-end: it accepts connections and dispatches each
// HTTP method to the coordinator, routing CONNECT to the connect
// handler before any plugin logic runs. Unlike caddyhttp's
// module-routed ServeMux, net/http's own server type rejects
// non-standard methods like PROPFIND and hijacks CONNECT on its own
// terms, so the front-end reads and writes HTTP/1.1 directly off the
// accepted net.Conn, the same listener-owns-the-bytes style listen.go
// and listen_unix.go use for their raw net.Listener plumbing, just
// without the pooled/shareable-listener machinery this single-process
// proxy doesn't need.
type Server struct {
	opts        config.Options
	coordinator *Coordinator
	connect     *ConnectHandler
	log         *logging.Logger
}

// NewServer builds a Server from its collaborators.
func NewServer(opts config.Options, coordinator *Coordinator, connect *ConnectHandler, log *logging.Logger) *Server {
	return &Server{opts: opts, coordinator: coordinator, connect: connect, log: log}
}

// Serve accepts connections from ln until it returns an error (e.g. the
// listener is closed), handling each on its own goroutine, one logical
// task per connection.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// handleConn processes every transaction arriving on one accepted
// connection sequentially (no pipelining), looping as long as the
// coordinator or CONNECT handler report the connection may be kept
// alive. A CONNECT that intercepts swaps in the TLS-wrapped connection
// and keeps looping against it; a CONNECT that relays or is rejected
// ends the loop, since that path owns and closes the raw connection
// itself.
func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic while handling connection, closing it", zap.Any("panic", r))
		}
		conn.Close()
	}()

	isSSL := false
	// br is hoisted above the loop: http.ReadRequest reads ahead into its
	// own internal buffer, and a fresh bufio.Reader per iteration would
	// discard whatever of a following keep-alive request it already
	// buffered. It's only rebuilt when conn itself is swapped for the
	// TLS-wrapped connection after an intercepted CONNECT, since that's a
	// different net.Conn with nothing buffered yet.
	br := bufio.NewReader(conn)

	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}

		if req.Method == http.MethodConnect {
			connHeaders := map[string]string{
				"Proxy-Connection": req.Header.Get("Proxy-Connection"),
			}
			result := s.connect.Handle(conn, req.RequestURI, connHeaders)
			if !result.Intercepted {
				return
			}
			conn = result.Conn
			isSSL = true
			br = bufio.NewReader(conn)
			if result.NoKeepAlive {
				return
			}
			continue
		}

		keepAlive := s.serveOne(conn, req, isSSL)
		if !keepAlive {
			return
		}
	}
}

// serveOne handles exactly one non-CONNECT request already parsed off
// conn, writing its response directly back to conn and reporting
// whether the connection may carry a further request. isSSL reflects
// whether conn is the TLS-wrapped connection swapped in by a prior
// intercepted CONNECT on this same accepted connection, since req.TLS
// is never populated here: requests are parsed directly with
// http.ReadRequest rather than through net/http's own TLS-aware server
// loop.
func (s *Server) serveOne(conn net.Conn, req *http.Request, isSSL bool) bool {
	body, err := readBody(req)
	if err != nil {
		s.log.Debug("dropping request with unreadable body", zap.Error(err))
		return false
	}

	if s.opts.ProxySelfURL != "" && req.Method == http.MethodGet && req.URL.Path == s.opts.ProxySelfURL {
		return s.serveCACert(conn)
	}

	inboundOrigin := req.Host
	if inboundOrigin == "" {
		inboundOrigin = req.Header.Get("Host")
	}

	w := newConnWriter(conn)
	keepAlive := s.coordinator.Handle(w, req.Method, req.RequestURI, req.Header, body, isSSL, conn.RemoteAddr().String(), inboundOrigin)
	w.flush()
	return keepAlive
}

// serveCACert implements the client-facing CA export: GET
// <ProxySelfURL> returns the configured CA certificate file verbatim
// with Connection: close, the Go equivalent of send_cacert().
func (s *Server) serveCACert(conn net.Conn) bool {
	data, err := os.ReadFile(s.opts.CACert)
	if err != nil {
		s.log.Error("could not read CA certificate for export", zap.String("path", s.opts.CACert), zap.Error(err))
		writeStatusLine(conn, http.StatusInternalServerError, "Internal Server Error")
		return false
	}

	bw := bufio.NewWriter(conn)
	_, _ = bw.WriteString("HTTP/1.1 200 OK\r\n")
	_, _ = bw.WriteString("Content-Type: application/x-x509-ca-cert\r\n")
	_, _ = bw.WriteString("Content-Length: " + strconv.Itoa(len(data)) + "\r\n")
	_, _ = bw.WriteString("Connection: close\r\n\r\n")
	_, _ = bw.Write(data)
	_ = bw.Flush()
	return false
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

// connWriter is a minimal http.ResponseWriter over a raw net.Conn, used
// because the front-end parses requests itself rather than running
// inside net/http's own server loop. Responses are fully buffered
// end-to-end, so there is no need for Flusher/chunked-transfer support.
type connWriter struct {
	conn   net.Conn
	bw     *bufio.Writer
	header http.Header
	status int
	wrote  bool
}

func newConnWriter(conn net.Conn) *connWriter {
	return &connWriter{conn: conn, bw: bufio.NewWriter(conn), header: make(http.Header)}
}

func (w *connWriter) Header() http.Header { return w.header }

// WriteHeader satisfies http.ResponseWriter with the canonical reason
// phrase for status; callers that have the upstream's own reason phrase
// (the coordinator does, via tx.res.Reason) use WriteStatusLine instead so
// that phrase survives onto the wire rather than being replaced.
func (w *connWriter) WriteHeader(status int) {
	w.WriteStatusLine(status, http.StatusText(status))
}

// WriteStatusLine is the statusLineWriter hook coordinator.writeClient
// uses to preserve the exact status line the origin sent.
func (w *connWriter) WriteStatusLine(status int, reason string) {
	if w.wrote {
		return
	}
	w.wrote = true
	w.status = status

	if reason == "" {
		reason = http.StatusText(status)
	}
	_, _ = w.bw.WriteString("HTTP/1.1 " + strconv.Itoa(status) + " " + reason + "\r\n")
	for k, vs := range w.header {
		for _, v := range vs {
			_, _ = w.bw.WriteString(k + ": " + v + "\r\n")
		}
	}
	_, _ = w.bw.WriteString("\r\n")
}

func (w *connWriter) Write(p []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.bw.Write(p)
}

func (w *connWriter) flush() {
	_ = w.bw.Flush()
}

var _ http.ResponseWriter = (*connWriter)(nil)
var _ statusLineWriter = (*connWriter)(nil)
