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

// Package proxyhttp wires the certificate issuer, plugin dispatcher,
// codec, and fetch engine into the end-to-end proxy request lifecycle:
// the CONNECT state machine and the per-request coordinator state
// machine, plus the server front-end that routes accepted connections
// to one or the other.
package proxyhttp

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caddyserver/intercept/codec"
	"github.com/caddyserver/intercept/config"
	"github.com/caddyserver/intercept/fetch"
	"github.com/caddyserver/intercept/logging"
	"github.com/caddyserver/intercept/plugin"
)

// ErrInvalidRequest is returned by validate when the request fails the
// printable-ASCII check and Options.AllowInvalid is false. It is never
// written to the client: the connection is just closed, matching
// isValidRequest's silent-drop contract.
var ErrInvalidRequest = errors.New("proxyhttp: invalid request")

// Coordinator owns the full per-transaction state machine: one
// instance is shared across a listener's lifetime and its methods
// operate on a fresh *transaction value per request, so the
// Coordinator itself holds only read-only collaborators.
type Coordinator struct {
	opts       config.Options
	dispatcher *plugin.Dispatcher
	engine     *fetch.Engine
	local      *fetch.LocalAddresses
	log        *logging.Logger
}

// NewCoordinator builds a Coordinator from its collaborators.
func NewCoordinator(opts config.Options, dispatcher *plugin.Dispatcher, engine *fetch.Engine, local *fetch.LocalAddresses, log *logging.Logger) *Coordinator {
	return &Coordinator{opts: opts, dispatcher: dispatcher, engine: engine, local: local, log: log}
}

// transaction is the mutable per-request state the coordinator's phases
// thread through, the Go analogue of proxyhandler.py's sprawl of local
// variables inside _my_handle_request collected into one struct.
type transaction struct {
	req  plugin.Request
	body []byte

	res      plugin.Response
	resBody  []byte // plaintext after DECODE_BODY
	wireBody []byte // wire-encoded bytes exactly as received from upstream, for byte-identical passthrough when nothing changed

	contentEncoding           string
	ignoreDecompressionErrors bool
	dontFetchResponse         bool
	noKeepAlive               bool
	originChanged             bool

	// log carries a "txn" correlation field unique to this transaction,
	// so every log line emitted while handling one request can be
	// grepped together the way context.go threads a module's ancestry
	// through its logger fields.
	log *logging.Logger
}

// Handle runs one request through the full lifecycle and writes the
// result (or an error status, or nothing at all for a silent-close
// outcome) to w. method/uri/header/body describe the inbound request
// exactly as received; isSSL and clientAddr describe the connection it
// arrived on. The returned bool reports whether the connection may be
// kept alive for a further request (false once a plugin demanded
// DropConnection or the client asked for Proxy-Connection: close).
func (c *Coordinator) Handle(w http.ResponseWriter, method, uri string, header http.Header, body []byte, isSSL bool, clientAddr, inboundOrigin string) (keepAlive bool) {
	tx := &transaction{
		req: plugin.Request{
			Method:         method,
			URI:            uri,
			Header:         header.Clone(),
			IsSSL:          isSSL,
			ClientAddr:     clientAddr,
			InboundOrigin:  inboundOrigin,
			OutboundOrigin: inboundOrigin,
		},
		body:            body,
		contentEncoding: codec.Identity,
		log:             c.log.With(zap.String("txn", uuid.NewString())),
	}

	if tx.req.Header.Get("Host") == "" {
		tx.req.Header.Set("Host", inboundOrigin)
	}
	if strings.EqualFold(header.Get("Proxy-Connection"), "close") {
		tx.noKeepAlive = true
	}

	tx.log.Info("request", zap.String("method", method), zap.String("uri", uri))

	if !c.opts.AllowInvalid {
		if err := validate(tx.req, tx.body); err != nil {
			tx.log.Debug("dropping invalid request", zap.String("client", clientAddr))
			return false
		}
	}

	if err := c.runRequestPlugins(tx); err != nil {
		switch {
		case errors.Is(err, plugin.ErrDropConnection):
			tx.log.Info("plugin dropped connection", zap.String("uri", uri))
			tx.noKeepAlive = true
			return false
		case errors.Is(err, plugin.ErrDontFetchResponse):
			tx.dontFetchResponse = true
			tx.noKeepAlive = true
			tx.res = plugin.Response{Header: make(http.Header)}
		default:
			tx.log.Error("request plugin aborted transaction", zap.Error(err))
			return false
		}
	}

	c.resolveTarget(tx)

	if !tx.dontFetchResponse {
		if c.checkLoop(tx) {
			writeError(w, http.StatusInternalServerError)
			return false
		}

		fres, ferr := c.fetchUpstream(tx)
		if ferr != nil {
			switch {
			case errors.Is(ferr, fetch.ErrUpstreamTimeout):
				// Silent close: no bytes written, matching the
				// RemoteDisconnected/"Read timed out" branch.
				return false
			case errors.Is(ferr, fetch.ErrResponseTooLarge):
				tx.log.Error("response exceeded size cap", zap.String("uri", uri))
				writeError(w, http.StatusBadGateway)
				return false
			default:
				tx.log.Error("upstream fetch failed", zap.Error(ferr))
				writeError(w, http.StatusBadGateway)
				return false
			}
		}

		tx.res = plugin.Response{
			StatusCode: fres.StatusCode,
			Reason:     strings.TrimPrefix(fres.Status, strconv.Itoa(fres.StatusCode)+" "),
			Proto:      fres.Proto,
			Header:     fres.Header.Clone(),
		}

		tx.contentEncoding = fres.Header.Get("Content-Encoding")
		if tx.contentEncoding == "" {
			tx.contentEncoding = codec.Identity
		}
		if tx.ignoreDecompressionErrors {
			tx.contentEncoding = codec.Identity
		}
		tx.wireBody = fres.Body
		tx.resBody = codec.Decode(tx.log, fres.Body, tx.contentEncoding)
	}

	resBody, altered, err := c.dispatcher.RunResponse(&tx.req, tx.body, &tx.res, tx.resBody)
	if err != nil {
		tx.log.Error("response plugin aborted transaction", zap.Error(err))
		return false
	}
	tx.resBody = resBody

	c.renegotiateEncoding(tx, altered)
	c.writeClient(w, tx)

	if tx.originChanged && c.opts.Debug && c.opts.Trace {
		tx.log.Trace("origin changed during transaction",
			zap.String("inbound", tx.req.InboundOrigin),
			zap.String("outbound", tx.req.OutboundOrigin))
	}

	return !tx.noKeepAlive
}

func validate(req plugin.Request, body []byte) error {
	if !isPrintableASCII(req.Method) || !isPrintableASCII(req.URI) {
		return ErrInvalidRequest
	}
	for name, values := range req.Header {
		if !isPrintableASCII(name) {
			return ErrInvalidRequest
		}
		for _, v := range values {
			if !isPrintableASCII(v) {
				return ErrInvalidRequest
			}
		}
	}
	return nil
}

func isPrintableASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func (c *Coordinator) runRequestPlugins(tx *transaction) error {
	out, altered, err := c.dispatcher.RunRequest(&tx.req, tx.body)
	if err != nil {
		return err
	}
	if altered {
		tx.body = out
		tx.req.Header.Del("Content-Length")
		tx.req.Header.Set("Content-Length", strconv.Itoa(len(tx.body)))
	}
	return nil
}

// resolveTarget implements RESOLVE_TARGET: if the plugin rewrote
// req.URI to an absolute URL whose authority differs from the inbound
// origin, that's a plugin-demanded redirection.
func (c *Coordinator) resolveTarget(tx *transaction) {
	if tx.req.URI == "" {
		tx.req.URI = "/"
	}

	u, err := url.Parse(tx.req.URI)
	if err == nil && u.Host != "" && u.Host != tx.req.InboundOrigin {
		tx.log.Info("plugin redirected request", zap.String("from", tx.req.InboundOrigin), zap.String("to", u.Host))
		tx.req.OutboundOrigin = u.Host
		tx.originChanged = true
		tx.req.URI = u.RequestURI()
	}

	if override := tx.req.Header.Get(c.opts.MetadataHeaders.OverrideHost); override != "" {
		tx.req.Header.Set("Host", override)
		tx.req.Header.Del(c.opts.MetadataHeaders.OverrideHost)
	}

	if tx.req.Header.Get(c.opts.MetadataHeaders.IgnoreResponseDecompressionErrors) != "" {
		tx.ignoreDecompressionErrors = true
		tx.req.Header.Del(c.opts.MetadataHeaders.IgnoreResponseDecompressionErrors)
	}

	stripMetadataHeaders(tx.req.Header, c.opts.MetadataHeaders)
}

// resolveHostIP resolves host (no port) to a single dotted-quad/IPv6
// string, the Go equivalent of socket.gethostbyname(outbound_origin).
// An unresolvable host falls back to the host string itself, matching
// the reference implementation's except-branch that uses the netloc
// verbatim when the lookup fails.
func resolveHostIP(host string) string {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return host
	}
	return addrs[0]
}

func (c *Coordinator) checkLoop(tx *transaction) bool {
	host := hostOnly(tx.req.OutboundOrigin)
	ip := resolveHostIP(host)
	if c.local.IsLoop(tx.req.InboundOrigin, tx.req.OutboundOrigin, ip) {
		tx.log.Error("reverse-proxy loop detected",
			zap.String("client", tx.req.ClientAddr),
			zap.String("method", tx.req.Method),
			zap.String("target", tx.req.OutboundOrigin))
		return true
	}
	return false
}

func (c *Coordinator) fetchUpstream(tx *transaction) (*fetch.Response, error) {
	scheme := "http"
	if tx.req.IsSSL {
		scheme = "https"
	}
	target := scheme + "://" + tx.req.OutboundOrigin + tx.req.URI

	return c.engine.Do(fetch.OutboundRequest{
		Method: tx.req.Method,
		URL:    target,
		Header: tx.req.Header,
		Body:   tx.body,
	})
}

// renegotiateEncoding implements RENEGOTIATE_ENC. tx.resBody is always the
// decoded plaintext at this point (DECODE_BODY ran before response
// plugins); re-encoding always starts from that plaintext rather than from
// a previously re-encoded buffer, so picking a different target encoding
// (an override, or an Accept-Encoding fallback) can never chain encoders on
// top of each other. When nothing actually changed — body untouched and
// the negotiated target is the same encoding the origin used — the exact
// wire bytes captured at fetch time are shipped instead of a decode/re-encode
// round-trip, preserving byte-identical passthrough.
func (c *Coordinator) renegotiateEncoding(tx *transaction, bodyAltered bool) {
	tx.res.Header.Del("Transfer-Encoding")

	target := c.negotiateEncoding(tx)

	if !bodyAltered && target == tx.contentEncoding {
		tx.resBody = tx.wireBody
	} else {
		tx.resBody = codec.Encode(tx.log, tx.resBody, target)
	}

	c.finalizeEncoding(tx, target)
}

// negotiateEncoding determines which content-encoding RENEGOTIATE_ENC
// should ship the response as, without touching tx.resBody.
func (c *Coordinator) negotiateEncoding(tx *transaction) string {
	if tx.ignoreDecompressionErrors {
		return tx.contentEncoding
	}

	accept := tx.req.Header.Get("Accept-Encoding")
	if accept == "" {
		return tx.contentEncoding
	}

	if override := tx.res.Header.Get(c.opts.MetadataHeaders.OverrideResponseContentEncoding); override != "" {
		tx.res.Header.Del(c.opts.MetadataHeaders.OverrideResponseContentEncoding)
		return override
	}

	accepted := splitAcceptEncoding(accept)
	if contains(accepted, tx.contentEncoding) {
		return tx.contentEncoding
	}

	for _, enc := range accepted {
		if codec.Supported(enc) {
			return enc
		}
	}

	tx.log.Error("no acceptable encoding could be negotiated, shipping response as-is",
		zap.String("server-encoding", tx.contentEncoding),
		zap.String("accept-encoding", accept))
	return tx.contentEncoding
}

func (c *Coordinator) finalizeEncoding(tx *transaction, enc string) {
	tx.res.Header.Del("Content-Length")
	tx.res.Header.Del("Content-Encoding")
	tx.res.Header.Set("Content-Length", strconv.Itoa(len(tx.resBody)))
	if enc != "" && enc != codec.Identity {
		tx.res.Header.Set("Content-Encoding", enc)
	}
}

// statusLineWriter is implemented by response writers that can emit a
// caller-chosen reason phrase; plain http.ResponseWriter.WriteHeader only
// accepts a status code and forces a canonical phrase, which would lose the
// upstream's own status line on passthrough.
type statusLineWriter interface {
	WriteStatusLine(status int, reason string)
}

func (c *Coordinator) writeClient(w http.ResponseWriter, tx *transaction) {
	stripHopByHop(tx.res.Header)
	stripMetadataHeaders(tx.res.Header, c.opts.MetadataHeaders)

	hdr := w.Header()
	for k, vs := range tx.res.Header {
		for _, v := range vs {
			hdr.Add(k, v)
		}
	}

	status := tx.res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	reason := tx.res.Reason
	if reason == "" {
		reason = http.StatusText(status)
	}

	if sw, ok := w.(statusLineWriter); ok {
		sw.WriteStatusLine(status, reason)
	} else {
		w.WriteHeader(status)
	}

	if _, err := w.Write(tx.resBody); err != nil {
		tx.log.Debug("write to client failed, dropping", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int) {
	w.WriteHeader(status)
}

func splitAcceptEncoding(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if i := strings.Index(p, ";"); i >= 0 {
			p = p[:i]
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
