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

// Package fetch performs the outbound request to the origin server:
// one *http.Client per Engine, TLS verification and redirects both
// disabled, response bodies capped and fully buffered. It is the Go
// analogue of _my_handle_request's urllib3/requests call in
// proxyhandler.py, generalized into its own component.
package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// MaxResponseBytes is the hard per-response size cap.
const MaxResponseBytes = 150 * 1024 * 1024

// ErrUpstreamUnreachable means the TCP connection to the origin could
// not be established at all (DNS failure, connection refused, TLS
// dial failure). The coordinator answers 502.
var ErrUpstreamUnreachable = errors.New("fetch: upstream unreachable")

// ErrUpstreamTimeout means the origin accepted the connection but then
// either closed it mid-response or failed to respond within the
// configured timeout. The coordinator's response is a silent close, no
// bytes written, mirroring the RemoteDisconnected/"Read timed out"
// branch in _my_handle_request.
var ErrUpstreamTimeout = errors.New("fetch: upstream timeout")

// ErrResponseTooLarge means the origin's response body exceeded
// MaxResponseBytes.
var ErrResponseTooLarge = errors.New("fetch: response too large")

// OutboundRequest is everything Do needs to build and perform one
// outbound HTTP request.
type OutboundRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the fully-buffered result of an outbound fetch.
type Response struct {
	StatusCode int
	Status     string
	Proto      string
	Header     http.Header
	Body       []byte
}

// Engine performs outbound fetches with a fixed timeout.
type Engine struct {
	client *http.Client
}

// NewEngine builds an Engine whose *http.Client never verifies upstream
// TLS certificates and never follows redirects, so responses from
// intercepted origins are captured even when their certificate wouldn't
// otherwise validate. InsecureSkipVerify is set on a Transport scoped to
// this one Engine's Client, never on a package-level tls.Config, so no
// other part of the process inherits relaxed verification.
func NewEngine(timeout time.Duration) *Engine {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // intentional: this proxy intercepts and re-terminates TLS by design
		Proxy:           nil,
		// Transport otherwise auto-requests gzip and transparently
		// decompresses it, stripping Content-Encoding before this engine
		// ever sees it. DECODE_BODY/RENEGOTIATE_ENC need the origin's
		// actual Content-Encoding intact to round-trip it, so automatic
		// compression handling is disabled here.
		DisableCompression: true,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &Engine{client: client}
}

// Do performs req and returns the fully-buffered response, or one of
// ErrUpstreamUnreachable / ErrUpstreamTimeout / ErrResponseTooLarge.
func (e *Engine) Do(req OutboundRequest) (*Response, error) {
	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequest(req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrUpstreamUnreachable, err)
	}
	httpReq.Header = req.Header.Clone()
	// net/http excludes Host from the header map it writes to the wire
	// (reqWriteExcludeHeader) and sends Request.Host/URL.Host instead, so
	// an overridden Host header (e.g. from override_host_header) has to be
	// copied onto Request.Host explicitly or it's silently dropped.
	if h := httpReq.Header.Get("Host"); h != "" {
		httpReq.Host = h
	}

	res, err := e.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, ErrUpstreamTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	defer res.Body.Close()

	limited := io.LimitReader(res.Body, MaxResponseBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		if isTimeout(err) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrUpstreamTimeout
		}
		return nil, fmt.Errorf("%w: reading response: %v", ErrUpstreamUnreachable, err)
	}
	if len(body) > MaxResponseBytes {
		return nil, ErrResponseTooLarge
	}

	return &Response{
		StatusCode: res.StatusCode,
		Status:     res.Status,
		Proto:      res.Proto,
		Header:     res.Header,
		Body:       body,
	}, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
