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

// Package plugin defines the traffic-inspection plugin contract and the
// dispatcher that runs an ordered chain of plugins over a transaction,
// the Go-native replacement for proxyhandler.py's getattr-probed
// request_handler/response_handler methods.
package plugin

import (
	"errors"
	"net/http"
)

// ErrDropConnection is returned by a plugin's HandleRequest to signal
// that the transaction must end with zero response bytes written to the
// client. It is a tagged return variant, not a panic: the dispatcher
// switches on it with errors.Is the same way it would any other
// sentinel, rather than the reference implementation's raised
// IProxyPlugin.DropConnectionException.
var ErrDropConnection = errors.New("plugin: drop connection")

// ErrDontFetchResponse is returned by a plugin's HandleRequest to signal
// that the coordinator must skip the upstream fetch entirely and run
// response-phase plugins against a synthetic empty response, which
// later plugins are expected to populate.
var ErrDontFetchResponse = errors.New("plugin: don't fetch response")

// Request is the mutable per-transaction request state plugins observe
// and rewrite. It mirrors the coordinator's own request record rather
// than wrapping *http.Request directly, since plugins need to see and
// change the outbound_origin/inbound_origin distinction the coordinator
// tracks (see proxyhttp's transaction type).
type Request struct {
	Method         string
	URI            string
	Header         http.Header
	IsSSL          bool
	ClientAddr     string
	InboundOrigin  string
	OutboundOrigin string
}

// Response is the mutable per-transaction response record plugins
// observe and rewrite during the response phase.
type Response struct {
	StatusCode int
	Reason     string
	Proto      string
	Header     http.Header
}

// Plugin is the minimal contract every plugin satisfies. Plugins
// implement RequestHandler and/or ResponseHandler to actually
// participate in a phase; a Plugin implementing neither is loaded but
// never invoked, matching the reference implementation's behavior of
// silently skipping a plugin missing both methods.
type Plugin interface {
	// Name identifies the plugin in logs, replacing proxyhandler.py's
	// use of the plugin's registered dict key for the same purpose.
	Name() string
}

// RequestHandler is implemented by plugins that want to inspect or
// rewrite the request body before it is fetched. Returning
// ErrDropConnection or ErrDontFetchResponse (optionally wrapped) invokes
// the matching control flow in the dispatcher; any other non-nil error
// is logged and swallowed unless running in debug mode.
type RequestHandler interface {
	HandleRequest(req *Request, body []byte) ([]byte, error)
}

// ResponseHandler is implemented by plugins that want to inspect or
// rewrite the response body after fetch (or after a DontFetchResponse
// short-circuit).
type ResponseHandler interface {
	HandleResponse(req *Request, reqBody []byte, res *Response, body []byte) ([]byte, error)
}
