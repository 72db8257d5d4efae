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

package plugin

import (
	"bytes"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/caddyserver/intercept/logging"
)

// Dispatcher runs a fixed, ordered plugin chain over a transaction. The
// order is the load order handed to New; the dispatcher never
// reorders or parallelizes plugin calls, since plugin i+1 must observe
// plugin i's mutations (see the coordinator's sequential contract).
type Dispatcher struct {
	plugins []Plugin
	debug   bool
	log     *logging.Logger
}

// New builds a Dispatcher over plugins in the given order. debug
// controls whether a plugin error beyond the control sentinels aborts
// the transaction (true) or is logged and swallowed (false), unifying
// request_handler and response_handler on the same policy.
func New(plugins []Plugin, debug bool, log *logging.Logger) *Dispatcher {
	return &Dispatcher{plugins: plugins, debug: debug, log: log}
}

// RunRequest feeds body through every plugin implementing
// RequestHandler, in order. It returns the possibly-rewritten body,
// whether any plugin altered the request (body or headers), and an
// error that is either nil, ErrDropConnection, ErrDontFetchResponse, or
// (only in debug mode) a plugin's own error.
func (d *Dispatcher) RunRequest(req *Request, body []byte) (out []byte, altered bool, err error) {
	out = body

	for _, p := range d.plugins {
		rh, ok := p.(RequestHandler)
		if !ok {
			continue
		}

		before := snapshotHeader(req.Header)
		result, herr := rh.HandleRequest(req, out)

		if herr != nil {
			if errors.Is(herr, ErrDropConnection) || errors.Is(herr, ErrDontFetchResponse) {
				return out, altered, herr
			}
			d.log.Error("request plugin error", zap.String("plugin", p.Name()), zap.Error(herr))
			if d.debug {
				return out, altered, herr
			}
			continue
		}

		if result != nil {
			if !bytes.Equal(result, out) {
				altered = true
			}
			out = result
		}

		if headerChanged(before, req.Header) {
			altered = true
		}
	}

	return out, altered, nil
}

// RunResponse feeds body through every plugin implementing
// ResponseHandler, in order, the same way RunRequest does for the
// request phase.
func (d *Dispatcher) RunResponse(req *Request, reqBody []byte, res *Response, body []byte) (out []byte, altered bool, err error) {
	out = body

	for _, p := range d.plugins {
		rh, ok := p.(ResponseHandler)
		if !ok {
			continue
		}

		before := snapshotHeader(res.Header)
		result, herr := rh.HandleResponse(req, reqBody, res, out)

		if herr != nil {
			d.log.Error("response plugin error", zap.String("plugin", p.Name()), zap.Error(herr))
			if d.debug {
				return out, altered, herr
			}
			continue
		}

		if result != nil {
			if !bytes.Equal(result, out) {
				altered = true
			}
			out = result
		}

		if headerChanged(before, res.Header) {
			altered = true
		}
	}

	if !altered {
		return body, false, nil
	}
	return out, true, nil
}

// snapshotHeader makes a shallow copy of h suitable for later diffing;
// http.Header.Clone is not used because nil-safety and cost are both
// trivial at this size and the copy is taken once per plugin call on
// the hot request path.
func snapshotHeader(h http.Header) http.Header {
	cp := make(http.Header, len(h))
	for k, v := range h {
		vv := make([]string, len(v))
		copy(vv, v)
		cp[k] = vv
	}
	return cp
}

// headerChanged reports whether after differs from before: any key
// added, removed, or with a changed value set. This is the Go
// equivalent of request_handler/response_handler's origheaders
// before/after comparison in proxyhandler.py.
func headerChanged(before, after http.Header) bool {
	if len(before) != len(after) {
		return true
	}
	for k, v := range before {
		av, ok := after[k]
		if !ok || len(av) != len(v) {
			return true
		}
		for i := range v {
			if v[i] != av[i] {
				return true
			}
		}
	}
	return false
}
