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
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caddyserver/intercept/codec"
	"github.com/caddyserver/intercept/config"
	"github.com/caddyserver/intercept/fetch"
	"github.com/caddyserver/intercept/logging"
	"github.com/caddyserver/intercept/plugin"
)

// newTestCoordinator wires a Coordinator with no addresses considered
// local, so tests that fetch from an httptest.Server (necessarily
// loopback-bound) aren't themselves mistaken for a reverse-proxy loop.
// TestHandle_LoopDetection constructs its own local-address set instead.
func newTestCoordinator(t *testing.T, origin *httptest.Server, plugins []plugin.Plugin, opts config.Options) *Coordinator {
	t.Helper()
	engine := fetch.NewEngine(5 * time.Second)
	disp := plugin.New(plugins, opts.Debug, logging.Discard())
	return NewCoordinator(opts, disp, engine, fetch.NewLocalAddresses(), logging.Discard())
}

// originAuthority returns origin's host:port, the form the
// coordinator expects in OutboundOrigin.
func originAuthority(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Host
}

func TestHandle_CleartextPassthrough(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer origin.Close()

	opts := config.Default()
	c := newTestCoordinator(t, origin, nil, opts)

	rec := httptest.NewRecorder()
	keepAlive := c.Handle(rec, http.MethodGet, "/x", make(http.Header), nil, false, "client:1", originAuthority(t, origin))

	require.True(t, keepAlive)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello", rec.Body.String())
}

// bodyReplacePlugin replaces the response plaintext outright during the
// response phase.
type bodyReplacePlugin struct{ body string }

func (b *bodyReplacePlugin) Name() string { return "body-replace" }
func (b *bodyReplacePlugin) HandleResponse(req *plugin.Request, reqBody []byte, res *plugin.Response, body []byte) ([]byte, error) {
	return []byte(b.body), nil
}

func TestHandle_BrotliMutation(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(codec.Encode(logging.Discard(), []byte(`{"a":1}`), codec.Gzip))
	}))
	defer origin.Close()

	opts := config.Default()
	c := newTestCoordinator(t, origin, []plugin.Plugin{&bodyReplacePlugin{body: `{"a":1,"b":2}`}}, opts)

	reqHeader := make(http.Header)
	reqHeader.Set("Accept-Encoding", "br")

	rec := httptest.NewRecorder()
	keepAlive := c.Handle(rec, http.MethodGet, "/", reqHeader, nil, false, "client:1", originAuthority(t, origin))
	require.True(t, keepAlive)

	require.Equal(t, "br", rec.Header().Get("Content-Encoding"))
	decoded := codec.Decode(logging.Discard(), rec.Body.Bytes(), codec.Brotli)
	require.JSONEq(t, `{"a":1,"b":2}`, string(decoded))
}

func TestHandle_LoopDetection(t *testing.T) {
	opts := config.Default()

	engine := fetch.NewEngine(5 * time.Second)
	disp := plugin.New(nil, opts.Debug, logging.Discard())
	local := fetch.NewLocalAddresses("127.0.0.1")
	c := NewCoordinator(opts, disp, engine, local, logging.Discard())

	rec := httptest.NewRecorder()
	keepAlive := c.Handle(rec, http.MethodGet, "/", make(http.Header), nil, false, "client:1", "127.0.0.1:8080")

	require.False(t, keepAlive)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandle_HostOverride(t *testing.T) {
	var sawHost string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawHost = r.Host
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	opts := config.Default()
	c := newTestCoordinator(t, origin, nil, opts)

	// overrideHost is deliberately distinct from the URL authority the
	// fetch actually dials (the httptest server's own address, passed as
	// inboundOrigin below): only the transmitted Host header should
	// change, not the network target.
	const overrideHost = "real.test"
	reqHeader := make(http.Header)
	reqHeader.Set("Host", "visible.test")
	reqHeader.Set(opts.MetadataHeaders.OverrideHost, overrideHost)

	rec := httptest.NewRecorder()
	c.Handle(rec, http.MethodGet, "/", reqHeader, nil, false, "client:1", originAuthority(t, origin))

	require.Equal(t, overrideHost, sawHost)
	require.NotEqual(t, originAuthority(t, origin), sawHost)
	require.Empty(t, rec.Header().Get(opts.MetadataHeaders.OverrideHost))
}

type dropPlugin struct{}

func (d *dropPlugin) Name() string { return "dropper" }
func (d *dropPlugin) HandleRequest(req *plugin.Request, body []byte) ([]byte, error) {
	return nil, plugin.ErrDropConnection
}

func TestHandle_PluginDrop(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should never be contacted once a plugin drops the connection")
	}))
	defer origin.Close()

	opts := config.Default()
	c := newTestCoordinator(t, origin, []plugin.Plugin{&dropPlugin{}}, opts)

	rec := httptest.NewRecorder()
	keepAlive := c.Handle(rec, http.MethodGet, "/", make(http.Header), nil, false, "client:1", originAuthority(t, origin))

	require.False(t, keepAlive)
	require.Equal(t, 0, rec.Body.Len())
}

type dontFetchPlugin struct{}

func (d *dontFetchPlugin) Name() string { return "dontfetch" }
func (d *dontFetchPlugin) HandleRequest(req *plugin.Request, body []byte) ([]byte, error) {
	return nil, plugin.ErrDontFetchResponse
}
func (d *dontFetchPlugin) HandleResponse(req *plugin.Request, reqBody []byte, res *plugin.Response, body []byte) ([]byte, error) {
	res.StatusCode = http.StatusTeapot
	return []byte("synthetic"), nil
}

func TestHandle_DontFetchResponse(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should never be contacted on DontFetchResponse")
	}))
	defer origin.Close()

	opts := config.Default()
	c := newTestCoordinator(t, origin, []plugin.Plugin{&dontFetchPlugin{}}, opts)

	rec := httptest.NewRecorder()
	c.Handle(rec, http.MethodGet, "/", make(http.Header), nil, false, "client:1", originAuthority(t, origin))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, "synthetic", rec.Body.String())
}
