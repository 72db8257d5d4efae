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
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDo_BuffersResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	e := NewEngine(5 * time.Second)
	res, err := e.Do(OutboundRequest{Method: http.MethodGet, URL: srv.URL, Header: make(http.Header)})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, res.StatusCode)
	require.Equal(t, "yes", res.Header.Get("X-Test"))
	require.Equal(t, []byte("hello"), res.Body)
}

func TestDo_DoesNotAutoDecompressGzip(t *testing.T) {
	gzipped := []byte{0x1f, 0x8b, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0x4a, 0xce, 0xcf, 0x2b, 0x49, 0xcd, 0x2b, 0x1, 0x00, 0x21, 0xe8, 0x4, 0x93, 0x06, 0x00, 0x00, 0x00}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(gzipped)
	}))
	defer srv.Close()

	e := NewEngine(5 * time.Second)
	res, err := e.Do(OutboundRequest{Method: http.MethodGet, URL: srv.URL, Header: make(http.Header)})
	require.NoError(t, err)

	// Without Transport.DisableCompression, net/http would have silently
	// requested gzip itself, decompressed the body, and stripped this
	// header before the caller ever saw it.
	require.Equal(t, "gzip", res.Header.Get("Content-Encoding"))
	require.Equal(t, gzipped, res.Body)
}

func TestDo_RedirectsAreNotFollowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	e := NewEngine(5 * time.Second)
	res, err := e.Do(OutboundRequest{Method: http.MethodGet, URL: srv.URL, Header: make(http.Header)})
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, res.StatusCode)
	require.Equal(t, "/elsewhere", res.Header.Get("Location"))
}

func TestDo_UnreachableHostIsUpstreamUnreachable(t *testing.T) {
	e := NewEngine(200 * time.Millisecond)
	_, err := e.Do(OutboundRequest{Method: http.MethodGet, URL: "http://127.0.0.1:1", Header: make(http.Header)})
	require.ErrorIs(t, err, ErrUpstreamUnreachable)
}

func TestDo_ResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunk := make([]byte, 1024*1024)
		for written := 0; written < MaxResponseBytes+1024; written += len(chunk) {
			_, err := w.Write(chunk)
			if err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	e := NewEngine(30 * time.Second)
	_, err := e.Do(OutboundRequest{Method: http.MethodGet, URL: srv.URL, Header: make(http.Header)})
	require.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestDo_TimeoutBecomesUpstreamTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = io.WriteString(w, "too slow")
	}))
	defer srv.Close()

	e := NewEngine(20 * time.Millisecond)
	_, err := e.Do(OutboundRequest{Method: http.MethodGet, URL: srv.URL, Header: make(http.Header)})
	require.ErrorIs(t, err, ErrUpstreamTimeout)
}
