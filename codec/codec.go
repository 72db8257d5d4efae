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

// Package codec implements the content-encoding round-trip the proxy
// needs to decode an origin response, let plugins operate on plaintext,
// and re-encode it to match what the client asked for. It mirrors the
// shape of Caddy's modules/caddyhttp/encode package (one encoder per
// wire format) but is a single small table rather than a modular
// registry, since the supported set is fixed by the HTTP spec rather
// than user-configurable.
package codec

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"go.uber.org/zap"

	"github.com/caddyserver/intercept/logging"
)

// Supported content-encoding tokens. Renegotiation follows the order of
// the client's Accept-Encoding list, not the order of these constants.
const (
	Identity = "identity"
	Gzip     = "gzip"
	XGzip    = "x-gzip"
	Deflate  = "deflate"
	Brotli   = "br"
)

// Supported reports whether enc is one of the encodings this codec
// knows how to handle natively (used when renegotiating encoding
// against a client's Accept-Encoding list).
func Supported(enc string) bool {
	switch enc {
	case Identity, Gzip, XGzip, Deflate, Brotli:
		return true
	}
	return false
}

// Decode decodes data according to enc. Decode errors on gzip or brotli
// input return the original bytes unchanged and log the failure; they
// are never propagated as a hard error the caller must special-case,
// matching decode_content_body's try/except-return-original behavior in
// the reference implementation.
func Decode(log *logging.Logger, data []byte, enc string) []byte {
	switch enc {
	case "", Identity:
		return data

	case Gzip, XGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			log.Error("gzip decode failed, passing through raw bytes", zap.Error(err))
			return data
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			log.Error("gzip decode failed, passing through raw bytes", zap.Error(err))
			return data
		}
		return out

	case Deflate:
		return decodeDeflate(log, data)

	case Brotli:
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
		if err != nil {
			log.Error("brotli decode failed, passing through raw bytes", zap.Error(err))
			return data
		}
		return out

	default:
		log.Error("unknown content-encoding on decode, passing through raw bytes", zap.String("encoding", enc))
		return data
	}
}

// decodeDeflate tries the zlib-wrapped framing first; on a framing
// error it retries as raw DEFLATE (negative window-bits convention),
// since some origins send deflate without the zlib header despite the
// name. This double-attempt is the one deliberately tolerant case in
// the codec, required by spec.
func decodeDeflate(log *logging.Logger, data []byte) []byte {
	if r, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
		defer r.Close()
		if out, err := io.ReadAll(r); err == nil {
			return out
		}
	}

	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		log.Error("deflate decode failed in both zlib and raw framing, passing through raw bytes", zap.Error(err))
		return data
	}
	return out
}

// Encode encodes data according to enc. Unlike Decode, it never falls
// back silently on brotli failure without a caller-visible signal
// beyond the log line, matching encode_content_body's behavior: the
// reference implementation logs and returns the (possibly unencoded)
// data rather than raising. Deflate encoding always uses the
// zlib-wrapped form; only decode tolerates the raw variant.
func Encode(log *logging.Logger, data []byte, enc string) []byte {
	switch enc {
	case "", Identity:
		return data

	case Gzip, XGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		_, _ = w.Write(data)
		_ = w.Close()
		return buf.Bytes()

	case Deflate:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		_, _ = w.Write(data)
		_ = w.Close()
		return buf.Bytes()

	case Brotli:
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			log.Error("brotli encode failed, shipping unencoded content", zap.Error(err))
			return data
		}
		if err := w.Close(); err != nil {
			log.Error("brotli encode failed, shipping unencoded content", zap.Error(err))
			return data
		}
		return buf.Bytes()

	default:
		log.Error("unknown content-encoding on encode, shipping content unchanged", zap.String("encoding", enc))
		return data
	}
}
