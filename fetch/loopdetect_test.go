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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsLoop_SameOriginLocalIP(t *testing.T) {
	l := DetectLocalAddresses("127.0.0.1:8080")
	require.True(t, l.IsLoop("example.com:8080", "example.com:8080", "127.0.0.1"))
}

func TestIsLoop_SameOriginRemoteIP(t *testing.T) {
	l := DetectLocalAddresses("127.0.0.1:8080")
	require.False(t, l.IsLoop("example.com:8080", "example.com:8080", "93.184.216.34"))
}

func TestIsLoop_DifferentOrigin(t *testing.T) {
	l := DetectLocalAddresses("127.0.0.1:8080")
	require.False(t, l.IsLoop("example.com:8080", "other.example.com:8080", "127.0.0.1"))
}

func TestIsLoop_CaseInsensitiveOriginComparison(t *testing.T) {
	l := DetectLocalAddresses("127.0.0.1:8080")
	require.True(t, l.IsLoop("Example.COM:8080", "example.com:8080", "127.0.0.1"))
}

func TestDetectLocalAddresses_ExplicitBindIsLocal(t *testing.T) {
	l := DetectLocalAddresses("10.9.8.7:8080")
	require.True(t, l.Contains("10.9.8.7"))
}
