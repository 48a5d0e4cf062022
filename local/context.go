// Copyright 2018 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package local

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/yewenyu/sslocal-go/metrics"
	"github.com/yewenyu/sslocal-go/shadowsocks"
	"github.com/yewenyu/sslocal-go/shadowsocks/noncecache"
)

// ServiceContext bundles the pieces every accepted connection needs,
// built once at startup and shared read-only (its members are themselves
// safe for concurrent use) across every connection goroutine — the
// teacher's shadowsocks server keeps an analogous per-listener bundle of
// cipher list, metrics and replay cache.
type ServiceContext struct {
	Servers     *ServerList
	ACL         ACL
	ConnectOpts ConnectOptions
	NonceCache  *noncecache.Cache
	Metrics     *metrics.Metrics
	Geo         *GeoLookup
}

// NewServiceContext builds a ServiceContext from a parsed LocalConfig. acl
// and geo may be nil (no bypass rules configured / no GeoIP database
// configured, respectively); metrics must not be nil.
func NewServiceContext(cfg *LocalConfig, acl ACL, geo *GeoLookup, m *metrics.Metrics) (*ServiceContext, error) {
	servers := NewServerList()
	for _, sc := range cfg.Servers {
		servers.PushBack(sc)
	}
	cacheSize := cfg.NonceCacheSize
	if cacheSize <= 0 {
		cacheSize = 1 << 20
	}
	return &ServiceContext{
		Servers:     servers,
		ACL:         acl,
		ConnectOpts: DefaultConnectOptions(),
		NonceCache:  noncecache.New(cacheSize),
		Metrics:     m,
		Geo:         geo,
	}, nil
}

// GenerateNonce returns a closure suitable for CryptoStream.SetNonceGenerator:
// it draws a fresh crypto/rand IV/salt of the length kind requires, and —
// when s.NonceCache is non-nil — checks it against the salts generated
// process-wide recently (the cache remembers at least the last
// NonceCacheSize of them), redrawing on the astronomically unlikely event of a
// collision (spec §4.2, context.generate_nonce check_repeat=true). The
// cache's entries are a fixed 32 bytes wide; shorter salts are zero-padded,
// which changes nothing about what counts as a collision since the padding
// is a fixed, deterministic suffix.
func (s *ServiceContext) GenerateNonce(kind shadowsocks.CipherKind) func() ([]byte, error) {
	return func() ([]byte, error) {
		for {
			nonce := make([]byte, kind.IVOrSaltLen())
			if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
				return nil, fmt.Errorf("sslocal: generating nonce: %w", err)
			}
			if s.NonceCache == nil {
				return nonce, nil
			}
			var key [noncecache.NonceLen]byte
			copy(key[:], nonce)
			added, err := s.NonceCache.Add(key)
			if err != nil {
				return nil, fmt.Errorf("sslocal: checking nonce cache: %w", err)
			}
			if added {
				return nonce, nil
			}
			if s.Metrics != nil {
				s.Metrics.ReplayRejections.Inc()
			}
		}
	}
}
