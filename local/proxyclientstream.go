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
	"context"
	"fmt"
	"io"
	"net"

	"github.com/yewenyu/sslocal-go/shadowsocks"
)

// ProxyClientStream is a CryptoStream to an upstream Shadowsocks server
// with the target address lazily prepended to the first write, so the
// address header and the client's first payload bytes travel in the same
// encrypted chunk instead of a separate round trip (spec §4.3, §4.4).
type ProxyClientStream struct {
	*shadowsocks.CryptoStream
	target   shadowsocks.Address
	flowStat *FlowStat
}

// DialProxyClientStream dials server and wraps the connection in a
// ProxyClientStream targeting target. The address header is queued with
// LazyWrite, not sent immediately; it goes out with the first real Write
// or ReadFrom, or explicitly via Flush. svc supplies the connect options and
// the process-wide nonce cache that the stream's fresh salt/IV is checked
// against before use (spec §4.2).
func DialProxyClientStream(ctx context.Context, svc *ServiceContext, server ServerConfig, target shadowsocks.Address) (*ProxyClientStream, error) {
	kind, err := server.CipherKind()
	if err != nil {
		return nil, fmt.Errorf("sslocal: resolving cipher for server %q: %w", server.Name, err)
	}
	key := shadowsocks.DeriveKey(kind, server.Password)

	hostport := net.JoinHostPort(server.Host, fmt.Sprint(server.Port))
	conn, err := dialTCPWithOpts(ctx, hostport, svc.ConnectOpts)
	if err != nil {
		return nil, fmt.Errorf("sslocal: dialing server %q: %w", server.Name, err)
	}

	flowStat := NewFlowStat(svc.Metrics)
	counted := flowStat.WrapConn(conn)

	cs, err := shadowsocks.NewCryptoStream(counted, kind, key, shadowsocks.StreamClient)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if kind.Category() != shadowsocks.CategoryNone {
		cs.SetNonceGenerator(svc.GenerateNonce(kind))
	}
	pcs := &ProxyClientStream{CryptoStream: cs, target: target, flowStat: flowStat}
	header, err := target.AppendTo(nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := pcs.LazyWrite(header); err != nil {
		conn.Close()
		return nil, err
	}
	return pcs, nil
}

// Write sends p, prepended with the still-queued address header on the
// first call.
func (p *ProxyClientStream) Write(b []byte) (int, error) { return p.CryptoStream.Write(b) }

// ReadFrom copies from r, prepended with the still-queued address header
// on the first call — the zero-copy relay path (spec §4.7).
func (p *ProxyClientStream) ReadFrom(r io.Reader) (int64, error) { return p.CryptoStream.ReadFrom(r) }

// Target returns the destination address this stream was dialed for.
func (p *ProxyClientStream) Target() shadowsocks.Address { return p.target }

// FlowStat returns the byte counters tracking this stream's underlying
// connection, wrapped in ahead of the crypto layer so tx/rx are counted on
// the wire, not after decryption (spec §4.3, §4.6).
func (p *ProxyClientStream) FlowStat() *FlowStat { return p.flowStat }
