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
	"encoding/binary"
	"io"
	"net"

	"github.com/yewenyu/sslocal-go/metrics"
	"github.com/yewenyu/sslocal-go/shadowsocks"
)

// remoteStream is the minimal surface AutoProxyStream needs from either a
// direct (bypassed) dial or a ProxyClientStream, so the relay (spec §4.7)
// can treat both uniformly.
type remoteStream interface {
	io.Reader
	io.Writer
	io.ReaderFrom
	Close() error
	CloseWrite() error
	LocalAddr() net.Addr
	SetNodelay(bool) error
}

// directConn adapts a plain *net.TCPConn to remoteStream for the bypass
// path, which has no encryption layer to sit in front of it — net.TCPConn
// already implements ReadFrom via sendfile/splice where the OS supports
// it (relay.go's copy loop, spec §4.7), so no wrapping is needed beyond
// satisfying the interface.
type directConn struct{ *net.TCPConn }

// SetNodelay bridges *net.TCPConn's SetNoDelay to the SetNodelay name the
// rest of this package's streams use (spec §4.4).
func (d directConn) SetNodelay(enable bool) error { return d.TCPConn.SetNoDelay(enable) }

// AutoProxyStream picks, once per connection, whether a target address is
// dialed directly (bypassed) or relayed through an upstream Shadowsocks
// server (proxied), per the configured ACL (spec §4.5). When the target is
// the DNS port, it also sniffs in-flight DNS messages and feeds answers
// back into the ACL so a later data connection to a resolved IP inherits
// the bypass decision.
type AutoProxyStream struct {
	remoteStream
	bypassed bool
	target   shadowsocks.Address
	acl      ACL
	sniffDNS bool
	metrics  *metrics.Metrics
	// pending carries partial TCP-DNS length-prefixed data across Read
	// calls that split a message, mirroring readConverter's leftover
	// carry-over in the cipher framing code (shadowsocks/common.go).
	pending []byte
}

// DialAutoProxyStream decides bypass vs. proxy for target using svc.ACL,
// dials accordingly, and wraps the result. svc.ConnectOpts applies to both
// paths; svc.Servers is only consulted on the proxied path.
func DialAutoProxyStream(ctx context.Context, svc *ServiceContext, target shadowsocks.Address) (*AutoProxyStream, error) {
	bypassed := svc.ACL != nil && svc.ACL.IsBypassed(target)
	aps := &AutoProxyStream{
		bypassed: bypassed,
		target:   target,
		acl:      svc.ACL,
		sniffDNS: target.IsDNS(),
		metrics:  svc.Metrics,
	}

	if bypassed {
		conn, err := dialTCPWithOpts(ctx, target.String(), svc.ConnectOpts)
		if err != nil {
			return nil, err
		}
		aps.remoteStream = directConn{conn}
		if svc.Metrics != nil {
			svc.Metrics.BypassedConnections.Inc()
		}
		return aps, nil
	}

	var targetIP net.IP
	if target.IP != nil {
		targetIP = target.IP
	}
	var lastErr error
	for _, elem := range svc.Servers.Select(targetIP) {
		server := elem.Value.(*Server).Config
		pcs, err := DialProxyClientStream(ctx, svc, server, target)
		if err != nil {
			lastErr = err
			if svc.Metrics != nil {
				svc.Metrics.ServerConnectFailures.WithLabelValues(server.Name).Inc()
			}
			svc.Servers.ReportFailure(elem)
			continue
		}
		svc.Servers.ReportSuccess(elem, targetIP)
		aps.remoteStream = pcs
		if svc.Metrics != nil {
			svc.Metrics.ProxiedConnections.Inc()
		}
		return aps, nil
	}
	if lastErr == nil {
		lastErr = io.ErrUnexpectedEOF
	}
	return nil, lastErr
}

// Read decrypts/reads from the remote stream and, if this connection
// targets the DNS port, sniffs any complete TCP-DNS messages that pass
// through before returning the bytes to the caller.
func (a *AutoProxyStream) Read(p []byte) (int, error) {
	n, err := a.remoteStream.Read(p)
	if n > 0 && a.sniffDNS && a.acl != nil {
		a.sniff(p[:n])
	}
	return n, err
}

// sniff extracts complete length-prefixed DNS messages from newly-read
// bytes and feeds them to the ACL. TCP DNS messages are prefixed by a
// 2-byte big-endian length (RFC 1035 §4.2.2) — NOT a left-shift-by-2, a
// mistake the original implementation this module is grounded on made
// when reconstructing the prefix from its two bytes.
func (a *AutoProxyStream) sniff(b []byte) {
	a.pending = append(a.pending, b...)
	for {
		if len(a.pending) < 2 {
			return
		}
		msgLen := int(binary.BigEndian.Uint16(a.pending[:2]))
		if len(a.pending) < 2+msgLen {
			return
		}
		if a.metrics != nil {
			a.metrics.DNSSniffHits.Inc()
		}
		if a.acl.CheckDNSMessage(a.pending[2 : 2+msgLen]) {
			a.pending = a.pending[:0]
			return
		}
		a.pending = a.pending[2+msgLen:]
	}
}

// Bypassed reports whether this connection went out directly instead of
// through an upstream server.
func (a *AutoProxyStream) Bypassed() bool { return a.bypassed }

// splittable is the subset of shadowsocks.CryptoStream's API that Split
// needs; matched by *ProxyClientStream (via embedding) but not by
// directConn, which has no crypto layer underneath it.
type splittable interface {
	Split() (*shadowsocks.ReadHalf, *shadowsocks.WriteHalf)
}

// Split exposes the proxied path's independent read/write halves (spec
// §6's into_split), when there are any to expose. Because remoteStream is
// embedded as an interface value, Go only promotes methods remoteStream
// itself declares — not Split, which only *ProxyClientStream's underlying
// *shadowsocks.CryptoStream happens to have — so it has to be
// re-exposed explicitly here via a type assertion on the concrete value
// the interface holds, the same pattern local/flowstat.go's statConn uses
// for CloseWrite/CloseRead/SetNoDelay. On the bypassed path, where
// remoteStream is a plain directConn, and on a DNS-sniffing stream, whose
// reads must go through Read to be sniffed, this returns (nil, nil) and the
// caller (relay.go's splitReadWriter) falls back to sharing the stream.
func (a *AutoProxyStream) Split() (*shadowsocks.ReadHalf, *shadowsocks.WriteHalf) {
	if a.sniffDNS && a.acl != nil {
		return nil, nil
	}
	if s, ok := a.remoteStream.(splittable); ok {
		return s.Split()
	}
	return nil, nil
}

// IsProxied reports whether this connection was relayed through an
// upstream server rather than dialed directly — the negation of Bypassed,
// constant for the lifetime of the stream (spec §4.4, §6, §8).
func (a *AutoProxyStream) IsProxied() bool { return !a.bypassed }

// Target returns the destination address this stream was opened for.
func (a *AutoProxyStream) Target() shadowsocks.Address { return a.target }
