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
	"net"
	"time"
)

// ConnectOptions tunes how ProxyClientStream dials an upstream server,
// mirroring the socket-level knobs tuanha1305's ssDialer.DialTCP exposes
// plus the ones named in spec §5 (concurrency & resource model): TCP
// nodelay is always on (Shadowsocks frames are latency-sensitive), and a
// connect timeout bounds how long a dial may block a relay goroutine.
type ConnectOptions struct {
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

// DefaultConnectOptions matches the teacher's dialer defaults: disable
// Nagle's algorithm, keep TCP keepalives on, and give a dial a bounded
// amount of time before giving up so one unreachable server can't stall
// the local listener's accept loop (spec §5).
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{ConnectTimeout: 10 * time.Second, KeepAlive: 30 * time.Second}
}

// dialTCPWithOpts dials addr with opts applied, setting TCP_NODELAY once
// connected (spec §4.3, ProxyClientStream "nodelay enabled before use").
func dialTCPWithOpts(ctx context.Context, addr string, opts ConnectOptions) (*net.TCPConn, error) {
	dialer := net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: opts.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tcpConn := conn.(*net.TCPConn)
	if err := tcpConn.SetNoDelay(true); err != nil {
		tcpConn.Close()
		return nil, err
	}
	return tcpConn, nil
}
