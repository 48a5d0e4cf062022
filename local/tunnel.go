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

	"github.com/yewenyu/sslocal-go/shadowsocks"
)

// Tunnel forwards every connection accepted on a fixed local address to a
// fixed remote address through the same ACL/selector/relay machinery the
// general SOCKS-style listener uses, per the fixed local<->remote
// forwarding sub-mode spec §1 names in passing and
// original_source's local/tunnel/server.rs implements as a first-class
// mode (spec §12 supplemented feature).
type Tunnel struct {
	svc     *ServiceContext
	forward shadowsocks.Address
	ln      net.Listener
}

// NewTunnel starts listening on localAddr; Serve must be called to accept
// connections.
func NewTunnel(svc *ServiceContext, localAddr, forwardAddr string) (*Tunnel, error) {
	forward, err := shadowsocks.NewAddressFromHostPort(forwardAddr)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", localAddr)
	if err != nil {
		return nil, err
	}
	return &Tunnel{svc: svc, forward: forward, ln: ln}, nil
}

// Addr returns the address Serve is accepting on.
func (t *Tunnel) Addr() net.Addr { return t.ln.Addr() }

// Close stops accepting new connections; in-flight relays run to completion.
func (t *Tunnel) Close() error { return t.ln.Close() }

// Serve accepts connections until ctx is done or the listener is closed,
// relaying each one to the fixed forward address.
func (t *Tunnel) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		t.ln.Close()
	}()
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go t.handle(ctx, conn)
	}
}

func (t *Tunnel) handle(ctx context.Context, client net.Conn) {
	defer client.Close()
	if t.svc.Metrics != nil {
		t.svc.Metrics.ActiveConnections.Inc()
		defer t.svc.Metrics.ActiveConnections.Dec()
	}

	remote, err := DialAutoProxyStream(ctx, t.svc, t.forward)
	if err != nil {
		log.Warningf("tunnel: dialing forward target %s: %v", t.forward, err)
		return
	}
	defer remote.Close()

	Relay(client, remote, closeWriteFunc(client), closeWriteFunc(remote))
}
