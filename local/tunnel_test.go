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
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/yewenyu/sslocal-go/metrics"
)

func TestTunnelForwardsToFixedBypassedTarget(t *testing.T) {
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer echoLn.Close()
	echoListener(t, echoLn)

	host, port := serverPort(t, echoLn)
	acl, err := NewStaticACL([]string{host + "/32"}, nil)
	if err != nil {
		t.Fatalf("NewStaticACL: %v", err)
	}
	svc, err := NewServiceContext(&LocalConfig{}, acl, nil, metrics.NewMetrics(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("NewServiceContext: %v", err)
	}

	tun, err := NewTunnel(svc, "127.0.0.1:0", echoLn.Addr().String())
	if err != nil {
		t.Fatalf("NewTunnel: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- tun.Serve(ctx) }()

	conn, err := net.Dial("tcp", tun.Addr().String())
	if err != nil {
		t.Fatalf("dialing tunnel: %v", err)
	}
	if _, err := conn.Write([]byte("tunneled")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 8)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("reading echo through tunnel: %v", err)
	}
	if string(buf) != "tunneled" {
		t.Errorf("got %q, want %q", buf, "tunneled")
	}
	conn.Close()

	cancel()
	select {
	case err := <-serveDone:
		if err != nil {
			t.Errorf("Serve returned %v, want nil after context cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}
