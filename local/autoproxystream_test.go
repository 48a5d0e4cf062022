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
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/yewenyu/sslocal-go/metrics"
	"github.com/yewenyu/sslocal-go/shadowsocks"
)

func serverPort(t *testing.T, ln net.Listener) (string, uint16) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi: %v", err)
	}
	return host, uint16(port)
}

// echoListener accepts exactly one connection and echoes everything it reads
// back to the writer, until the peer closes its write side.
func echoListener(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()
}

func TestAutoProxyStreamBypassesConfiguredCIDR(t *testing.T) {
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

	target := shadowsocks.Address{IP: net.ParseIP(host), Port: port}
	aps, err := DialAutoProxyStream(context.Background(), svc, target)
	if err != nil {
		t.Fatalf("DialAutoProxyStream: %v", err)
	}
	defer aps.Close()

	if !aps.Bypassed() {
		t.Error("a target inside the bypass CIDR should be dialed directly")
	}

	if _, err := aps.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(aps, buf); err != nil {
		t.Fatalf("reading echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("got %q, want %q", buf, "ping")
	}
}

func TestAutoProxyStreamProxiesThroughConfiguredServer(t *testing.T) {
	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer proxyLn.Close()

	server := ServerConfig{Name: "s1", Host: "127.0.0.1", Port: 0, Method: "aes-128-gcm", Password: "hunter2"}
	host, port := serverPort(t, proxyLn)
	server.Host, server.Port = host, port

	kind, _ := server.CipherKind()
	key := shadowsocks.DeriveKey(kind, server.Password)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := proxyLn.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	svc, err := NewServiceContext(&LocalConfig{Servers: []ServerConfig{server}}, nil, nil, metrics.NewMetrics(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("NewServiceContext: %v", err)
	}

	target := shadowsocks.Address{Domain: "internal.example", Port: 9000}
	aps, err := DialAutoProxyStream(context.Background(), svc, target)
	if err != nil {
		t.Fatalf("DialAutoProxyStream: %v", err)
	}
	defer aps.Close()

	if aps.Bypassed() {
		t.Fatal("a target with no matching ACL rule should be proxied, not bypassed")
	}

	if _, err := aps.Write([]byte("req")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	serverConn := <-accepted
	if serverConn == nil {
		t.Fatal("upstream server never accepted a connection")
	}
	defer serverConn.Close()

	cs, err := shadowsocks.NewCryptoStream(serverConn, kind, key, shadowsocks.StreamServer)
	if err != nil {
		t.Fatalf("NewCryptoStream: %v", err)
	}
	br := bufio.NewReader(cs)
	addr, err := shadowsocks.ReadAddress(br)
	if err != nil {
		t.Fatalf("ReadAddress: %v", err)
	}
	if addr.Domain != "internal.example" || addr.Port != 9000 {
		t.Errorf("got target %+v, want internal.example:9000", addr)
	}
	payload := make([]byte, 3)
	if _, err := io.ReadFull(br, payload); err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	if string(payload) != "req" {
		t.Errorf("got payload %q, want %q", payload, "req")
	}
}
