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

// acceptOne accepts a single connection on ln and hands it to done.
func acceptOne(t *testing.T, ln net.Listener, done chan<- net.Conn) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(done)
			return
		}
		done <- conn
	}()
}

func TestDialProxyClientStreamSendsHeaderAndUsesNonceCache(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer ln.Close()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	accepted := make(chan net.Conn, 1)
	acceptOne(t, ln, accepted)

	server := ServerConfig{Name: "s1", Host: host, Port: uint16(port), Method: "aes-128-gcm", Password: "correct horse battery staple"}
	svc, err := NewServiceContext(&LocalConfig{Servers: []ServerConfig{server}}, nil, nil, metrics.NewMetrics(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("NewServiceContext: %v", err)
	}

	target := shadowsocks.Address{Domain: "example.com", Port: 443}
	pcs, err := DialProxyClientStream(context.Background(), svc, server, target)
	if err != nil {
		t.Fatalf("DialProxyClientStream: %v", err)
	}
	defer pcs.Close()

	if _, err := pcs.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	serverConn := <-accepted
	if serverConn == nil {
		t.Fatal("server never accepted a connection")
	}
	defer serverConn.Close()

	kind, _ := server.CipherKind()
	key := shadowsocks.DeriveKey(kind, server.Password)
	cs, err := shadowsocks.NewCryptoStream(serverConn, kind, key, shadowsocks.StreamServer)
	if err != nil {
		t.Fatalf("NewCryptoStream (server side): %v", err)
	}

	br := bufio.NewReader(cs)
	addr, err := shadowsocks.ReadAddress(br)
	if err != nil {
		t.Fatalf("ReadAddress: %v", err)
	}
	if addr.Domain != "example.com" || addr.Port != 443 {
		t.Errorf("got target %+v, want example.com:443", addr)
	}
	payload := make([]byte, 5)
	if _, err := io.ReadFull(br, payload); err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	if string(payload) != "hello" {
		t.Errorf("got payload %q, want %q", payload, "hello")
	}

	sentSalt := pcs.SentNonce()
	if len(sentSalt) == 0 {
		t.Fatal("SentNonce is empty after a write; salt should have been generated")
	}
	var key32 [32]byte
	copy(key32[:], sentSalt)
	if added, err := svc.NonceCache.Add(key32); err != nil {
		t.Fatalf("NonceCache.Add: %v", err)
	} else if added {
		t.Error("the salt DialProxyClientStream generated should already be present in the nonce cache")
	}
}
