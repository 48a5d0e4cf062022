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

package shadowsocks

import (
	"errors"
	"io"
	"net"
	"testing"
)

func TestCryptoStreamRoundTripOverPipe(t *testing.T) {
	for _, kind := range []CipherKind{AES128CTR, AES128GCM, Aead2022Blake3Aes128GCM} {
		kind := kind
		t.Run(kind.String(), func(t *testing.T) {
			clientConn, serverConn := net.Pipe()
			defer clientConn.Close()
			defer serverConn.Close()

			key := DeriveKey(kind, "shared secret")
			client, err := NewCryptoStream(clientConn, kind, key, StreamClient)
			if err != nil {
				t.Fatalf("client NewCryptoStream: %v", err)
			}
			server, err := NewCryptoStream(serverConn, kind, key, StreamServer)
			if err != nil {
				t.Fatalf("server NewCryptoStream: %v", err)
			}

			message := []byte("ping")
			done := make(chan error, 1)
			go func() {
				_, werr := client.Write(message)
				done <- werr
			}()

			buf := make([]byte, len(message))
			if _, err := io.ReadFull(server, buf); err != nil {
				t.Fatalf("server Read: %v", err)
			}
			if err := <-done; err != nil {
				t.Fatalf("client Write: %v", err)
			}
			if string(buf) != "ping" {
				t.Errorf("got %q, want %q", buf, "ping")
			}
		})
	}
}

func TestCryptoStreamSetRequestNonceNotPermittedForStream(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	kind := AES128CTR
	key := DeriveKey(kind, "pw")
	cs, err := NewCryptoStream(clientConn, kind, key, StreamClient)
	if err != nil {
		t.Fatalf("NewCryptoStream: %v", err)
	}
	_ = serverConn

	if err := cs.SetRequestNonce([]byte("salt")); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("got %v, want ErrNotPermitted", err)
	}
	if _, err := cs.ReceivedRequestNonce(); !errors.Is(err, ErrNotPermitted) {
		t.Errorf("got %v, want ErrNotPermitted", err)
	}
}
