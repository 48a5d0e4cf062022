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
	"fmt"
	"io"
	"net"
)

// StreamType records which side of the connection a CryptoStream plays,
// mirroring the Rust original's StreamType (crypto_io.rs): a client reads
// with the server's key schedule and writes with its own, and vice versa.
type StreamType int

const (
	StreamClient StreamType = iota
	StreamServer
)

// ErrNotPermitted is returned by operations that only make sense for the
// AEAD-2022 family — e.g. SetRequestNonceWithReceived on a legacy-stream or
// plain-AEAD connection — rather than panicking, unlike the Rust original
// (spec §4.2 Open Question: "set_request_nonce on non-2022 panics").
var ErrNotPermitted = errors.New("shadowsocks: operation not permitted for this cipher family")

// CryptoStream wraps a net.Conn (or any ReadWriteCloser) with a
// DecryptedReader and EncryptedWriter for one CipherKind, presenting the
// encrypted wire stream to callers as plaintext Read/Write (spec §4.2). Its
// only control over the raw connection's lifecycle is Close/CloseWrite.
type CryptoStream struct {
	conn net.Conn
	kind CipherKind

	reader Reader
	writer Writer
}

// NewCryptoStream builds a CryptoStream over conn for the given cipher
// kind and pre-shared key, selecting the legacy-stream, AEAD or AEAD-2022
// framing according to kind.Category(). streamType selects which header
// type an AEAD-2022 stream emits/expects.
func NewCryptoStream(conn net.Conn, kind CipherKind, key []byte, streamType StreamType) (*CryptoStream, error) {
	cs := &CryptoStream{conn: conn, kind: kind}
	switch kind.Category() {
	case CategoryStream:
		cs.reader = NewStreamDecryptedReader(conn, kind, key)
		cs.writer = NewStreamEncryptedWriter(conn, kind, key)
	case CategoryAead:
		cs.reader = NewAEADDecryptedReader(conn, kind, key)
		cs.writer = NewAEADEncryptedWriter(conn, kind, key)
	case CategoryAead2022:
		expectServerHeader := streamType == StreamClient
		isServerResponse := streamType == StreamServer
		cs.reader = NewAEAD2022DecryptedReader(conn, kind, key, expectServerHeader)
		cs.writer = NewAEAD2022EncryptedWriter(conn, kind, key, isServerResponse)
	default:
		return nil, fmt.Errorf("shadowsocks: unsupported cipher kind %v", kind)
	}
	return cs, nil
}

// Read implements io.Reader by decrypting from the underlying connection.
func (cs *CryptoStream) Read(p []byte) (int, error) { return cs.reader.Read(p) }

// WriteTo implements io.WriterTo, letting relay copiers avoid an
// intermediate buffer (spec §4.7).
func (cs *CryptoStream) WriteTo(w io.Writer) (int64, error) { return cs.reader.WriteTo(w) }

// Write implements io.Writer by encrypting to the underlying connection.
func (cs *CryptoStream) Write(p []byte) (int, error) { return cs.writer.Write(p) }

// ReadFrom implements io.ReaderFrom, letting relay copiers avoid an
// intermediate buffer (spec §4.7).
func (cs *CryptoStream) ReadFrom(r io.Reader) (int64, error) { return cs.writer.ReadFrom(r) }

// LazyWrite queues p without sending it; the next Write, ReadFrom or Flush
// call sends it, letting ProxyClientStream merge the address header into
// the first real write instead of paying for a second round trip (spec
// §4.4).
func (cs *CryptoStream) LazyWrite(p []byte) (int, error) { return cs.writer.LazyWrite(p) }

// Flush sends anything queued by LazyWrite.
func (cs *CryptoStream) Flush() error { return cs.writer.Flush() }

// Close closes the underlying connection.
func (cs *CryptoStream) Close() error { return cs.conn.Close() }

// CloseWrite half-closes the underlying connection's write side, if it
// supports it, so the peer observes EOF once all encrypted data has been
// flushed (spec §4.7, relay shutdown sequencing).
func (cs *CryptoStream) CloseWrite() error {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := cs.conn.(writeCloser); ok {
		return wc.CloseWrite()
	}
	return cs.conn.Close()
}

// LocalAddr and RemoteAddr expose the underlying connection's endpoints.
func (cs *CryptoStream) LocalAddr() net.Addr  { return cs.conn.LocalAddr() }
func (cs *CryptoStream) RemoteAddr() net.Addr { return cs.conn.RemoteAddr() }

// SetNodelay toggles TCP_NODELAY on the underlying connection, if it
// supports it; a no-op otherwise.
func (cs *CryptoStream) SetNodelay(enable bool) error {
	type nodelaySetter interface {
		SetNoDelay(bool) error
	}
	if nd, ok := cs.conn.(nodelaySetter); ok {
		return nd.SetNoDelay(enable)
	}
	return nil
}

// ReadHalf is the read-only half of a CryptoStream returned by Split: it
// owns the DecryptedReader and nothing else, so it can be handed to a
// goroutine that only ever reads.
type ReadHalf struct {
	conn   net.Conn
	reader Reader
}

// Read decrypts from the underlying connection.
func (rh *ReadHalf) Read(p []byte) (int, error) { return rh.reader.Read(p) }

// WriteTo implements io.WriterTo for the zero-copy relay path (spec §4.7).
func (rh *ReadHalf) WriteTo(w io.Writer) (int64, error) { return rh.reader.WriteTo(w) }

// CloseRead half-closes the underlying connection's read side, if it
// supports it.
func (rh *ReadHalf) CloseRead() error {
	type readCloser interface {
		CloseRead() error
	}
	if rc, ok := rh.conn.(readCloser); ok {
		return rc.CloseRead()
	}
	return rh.conn.Close()
}

// Close closes the underlying connection.
func (rh *ReadHalf) Close() error { return rh.conn.Close() }

// WriteHalf is the write-only half of a CryptoStream returned by Split:
// it owns the EncryptedWriter and nothing else, so it can be handed to a
// goroutine that only ever writes.
type WriteHalf struct {
	conn   net.Conn
	writer Writer
}

// Write encrypts to the underlying connection.
func (wh *WriteHalf) Write(p []byte) (int, error) { return wh.writer.Write(p) }

// ReadFrom implements io.ReaderFrom for the zero-copy relay path (spec §4.7).
func (wh *WriteHalf) ReadFrom(r io.Reader) (int64, error) { return wh.writer.ReadFrom(r) }

// LazyWrite queues p without sending it; see CryptoStream.LazyWrite.
func (wh *WriteHalf) LazyWrite(p []byte) (int, error) { return wh.writer.LazyWrite(p) }

// Flush sends anything queued by LazyWrite.
func (wh *WriteHalf) Flush() error { return wh.writer.Flush() }

// CloseWrite half-closes the underlying connection's write side, if it
// supports it, once all encrypted data has been flushed.
func (wh *WriteHalf) CloseWrite() error {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := wh.conn.(writeCloser); ok {
		return wc.CloseWrite()
	}
	return wh.conn.Close()
}

// Close closes the underlying connection.
func (wh *WriteHalf) Close() error { return wh.conn.Close() }

// Split divides cs into independent read and write halves sharing the
// same underlying connection, so a relay copier can give each direction
// its own goroutine-owned object instead of two goroutines sharing one
// CryptoStream (spec §4.2, crypto_io.rs's into_split). Safe because the
// two halves touch disjoint fields (cs.reader vs. cs.writer) and the
// underlying net.Conn already supports concurrent Read/Write from
// separate goroutines.
func (cs *CryptoStream) Split() (*ReadHalf, *WriteHalf) {
	return &ReadHalf{conn: cs.conn, reader: cs.reader}, &WriteHalf{conn: cs.conn, writer: cs.writer}
}

// SentNonce returns the IV/salt this stream's writer generated, once a
// write has happened; nil beforehand.
func (cs *CryptoStream) SentNonce() []byte {
	if n, ok := cs.writer.(noncer); ok {
		return n.nonce()
	}
	return nil
}

// ReceivedNonce returns the IV/salt this stream's reader consumed from the
// peer, once a read has happened; nil beforehand.
func (cs *CryptoStream) ReceivedNonce() []byte {
	if n, ok := cs.reader.(noncer); ok {
		return n.nonce()
	}
	return nil
}

// ReceivedRequestNonce returns the request salt an AEAD-2022 server read
// from its client, for SetRequestNonceWithReceived to echo back. Returns
// ErrNotPermitted for the legacy-stream and plain-AEAD families, which
// have no request/response salt split.
func (cs *CryptoStream) ReceivedRequestNonce() ([]byte, error) {
	rc, ok := cs.reader.(*readConverter)
	if !ok {
		return nil, ErrNotPermitted
	}
	dr, ok := rc.cr.(*aead2022DecryptedReader)
	if !ok {
		return nil, ErrNotPermitted
	}
	return dr.RequestSalt(), nil
}

// SetRequestNonce makes an AEAD-2022 writer use salt as its own salt
// instead of generating a fresh one. Returns ErrNotPermitted for the
// legacy-stream and plain-AEAD families (spec §4.2 Open Question: the Rust
// original panics here; this module returns a recoverable error instead).
func (cs *CryptoStream) SetRequestNonce(salt []byte) error {
	ew, ok := cs.writer.(*aead2022EncryptedWriter)
	if !ok {
		return ErrNotPermitted
	}
	ew.SetRequestSalt(salt)
	return nil
}

// SetRequestNonceWithReceived echoes the salt this stream's reader
// received from its peer as this stream's writer's own salt — the
// AEAD-2022 server response convenience named in crypto_io.rs's
// set_request_nonce_with_received (spec §12 supplemented feature).
func (cs *CryptoStream) SetRequestNonceWithReceived() error {
	salt, err := cs.ReceivedRequestNonce()
	if err != nil {
		return err
	}
	return cs.SetRequestNonce(salt)
}

// SetNonceGenerator makes this stream's writer obtain its fresh IV/salt from
// gen instead of reading crypto/rand directly, letting a caller run freshly
// generated nonces past a replay/self-collision cache before they are ever
// used on the wire (spec §4.2, context.generate_nonce check_repeat=true). A
// no-op for category None, which has no nonce.
func (cs *CryptoStream) SetNonceGenerator(gen func() ([]byte, error)) {
	switch w := cs.writer.(type) {
	case *streamEncryptedWriter:
		w.nonceGen = gen
	case *aeadEncryptedWriter:
		w.nonceGen = gen
	case *aead2022EncryptedWriter:
		w.core.nonceGen = gen
	}
}

// CurrentDataChunkRemaining reports how many chunks this stream's reader
// has consumed so far, and how many plaintext bytes of the most recently
// decrypted chunk have not yet been returned to the caller. The AEAD and
// AEAD-2022 families frame data in discrete chunks; the legacy stream
// family has none, so it always reports (0, 0).
func (cs *CryptoStream) CurrentDataChunkRemaining() (chunkIndex uint64, bytesLeftInChunk int) {
	rc, isConverter := cs.reader.(*readConverter)
	if !isConverter {
		return 0, 0
	}
	switch dr := rc.cr.(type) {
	case *aeadDecryptedReader:
		return counterToIndex(dr.counter), len(rc.leftover)
	case *aead2022DecryptedReader:
		return counterToIndex(dr.core.counter), len(rc.leftover)
	default:
		return 0, 0
	}
}

// counterToIndex turns the little-endian AEAD nonce counter into the
// number of chunk-pairs (length+payload) decrypted so far.
func counterToIndex(counter []byte) uint64 {
	var n uint64
	for i := len(counter) - 1; i >= 0; i-- {
		n = n<<8 | uint64(counter[i])
	}
	return n / 2
}
