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
	"io"
	"sync"

	"github.com/yewenyu/sslocal-go/shadowsocks"
)

// relayBufferLen matches the legacy stream cipher's chunk size
// (shadowsocks.streamChunkSize) so a relay copy never forces the AEAD
// writer side to split a buffer's worth of data into more chunks than
// necessary.
const relayBufferLen = 32 * 1024

// relayBufferPool pools the scratch buffers copyWithPooledBuffer falls
// back to, so a busy relay loop copying many connections doesn't allocate
// a fresh buffer per connection. A plain sync.Pool of *[]byte is enough
// here: unlike the teacher's shadowsocks/stream.go, nothing in this
// module needs a pool keyed by more than one fixed buffer length, so a
// dedicated pool abstraction would only wrap sync.Pool without adding
// anything (see DESIGN.md's note on the deleted slicepool package).
var relayBufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, relayBufferLen)
		return &buf
	},
}

// splitter is implemented by a stream that owns independent read/write
// halves sharing one underlying connection — shadowsocks.CryptoStream's
// Split; local.ProxyClientStream gets it by embedding a *CryptoStream,
// and local.AutoProxyStream forwards to it explicitly (see its own Split
// method). Relay prefers splitting so each direction's goroutine only
// ever touches the half it owns, instead of two goroutines sharing one
// object (spec §4.2's into_split, spec §4.7's relay concurrency model).
type splitter interface {
	Split() (*shadowsocks.ReadHalf, *shadowsocks.WriteHalf)
}

// splitReadWriter returns independent Reader/Writer views of rw. When rw
// supports Split and actually has something to split (CryptoStream always
// does; AutoProxyStream only on its proxied path when it is not sniffing
// DNS — see its Split method),
// each returned value is a dedicated half used by exactly one direction;
// otherwise rw itself is returned for both, relying on the underlying
// connection's own concurrent-Read/Write safety — true of a plain
// net.Conn, the case a bypassed direct TCP dial falls back to.
func splitReadWriter(rw io.ReadWriter) (io.Reader, io.Writer) {
	if s, ok := rw.(splitter); ok {
		if r, w := s.Split(); r != nil && w != nil {
			return r, w
		}
	}
	return rw, rw
}

// Relay copies bytes in both directions between client and remote until
// either side is done, then half-closes the other so its peer observes
// EOF instead of a reset (spec §4.7). It returns once both directions
// have finished. clientCloseWrite/remoteCloseWrite are functions like
// CloseWrite, called after each one-way copy finishes.
func Relay(client, remote io.ReadWriter, clientCloseWrite, remoteCloseWrite func() error) (clientToRemote, remoteToClient int64) {
	clientR, clientW := splitReadWriter(client)
	remoteR, remoteW := splitReadWriter(remote)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		clientToRemote = copyWithPooledBuffer(remoteW, clientR)
		if remoteCloseWrite != nil {
			remoteCloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		remoteToClient = copyWithPooledBuffer(clientW, remoteR)
		if clientCloseWrite != nil {
			clientCloseWrite()
		}
	}()

	wg.Wait()
	return clientToRemote, remoteToClient
}

// copyWithPooledBuffer copies src to dst via a pooled scratch buffer,
// falling back to io.Copy's own zero-copy fast paths (WriterTo/ReaderFrom)
// whenever src/dst support them — the pooled buffer only backstops the
// cases where neither side does.
func copyWithPooledBuffer(dst io.Writer, src io.Reader) int64 {
	if wt, ok := src.(io.WriterTo); ok {
		n, _ := wt.WriteTo(dst)
		return n
	}
	if rf, ok := dst.(io.ReaderFrom); ok {
		n, _ := rf.ReadFrom(src)
		return n
	}
	bufp := relayBufferPool.Get().(*[]byte)
	defer relayBufferPool.Put(bufp)
	n, _ := io.CopyBuffer(dst, src, *bufp)
	return n
}

// closeWriteFunc adapts a net.Conn (or CryptoStream-like type) with a
// CloseWrite method into the func() error Relay expects, falling back to
// a full Close when the concrete type has none.
func closeWriteFunc(conn interface{ Close() error }) func() error {
	if wc, ok := conn.(interface{ CloseWrite() error }); ok {
		return wc.CloseWrite
	}
	return conn.Close
}
