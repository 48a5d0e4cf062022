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

import "io"

// write modes shared by every EncryptedWriter implementation (stream, AEAD,
// AEAD-2022): modeNormal flushes immediately, modeLazy defers until Flush,
// modeFlush is the internal call Flush itself makes.
const (
	modeNormal = iota
	modeLazy
	modeFlush
)

// Writer is what every EncryptedWriter family implements: a normal
// io.Writer/io.ReaderFrom, plus LazyWrite/Flush so ProxyClientStream can
// prepend the target address to the first real write instead of sending it
// as a separate wire message (spec §4.4).
type Writer interface {
	io.Writer
	io.ReaderFrom
	// LazyWrite buffers p without flushing it to the wire. The first
	// subsequent Write, ReadFrom or explicit Flush call sends it.
	LazyWrite(p []byte) (int, error)
	// Flush sends any bytes queued by LazyWrite. Safe to call multiple
	// times; only the first has effect.
	Flush() error
}

// Reader is what every DecryptedReader family implements.
type Reader interface {
	io.Reader
	io.WriterTo
}

// noncer exposes the per-session nonce (stream IV or AEAD/AEAD-2022 salt)
// a DecryptedReader received or an EncryptedWriter generated, once
// available. CryptoStream type-asserts to it to implement
// SentNonce/ReceivedNonce without every family needing an exported method.
type noncer interface {
	nonce() []byte
}

// ChunkReader yields one already-decrypted message at a time. AEAD and
// AEAD-2022 readers decrypt whole frames; the stream-cipher reader decrypts
// whatever bytes arrived, treating each Read as a degenerate one-chunk
// frame. readConverter adapts either shape to io.Reader/io.WriterTo.
type ChunkReader interface {
	ReadChunk() ([]byte, error)
}

// readConverter adapts a ChunkReader to io.Reader and io.WriterTo, carrying
// a leftover slice across calls when the caller's buffer is smaller than a
// decrypted chunk. Grounded on the teacher's shadowsocks/stream.go
// readConverter.
type readConverter struct {
	cr       ChunkReader
	leftover []byte
}

// nonce forwards to the underlying ChunkReader when it exposes one, so a
// *readConverter returned by NewStreamDecryptedReader/NewAEADDecryptedReader
// still satisfies noncer.
func (rc *readConverter) nonce() []byte {
	if n, ok := rc.cr.(noncer); ok {
		return n.nonce()
	}
	return nil
}

func (rc *readConverter) Read(b []byte) (int, error) {
	if len(rc.leftover) == 0 {
		chunk, err := rc.cr.ReadChunk()
		if len(chunk) == 0 && err != nil {
			return 0, err
		}
		rc.leftover = chunk
	}
	n := copy(b, rc.leftover)
	rc.leftover = rc.leftover[n:]
	return n, nil
}

func (rc *readConverter) WriteTo(w io.Writer) (written int64, err error) {
	for {
		if len(rc.leftover) > 0 {
			n, werr := w.Write(rc.leftover)
			written += int64(n)
			rc.leftover = rc.leftover[n:]
			if werr != nil {
				return written, werr
			}
			continue
		}
		chunk, err := rc.cr.ReadChunk()
		if len(chunk) == 0 {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
		rc.leftover = chunk
	}
}
