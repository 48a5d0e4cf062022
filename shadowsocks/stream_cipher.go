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
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
)

// streamChunkSize bounds how much plaintext a single read or write pass
// handles, so a small caller buffer still makes progress; the legacy
// stream-cipher family has no chunk framing of its own.
const streamChunkSize = 32 * 1024

// streamDecryptedReader is the legacy stream-cipher family's
// DecryptedReader (spec §4.1 "Stream cipher family"): it consumes the
// iv_len-byte IV once, then XORs every subsequent wire byte into plaintext.
type streamDecryptedReader struct {
	reader io.Reader
	kind   CipherKind
	key    []byte

	stream  cipher.Stream // nil until the IV has been read
	iv      []byte
	scratch [streamChunkSize]byte
}

// NewStreamDecryptedReader builds a Reader that decrypts a legacy
// stream-cipher Shadowsocks connection.
func NewStreamDecryptedReader(reader io.Reader, kind CipherKind, key []byte) Reader {
	sr := &streamDecryptedReader{reader: reader, kind: kind, key: key}
	return &readConverter{cr: sr}
}

func (sr *streamDecryptedReader) init() error {
	if sr.stream != nil {
		return nil
	}
	iv := make([]byte, sr.kind.IVOrSaltLen())
	if _, err := io.ReadFull(sr.reader, iv); err != nil {
		if err == io.EOF {
			return err
		}
		return fmt.Errorf("failed to read iv: %w", err)
	}
	stream, err := cipherSpecs[sr.kind].newStream(sr.key, iv, true)
	if err != nil {
		return fmt.Errorf("failed to create stream cipher: %w", err)
	}
	sr.stream = stream
	sr.iv = iv
	return nil
}

// nonce returns the received IV, or nil before it has arrived.
func (sr *streamDecryptedReader) nonce() []byte {
	return sr.iv
}

// ReadChunk decrypts whatever bytes are currently available and returns
// them as one "chunk" (the stream family has no frame boundaries).
func (sr *streamDecryptedReader) ReadChunk() ([]byte, error) {
	if err := sr.init(); err != nil {
		return nil, err
	}
	n, err := sr.reader.Read(sr.scratch[:])
	if n > 0 {
		sr.stream.XORKeyStream(sr.scratch[:n], sr.scratch[:n])
		return sr.scratch[:n], nil
	}
	if err == nil {
		err = io.EOF
	}
	return nil, err
}

// streamEncryptedWriter is the legacy stream-cipher family's EncryptedWriter.
// On the first flushed write it emits the generated IV followed by XORed
// plaintext; later writes emit XORed plaintext only.
type streamEncryptedWriter struct {
	writer io.Writer
	kind   CipherKind
	key    []byte

	stream  cipher.Stream
	iv      []byte
	ivSent  bool
	flush   sync.Once
	wrapper bytes.Reader
	pending []byte
	scratch [streamChunkSize]byte

	// nonceGen, if set, generates the fresh IV instead of crypto/rand; see
	// aeadEncryptedWriter.nonceGen.
	nonceGen func() ([]byte, error)
}

// NewStreamEncryptedWriter builds a Writer that encrypts a legacy
// stream-cipher Shadowsocks connection.
func NewStreamEncryptedWriter(writer io.Writer, kind CipherKind, key []byte) Writer {
	return &streamEncryptedWriter{writer: writer, kind: kind, key: key}
}

func (sw *streamEncryptedWriter) init() error {
	if sw.stream != nil {
		return nil
	}
	var iv []byte
	if sw.nonceGen != nil {
		var err error
		iv, err = sw.nonceGen()
		if err != nil {
			return fmt.Errorf("failed to generate iv: %w", err)
		}
	} else {
		iv = make([]byte, sw.kind.IVOrSaltLen())
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return fmt.Errorf("failed to generate iv: %w", err)
		}
	}
	stream, err := cipherSpecs[sw.kind].newStream(sw.key, iv, false)
	if err != nil {
		return fmt.Errorf("failed to create stream cipher: %w", err)
	}
	sw.stream = stream
	sw.iv = iv
	return nil
}

func (sw *streamEncryptedWriter) nonce() []byte {
	return sw.iv
}

func (sw *streamEncryptedWriter) Write(p []byte) (int, error) {
	n, err := sw.write(p, modeNormal)
	return int(n), err
}

func (sw *streamEncryptedWriter) LazyWrite(p []byte) (int, error) {
	sw.flush = sync.Once{}
	n, err := sw.write(p, modeLazy)
	return int(n), err
}

func (sw *streamEncryptedWriter) Flush() error {
	var err error
	sw.flush.Do(func() {
		_, err = sw.write(nil, modeFlush)
	})
	return err
}

func (sw *streamEncryptedWriter) ReadFrom(r io.Reader) (int64, error) {
	return sw.readFrom(r, modeNormal)
}

func (sw *streamEncryptedWriter) write(p []byte, mode int) (int64, error) {
	sw.wrapper.Reset(p)
	return sw.readFrom(&sw.wrapper, mode)
}

// readFrom pulls plaintext from r, buffering it alongside anything queued
// by a previous LazyWrite, and flushes whenever mode isn't lazy or the
// scratch buffer fills. The generated IV (once only) prefixes the first
// flushed write.
func (sw *streamEncryptedWriter) readFrom(r io.Reader, mode int) (int64, error) {
	if err := sw.init(); err != nil {
		return 0, err
	}

	var written int64
	for {
		n, rerr := r.Read(sw.scratch[len(sw.pending):])
		sw.pending = sw.scratch[:len(sw.pending)+n]
		written += int64(n)

		shouldFlush := len(sw.pending) == len(sw.scratch) || (mode != modeLazy && len(sw.pending) > 0)
		if shouldFlush {
			if ferr := sw.flushPending(); ferr != nil {
				return written, ferr
			}
			sw.pending = sw.scratch[:0]
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, fmt.Errorf("failed to read plaintext: %w", rerr)
		}
	}
}

func (sw *streamEncryptedWriter) flushPending() error {
	if !sw.ivSent {
		if _, err := sw.writer.Write(sw.iv); err != nil {
			return fmt.Errorf("failed to write iv: %w", err)
		}
		sw.ivSent = true
	}
	if len(sw.pending) == 0 {
		return nil
	}
	sw.stream.XORKeyStream(sw.pending, sw.pending)
	if _, err := sw.writer.Write(sw.pending); err != nil {
		return fmt.Errorf("failed to write ciphertext: %w", err)
	}
	return nil
}
