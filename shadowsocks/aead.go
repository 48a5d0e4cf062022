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
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
)

// aeadMaxPayloadSize is the largest plaintext chunk the AEAD framing allows
// in one length-prefixed message (spec §6 Wire — AEAD): the 16-bit length
// field reserves its top two bits, leaving 0x3FFF.
const aeadMaxPayloadSize = 0x3FFF

// lengthPrefixSize is the size, in bytes, of an encrypted chunk's plaintext
// length field; its AEAD tag (aead.Overhead() bytes) comes on top of this.
const lengthPrefixSize = 2

// ErrProtocolFraming is returned when an AEAD or AEAD-2022 chunk's framing
// cannot be parsed (chunk length over the maximum, malformed AEAD-2022
// header), per spec §7. A truncated chunk is reported as io.ErrUnexpectedEOF.
var ErrProtocolFraming = errors.New("shadowsocks: malformed chunk framing")

// ErrCryptoAuth is returned when an AEAD tag fails to verify, per spec §7.
var ErrCryptoAuth = errors.New("shadowsocks: AEAD authentication failed")

// aeadDecryptedReader is the AEAD family's DecryptedReader: it reads the
// salt once, derives the per-session subkey, then decrypts a stream of
// [encrypted length][length tag][encrypted payload][payload tag] chunks
// with a little-endian nonce counter that increments after every AEAD
// call (spec §4.1 "AEAD family"). Grounded on the teacher's
// shadowsocks/stream.go chunkReader.
type aeadDecryptedReader struct {
	reader io.Reader
	kind   CipherKind
	key    []byte

	aead    cipherAEAD
	counter []byte
	salt    []byte

	buf    []byte
	lenBuf []byte

	deriveSubkey func(masterKey, salt []byte, keyLen int) ([]byte, error)
}

// cipherAEAD is the subset of cipher.AEAD this package needs; defined so
// tests can stub it without constructing real key material.
type cipherAEAD interface {
	NonceSize() int
	Overhead() int
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
}

// NewAEADDecryptedReader builds a Reader that decrypts an AEAD-framed
// Shadowsocks connection.
func NewAEADDecryptedReader(reader io.Reader, kind CipherKind, key []byte) Reader {
	return &readConverter{cr: newAEADDecryptedReader(reader, kind, key, deriveAeadSubkey)}
}

func newAEADDecryptedReader(reader io.Reader, kind CipherKind, key []byte, deriveSubkey func([]byte, []byte, int) ([]byte, error)) *aeadDecryptedReader {
	return &aeadDecryptedReader{reader: reader, kind: kind, key: key, deriveSubkey: deriveSubkey}
}

func (ar *aeadDecryptedReader) init() error {
	if ar.aead != nil {
		return nil
	}
	saltLen := ar.kind.IVOrSaltLen()
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(ar.reader, salt); err != nil {
		if err == io.EOF {
			return err
		}
		return fmt.Errorf("failed to read salt: %w", err)
	}
	subkey, err := ar.deriveSubkey(ar.key, salt, ar.kind.KeyLen())
	if err != nil {
		return fmt.Errorf("failed to derive subkey: %w", err)
	}
	aead, err := cipherSpecs[ar.kind].newAEAD(subkey)
	if err != nil {
		return fmt.Errorf("failed to create AEAD: %w", err)
	}
	ar.aead = aead
	ar.counter = make([]byte, aead.NonceSize())
	ar.salt = salt
	ar.lenBuf = make([]byte, lengthPrefixSize+aead.Overhead())
	return nil
}

func (ar *aeadDecryptedReader) nonce() []byte { return ar.salt }

// ReadChunk decrypts and returns exactly one payload chunk.
func (ar *aeadDecryptedReader) ReadChunk() ([]byte, error) {
	if err := ar.init(); err != nil {
		return nil, err
	}
	size, err := ar.readSize()
	if err != nil {
		return nil, err
	}
	if cap(ar.buf) < size+ar.aead.Overhead() {
		ar.buf = make([]byte, size+ar.aead.Overhead())
	}
	payload := ar.buf[:size+ar.aead.Overhead()]
	if _, err := io.ReadFull(ar.reader, payload); err != nil {
		return nil, unexpectedEOFOr(err, "failed to read payload")
	}
	plaintext, err := ar.aead.Open(payload[:0], ar.counter, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrCryptoAuth, err)
	}
	increment(ar.counter)
	return plaintext, nil
}

func (ar *aeadDecryptedReader) readSize() (int, error) {
	lenBuf := ar.lenBuf
	if _, err := io.ReadFull(ar.reader, lenBuf); err != nil {
		return 0, unexpectedEOFOr(err, "failed to read length")
	}
	decoded, err := ar.aead.Open(lenBuf[:0], ar.counter, lenBuf, nil)
	if err != nil {
		log.Warningf("aead: length tag verification failed: %v", err)
		return 0, fmt.Errorf("%w: length: %v", ErrCryptoAuth, err)
	}
	increment(ar.counter)
	size := int(decoded[0])<<8 | int(decoded[1])
	if size > aeadMaxPayloadSize {
		return 0, fmt.Errorf("%w: chunk size %d exceeds maximum", ErrProtocolFraming, size)
	}
	return size, nil
}

// unexpectedEOFOr passes io.EOF and io.ErrUnexpectedEOF through unchanged
// (io.ReadFull already distinguishes "no bytes read" from "partial chunk
// read" for us) and wraps every other error with msg.
func unexpectedEOFOr(err error, msg string) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return err
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// aeadEncryptedWriter is the AEAD family's EncryptedWriter: it generates a
// random salt on first use, derives the subkey, and emits
// [encrypted length][length tag][encrypted payload][payload tag] chunks,
// each capped at aeadMaxPayloadSize plaintext bytes, supporting
// LazyWrite/Flush for ProxyClientStream's address-header prepend.
// Grounded on the teacher's shadowsocks/stream.go shadowsocksWriter.
type aeadEncryptedWriter struct {
	writer io.Writer
	kind   CipherKind
	key    []byte

	aead     cipherAEAD
	counter  []byte
	salt     []byte
	saltSent bool

	flush   sync.Once
	pending []byte // plaintext accumulated since the last flush
	lenBuf  []byte // scratch for the sealed length prefix

	deriveSubkey func(masterKey, salt []byte, keyLen int) ([]byte, error)
	presetSalt   []byte // non-nil to echo a server's response salt (AEAD-2022)

	// nonceGen, if set, generates the fresh salt instead of crypto/rand —
	// CryptoStream.SetNonceGenerator wires this to ServiceContext.NonceCache
	// so a freshly generated salt is checked for accidental self-collision
	// before use (spec §4.2, context.generate_nonce check_repeat=true).
	nonceGen func() ([]byte, error)
}

// NewAEADEncryptedWriter builds a Writer that encrypts an AEAD-framed
// Shadowsocks connection.
func NewAEADEncryptedWriter(writer io.Writer, kind CipherKind, key []byte) Writer {
	return newAEADEncryptedWriter(writer, kind, key, deriveAeadSubkey)
}

func newAEADEncryptedWriter(writer io.Writer, kind CipherKind, key []byte, deriveSubkey func([]byte, []byte, int) ([]byte, error)) *aeadEncryptedWriter {
	return &aeadEncryptedWriter{writer: writer, kind: kind, key: key, deriveSubkey: deriveSubkey}
}

func (aw *aeadEncryptedWriter) init() error {
	if aw.aead != nil {
		return nil
	}
	salt := aw.presetSalt
	if salt == nil {
		if aw.nonceGen != nil {
			var err error
			salt, err = aw.nonceGen()
			if err != nil {
				return fmt.Errorf("failed to generate salt: %w", err)
			}
		} else {
			salt = make([]byte, aw.kind.IVOrSaltLen())
			if _, err := io.ReadFull(rand.Reader, salt); err != nil {
				return fmt.Errorf("failed to generate salt: %w", err)
			}
		}
	}
	subkey, err := aw.deriveSubkey(aw.key, salt, aw.kind.KeyLen())
	if err != nil {
		return fmt.Errorf("failed to derive subkey: %w", err)
	}
	aead, err := cipherSpecs[aw.kind].newAEAD(subkey)
	if err != nil {
		return fmt.Errorf("failed to create AEAD: %w", err)
	}
	aw.aead = aead
	aw.counter = make([]byte, aead.NonceSize())
	aw.salt = salt
	aw.pending = make([]byte, 0, aeadMaxPayloadSize+aead.Overhead())
	aw.lenBuf = make([]byte, lengthPrefixSize, lengthPrefixSize+aead.Overhead())
	return nil
}

func (aw *aeadEncryptedWriter) nonce() []byte { return aw.salt }

func (aw *aeadEncryptedWriter) Write(p []byte) (int, error) {
	n, err := aw.readFrom(bytes.NewReader(p), modeNormal)
	return int(n), err
}

func (aw *aeadEncryptedWriter) LazyWrite(p []byte) (int, error) {
	aw.flush = sync.Once{}
	n, err := aw.readFrom(bytes.NewReader(p), modeLazy)
	return int(n), err
}

func (aw *aeadEncryptedWriter) Flush() error {
	var err error
	aw.flush.Do(func() {
		_, err = aw.readFrom(bytes.NewReader(nil), modeFlush)
	})
	return err
}

func (aw *aeadEncryptedWriter) ReadFrom(r io.Reader) (int64, error) {
	return aw.readFrom(r, modeNormal)
}

// readFrom accumulates plaintext into aw.pending and encrypts+flushes a
// chunk whenever it reaches aeadMaxPayloadSize or mode isn't lazy.
func (aw *aeadEncryptedWriter) readFrom(r io.Reader, mode int) (int64, error) {
	if err := aw.init(); err != nil {
		return 0, err
	}

	var written int64
	for {
		start := len(aw.pending)
		free := aeadMaxPayloadSize - start
		aw.pending = aw.pending[:start+free]
		n, rerr := r.Read(aw.pending[start:])
		aw.pending = aw.pending[:start+n]
		written += int64(n)

		shouldFlush := len(aw.pending) == aeadMaxPayloadSize || (mode != modeLazy && len(aw.pending) > 0)
		if shouldFlush {
			if ferr := aw.flushPending(); ferr != nil {
				return written, ferr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, fmt.Errorf("failed to read plaintext: %w", rerr)
		}
	}
}

func (aw *aeadEncryptedWriter) flushPending() error {
	if len(aw.pending) == 0 && aw.saltSent {
		return nil
	}
	size := len(aw.pending)
	aw.lenBuf = aw.lenBuf[:lengthPrefixSize]
	aw.lenBuf[0] = byte(size >> 8)
	aw.lenBuf[1] = byte(size)
	sealedLen := aw.aead.Seal(aw.lenBuf[:0], aw.counter, aw.lenBuf, nil)
	increment(aw.counter)

	sealedPayload := aw.aead.Seal(aw.pending[:0], aw.counter, aw.pending, nil)
	increment(aw.counter)

	if !aw.saltSent {
		if _, err := aw.writer.Write(aw.salt); err != nil {
			return fmt.Errorf("failed to write salt: %w", err)
		}
		aw.saltSent = true
	}
	if _, err := aw.writer.Write(sealedLen); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}
	if size > 0 {
		if _, err := aw.writer.Write(sealedPayload); err != nil {
			return fmt.Errorf("failed to write payload: %w", err)
		}
	}
	aw.pending = aw.pending[:0]
	return nil
}

// increment treats b as a little-endian counter and adds one, matching the
// AEAD nonce-increment rule (spec §6 Wire — AEAD). Grounded on the
// teacher's shadowsocks/stream.go increment.
func increment(b []byte) {
	for i := range b {
		b[i]++
		if b[i] != 0 {
			return
		}
	}
}
