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
	"fmt"
	"io"
	"time"
)

// AEAD-2022 fixed header layout, adapted from the sing-shadowsocks
// shadowaead_2022 request/response header (other_examples
// .../shadowaead_2022-service.go) to this package's TCP framing: it rides
// inside the first AEAD chunk rather than its own packet.
const (
	headerTypeClient byte = 0
	headerTypeServer byte = 1

	// fixedHeaderLen is type(1) + unix-timestamp(8) + padding-length(2).
	fixedHeaderLen = 1 + 8 + 2

	// maxTimestampSkew is how far a header's embedded clock may drift from
	// ours before it is rejected as a replay/clock-skew defense (spec §4.2,
	// "AEAD-2022 family").
	maxTimestampSkew = 30 * time.Second
)

// errBadTimestamp is returned when an AEAD-2022 header's embedded
// timestamp falls outside maxTimestampSkew of the local clock.
var errBadTimestamp = fmt.Errorf("%w: timestamp outside allowed skew", ErrProtocolFraming)

// errBadHeaderType is returned when an AEAD-2022 header's type byte isn't
// the one expected for this stream's direction.
var errBadHeaderType = fmt.Errorf("%w: unexpected header type", ErrProtocolFraming)

// aead2022DecryptedReader layers the AEAD-2022 fixed header (spec §4.2) on
// top of the plain AEAD chunk framing: the header and padding occupy the
// front of the first decrypted chunk, and whatever follows in that chunk
// is the caller's actual first plaintext (typically the target address).
type aead2022DecryptedReader struct {
	core         *aeadDecryptedReader
	expectType   byte
	headerChecked bool
	requestSalt  []byte // the salt of the first received chunk, for echoing
}

// NewAEAD2022DecryptedReader builds a Reader that decrypts an AEAD-2022
// connection. expectServerHeader selects which peer's header type this
// side expects to receive (true when reading a server's response).
func NewAEAD2022DecryptedReader(reader io.Reader, kind CipherKind, presharedKey []byte, expectServerHeader bool) Reader {
	expect := headerTypeClient
	if expectServerHeader {
		expect = headerTypeServer
	}
	core := newAEADDecryptedReader(reader, kind, presharedKey, deriveAead2022SessionKey)
	return &readConverter{cr: &aead2022DecryptedReader{core: core, expectType: expect}}
}

func (dr *aead2022DecryptedReader) nonce() []byte { return dr.core.nonce() }

// RequestSalt returns the salt carried by the first received chunk, once
// available; a server's response writer echoes this back per spec §4.2.
func (dr *aead2022DecryptedReader) RequestSalt() []byte { return dr.requestSalt }

func (dr *aead2022DecryptedReader) ReadChunk() ([]byte, error) {
	chunk, err := dr.core.ReadChunk()
	if err != nil {
		return nil, err
	}
	if dr.headerChecked {
		return chunk, nil
	}
	dr.requestSalt = dr.core.salt
	rest, err := dr.checkHeader(chunk)
	if err != nil {
		return nil, err
	}
	dr.headerChecked = true
	return rest, nil
}

func (dr *aead2022DecryptedReader) checkHeader(chunk []byte) ([]byte, error) {
	if len(chunk) < fixedHeaderLen {
		return nil, fmt.Errorf("%w: header truncated", ErrProtocolFraming)
	}
	headerType := chunk[0]
	if headerType != dr.expectType {
		log.Warningf("aead2022: got header type %d, expected %d", headerType, dr.expectType)
		return nil, errBadHeaderType
	}
	var epoch uint64
	for i := 0; i < 8; i++ {
		epoch = epoch<<8 | uint64(chunk[1+i])
	}
	skew := time.Since(time.Unix(int64(epoch), 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return nil, errBadTimestamp
	}
	paddingLen := int(chunk[9])<<8 | int(chunk[10])
	if len(chunk) < fixedHeaderLen+paddingLen {
		return nil, fmt.Errorf("%w: padding truncated", ErrProtocolFraming)
	}
	return chunk[fixedHeaderLen+paddingLen:], nil
}

// aead2022EncryptedWriter prepends the fixed AEAD-2022 header (spec §4.2)
// to the first plaintext it is ever asked to send, then behaves exactly
// like the plain AEAD writer.
type aead2022EncryptedWriter struct {
	core       *aeadEncryptedWriter
	headerType byte
	headerSent bool
	now        func() time.Time
}

// NewAEAD2022EncryptedWriter builds a Writer that encrypts an AEAD-2022
// connection. isServerResponse selects the header's type byte; a server
// that needs to echo the client's request salt should call SetRequestSalt
// before the first Write/LazyWrite.
func NewAEAD2022EncryptedWriter(writer io.Writer, kind CipherKind, presharedKey []byte, isServerResponse bool) *aead2022EncryptedWriter {
	ty := headerTypeClient
	if isServerResponse {
		ty = headerTypeServer
	}
	core := newAEADEncryptedWriter(writer, kind, presharedKey, deriveAead2022SessionKey)
	return &aead2022EncryptedWriter{core: core, headerType: ty, now: time.Now}
}

// SetRequestSalt makes this writer echo salt as its own salt instead of
// generating a fresh one, the AEAD-2022 response-salt-echo requirement
// (spec §4.2, "set_request_nonce"). Must be called before the first write.
func (ew *aead2022EncryptedWriter) SetRequestSalt(salt []byte) {
	ew.core.presetSalt = salt
}

func (ew *aead2022EncryptedWriter) nonce() []byte { return ew.core.nonce() }

func (ew *aead2022EncryptedWriter) header() []byte {
	h := make([]byte, fixedHeaderLen)
	h[0] = ew.headerType
	epoch := uint64(ew.now().Unix())
	for i := 7; i >= 0; i-- {
		h[1+i] = byte(epoch)
		epoch >>= 8
	}
	// paddingLen left at 0: this module does not pad chunk sizes.
	return h
}

func (ew *aead2022EncryptedWriter) prefixHeader(p []byte) []byte {
	if ew.headerSent {
		return p
	}
	ew.headerSent = true
	return append(ew.header(), p...)
}

func (ew *aead2022EncryptedWriter) Write(p []byte) (int, error) {
	_, err := ew.core.Write(ew.prefixHeader(p))
	return reportWritten(len(p), err)
}

func (ew *aead2022EncryptedWriter) LazyWrite(p []byte) (int, error) {
	_, err := ew.core.LazyWrite(ew.prefixHeader(p))
	return reportWritten(len(p), err)
}

func (ew *aead2022EncryptedWriter) Flush() error {
	return ew.core.Flush()
}

func (ew *aead2022EncryptedWriter) ReadFrom(r io.Reader) (int64, error) {
	if ew.headerSent {
		return ew.core.ReadFrom(r)
	}
	// The header must land in the very first encrypted chunk, so do one
	// buffered LazyWrite+Flush of whatever is available before handing
	// the rest of the stream to the fast ReadFrom path.
	var first [aeadMaxPayloadSize]byte
	n, err := r.Read(first[:])
	if n > 0 {
		if _, werr := ew.LazyWrite(first[:n]); werr != nil {
			return 0, werr
		}
		if ferr := ew.Flush(); ferr != nil {
			return int64(n), ferr
		}
	} else if !ew.headerSent {
		if _, werr := ew.LazyWrite(nil); werr != nil {
			return 0, werr
		}
		if ferr := ew.Flush(); ferr != nil {
			return 0, ferr
		}
	}
	if err != nil {
		if err == io.EOF {
			return int64(n), nil
		}
		return int64(n), err
	}
	rest, ferr := ew.core.ReadFrom(r)
	return int64(n) + rest, ferr
}

// reportWritten reports the write count relative to the caller's original
// p (the header bytes prepended ahead of it are invisible to the caller):
// wantLen on success, 0 on any failure partway through the combined write.
func reportWritten(wantLen int, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	return wantLen, nil
}
