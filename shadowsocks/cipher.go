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

// Package shadowsocks implements the Shadowsocks wire protocol: target
// address encoding, the three cipher families (legacy stream, AEAD,
// AEAD-2022) and the CryptoStream that frames and encrypts/decrypts a TCP
// byte stream with them.
package shadowsocks

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rc4"
	"crypto/sha1"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// CipherCategory groups cipher kinds by framing family. The three families
// share the DecryptedReader/EncryptedWriter contracts in stream_cipher.go,
// aead.go and aead2022.go respectively.
type CipherCategory int

const (
	CategoryNone CipherCategory = iota
	CategoryStream
	CategoryAead
	CategoryAead2022
)

func (c CipherCategory) String() string {
	switch c {
	case CategoryNone:
		return "none"
	case CategoryStream:
		return "stream"
	case CategoryAead:
		return "aead"
	case CategoryAead2022:
		return "aead2022"
	default:
		return "unknown"
	}
}

// CipherKind enumerates every cipher this package can frame.
type CipherKind int

const (
	None CipherKind = iota

	// Stream family.
	AES128CTR
	AES192CTR
	AES256CTR
	AES128CFB
	AES192CFB
	AES256CFB
	RC4MD5
	Chacha20IETF

	// AEAD family.
	AES128GCM
	AES192GCM
	AES256GCM
	Chacha20IETFPoly1305
	XChacha20IETFPoly1305

	// AEAD-2022 family.
	Aead2022Blake3Aes128GCM
	Aead2022Blake3Aes256GCM
	Aead2022Blake3Chacha20Poly1305
)

type cipherSpec struct {
	name      string
	category  CipherCategory
	keyLen    int
	nonceLen  int // iv_len (stream), salt_len (aead/aead2022)
	tagLen    int // aead overhead; 0 for stream
	newStream func(key, iv []byte, decrypt bool) (cipher.Stream, error)
	newAEAD   func(key []byte) (cipher.AEAD, error)
}

var cipherSpecs = map[CipherKind]cipherSpec{
	None: {name: "none", category: CategoryNone},

	AES128CTR:    {name: "aes-128-ctr", category: CategoryStream, keyLen: 16, nonceLen: aes.BlockSize, newStream: newAESCTR},
	AES192CTR:    {name: "aes-192-ctr", category: CategoryStream, keyLen: 24, nonceLen: aes.BlockSize, newStream: newAESCTR},
	AES256CTR:    {name: "aes-256-ctr", category: CategoryStream, keyLen: 32, nonceLen: aes.BlockSize, newStream: newAESCTR},
	AES128CFB:    {name: "aes-128-cfb", category: CategoryStream, keyLen: 16, nonceLen: aes.BlockSize, newStream: newAESCFB},
	AES192CFB:    {name: "aes-192-cfb", category: CategoryStream, keyLen: 24, nonceLen: aes.BlockSize, newStream: newAESCFB},
	AES256CFB:    {name: "aes-256-cfb", category: CategoryStream, keyLen: 32, nonceLen: aes.BlockSize, newStream: newAESCFB},
	RC4MD5:       {name: "rc4-md5", category: CategoryStream, keyLen: 16, nonceLen: 16, newStream: newRC4MD5},
	Chacha20IETF: {name: "chacha20-ietf", category: CategoryStream, keyLen: chacha20.KeySize, nonceLen: chacha20.NonceSize, newStream: newChacha20IETFStream},

	AES128GCM:             {name: "aes-128-gcm", category: CategoryAead, keyLen: 16, nonceLen: 16, tagLen: 16, newAEAD: newAESGCM},
	AES192GCM:             {name: "aes-192-gcm", category: CategoryAead, keyLen: 24, nonceLen: 24, tagLen: 16, newAEAD: newAESGCM},
	AES256GCM:             {name: "aes-256-gcm", category: CategoryAead, keyLen: 32, nonceLen: 32, tagLen: 16, newAEAD: newAESGCM},
	Chacha20IETFPoly1305:  {name: "chacha20-ietf-poly1305", category: CategoryAead, keyLen: chacha20poly1305.KeySize, nonceLen: 32, tagLen: chacha20poly1305.Overhead, newAEAD: chacha20poly1305.New},
	XChacha20IETFPoly1305: {name: "xchacha20-ietf-poly1305", category: CategoryAead, keyLen: chacha20poly1305.KeySize, nonceLen: 32, tagLen: chacha20poly1305.Overhead, newAEAD: chacha20poly1305.NewX},

	Aead2022Blake3Aes128GCM:        {name: "2022-blake3-aes-128-gcm", category: CategoryAead2022, keyLen: 16, nonceLen: 16, tagLen: 16, newAEAD: newAESGCM},
	Aead2022Blake3Aes256GCM:        {name: "2022-blake3-aes-256-gcm", category: CategoryAead2022, keyLen: 32, nonceLen: 32, tagLen: 16, newAEAD: newAESGCM},
	Aead2022Blake3Chacha20Poly1305: {name: "2022-blake3-chacha20-poly1305", category: CategoryAead2022, keyLen: chacha20poly1305.KeySize, nonceLen: 32, tagLen: chacha20poly1305.Overhead, newAEAD: chacha20poly1305.New},
}

// ParseCipherKind looks up a CipherKind by its Shadowsocks method name.
func ParseCipherKind(name string) (CipherKind, error) {
	name = strings.ToLower(name)
	for kind, spec := range cipherSpecs {
		if spec.name == name {
			return kind, nil
		}
	}
	return None, fmt.Errorf("unknown cipher method %q", name)
}

func (k CipherKind) String() string {
	if spec, ok := cipherSpecs[k]; ok {
		return spec.name
	}
	return "unknown"
}

// Category reports which framing family k belongs to.
func (k CipherKind) Category() CipherCategory {
	return cipherSpecs[k].category
}

// KeyLen is the length in bytes of the pre-shared master key.
func (k CipherKind) KeyLen() int {
	return cipherSpecs[k].keyLen
}

// IVOrSaltLen is the length in bytes of the per-connection IV (stream
// family) or salt (AEAD, AEAD-2022 families).
func (k CipherKind) IVOrSaltLen() int {
	return cipherSpecs[k].nonceLen
}

// TagLen is the AEAD authentication tag length; zero for the stream family.
func (k CipherKind) TagLen() int {
	return cipherSpecs[k].tagLen
}

func newAESCTR(key, iv []byte, _ bool) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

func newAESCFB(key, iv []byte, decrypt bool) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if decrypt {
		return cipher.NewCFBDecrypter(block, iv), nil
	}
	return cipher.NewCFBEncrypter(block, iv), nil
}

func newRC4MD5(key, iv []byte, _ bool) (cipher.Stream, error) {
	h := md5.New()
	h.Write(key)
	h.Write(iv)
	rc4Key := h.Sum(nil)
	return rc4.NewCipher(rc4Key)
}

func newChacha20IETFStream(key, iv []byte, _ bool) (cipher.Stream, error) {
	return chacha20.NewUnauthenticatedCipher(key, iv)
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// subkeyInfo is the HKDF info string shared by every AEAD family, as
// specified by https://shadowsocks.org/en/spec/AEAD-Ciphers.html.
var subkeyInfo = []byte("ss-subkey")

// deriveAeadSubkey implements HKDF-SHA1(masterKey, salt, "ss-subkey", keyLen),
// the subkey derivation the AEAD family (spec §6, Wire — AEAD) requires.
func deriveAeadSubkey(masterKey, salt []byte, keyLen int) ([]byte, error) {
	subkey := make([]byte, keyLen)
	r := hkdf.New(sha1.New, masterKey, salt, subkeyInfo)
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, err
	}
	return subkey, nil
}

// aead2022SessionInfo namespaces the AEAD-2022 session-key derivation away
// from the plain AEAD family. The upstream Shadowsocks-2022 spec derives
// session keys with BLAKE3; no BLAKE3 implementation is present anywhere in
// the example pack this module was grounded on, so this module reuses the
// already-wired HKDF-SHA1 machinery with a distinct info string instead of
// introducing an ungrounded dependency. See DESIGN.md for the tradeoff.
var aead2022SessionInfo = []byte("2022-session-subkey")

func deriveAead2022SessionKey(presharedKey, salt []byte, keyLen int) ([]byte, error) {
	subkey := make([]byte, keyLen)
	r := hkdf.New(sha1.New, presharedKey, salt, aead2022SessionInfo)
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, err
	}
	return subkey, nil
}

// evpBytesToKey implements OpenSSL's EVP_BytesToKey with MD5, the legacy
// key-stretching function the stream cipher family uses to turn a
// passphrase into a fixed-length master key.
func evpBytesToKey(password string, keyLen int) []byte {
	var derived, prev []byte
	h := md5.New()
	for len(derived) < keyLen {
		h.Write(prev)
		h.Write([]byte(password))
		derived = h.Sum(derived)
		prev = derived[len(derived)-h.Size():]
		h.Reset()
	}
	return derived[:keyLen]
}

// DeriveKey turns a passphrase into a master key of the length kind
// requires, using the same EVP_BytesToKey construction for every family
// (legacy Shadowsocks key derivation; AEAD-2022 keys are usually supplied
// pre-derived/base64 but may also be passphrase-derived this way).
func DeriveKey(kind CipherKind, password string) []byte {
	return evpBytesToKey(password, kind.KeyLen())
}
