package crypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
)

// PackageFormat identifies the self-describing AEAD package layout
// produced by Encrypt.
const PackageFormat = "myfs/aead/v1"

const (
	nonceSize = 12
	tagSize   = 16
)

// ErrDecryptionFailed is returned when an AEAD package is malformed or
// its authentication tag does not verify (tamper or wrong key).
// Decrypt never returns partially decrypted bytes.
var ErrDecryptionFailed = errors.New("crypt: decryption failed")

// pkg is the serialized form of an encrypted package. Fields are
// base64-encoded by encoding/json.
type pkg struct {
	Format     string `json:"format"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Tag        []byte `json:"tag"`
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypt: AES-256 requires a %d-byte key, got %d bytes", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypt: create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypt: create GCM: %w", err)
	}
	return aead, nil
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random nonce
// and returns a self-describing package: JSON with format tag, nonce,
// ciphertext, and authentication tag as separate fields. The JSON
// wrapping makes the wire format unambiguous; the legacy concatenated
// layout is accepted by Decrypt but never produced.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypt: generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)

	// Seal appends the tag to the ciphertext; split them so the package
	// is self-describing.
	out, err := json.Marshal(pkg{
		Format:     PackageFormat,
		Nonce:      nonce,
		Ciphertext: sealed[:len(sealed)-tagSize],
		Tag:        sealed[len(sealed)-tagSize:],
	})
	if err != nil {
		return nil, fmt.Errorf("crypt: encode package: %w", err)
	}
	return out, nil
}

// Decrypt opens a package produced by Encrypt and returns the
// plaintext. If the data does not parse as a package it falls back to
// the legacy nonce‖ciphertext‖tag concatenation written by old
// volumes. Any malformed input or tag failure yields
// ErrDecryptionFailed.
func Decrypt(data, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce, sealed, ok := decodePackage(data)
	if !ok {
		// Legacy layout: [12-byte nonce][ciphertext][16-byte tag].
		if len(data) < nonceSize+tagSize {
			return nil, fmt.Errorf("%w: package too short", ErrDecryptionFailed)
		}
		nonce, sealed = data[:nonceSize], data[nonceSize:]
	}

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// decodePackage parses the self-describing JSON package form.
// ok is false when data is not a package, directing the caller to the
// legacy fallback.
func decodePackage(data []byte) (nonce, sealed []byte, ok bool) {
	if len(data) == 0 || data[0] != '{' {
		return nil, nil, false
	}
	var p pkg
	if err := json.Unmarshal(data, &p); err != nil || p.Format != PackageFormat {
		return nil, nil, false
	}
	if len(p.Nonce) != nonceSize || len(p.Tag) != tagSize {
		return nil, nil, false
	}
	var buf bytes.Buffer
	buf.Grow(len(p.Ciphertext) + len(p.Tag))
	buf.Write(p.Ciphertext)
	buf.Write(p.Tag)
	return p.Nonce, buf.Bytes(), true
}
