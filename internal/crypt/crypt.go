// Package crypt provides the cryptographic primitives for MyFS volumes:
// password-based key derivation, AEAD encryption of volume sections and
// file content, key verification without key storage, and plaintext
// checksums for integrity verification.
package crypt

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the derived key length in bytes (AES-256).
	KeySize = 32

	// SaltSize is the length of generated KDF salts in bytes.
	SaltSize = 16

	// Iterations is the fixed PBKDF2 iteration count. Changing it would
	// make existing volumes underivable, so it is not configurable.
	Iterations = 100_000
)

// verificationLabel is the fixed phrase HMAC'd to produce a key
// verification hash. A party holding only the hash can validate a
// candidate key but cannot recover it.
var verificationLabel = []byte("MyFS-Key-Verification")

// DeriveKey derives a 32-byte key from a password using
// PBKDF2-HMAC-SHA256. When salt is nil a fresh random salt is
// generated; otherwise the salt is reused verbatim so that the same
// (password, salt) pair always re-derives the same key.
func DeriveKey(password, salt []byte) (key, outSalt []byte, err error) {
	if len(password) == 0 {
		return nil, nil, errors.New("crypt: empty password")
	}
	if salt == nil {
		salt = make([]byte, SaltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, nil, fmt.Errorf("crypt: generate salt: %w", err)
		}
	}
	key = pbkdf2.Key(password, salt, Iterations, KeySize, sha256.New)
	return key, salt, nil
}

// VerificationHash returns a one-way hex digest of key, suitable for
// storage. See VerifyKey.
func VerificationHash(key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(verificationLabel)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyKey reports whether key matches a previously stored
// verification hash. Comparison is constant time.
func VerifyKey(key []byte, hash string) bool {
	want, err := hex.DecodeString(hash)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(verificationLabel)
	return hmac.Equal(mac.Sum(nil), want)
}

// Checksum returns the SHA-256 digest of data as lowercase hex.
// It is independent of encryption and is used for content integrity.
func Checksum(data []byte) string {
	return digest.FromBytes(data).Encoded()
}

// Zero overwrites b with zeros. Used to scrub key material when a
// volume session ends.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
