// Package metadata implements the external metadata companion file of
// a MyFS volume. It stores the master-key salt, its verification hash,
// and the per-file key records; the keys themselves are never
// persisted. The file is typically kept off the main volume (removable
// media), so volume and metadata together are required to authenticate.
//
// On disk the file is two length-prefixed sections: the cleartext
// master salt, which must be readable before any key can be derived,
// followed by an AEAD package wrapping the JSON metadata. The package
// both encrypts the per-file records and authenticates the whole file
// against the master key.
package metadata

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/meigma/myfs/internal/codec"
	"github.com/meigma/myfs/internal/crypt"
)

// Version is written to new metadata files.
const Version = "2.0"

// maxSaltSection bounds the cleartext salt section.
const maxSaltSection = 1024

var (
	// ErrNotFound is returned when the metadata file does not exist.
	ErrNotFound = errors.New("myfs: metadata file not found")

	// ErrAuthenticationFailed is returned when the password does not
	// reproduce the key the metadata file was sealed with.
	ErrAuthenticationFailed = errors.New("myfs: authentication failed")
)

// FileKey records the derivation material for one password-protected
// file: the KDF salt and the verification hash of the derived key.
type FileKey struct {
	Salt         string `json:"salt"`
	Verification string `json:"verification"`
}

// Metadata is the decrypted content of the companion file.
type Metadata struct {
	Version         string             `json:"version"`
	Salt            string             `json:"salt"`
	KeyVerification string             `json:"key_verification"`
	FileKeys        map[string]FileKey `json:"file_keys"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// New builds metadata for a fresh volume keyed by key, whose salt is
// recorded for later re-derivation.
func New(salt, key []byte, now time.Time) *Metadata {
	return &Metadata{
		Version:         Version,
		Salt:            hex.EncodeToString(salt),
		KeyVerification: crypt.VerificationHash(key),
		FileKeys:        map[string]FileKey{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Open reads the metadata file, derives the master key from the stored
// salt and the given password, and authenticates it. On success it
// returns the metadata and the derived key.
func Open(path string, password []byte) (*Metadata, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, nil, fmt.Errorf("metadata: open %s: %w", path, err)
	}
	defer f.Close()

	salt, err := codec.ReadSection(f, maxSaltSection)
	if err != nil {
		return nil, nil, fmt.Errorf("metadata: salt section: %w", err)
	}
	sealed, err := codec.ReadSection(f, codec.MaxTableSize)
	if err != nil {
		return nil, nil, fmt.Errorf("metadata: sealed section: %w", err)
	}

	key, _, err := crypt.DeriveKey(password, salt)
	if err != nil {
		return nil, nil, err
	}

	plaintext, err := crypt.Decrypt(sealed, key)
	if err != nil {
		// Tag failure on the metadata package means the password did
		// not reproduce the sealing key.
		if errors.Is(err, crypt.ErrDecryptionFailed) {
			return nil, nil, ErrAuthenticationFailed
		}
		return nil, nil, err
	}

	var m Metadata
	if err := json.Unmarshal(plaintext, &m); err != nil {
		return nil, nil, fmt.Errorf("metadata: decode: %w", err)
	}
	if m.FileKeys == nil {
		m.FileKeys = map[string]FileKey{}
	}

	// The AEAD tag already proved the key; the stored verification hash
	// is checked defensively.
	if !crypt.VerifyKey(key, m.KeyVerification) {
		return nil, nil, ErrAuthenticationFailed
	}
	return &m, key, nil
}

// Save writes the metadata file atomically: staged to a temporary file
// in the destination directory, renamed into place on success.
func (m *Metadata) Save(path string, key []byte, now time.Time) error {
	m.UpdatedAt = now

	salt, err := hex.DecodeString(m.Salt)
	if err != nil {
		return fmt.Errorf("metadata: bad stored salt: %w", err)
	}
	plaintext, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("metadata: encode: %w", err)
	}
	sealed, err := crypt.Encrypt(plaintext, key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".myfs-meta-*")
	if err != nil {
		return fmt.Errorf("metadata: stage %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := codec.WriteSection(tmp, salt); err != nil {
		return err
	}
	if err := codec.WriteSection(tmp, sealed); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("metadata: close staged file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("metadata: replace %s: %w", path, err)
	}
	success = true
	return nil
}

// SetFileKey records the salt and verification hash for a
// password-protected file.
func (m *Metadata) SetFileKey(name string, salt, key []byte) {
	m.FileKeys[name] = FileKey{
		Salt:         hex.EncodeToString(salt),
		Verification: crypt.VerificationHash(key),
	}
}

// DeleteFileKey drops the key record for name, if any.
func (m *Metadata) DeleteFileKey(name string) {
	delete(m.FileKeys, name)
}

// VerifyFileKey reports whether key matches the stored verification
// hash for name. Files without a record cannot be verified.
func (m *Metadata) VerifyFileKey(name string, key []byte) bool {
	fk, ok := m.FileKeys[name]
	if !ok {
		return false
	}
	return crypt.VerifyKey(key, fk.Verification)
}

// FileSalt returns the decoded KDF salt recorded for name.
func (m *Metadata) FileSalt(name string) ([]byte, bool) {
	fk, ok := m.FileKeys[name]
	if !ok {
		return nil, false
	}
	salt, err := hex.DecodeString(fk.Salt)
	if err != nil {
		return nil, false
	}
	return salt, true
}
