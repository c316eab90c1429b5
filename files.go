package myfs

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/meigma/myfs/internal/crypt"
	"github.com/meigma/myfs/internal/table"
)

// Entry describes one file stored in a volume.
type Entry = table.Entry

// Compression identifies how content is transformed before encryption.
type Compression = table.Compression

const (
	CompressionNone = table.CompressionNone
	CompressionZstd = table.CompressionZstd
)

// Import stores data under name. A live file with the same name is
// replaced. When password is non-nil the content is sealed with a key
// derived from it instead of the master key, and only that password
// (or a forced master-key attempt) can read it back.
func (v *Volume) Import(name string, data []byte, password []byte) (*Entry, error) {
	return v.importContent(name, "", data, password)
}

// ImportFile stores the file at srcPath under its base name, recording
// the source path so the content can be re-read from disk as a last
// resort during recovery.
func (v *Volume) ImportFile(srcPath string, password []byte) (*Entry, error) {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return nil, fmt.Errorf("myfs: read %s: %w", srcPath, err)
	}
	abs, err := filepath.Abs(srcPath)
	if err != nil {
		abs = srcPath
	}
	return v.importContent(filepath.Base(srcPath), abs, data, password)
}

func (v *Volume) importContent(name, originalPath string, data, password []byte) (*Entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireReady(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.New("myfs: file name must not be empty")
	}

	now := time.Now().UTC()
	checksum := crypt.Checksum(data)

	payload, comp, err := compress(data, v.cfg.compression)
	if err != nil {
		return nil, err
	}

	entry := table.NewEntry(name, uint64(len(data)), checksum, now)
	entry.Compression = comp
	entry.OriginalPath = originalPath

	key := v.masterKey
	if password != nil {
		fileKey, fileSalt, err := crypt.DeriveKey(password, nil)
		if err != nil {
			return nil, err
		}
		defer crypt.Zero(fileKey)

		entry.PasswordProtected = true
		entry.Salt = hex.EncodeToString(fileSalt)
		v.meta.SetFileKey(name, fileSalt, fileKey)
		key = fileKey
	}

	ct, err := crypt.Encrypt(payload, key)
	if err != nil {
		return nil, err
	}

	v.tbl.InsertOrReplace(entry)
	if err := v.repack(map[*table.Entry][]byte{entry: ct}); err != nil {
		return nil, mapWriteErr(err)
	}
	if err := v.saveMetadata(now); err != nil {
		return nil, err
	}

	v.log().Info("file imported", "name", name,
		"size", entry.OriginalSize, "protected", entry.PasswordProtected,
		"compression", string(comp))
	return cloneEntry(entry), nil
}

// Export returns the decrypted content of the live file name.
//
// Resolution runs strategies in order until one yields plaintext:
// the raw option short-circuits with the stored ciphertext; a supplied
// file password is tried for protected entries; the master key covers
// unprotected entries and, with the force option, protected ones too;
// and with the recover option the file's recorded source path is read
// from disk as a last resort. Each exhausted strategy is logged.
func (v *Volume) Export(name string, opts ...ExportOption) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireReady(); err != nil {
		return nil, err
	}

	var cfg exportConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	entry := v.tbl.Live(name)
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}

	ct, err := v.readCiphertext(entry)
	if err != nil {
		return nil, err
	}
	if cfg.raw {
		return ct, nil
	}

	payload, err := v.resolvePayload(entry, ct, &cfg)
	if err != nil {
		if cfg.recover && entry.OriginalPath != "" {
			if data, rerr := os.ReadFile(entry.OriginalPath); rerr == nil {
				v.log().Warn("recovered content from original source path",
					"name", name, "path", entry.OriginalPath)
				return data, nil
			}
			v.log().Warn("original source path unavailable",
				"name", name, "path", entry.OriginalPath)
		}
		return nil, err
	}

	plain, err := decompress(payload, entry.Compression, entry.OriginalSize)
	if err != nil {
		return nil, err
	}
	if got := crypt.Checksum(plain); got != entry.Checksum {
		v.log().Warn("checksum mismatch on export",
			"name", name, "stored", entry.Checksum, "computed", got)
	}
	return plain, nil
}

// ExportTo writes the exported content of name to destPath with
// owner-only permissions. The content is staged to a temporary file
// and renamed into place, so a failure mid-write never leaves a
// partial file at destPath.
func (v *Volume) ExportTo(name, destPath string, opts ...ExportOption) error {
	data, err := v.Export(name, opts...)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".myfs-export-*")
	if err != nil {
		return mapWriteErr(fmt.Errorf("myfs: stage %s: %w", destPath, err))
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return mapWriteErr(fmt.Errorf("myfs: write %s: %w", destPath, err))
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("myfs: close staged file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return mapWriteErr(fmt.Errorf("myfs: replace %s: %w", destPath, err))
	}
	success = true
	return nil
}

// resolvePayload runs the decryption strategy chain for one entry.
func (v *Volume) resolvePayload(entry *table.Entry, ct []byte, cfg *exportConfig) ([]byte, error) {
	if entry.PasswordProtected {
		if cfg.password != nil {
			payload, err := v.decryptWithFilePassword(entry, ct, cfg.password)
			if err == nil {
				return payload, nil
			}
			if !cfg.force {
				return nil, err
			}
			v.log().Warn("file password rejected, forcing master key",
				"name", entry.Name, "error", err)
		} else if !cfg.force {
			// The strategy chain is exhausted without a password: no
			// decryption was possible, which is distinct from a wrong
			// password being rejected.
			return nil, fmt.Errorf("%w: %s requires its file password",
				ErrDecryptionFailed, entry.Name)
		}
	}

	payload, err := crypt.Decrypt(ct, v.masterKey)
	if err != nil {
		return nil, fmt.Errorf("myfs: %s: %w", entry.Name, err)
	}
	return payload, nil
}

// decryptWithFilePassword derives the entry's file key and opens the
// ciphertext with it. The salt lives on the entry; older metadata-only
// records are consulted as a fallback.
func (v *Volume) decryptWithFilePassword(entry *table.Entry, ct, password []byte) ([]byte, error) {
	salt, err := v.fileSalt(entry)
	if err != nil {
		return nil, err
	}
	key, _, err := crypt.DeriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	defer crypt.Zero(key)

	// A missing key record (stale or alternate metadata) falls through
	// to the AEAD tag as the only arbiter.
	if _, recorded := v.meta.FileKeys[entry.Name]; recorded && !v.meta.VerifyFileKey(entry.Name, key) {
		return nil, fmt.Errorf("%w: wrong password for %s",
			ErrAuthenticationFailed, entry.Name)
	}
	payload, err := crypt.Decrypt(ct, key)
	if err != nil {
		return nil, fmt.Errorf("myfs: %s: %w", entry.Name, err)
	}
	return payload, nil
}

// fileSalt returns the KDF salt of a password-protected entry.
func (v *Volume) fileSalt(entry *table.Entry) ([]byte, error) {
	if entry.Salt != "" {
		salt, err := hex.DecodeString(entry.Salt)
		if err != nil {
			return nil, fmt.Errorf("myfs: %s: malformed salt: %w", entry.Name, err)
		}
		return salt, nil
	}
	if salt, ok := v.meta.FileSalt(entry.Name); ok {
		return salt, nil
	}
	return nil, fmt.Errorf("%w: no salt recorded for %s",
		ErrAuthenticationFailed, entry.Name)
}

// Delete soft-deletes the live file name. The entry moves to the
// deleted set and its content stays in the volume until Purge.
func (v *Volume) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireReady(); err != nil {
		return err
	}

	if err := v.tbl.MarkDeleted(name, time.Now().UTC()); err != nil {
		return err
	}
	if err := v.repack(nil); err != nil {
		return mapWriteErr(err)
	}
	v.log().Info("file deleted", "name", name)
	return nil
}

// Recover restores a soft-deleted file to the live set. It fails when
// a live file already claims the name.
func (v *Volume) Recover(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireReady(); err != nil {
		return err
	}

	if err := v.tbl.Restore(name); err != nil {
		return err
	}
	if err := v.repack(nil); err != nil {
		return mapWriteErr(err)
	}
	v.log().Info("file recovered", "name", name)
	return nil
}

// Purge permanently drops all soft-deleted entries, reclaims their
// content space, and removes any file keys no remaining entry uses.
// It returns how many entries were purged.
func (v *Volume) Purge() (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireReady(); err != nil {
		return 0, err
	}

	purged := v.tbl.Purge()
	if purged == 0 {
		return 0, nil
	}
	if err := v.repack(nil); err != nil {
		return 0, mapWriteErr(err)
	}
	if err := v.saveMetadata(time.Now().UTC()); err != nil {
		return 0, err
	}
	v.log().Info("deleted files purged", "count", purged)
	return purged, nil
}

// List returns the live entries in insertion order, or all entries
// when includeDeleted is set.
func (v *Volume) List(includeDeleted bool) []*Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tbl.List(includeDeleted)
}

// ListDeleted returns the soft-deleted entries only.
func (v *Volume) ListDeleted() []*Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tbl.ListDeleted()
}

// saveMetadata drops file keys no entry references anymore, then
// persists the metadata companion.
func (v *Volume) saveMetadata(now time.Time) error {
	protected := make(map[string]bool)
	for _, e := range v.tbl.Files {
		if e.PasswordProtected {
			protected[e.Name] = true
		}
	}
	for name := range v.meta.FileKeys {
		if !protected[name] {
			v.meta.DeleteFileKey(name)
		}
	}
	if err := v.meta.Save(v.metaPath, v.masterKey, now); err != nil {
		return mapWriteErr(err)
	}
	return nil
}

func cloneEntry(e *table.Entry) *Entry {
	cp := *e
	if e.DeletedTime != nil {
		tm := *e.DeletedTime
		cp.DeletedTime = &tm
	}
	return &cp
}
