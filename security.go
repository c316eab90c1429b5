package myfs

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meigma/myfs/internal/crypt"
	"github.com/meigma/myfs/internal/table"
)

// RekeyOption configures a ChangeMasterPassword or SetFilePassword
// call.
type RekeyOption func(*rekeyConfig)

type rekeyConfig struct {
	force bool
}

// RekeyWithForce makes a re-keying operation proceed past content it
// cannot decrypt instead of aborting. [Volume.ChangeMasterPassword]
// skips such entries, keeping their unreadable ciphertext;
// [Volume.SetFilePassword] additionally accepts a missing or wrong
// current password, falling back to the master key and, at worst,
// empty content. Every fallback is logged.
func RekeyWithForce(enabled bool) RekeyOption {
	return func(c *rekeyConfig) {
		c.force = enabled
	}
}

// ChangeMasterPassword re-keys the volume under a key derived from
// newPassword with a fresh salt. Every master-keyed entry is decrypted
// and re-sealed under the new key; password-protected entries are
// carried byte for byte, since their keys do not involve the master
// password. Both the volume and metadata files are backed up with a
// .bak suffix first; the backups are removed on success and retained
// on failure.
func (v *Volume) ChangeMasterPassword(oldPassword, newPassword []byte, opts ...RekeyOption) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireReady(); err != nil {
		return err
	}

	var cfg rekeyConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	salt, err := hex.DecodeString(v.meta.Salt)
	if err != nil {
		return fmt.Errorf("myfs: bad stored salt: %w", err)
	}
	oldKey, _, err := crypt.DeriveKey(oldPassword, salt)
	if err != nil {
		return err
	}
	defer crypt.Zero(oldKey)
	if !crypt.VerifyKey(oldKey, v.meta.KeyVerification) {
		return ErrAuthenticationFailed
	}

	newKey, newSalt, err := crypt.DeriveKey(newPassword, nil)
	if err != nil {
		return err
	}

	// Re-seal every master-keyed blob under the new key before any file
	// is touched.
	overrides := make(map[*table.Entry][]byte)
	for _, e := range v.tbl.Files {
		if e.PasswordProtected {
			continue
		}
		ct, err := v.readCiphertext(e)
		if err != nil {
			return err
		}
		payload, err := crypt.Decrypt(ct, v.masterKey)
		if err != nil {
			if !cfg.force {
				return fmt.Errorf("myfs: re-key %s: %w", e.Name, err)
			}
			v.log().Warn("skipping unreadable entry during re-key",
				"name", e.Name, "error", err)
			continue
		}
		newCt, err := crypt.Encrypt(payload, newKey)
		if err != nil {
			return err
		}
		overrides[e] = newCt
	}

	newHdrPkg, err := v.encryptHeader(newKey)
	if err != nil {
		return err
	}

	volBak := v.path + ".bak"
	metaBak := v.metaPath + ".bak"
	if err := copyFile(v.path, volBak); err != nil {
		return mapWriteErr(err)
	}
	if err := copyFile(v.metaPath, metaBak); err != nil {
		os.Remove(volBak)
		return mapWriteErr(err)
	}

	// Stage the fully re-keyed volume before any session state changes.
	// A failure here leaves both the disk and the session on the old
	// key.
	if err := v.repackAs(newHdrPkg, newKey, overrides); err != nil {
		crypt.Zero(newKey)
		v.log().Error("re-key failed, volume unchanged, backups retained",
			"volume_backup", volBak, "metadata_backup", metaBak, "error", err)
		return mapWriteErr(err)
	}

	crypt.Zero(v.masterKey)
	v.masterKey = newKey
	v.hdrPkg = newHdrPkg
	v.meta.Salt = hex.EncodeToString(newSalt)
	v.meta.KeyVerification = crypt.VerificationHash(newKey)

	if err := v.saveMetadata(time.Now().UTC()); err != nil {
		// The volume is on the new key but the metadata file is not.
		// The session cannot safely continue on either key; close it
		// and leave the backups for manual recovery.
		v.closed = true
		v.log().Error("re-key metadata write failed, session closed, backups retained",
			"volume_backup", volBak, "metadata_backup", metaBak, "error", err)
		return err
	}

	os.Remove(volBak)
	os.Remove(metaBak)
	v.log().Info("master password changed",
		"resealed", len(overrides), "force", cfg.force)
	return nil
}

// SetFilePassword changes how the live file name is keyed. With a
// non-nil newPassword the content is re-sealed under a key derived
// from it; with nil the protection is removed and the content returns
// to the master key. currentPassword must open the file as it is keyed
// now; it is ignored for files currently on the master key.
//
// [RekeyWithForce] re-keys a file whose password is lost: the current
// password is not required, the master key is tried instead, and when
// nothing decrypts the stored content the entry is re-keyed with empty
// content rather than left unreachable. Each fallback is logged.
//
// The stored payload is re-sealed as is, so compressed content is not
// decompressed along the way.
func (v *Volume) SetFilePassword(name string, currentPassword, newPassword []byte, opts ...RekeyOption) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireReady(); err != nil {
		return err
	}

	var cfg rekeyConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	entry := v.tbl.Live(name)
	if entry == nil {
		return fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}

	ct, err := v.readCiphertext(entry)
	if err != nil {
		return err
	}

	var payload []byte
	if entry.PasswordProtected {
		switch {
		case currentPassword != nil:
			payload, err = v.decryptWithFilePassword(entry, ct, currentPassword)
			if err != nil && cfg.force {
				v.log().Warn("file password rejected, forcing master key",
					"name", name, "error", err)
				payload, err = crypt.Decrypt(ct, v.masterKey)
			}
		case cfg.force:
			payload, err = crypt.Decrypt(ct, v.masterKey)
		default:
			return fmt.Errorf("%w: %s requires its file password",
				ErrAuthenticationFailed, name)
		}
	} else {
		payload, err = crypt.Decrypt(ct, v.masterKey)
	}
	if err != nil {
		if !cfg.force {
			return err
		}
		// Last resort: the stored content is unrecoverable, but the
		// entry can still be re-keyed so the name is usable again.
		v.log().Warn("stored content unrecoverable, re-keying with empty content",
			"name", name, "error", err)
		payload = []byte{}
		entry.OriginalSize = 0
		entry.Checksum = crypt.Checksum(nil)
		entry.Compression = CompressionNone
	}

	var newCt []byte
	if newPassword != nil {
		fileKey, fileSalt, err := crypt.DeriveKey(newPassword, nil)
		if err != nil {
			return err
		}
		defer crypt.Zero(fileKey)

		if newCt, err = crypt.Encrypt(payload, fileKey); err != nil {
			return err
		}
		entry.PasswordProtected = true
		entry.Salt = hex.EncodeToString(fileSalt)
		v.meta.SetFileKey(name, fileSalt, fileKey)
	} else {
		if newCt, err = crypt.Encrypt(payload, v.masterKey); err != nil {
			return err
		}
		entry.PasswordProtected = false
		entry.Salt = ""
	}

	if err := v.repack(map[*table.Entry][]byte{entry: newCt}); err != nil {
		return mapWriteErr(err)
	}
	if err := v.saveMetadata(time.Now().UTC()); err != nil {
		return err
	}

	v.log().Info("file password updated",
		"name", name, "protected", entry.PasswordProtected)
	return nil
}

// Violation describes one integrity problem found by VerifyIntegrity.
// Err classifies the problem with one of the package sentinels
// (ErrIntegrityMismatch, ErrDecryptionFailed, ErrTruncatedSection) so
// callers can match on it with errors.Is.
type Violation struct {
	Name    string
	Deleted bool
	Problem string
	Err     error
}

func (vi Violation) String() string {
	state := "live"
	if vi.Deleted {
		state = "deleted"
	}
	return fmt.Sprintf("%s (%s): %s", vi.Name, state, vi.Problem)
}

// VerifyIntegrity checks every stored entry against its recorded
// sizes, AEAD tag, and checksum. Master-keyed entries are fully
// decrypted and verified; password-protected entries are checked for
// ciphertext readability only, since no file password is available.
// Findings are returned as violations, not errors: only an unreadable
// volume or a canceled context fails the call.
func (v *Volume) VerifyIntegrity(ctx context.Context) ([]Violation, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.requireReady(); err != nil {
		return nil, err
	}

	type job struct {
		entry *table.Entry
		ct    []byte
	}
	jobs := make([]job, 0, len(v.tbl.Files))
	var violations []Violation
	for _, e := range v.tbl.Files {
		ct, err := v.readCiphertext(e)
		if err != nil {
			violations = append(violations, Violation{
				Name:    e.Name,
				Deleted: e.Deleted,
				Problem: fmt.Sprintf("ciphertext unreadable: %v", err),
				Err:     err,
			})
			continue
		}
		jobs = append(jobs, job{entry: e, ct: ct})
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for _, j := range jobs {
		j := j
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if j.entry.PasswordProtected {
				return nil
			}

			report := func(problem string, cause error) {
				mu.Lock()
				violations = append(violations, Violation{
					Name:    j.entry.Name,
					Deleted: j.entry.Deleted,
					Problem: problem,
					Err:     cause,
				})
				mu.Unlock()
			}

			payload, err := crypt.Decrypt(j.ct, v.masterKey)
			if err != nil {
				report(fmt.Sprintf("decryption failed: %v", err), err)
				return nil
			}
			plain, err := decompress(payload, j.entry.Compression, j.entry.OriginalSize)
			if err != nil {
				report(fmt.Sprintf("decompression failed: %v", err), err)
				return nil
			}
			if uint64(len(plain)) != j.entry.OriginalSize {
				report(fmt.Sprintf("size mismatch: stored %d, got %d",
					j.entry.OriginalSize, len(plain)), ErrIntegrityMismatch)
				return nil
			}
			if got := crypt.Checksum(plain); got != j.entry.Checksum {
				report(fmt.Sprintf("checksum mismatch: stored %s, got %s",
					j.entry.Checksum, got), ErrIntegrityMismatch)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	v.log().Info("integrity verification finished",
		"entries", len(v.tbl.Files), "violations", len(violations))
	return violations, nil
}

// copyFile duplicates src at dst, staging through a temporary file so
// dst is never left half written.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("myfs: open %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".myfs-bak-*")
	if err != nil {
		return fmt.Errorf("myfs: stage %s: %w", dst, err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		return fmt.Errorf("myfs: copy to %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("myfs: close staged file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("myfs: replace %s: %w", dst, err)
	}
	success = true
	return nil
}
