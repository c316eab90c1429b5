package myfs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meigma/myfs/internal/crypt"
	"github.com/meigma/myfs/internal/machine"
	"github.com/meigma/myfs/internal/metadata"
	"github.com/meigma/myfs/internal/store"
	"github.com/meigma/myfs/internal/table"
)

const (
	// headerSignature is the structural self-check inside the encrypted
	// header. Decryption already authenticates the bytes; the signature
	// guards against a well-formed package holding the wrong document.
	headerSignature = "MyFS"

	// formatVersion is written to new volume headers.
	formatVersion = "2.0"
)

// header is the first encrypted section of a volume file.
type header struct {
	Signature         string    `json:"signature"`
	Version           string    `json:"version"`
	VolumeID          string    `json:"volume_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	SystemFingerprint string    `json:"system_fingerprint,omitempty"`
}

// Volume is a session on one encrypted volume file and its external
// metadata companion. A Volume owns exclusive access to both files for
// its lifetime; concurrent access by other processes is the caller's
// responsibility to prevent.
//
// All mutating operations are whole-operation transactions: a complete
// replacement volume is staged to a temporary file and atomically
// renamed over the original, so a crash mid-operation leaves the prior
// volume intact.
type Volume struct {
	mu sync.Mutex

	path     string
	metaPath string

	masterKey []byte
	hdr       *header
	hdrPkg    []byte // encrypted header section, copied unchanged on repack
	tbl       *table.Table
	meta      *metadata.Metadata

	cfg    config
	closed bool
}

// log returns the logger, falling back to a discard logger if nil.
func (v *Volume) log() *slog.Logger {
	if v.cfg.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return v.cfg.logger
}

// Create initializes a new volume at path with an empty file table,
// and writes its external metadata to metaPath. The master key is
// derived from password with a fresh salt; only the salt and a
// verification hash are persisted.
func Create(path, metaPath string, password []byte, opts ...Option) (*Volume, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	v := &Volume{path: path, metaPath: metaPath, cfg: cfg}

	if !cfg.overwrite {
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrVolumeExists, path)
		}
	}
	for _, p := range []string{path, metaPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrPathNotWritable, filepath.Dir(p), err)
		}
	}

	key, salt, err := crypt.DeriveKey(password, nil)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	v.hdr = &header{
		Signature: headerSignature,
		Version:   formatVersion,
		VolumeID:  uuid.NewString(),
		CreatedAt: now,
	}
	if fp, err := machine.Fingerprint(); err == nil {
		v.hdr.SystemFingerprint = fp
	} else {
		v.log().Warn("system fingerprint unavailable", "error", err)
	}

	v.masterKey = key
	v.tbl = table.New(now)
	v.meta = metadata.New(salt, key, now)

	if v.hdrPkg, err = v.encryptHeader(key); err != nil {
		return nil, err
	}
	if err := v.repack(nil); err != nil {
		return nil, mapWriteErr(err)
	}
	if err := v.meta.Save(metaPath, key, now); err != nil {
		return nil, mapWriteErr(err)
	}

	v.log().Info("volume created",
		"path", path, "metadata", metaPath, "volume_id", v.hdr.VolumeID)
	return v, nil
}

// Open authenticates against the external metadata at metaPath and
// loads the volume at path. The master key is derived from the stored
// salt and the given password and checked against the stored
// verification hash before any section is trusted.
func Open(path, metaPath string, password []byte, opts ...Option) (*Volume, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	v := &Volume{path: path, metaPath: metaPath, cfg: cfg}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrVolumeNotFound, path)
		}
		return nil, fmt.Errorf("myfs: stat volume: %w", err)
	}

	meta, key, err := metadata.Open(metaPath, password)
	if err != nil {
		v.log().Error("authentication failed", "metadata", metaPath, "error", err)
		return nil, err
	}
	v.meta, v.masterKey = meta, key

	if err := v.load(); err != nil {
		return nil, err
	}

	if cfg.checkFingerprint && v.hdr.SystemFingerprint != "" && !machine.Matches(v.hdr.SystemFingerprint) {
		return nil, ErrMachineMismatch
	}

	v.log().Info("volume opened",
		"path", path, "volume_id", v.hdr.VolumeID, "files", len(v.tbl.Files))
	return v, nil
}

// Repair attempts to open the volume using an alternate metadata file,
// typically a backup kept on separate media, when the primary metadata
// is lost or corrupted.
func Repair(path, altMetaPath string, password []byte, opts ...Option) (*Volume, error) {
	v, err := Open(path, altMetaPath, password, opts...)
	if err != nil {
		return nil, fmt.Errorf("myfs: repair with %s: %w", altMetaPath, err)
	}
	v.log().Warn("volume opened via alternate metadata", "metadata", altMetaPath)
	return v, nil
}

// Close ends the session and scrubs the key material. The volume file
// itself needs no finalization; every mutation already persisted fully.
func (v *Volume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	crypt.Zero(v.masterKey)
	v.masterKey = nil
	v.closed = true
	return nil
}

// Info describes an open volume for display purposes.
type Info struct {
	Path              string
	MetadataPath      string
	VolumeID          string
	Version           string
	CreatedAt         time.Time
	SystemFingerprint string
	LiveFiles         int
	DeletedFiles      int
}

// Info returns a snapshot of the volume's identity and entry counts.
func (v *Volume) Info() Info {
	v.mu.Lock()
	defer v.mu.Unlock()

	info := Info{
		Path:         v.path,
		MetadataPath: v.metaPath,
	}
	if v.hdr != nil {
		info.VolumeID = v.hdr.VolumeID
		info.Version = v.hdr.Version
		info.CreatedAt = v.hdr.CreatedAt
		info.SystemFingerprint = v.hdr.SystemFingerprint
	}
	if v.tbl != nil {
		for _, e := range v.tbl.Files {
			if e.Deleted {
				info.DeletedFiles++
			} else {
				info.LiveFiles++
			}
		}
	}
	return info
}

// requireReady guards operations that need an authenticated session.
func (v *Volume) requireReady() error {
	if v.closed {
		return ErrClosed
	}
	return nil
}

// load reads and decrypts the header and file table sections. The
// master key must already be verified; a tag failure here therefore
// indicates corruption rather than a wrong password.
func (v *Volume) load() error {
	f, err := os.Open(v.path)
	if err != nil {
		return fmt.Errorf("myfs: open volume: %w", err)
	}
	defer f.Close()

	hdrPkg, tblPkg, err := store.ReadSections(f)
	if err != nil {
		return fmt.Errorf("myfs: %w", err)
	}

	hdrPlain, err := crypt.Decrypt(hdrPkg, v.masterKey)
	if err != nil {
		return fmt.Errorf("myfs: header: %w", err)
	}
	var hdr header
	if err := json.Unmarshal(hdrPlain, &hdr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if hdr.Signature != headerSignature {
		return fmt.Errorf("%w: signature %q", ErrInvalidHeader, hdr.Signature)
	}

	tblPlain, err := crypt.Decrypt(tblPkg, v.masterKey)
	if err != nil {
		return fmt.Errorf("myfs: file table: %w", err)
	}
	tbl, err := table.Decode(tblPlain)
	if err != nil {
		return err
	}

	v.hdr, v.hdrPkg, v.tbl = &hdr, hdrPkg, tbl
	return nil
}

// encryptHeader seals the current in-memory header with key.
func (v *Volume) encryptHeader(key []byte) ([]byte, error) {
	plain, err := json.Marshal(v.hdr)
	if err != nil {
		return nil, fmt.Errorf("myfs: encode header: %w", err)
	}
	return crypt.Encrypt(plain, key)
}

// repack rewrites the entire volume: the header section is carried
// over, the table is re-encrypted, and every entry's ciphertext —
// soft-deleted entries included, their content survives until purge —
// is written back to back in table order with positions reassigned to
// the new gap-free packing. overrides supplies replacement ciphertext
// for entries whose content changed in this operation; everything else
// is copied verbatim from the current volume file.
//
// The rewrite is staged to a temporary file and atomically renamed, so
// any failure leaves the previous volume untouched.
func (v *Volume) repack(overrides map[*table.Entry][]byte) error {
	return v.repackAs(v.hdrPkg, v.masterKey, overrides)
}

// repackAs is repack with an explicit header section and table key, so
// a key rotation can stage the fully re-keyed volume before any
// session state changes hands.
func (v *Volume) repackAs(hdrPkg, key []byte, overrides map[*table.Entry][]byte) error {
	blobs := make([][]byte, 0, len(v.tbl.Files))
	ciphertexts := make(map[*table.Entry][]byte, len(v.tbl.Files))

	// Gather every retained ciphertext before anything is rewritten.
	var (
		src  *os.File
		base int64
	)
	for _, e := range v.tbl.Files {
		if ct, ok := overrides[e]; ok {
			ciphertexts[e] = ct
			continue
		}
		if src == nil {
			f, err := os.Open(v.path)
			if err != nil {
				return fmt.Errorf("myfs: open volume for repack: %w", err)
			}
			defer f.Close()
			src = f
			if base, err = contentBase(src); err != nil {
				return err
			}
		}
		ct, err := store.ReadContent(src, base, e.Position, e.EncryptedSize)
		if err != nil {
			return fmt.Errorf("myfs: carry %s: %w", e.Name, err)
		}
		ciphertexts[e] = ct
	}

	// Assign the new packing in table order, remembering the previous
	// addressing so a failed write can roll it back: entries must never
	// address a layout that was not renamed into place.
	type placement struct{ pos, size uint64 }
	prev := make([]placement, len(v.tbl.Files))
	var pos uint64
	for i, e := range v.tbl.Files {
		ct := ciphertexts[e]
		prev[i] = placement{e.Position, e.EncryptedSize}
		e.Position = pos
		e.EncryptedSize = uint64(len(ct))
		pos += uint64(len(ct))
		blobs = append(blobs, ct)
	}

	restore := func() {
		for i, e := range v.tbl.Files {
			e.Position, e.EncryptedSize = prev[i].pos, prev[i].size
		}
	}

	tblPlain, err := v.tbl.Encode(time.Now().UTC())
	if err != nil {
		restore()
		return err
	}
	tblPkg, err := crypt.Encrypt(tblPlain, key)
	if err != nil {
		restore()
		return err
	}
	if err := store.WriteVolume(v.path, hdrPkg, tblPkg, blobs); err != nil {
		restore()
		return err
	}
	return nil
}

// contentBase reads the section sizes from the start of src and
// returns the offset of the content region.
func contentBase(src *os.File) (int64, error) {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("myfs: seek volume: %w", err)
	}
	hdrPkg, tblPkg, err := store.ReadSections(src)
	if err != nil {
		return 0, fmt.Errorf("myfs: %w", err)
	}
	return store.ContentBase(len(hdrPkg), len(tblPkg)), nil
}

// readCiphertext returns the stored ciphertext for one entry.
func (v *Volume) readCiphertext(e *table.Entry) ([]byte, error) {
	f, err := os.Open(v.path)
	if err != nil {
		return nil, fmt.Errorf("myfs: open volume: %w", err)
	}
	defer f.Close()

	base, err := contentBase(f)
	if err != nil {
		return nil, err
	}
	return store.ReadContent(f, base, e.Position, e.EncryptedSize)
}

// mapWriteErr folds permission problems into ErrPathNotWritable so
// callers see the taxonomy error instead of a raw OS error.
func mapWriteErr(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %v", ErrPathNotWritable, err)
	}
	return err
}
