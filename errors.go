package myfs

import (
	"errors"

	"github.com/meigma/myfs/internal/codec"
	"github.com/meigma/myfs/internal/crypt"
	"github.com/meigma/myfs/internal/metadata"
	"github.com/meigma/myfs/internal/table"
)

// Sentinel errors re-exported from internal packages so callers match
// against a single surface.
var (
	// ErrMetadataNotFound is returned when the external metadata
	// companion file does not exist.
	ErrMetadataNotFound = metadata.ErrNotFound

	// ErrAuthenticationFailed is returned when a password does not
	// reproduce the key a volume or file was sealed with.
	ErrAuthenticationFailed = metadata.ErrAuthenticationFailed

	// ErrDecryptionFailed is returned when ciphertext is malformed or
	// its AEAD tag does not verify.
	ErrDecryptionFailed = crypt.ErrDecryptionFailed

	// ErrFileNotFound is returned when an operation targets a file name
	// with no matching entry.
	ErrFileNotFound = table.ErrFileNotFound

	// ErrFileExists is returned when recovering a deleted file would
	// collide with a live file of the same name.
	ErrFileExists = table.ErrFileExists

	// ErrSectionTooLarge is returned when a section length field
	// exceeds its sanity ceiling.
	ErrSectionTooLarge = codec.ErrSectionTooLarge

	// ErrTruncatedSection is returned when the volume file ends before
	// a declared section or blob does.
	ErrTruncatedSection = codec.ErrTruncatedSection
)

// Sentinel errors specific to the volume engine.
var (
	// ErrVolumeNotFound is returned when the volume file does not exist.
	ErrVolumeNotFound = errors.New("myfs: volume not found")

	// ErrVolumeExists is returned by Create when the volume file
	// already exists and overwrite was not requested.
	ErrVolumeExists = errors.New("myfs: volume already exists")

	// ErrInvalidHeader is returned when the header decrypts but does
	// not carry the MyFS signature.
	ErrInvalidHeader = errors.New("myfs: invalid volume header")

	// ErrMachineMismatch is returned when fingerprint checking is
	// enabled and the volume was created on a different machine.
	ErrMachineMismatch = errors.New("myfs: volume was created on a different machine")

	// ErrPathNotWritable is returned when a destination cannot be
	// created or staged.
	ErrPathNotWritable = errors.New("myfs: path not writable")

	// ErrClosed is returned by operations on a closed volume.
	ErrClosed = errors.New("myfs: volume is closed")

	// ErrIntegrityMismatch is reported when stored content decrypts but
	// its checksum or size does not match the file table record.
	ErrIntegrityMismatch = errors.New("myfs: integrity mismatch")
)
