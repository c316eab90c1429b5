package table

import "time"

// Compression identifies how an entry's content was transformed before
// encryption.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionZstd Compression = "zstd"
)

// Entry describes one file stored in a volume. Position and
// EncryptedSize address the entry's ciphertext inside the content
// region; both are reassigned on every repack.
type Entry struct {
	Name              string      `json:"name"`
	OriginalSize      uint64      `json:"original_size"`
	EncryptedSize     uint64      `json:"encrypted_size"`
	Position          uint64      `json:"position"`
	Checksum          string      `json:"checksum"`
	PasswordProtected bool        `json:"password_protected"`
	Compression       Compression `json:"compression,omitempty"`
	OriginalPath      string      `json:"original_path,omitempty"`
	ImportTime        time.Time   `json:"import_time"`
	Deleted           bool        `json:"deleted,omitempty"`
	DeletedTime       *time.Time  `json:"deleted_time,omitempty"`

	// Salt is the hex-encoded KDF salt for password-protected entries;
	// empty otherwise.
	Salt string `json:"salt,omitempty"`
}

// NewEntry builds a live entry with the invariant fields populated.
// Position and EncryptedSize are assigned by the first repack.
func NewEntry(name string, originalSize uint64, checksum string, now time.Time) *Entry {
	return &Entry{
		Name:         name,
		OriginalSize: originalSize,
		Checksum:     checksum,
		ImportTime:   now,
	}
}

// clone returns a copy safe to hand to callers.
func (e *Entry) clone() *Entry {
	cp := *e
	if e.DeletedTime != nil {
		tm := *e.DeletedTime
		cp.DeletedTime = &tm
	}
	return &cp
}
