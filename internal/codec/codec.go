// Package codec reads and writes the length-prefixed sections of a
// MyFS volume: a big-endian u32 size followed by that many bytes. The
// header and file table use this framing; content blobs do not, their
// offsets and lengths being recorded in the file table instead.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxHeaderSize bounds the encrypted header section. Length fields
	// beyond it are treated as corruption rather than allocated.
	MaxHeaderSize = 100 * 1024

	// MaxTableSize bounds the encrypted file table section.
	MaxTableSize = 10 * 1024 * 1024
)

var (
	// ErrSectionTooLarge is returned when a declared section size
	// exceeds the caller-supplied sanity ceiling.
	ErrSectionTooLarge = errors.New("codec: section size exceeds limit")

	// ErrTruncatedSection is returned when fewer bytes are available
	// than the length prefix declares.
	ErrTruncatedSection = errors.New("codec: truncated section")
)

// ReadSection reads one length-prefixed section from r. limit rejects
// corrupted length fields before any allocation happens.
func ReadSection(r io.Reader, limit uint32) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: missing length prefix", ErrTruncatedSection)
		}
		return nil, fmt.Errorf("codec: read length prefix: %w", err)
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-length section", ErrTruncatedSection)
	}
	if size > limit {
		return nil, fmt.Errorf("%w: declared %d bytes, limit %d", ErrSectionTooLarge, size, limit)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: declared %d bytes", ErrTruncatedSection, size)
		}
		return nil, fmt.Errorf("codec: read section body: %w", err)
	}
	return data, nil
}

// WriteSection writes data to w as a length-prefixed section.
func WriteSection(w io.Writer, data []byte) error {
	if len(data) > int(^uint32(0)) {
		return fmt.Errorf("codec: section of %d bytes does not fit a u32 prefix", len(data))
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("codec: write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("codec: write section body: %w", err)
	}
	return nil
}

// SectionSize returns the on-disk footprint of a section holding n
// payload bytes.
func SectionSize(n int) int64 {
	return 4 + int64(n)
}
