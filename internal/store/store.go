// Package store owns the raw layout of a MyFS volume file: reading
// content blobs at table-recorded offsets and staging full volume
// rewrites that are atomically renamed into place.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/meigma/myfs/internal/codec"
)

// ContentBase returns the file offset where the content region starts,
// given the encrypted header and table section payload sizes.
func ContentBase(headerSize, tableSize int) int64 {
	return codec.SectionSize(headerSize) + codec.SectionSize(tableSize)
}

// ReadContent returns the ciphertext of one entry: size bytes at
// position relative to the content region base.
func ReadContent(r io.ReaderAt, contentBase int64, position, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	n, err := r.ReadAt(buf, contentBase+int64(position))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("store: read content at %d: %w", position, err)
	}
	if uint64(n) < size {
		return nil, fmt.Errorf("%w: content at %d, want %d bytes, have %d",
			codec.ErrTruncatedSection, position, size, n)
	}
	return buf, nil
}

// WriteVolume stages a complete volume file — header section, table
// section, then the content blobs back to back — into a temporary file
// next to path, and atomically renames it over path on success. Any
// failure during staging removes the temporary file and leaves the
// original volume untouched.
//
// Blob positions must already be assigned in packing order; WriteVolume
// only lays the bytes out.
func WriteVolume(path string, header, table []byte, blobs [][]byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".myfs-*")
	if err != nil {
		return fmt.Errorf("store: stage volume: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := codec.WriteSection(tmp, header); err != nil {
		return err
	}
	if err := codec.WriteSection(tmp, table); err != nil {
		return err
	}
	for _, blob := range blobs {
		if _, err := tmp.Write(blob); err != nil {
			return fmt.Errorf("store: write content: %w", err)
		}
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close staged volume: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("store: replace volume: %w", err)
	}
	success = true
	return nil
}

// ReadSections returns the encrypted header and table sections of the
// volume at r, which must be positioned at the start of the file.
func ReadSections(r io.Reader) (header, table []byte, err error) {
	header, err = codec.ReadSection(r, codec.MaxHeaderSize)
	if err != nil {
		return nil, nil, fmt.Errorf("header section: %w", err)
	}
	table, err = codec.ReadSection(r, codec.MaxTableSize)
	if err != nil {
		return nil, nil, fmt.Errorf("table section: %w", err)
	}
	return header, table, nil
}
