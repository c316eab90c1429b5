package myfs

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportReplacesExisting(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestVolume(t)
	_, err := v.Import("a.txt", []byte("first"), nil)
	require.NoError(t, err)
	_, err = v.Import("a.txt", []byte("second version"), nil)
	require.NoError(t, err)

	entries := v.List(false)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(len("second version")), entries[0].OriginalSize)

	content, err := v.Export("a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("second version"), content)
}

func TestImportEmptyName(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestVolume(t)
	_, err := v.Import("", []byte("x"), nil)
	require.Error(t, err)
}

func TestImportFileRecordsSourcePath(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestVolume(t)

	src := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(src, []byte("pdf bytes"), 0o644))

	entry, err := v.ImportFile(src, nil)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", entry.Name)
	assert.Equal(t, src, entry.OriginalPath)
	assert.False(t, entry.ImportTime.IsZero())
}

func TestExportTo(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestVolume(t)
	_, err := v.Import("a.txt", []byte("to disk"), nil)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out.txt")
	require.NoError(t, v.ExportTo("a.txt", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("to disk"), data)
}

func TestExportToReplacesAtomically(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestVolume(t)
	_, err := v.Import("a.txt", []byte("fresh export"), nil)
	require.NoError(t, err)

	// An existing destination is replaced whole, and no staging files
	// survive the operation.
	dir := t.TempDir()
	dest := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(dest, []byte("stale"), 0o644))

	require.NoError(t, v.ExportTo("a.txt", dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh export"), data)

	matches, err := filepath.Glob(filepath.Join(dir, ".myfs-export-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestExportRaw(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestVolume(t)
	plaintext := []byte("not what raw returns")
	_, err := v.Import("a.txt", plaintext, nil)
	require.NoError(t, err)

	raw, err := v.Export("a.txt", ExportWithRaw(true))
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	assert.NotEqual(t, plaintext, raw)
}

func TestDeleteAndRecover(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestVolume(t)
	_, err := v.Import("a.txt", []byte("keep me"), nil)
	require.NoError(t, err)

	require.NoError(t, v.Delete("a.txt"))
	assert.Empty(t, v.List(false))

	deleted := v.ListDeleted()
	require.Len(t, deleted, 1)
	assert.True(t, deleted[0].Deleted)
	require.NotNil(t, deleted[0].DeletedTime)

	_, err = v.Export("a.txt")
	require.ErrorIs(t, err, ErrFileNotFound)

	require.NoError(t, v.Recover("a.txt"))
	content, err := v.Export("a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("keep me"), content)
}

func TestDeleteMissing(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestVolume(t)
	require.ErrorIs(t, v.Delete("absent"), ErrFileNotFound)
	require.ErrorIs(t, v.Recover("absent"), ErrFileNotFound)
}

func TestRecoverNameCollision(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestVolume(t)
	_, err := v.Import("a.txt", []byte("old"), nil)
	require.NoError(t, err)
	require.NoError(t, v.Delete("a.txt"))
	_, err = v.Import("a.txt", []byte("new"), nil)
	require.NoError(t, err)

	require.ErrorIs(t, v.Recover("a.txt"), ErrFileExists)

	// The live file is untouched by the failed recover.
	content, err := v.Export("a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), content)
}

func TestPurgeReclaimsSpace(t *testing.T) {
	t.Parallel()

	v, path, _ := newTestVolume(t)
	_, err := v.Import("keep.bin", bytes.Repeat([]byte{0xaa}, 4096), nil)
	require.NoError(t, err)
	_, err = v.Import("drop.bin", bytes.Repeat([]byte{0xbb}, 4096), nil)
	require.NoError(t, err)

	require.NoError(t, v.Delete("drop.bin"))
	before, err := os.Stat(path)
	require.NoError(t, err)

	purged, err := v.Purge()
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	assert.Empty(t, v.ListDeleted())

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, after.Size(), before.Size())

	content, err := v.Export("keep.bin")
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xaa}, 4096), content)
}

func TestPurgeEmpty(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestVolume(t)
	purged, err := v.Purge()
	require.NoError(t, err)
	assert.Zero(t, purged)
}

func TestRepackKeepsContentAddressable(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestVolume(t)
	files := map[string][]byte{
		"one":   []byte("first file content"),
		"two":   bytes.Repeat([]byte{0x42}, 1000),
		"three": []byte("third"),
	}
	for _, name := range []string{"one", "two", "three"} {
		_, err := v.Import(name, files[name], nil)
		require.NoError(t, err)
	}

	// Deleting and purging the middle file shifts everything after it.
	require.NoError(t, v.Delete("two"))
	_, err := v.Purge()
	require.NoError(t, err)

	for _, name := range []string{"one", "three"} {
		content, err := v.Export(name)
		require.NoError(t, err)
		assert.Equal(t, files[name], content, name)
	}
}

func TestFilePassword(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestVolume(t)
	filePassword := []byte("file secret")
	entry, err := v.Import("sealed.txt", []byte("for your eyes only"), filePassword)
	require.NoError(t, err)
	assert.True(t, entry.PasswordProtected)
	assert.NotEmpty(t, entry.Salt)

	// Without a password the strategy chain exhausts into a decryption
	// failure; a wrong password is an authentication rejection.
	_, err = v.Export("sealed.txt")
	require.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = v.Export("sealed.txt", ExportWithPassword([]byte("wrong")))
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	content, err := v.Export("sealed.txt", ExportWithPassword(filePassword))
	require.NoError(t, err)
	assert.Equal(t, []byte("for your eyes only"), content)
}

func TestFilePasswordForce(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestVolume(t)
	_, err := v.Import("sealed.txt", []byte("content"), []byte("file secret"))
	require.NoError(t, err)

	// The master key cannot open a file-keyed ciphertext even when
	// forced; the fallback only widens the attempt, not the math.
	_, err = v.Export("sealed.txt", ExportWithForce(true))
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestFilePasswordSurvivesReopen(t *testing.T) {
	t.Parallel()

	v, path, metaPath := newTestVolume(t)
	filePassword := []byte("file secret")
	_, err := v.Import("sealed.txt", []byte("persisted"), filePassword)
	require.NoError(t, err)
	require.NoError(t, v.Close())

	v2, err := Open(path, metaPath, testPassword)
	require.NoError(t, err)
	defer v2.Close()

	content, err := v2.Export("sealed.txt", ExportWithPassword(filePassword))
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), content)
}

func TestExportRecoverFallback(t *testing.T) {
	t.Parallel()

	v, path, _ := newTestVolume(t)

	original := []byte("still on disk")
	src := filepath.Join(t.TempDir(), "source.txt")
	require.NoError(t, os.WriteFile(src, original, 0o644))

	_, err := v.ImportFile(src, nil)
	require.NoError(t, err)

	// Corrupt the stored ciphertext; the content region sits at the end
	// of the volume file.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = v.Export("source.txt")
	require.ErrorIs(t, err, ErrDecryptionFailed)

	content, err := v.Export("source.txt", ExportWithRecover(true))
	require.NoError(t, err)
	assert.Equal(t, original, content)
}

func TestCompression(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestVolume(t, WithCompression(CompressionZstd))

	compressible := bytes.Repeat([]byte("the same line over and over\n"), 200)
	entry, err := v.Import("log.txt", compressible, nil)
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, entry.Compression)
	assert.Less(t, entry.EncryptedSize, entry.OriginalSize)

	content, err := v.Export("log.txt")
	require.NoError(t, err)
	assert.Equal(t, compressible, content)
}

func TestCompressionSkipsIncompressible(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestVolume(t, WithCompression(CompressionZstd))

	entry, err := v.Import("tiny", []byte{0x01}, nil)
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, entry.Compression)

	content, err := v.Export("tiny")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, content)
}

func TestListIncludesDeleted(t *testing.T) {
	t.Parallel()

	v, _, _ := newTestVolume(t)
	_, err := v.Import("live", []byte("a"), nil)
	require.NoError(t, err)
	_, err = v.Import("gone", []byte("b"), nil)
	require.NoError(t, err)
	require.NoError(t, v.Delete("gone"))

	assert.Len(t, v.List(false), 1)
	assert.Len(t, v.List(true), 2)

	info := v.Info()
	assert.Equal(t, 1, info.LiveFiles)
	assert.Equal(t, 1, info.DeletedFiles)
}
