package codec

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSectionRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	first := []byte("encrypted header bytes")
	second := bytes.Repeat([]byte{0xAB}, 4096)
	require.NoError(t, WriteSection(&buf, first))
	require.NoError(t, WriteSection(&buf, second))

	got, err := ReadSection(&buf, MaxHeaderSize)
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = ReadSection(&buf, MaxTableSize)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestReadSection_BigEndianPrefix(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteSection(&buf, []byte{0x01, 0x02, 0x03}))
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x03}, buf.Bytes()[:4])
}

func TestReadSection_Truncated(t *testing.T) {
	t.Parallel()

	// Declared length exceeds available bytes.
	var buf bytes.Buffer
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, 100)
	buf.Write(prefix)
	buf.Write([]byte("only a few"))

	_, err := ReadSection(&buf, MaxHeaderSize)
	require.ErrorIs(t, err, ErrTruncatedSection)

	// Missing prefix entirely.
	_, err = ReadSection(bytes.NewReader([]byte{0x00, 0x01}), MaxHeaderSize)
	require.ErrorIs(t, err, ErrTruncatedSection)

	// Empty input.
	_, err = ReadSection(bytes.NewReader(nil), MaxHeaderSize)
	require.ErrorIs(t, err, ErrTruncatedSection)
}

func TestReadSection_TooLarge(t *testing.T) {
	t.Parallel()

	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, MaxHeaderSize+1)

	_, err := ReadSection(bytes.NewReader(prefix), MaxHeaderSize)
	require.ErrorIs(t, err, ErrSectionTooLarge)
}

func TestReadSection_ZeroLength(t *testing.T) {
	t.Parallel()

	_, err := ReadSection(bytes.NewReader(make([]byte, 4)), MaxHeaderSize)
	require.ErrorIs(t, err, ErrTruncatedSection)
}
