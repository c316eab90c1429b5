package myfs

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// compress applies the configured compression to plaintext and returns
// the payload to encrypt together with the compression actually used.
// Content that does not shrink is stored uncompressed so small or
// already-compressed files pay no inflation.
func compress(plaintext []byte, c Compression) ([]byte, Compression, error) {
	if c != CompressionZstd || len(plaintext) == 0 {
		return plaintext, CompressionNone, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, CompressionNone, fmt.Errorf("myfs: create zstd encoder: %w", err)
	}
	defer enc.Close()

	compressed := enc.EncodeAll(plaintext, nil)
	if len(compressed) >= len(plaintext) {
		return plaintext, CompressionNone, nil
	}
	return compressed, CompressionZstd, nil
}

// decompress reverses compress for a decrypted payload. originalSize
// caps decoder memory; a payload claiming to inflate past it is
// corrupt.
func decompress(payload []byte, c Compression, originalSize uint64) ([]byte, error) {
	switch c {
	case CompressionNone:
		return payload, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(originalSize+1))
		if err != nil {
			return nil, fmt.Errorf("myfs: create zstd decoder: %w", err)
		}
		defer dec.Close()

		plaintext, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("myfs: decompress content: %w", err)
		}
		return plaintext, nil
	default:
		return nil, fmt.Errorf("myfs: unknown compression %q", c)
	}
}
