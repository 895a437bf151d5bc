package artifactstore

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Compression selects how artifact bytes are stored at rest. Digests always
// describe the uncompressed bytes.
type Compression string

const (
	// CompressionNone stores artifacts as-is
	CompressionNone Compression = "none"
	// CompressionZstd stores artifacts as zstd frames. Packages are zip
	// archives and compress poorly, so this mostly pays off for metadata.
	CompressionZstd Compression = "zstd"
)

// zstdSuffix marks compressed blobs so a store can read both layouts after
// the compression setting changes
const zstdSuffix = ".zst"

// ParseCompression parses a configured compression name. The empty string
// means CompressionNone.
func ParseCompression(name string) (Compression, error) {
	switch Compression(name) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd:
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("unknown compression %q", name)
	}
}

func (c Compression) suffix() string {
	if c == CompressionZstd {
		return zstdSuffix
	}
	return ""
}

// compressor wraps w so that writes are compressed. The returned closer must
// be called to flush the final frame; it does not close w.
func (c Compression) compressor(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CompressionZstd:
		encoder, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		return encoder, nil
	default:
		return nopWriteCloser{w}, nil
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// zstdReadCloser closes both the decoder and the underlying file
type zstdReadCloser struct {
	decoder *zstd.Decoder
	file    io.Closer
}

func newZstdReadCloser(rc io.ReadCloser) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(rc, zstd.WithDecoderConcurrency(1))
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdReadCloser{decoder: decoder, file: rc}, nil
}

func (z *zstdReadCloser) Read(p []byte) (int, error) {
	return z.decoder.Read(p)
}

func (z *zstdReadCloser) Close() error {
	z.decoder.Close()
	return z.file.Close()
}
