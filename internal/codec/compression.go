package codec

import (
	"compress/gzip"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/uplo-tech/errors"
)

// CompressionType identifies the compression layer of a codec chain.
type CompressionType string

// The compression types a codec chain may name.
const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	CompressionZstd CompressionType = "zstd"
)

// ErrInvalidCompressionType is returned for an unrecognized CompressionType.
var ErrInvalidCompressionType = errors.New("invalid compression type")

// IsValidCompressionType reports whether ct is recognized.
func IsValidCompressionType(ct CompressionType) bool {
	switch ct {
	case CompressionNone, CompressionGzip, CompressionZstd:
		return true
	default:
		return false
	}
}

// NewCompressWriter wraps w in a compressing io.WriteCloser. Closing the
// returned writer flushes any buffered output but does not close w.
func NewCompressWriter(w io.Writer, ct CompressionType) (io.WriteCloser, error) {
	switch ct {
	case CompressionNone, "":
		return nopWriteCloser{w}, nil
	case CompressionGzip:
		return gzip.NewWriter(w), nil
	case CompressionZstd:
		return zstd.NewWriter(w)
	default:
		return nil, ErrInvalidCompressionType
	}
}

// NewDecompressReader wraps r in a decompressing io.ReadCloser.
func NewDecompressReader(r io.Reader, ct CompressionType) (io.ReadCloser, error) {
	switch ct {
	case CompressionNone, "":
		return io.NopCloser(r), nil
	case CompressionGzip:
		return gzip.NewReader(r)
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, ErrInvalidCompressionType
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
