// Package storage implements the object-storage boundary (spec.md §4.1
// "Storage Layer (C1)"): a minimal Backend interface any S3-compatible
// client can satisfy, and a Layer that adds the chunking, codec, rate
// limiting, and retry behavior that is in scope even though the backend
// itself is not.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/uplo-tech/errors"
)

// ObjectInfo describes one object returned by List or Head.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Backend is the external-collaborator boundary spec.md §1 calls "out of
// scope, specified only by interface." Any S3-compatible client - or, for
// tests, memBackend - can satisfy it.
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) (<-chan ObjectInfo, <-chan error)
	Delete(ctx context.Context, keys []string) (map[string]error, error)
	Head(ctx context.Context, key string) (ObjectInfo, bool, error)
}

// ErrChecksumMismatch is returned when a post-upload readback verification
// (storage.validate_part_after_upload) does not match the checksum computed
// during upload. Callers test for it with errors.Contains against
// model.ErrIntegrity by composing the two at the return site.
var ErrChecksumMismatch = errors.New("checksum mismatch on readback")
