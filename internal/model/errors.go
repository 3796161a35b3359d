package model

import "github.com/uplo-tech/errors"

// Error kinds from the error handling design. Each is a sentinel that call
// sites wrap with errors.AddContext and match with errors.Contains; there is
// no open-ended type switch over error kinds.
var (
	// ErrTransient marks a network/HTTP error that the storage layer has
	// already exhausted its retry budget on.
	ErrTransient = errors.New("transient I/O error")

	// ErrIntegrity marks a checksum mismatch, truncated artifact, or a part
	// that disappeared from the shadow directory mid-backup.
	ErrIntegrity = errors.New("integrity error")

	// ErrLocked marks a failed lock acquisition; the caller made no mutation.
	ErrLocked = errors.New("locked")

	// ErrNotFound marks a restore target (backup id, alias) that does not
	// resolve to any known backup.
	ErrNotFound = errors.New("not found")

	// ErrSchemaMismatch marks a restore destination table whose schema
	// differs from the backup's.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrAttachFailure marks a per-part ATTACH PART failure during restore.
	ErrAttachFailure = errors.New("attach failure")
)
