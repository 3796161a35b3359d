// Package freeze implements the freeze pipeline (spec.md §4.4, C5): FREEZE
// each table, walk the resulting shadow directories, run the candidate
// parts through the dedup engine, pack and upload the ones that need it,
// and unfreeze once the catalog has closed.
package freeze

import (
	"context"
	"io"

	"github.com/chbackup/ch-backup/internal/model"
)

// TableRef identifies one table queued for freezing.
type TableRef struct {
	Database string
	Table    string
}

// Freezer drives the ClickHouse DDL the pipeline needs (spec.md §4.4 stages
// 1 and 5). It is a narrow interface so this package can be tested without
// a live ClickHouse connection; internal/chclient supplies the real
// implementation.
type Freezer interface {
	// Freeze issues ALTER TABLE ... FREEZE [PARTITION ...] WITH NAME
	// backupID for one table.
	Freeze(ctx context.Context, database, table, backupID string) error

	// Unfreeze removes one table's shadow subtree for backupID, used both
	// for partial-failure rollback and as the stage-5 fallback when
	// SystemUnfreeze is unsupported.
	Unfreeze(ctx context.Context, database, table, backupID string) error

	// SystemUnfreeze issues SYSTEM UNFREEZE WITH NAME backupID, reporting
	// whether the connected ClickHouse version supports the statement.
	SystemUnfreeze(ctx context.Context, backupID string) (supported bool, err error)
}

// PartDir is one part directory discovered under the shadow tree for a
// frozen table.
type PartDir struct {
	Part model.Part

	// Open opens one of Part.Files by its relative name, for TAR packing.
	// Parts on an object-storage disk open a proxy reader over the disk's
	// remote object rather than a local file; the pipeline does not care
	// which.
	Open func(name string) (io.ReadCloser, error)
}

// ShadowWalker enumerates the shadow directory tree after a table has been
// frozen (spec.md §4.4 stage 2). Parts already present in the shadow tree
// from a previous, unrelated FREEZE sharing backupID are retried according
// to retry_on_existing_dir, a decision left to the concrete implementation.
type ShadowWalker interface {
	WalkTable(ctx context.Context, backupID string, table TableRef) ([]PartDir, error)
}
