package lifecycle

import (
	"context"

	"github.com/chbackup/ch-backup/internal/freeze"
	"github.com/chbackup/ch-backup/internal/metadata"
	"github.com/chbackup/ch-backup/internal/model"
	"github.com/chbackup/ch-backup/internal/storage"
)

// storeSource adapts internal/metadata.Store to dedup.BackupSource. Store
// does not paginate natively - List already walks the whole root directory
// per call - so ListDescending pages over List's fully-sorted result rather
// than asking the store to do the pagination itself.
type storeSource struct {
	store *metadata.Store
}

func (s storeSource) ListDescending(ctx context.Context, afterID string, batchSize int) ([]*model.Backup, error) {
	all, err := s.store.List("")
	if err != nil {
		return nil, err
	}
	start := 0
	if afterID != "" {
		for i, b := range all {
			if b.ID == afterID {
				start = i + 1
				break
			}
		}
	}
	end := start + batchSize
	if end > len(all) {
		end = len(all)
	}
	if start >= len(all) {
		return nil, nil
	}
	return all[start:end], nil
}

func (s storeSource) Load(ctx context.Context, id string) (*model.Backup, error) {
	return s.store.Load(id)
}

// layerChecker adapts internal/storage.Layer to dedup.ArtifactChecker: an
// artifact is present when its part carries a positive catalog size and the
// object the backup's pipeline would have written for it actually exists.
type layerChecker struct {
	layer *storage.Layer
}

func (c layerChecker) ArtifactPresent(ctx context.Context, backupID string, p model.Part) (bool, error) {
	if p.Size <= 0 {
		return false, nil
	}
	return c.layer.Exists(ctx, freeze.ObjectKey(backupID, p))
}
