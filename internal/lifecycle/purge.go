package lifecycle

import (
	"context"
	"time"

	"github.com/chbackup/ch-backup/internal/lock"
	"github.com/chbackup/ch-backup/internal/model"
	"github.com/uplo-tech/errors"
)

// Purge deletes backups the retention policy no longer protects (spec.md
// §4.5 "Purge"), acquiring both locks once for the whole run. It returns
// the ids actually removed or marked partially_deleted.
func (m *Manager) Purge(ctx context.Context) ([]string, error) {
	held, err := m.lockMgr.Acquire(ctx, lock.NameBackup, false)
	if err != nil {
		return nil, err
	}
	defer held.Release(ctx)

	all, err := m.store.List("")
	if err != nil {
		return nil, errors.AddContext(err, "could not list backups")
	}

	protected := map[string]bool{}
	kept := 0
	for _, b := range all {
		if b.State != model.StateCreated {
			continue
		}
		if kept < m.cfg.RetainCount {
			protected[b.ID] = true
			kept++
		}
	}

	now := time.Now()
	var touched []string
	var firstErr error
	for _, b := range all {
		if protected[b.ID] {
			continue
		}
		if b.State != model.StateCreated && b.State != model.StatePartiallyDeleted {
			continue
		}
		// Garbage tie-break (spec.md §4.5 "Garbage rules"): both conditions
		// must hold. Every candidate here already satisfies "beyond
		// retain_count" by construction (protected ids were excluded above),
		// so only the age test remains.
		if now.Sub(b.StartTime.Time) <= m.cfg.RetainTime {
			continue
		}
		if err := m.deleteLocked(ctx, b.ID); err != nil {
			if firstErr == nil {
				firstErr = errors.AddContext(err, "could not purge "+b.ID)
			}
			continue
		}
		touched = append(touched, b.ID)
	}
	return touched, firstErr
}
