package lifecycle

import (
	"context"

	"github.com/chbackup/ch-backup/internal/freeze"
	"github.com/chbackup/ch-backup/internal/lock"
	"github.com/chbackup/ch-backup/internal/model"
	"github.com/uplo-tech/errors"
)

// partRef is the (database, table, part_name) identity a Link points at -
// narrower than model.PartKey, which also carries the checksum Delete does
// not need to compare against.
type partRef struct {
	database, table, partName string
}

// Delete removes backup id's unreferenced artifacts (spec.md §4.5
// "Delete"), acquiring both locks itself.
func (m *Manager) Delete(ctx context.Context, id string) error {
	held, err := m.lockMgr.Acquire(ctx, lock.NameBackup, false)
	if err != nil {
		return err
	}
	defer held.Release(ctx)
	return m.deleteLocked(ctx, id)
}

// deleteLocked is Delete's body, factored out so Purge can delete several
// candidates under a single lock acquisition.
func (m *Manager) deleteLocked(ctx context.Context, id string) error {
	b, err := m.store.Load(id)
	if err != nil {
		return errors.AddContext(err, "could not load backup "+id)
	}

	all, err := m.store.List("")
	if err != nil {
		return errors.AddContext(err, "could not list backups")
	}

	referenced := referencedParts(all, id)

	var deletable []model.Part
	keptReferenced := false
	b.AllParts(func(db, table string, p model.Part) {
		if p.IsLinked() {
			return
		}
		if referenced[partRef{db, table, p.PartName}] {
			keptReferenced = true
			return
		}
		deletable = append(deletable, p)
	})

	if len(deletable) > 0 {
		keys := make([]string, len(deletable))
		for i, p := range deletable {
			keys[i] = freeze.ObjectKey(id, p)
		}
		if errs, err := m.layer.Delete(ctx, keys); err != nil {
			return errors.AddContext(err, "could not delete backup artifacts")
		} else if len(errs) > 0 {
			var composed error
			for k, e := range errs {
				composed = errors.Compose(composed, errors.AddContext(e, k))
			}
			return errors.AddContext(composed, "could not delete some backup artifacts")
		}
		removeParts(b, deletable)
	}

	if keptReferenced {
		b.State = model.StatePartiallyDeleted
		return m.store.WriteFinal(b)
	}

	m.cleanupDiskKeyspaces(ctx, id)
	return m.store.Delete(id)
}

// referencedParts collects every (database, table, part_name) that some
// other backup - in a state still counted for dedup purposes - links back
// to targetID, so deleteLocked knows which of the target's own artifacts
// must survive (spec.md §4.5 "not referenced by any other non-terminal
// backup").
func referencedParts(all []*model.Backup, targetID string) map[partRef]bool {
	referenced := map[partRef]bool{}
	for _, other := range all {
		if other.ID == targetID || !other.State.IsTerminalForDedup() {
			continue
		}
		other.AllParts(func(_, _ string, p model.Part) {
			if p.Link != nil && p.Link.BackupID == targetID {
				referenced[partRef{p.Link.Database, p.Link.Table, p.PartName}] = true
			}
		})
	}
	return referenced
}

// removeParts drops every part in gone from b's catalog, matched by
// (database, table, part_name), so a partially_deleted document never lists
// a part whose artifact no longer exists.
func removeParts(b *model.Backup, gone []model.Part) {
	drop := map[partRef]bool{}
	for _, p := range gone {
		drop[partRef{p.Database, p.Table, p.PartName}] = true
	}
	for _, db := range b.Databases {
		for _, t := range db.Tables {
			kept := t.Parts[:0]
			for _, p := range t.Parts {
				if !drop[partRef{p.Database, p.Table, p.PartName}] {
					kept = append(kept, p)
				}
			}
			t.Parts = kept
		}
	}
}

// cleanupDiskKeyspaces best-effort removes the object-storage disk's
// shadow/<id> and operations/<id> key spaces once nothing references id's
// artifacts any longer (spec.md §4.4 "Object-storage (S3) disk"). Failures
// are logged, not fatal - they leave orphaned keys for a future purge pass
// rather than blocking the document's own removal.
func (m *Manager) cleanupDiskKeyspaces(ctx context.Context, id string) {
	for _, prefix := range []string{"shadow/" + id + "/", "operations/" + id + "/"} {
		infos, errCh := m.layer.List(ctx, prefix)
		var keys []string
		for info := range infos {
			keys = append(keys, info.Key)
		}
		if err := <-errCh; err != nil {
			m.log.Println("WARNING: could not list disk keyspace for cleanup:", prefix, err)
			continue
		}
		if len(keys) == 0 {
			continue
		}
		if _, err := m.layer.Delete(ctx, keys); err != nil {
			m.log.Println("WARNING: could not delete disk keyspace:", prefix, err)
		}
	}
}
