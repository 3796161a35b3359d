// Package dedup implements the deduplication engine (spec.md §4.3): an
// index built from prior backups' catalogs, and the per-part LINK/UPLOAD
// decision plus the at-most-one-concurrent-upload-per-checksum guarantee.
package dedup

import (
	"context"
	"time"

	"github.com/chbackup/ch-backup/internal/catalog"
	"github.com/chbackup/ch-backup/internal/model"
)

// Entry is what the index remembers about one previously-seen part: which
// backup to link against and the artifact it ultimately resolves to.
type Entry struct {
	BackupID string
	Part     model.Part
}

// Index maps a part's dedup identity to the most recent backup (the first
// one BuildIndex's newest-first walk accepts) that can satisfy a LINK
// against it.
type Index struct {
	entries map[model.PartKey]Entry
}

// NewIndex returns an empty Index, ready for Add. BuildIndex is the usual
// way to populate one; Add exists for callers (tests, and components that
// need to seed an index without a live BackupSource) that already have
// entries in hand.
func NewIndex() *Index {
	return &Index{entries: make(map[model.PartKey]Entry)}
}

// Add inserts or overwrites the index entry for key.
func (idx *Index) Add(key model.PartKey, e Entry) {
	idx.entries[key] = e
}

// BackupSource supplies the prior backups the index is built from, newest
// first, paged in batches so a long history does not require holding every
// catalog in memory at once (spec.md §4.3 "pages their catalogs in batches
// of deduplication_batch_size").
type BackupSource interface {
	// ListDescending returns up to batchSize backups older than (and
	// excluding) afterID, ordered newest-first. An empty afterID starts
	// from the newest backup. A returned slice shorter than batchSize
	// signals exhaustion.
	ListDescending(ctx context.Context, afterID string, batchSize int) ([]*model.Backup, error)

	// Load fetches a single backup's document by id, used to walk a
	// candidate's link chain to its ultimate artifact before the rule (c)
	// presence check.
	Load(ctx context.Context, id string) (*model.Backup, error)
}

// ArtifactChecker verifies a part's artifact is actually present and
// non-empty, the rule (c) safety net (spec.md §4.3 "HEAD check or
// catalog-sourced size > 0"). backupID is the backup that owns p's own
// entry (not necessarily the one a LINK ultimately resolves to), since the
// storage key a non-linked part's artifact lives under is scoped by its
// owning backup.
type ArtifactChecker interface {
	ArtifactPresent(ctx context.Context, backupID string, p model.Part) (bool, error)
}

// Options configures index construction.
type Options struct {
	AgeLimit  time.Duration
	BatchSize int
}

// BuildIndex walks src in batches, newest-first, until it reaches a backup
// older than opts.AgeLimit, applying spec.md §4.3's three inclusion rules.
// Later (older) entries never overwrite an earlier (newer) one for the same
// key, since the newest-first walk already recorded the best link target.
func BuildIndex(ctx context.Context, src BackupSource, checker ArtifactChecker, opts Options) (*Index, error) {
	idx := NewIndex()
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}

	now := time.Now()
	afterID := ""
	for {
		batch, err := src.ListDescending(ctx, afterID, opts.BatchSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		done := false
		for _, b := range batch {
			if b.EndTime != nil && now.Sub(b.EndTime.Time) > opts.AgeLimit {
				done = true
				break
			}
			if !ruleB(b.State) {
				continue
			}
			if err := idx.absorb(ctx, src, b, checker); err != nil {
				return nil, err
			}
		}
		if done || len(batch) < opts.BatchSize {
			break
		}
		afterID = batch[len(batch)-1].ID
	}
	return idx, nil
}

// ruleB implements spec.md §4.3 rule (b): any state except deleting and
// partially_deleted contributes, including creating/failed (so a crashed
// backup still amortizes the next run).
func ruleB(s model.BackupState) bool {
	return s.IsTerminalForDedup()
}

func (idx *Index) absorb(ctx context.Context, src BackupSource, b *model.Backup, checker ArtifactChecker) error {
	lookup := func(id string) (*model.Backup, error) { return src.Load(ctx, id) }
	var absorbErr error
	b.AllParts(func(db, table string, p model.Part) {
		if absorbErr != nil {
			return
		}
		key := p.Key()
		if _, ok := idx.entries[key]; ok {
			return
		}
		ownerID, target, err := catalog.ResolveLink(b.ID, p, lookup)
		if err != nil {
			// A broken link chain fails rule (c) rather than the whole index
			// build - the offending entry is simply not a usable dedup
			// candidate.
			return
		}
		present, err := checker.ArtifactPresent(ctx, ownerID, target)
		if err != nil {
			absorbErr = err
			return
		}
		if !present {
			return
		}
		idx.entries[key] = Entry{BackupID: b.ID, Part: p}
	})
	return absorbErr
}

// Lookup returns the index entry for key, if any.
func (idx *Index) Lookup(key model.PartKey) (Entry, bool) {
	e, ok := idx.entries[key]
	return e, ok
}

// Len reports how many entries the index holds.
func (idx *Index) Len() int {
	return len(idx.entries)
}
