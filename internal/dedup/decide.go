package dedup

import (
	"sync"

	"github.com/chbackup/ch-backup/internal/model"
)

// Decision is the dedup engine's verdict for one candidate part
// (spec.md §4.3 "Decision").
type Decision struct {
	Upload bool
	Link   *model.Link // non-nil iff !Upload
}

// Decide applies spec.md §4.3's decision rule for candidate part p: with
// deduplication disabled, always upload; otherwise link against idx if
// idx has a matching entry, else upload.
func Decide(idx *Index, p model.Part, deduplicateParts bool) Decision {
	if !deduplicateParts {
		return Decision{Upload: true}
	}
	entry, ok := idx.Lookup(p.Key())
	if !ok {
		return Decision{Upload: true}
	}
	target := entry.Part
	if target.IsLinked() {
		// Link against the ultimate artifact, not an intermediate link, so
		// a chain of LINKs never has to be walked more than once per
		// restore (spec.md §3 "Link closure").
		return Decision{Link: target.Link}
	}
	return Decision{Link: &model.Link{BackupID: entry.BackupID, Database: target.Database, Table: target.Table}}
}

// KeyedMutex gives the at-most-one-concurrent-upload-per-checksum guarantee
// (spec.md §4.3 "Guarantee"): callers Lock(checksum) before uploading a
// part and Unlock(checksum) once the upload (or the decision not to
// upload) is settled. A second concurrent call for the same checksum
// blocks until the first releases it, so a dedup race over identical
// content never produces two simultaneous uploads of the same bytes.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the per-checksum lock, blocking until it is available.
func (k *KeyedMutex) Lock(checksum string) {
	k.mu.Lock()
	l, ok := k.locks[checksum]
	if !ok {
		l = &sync.Mutex{}
		k.locks[checksum] = l
	}
	k.mu.Unlock()
	l.Lock()
}

// Unlock releases the per-checksum lock taken by Lock.
func (k *KeyedMutex) Unlock(checksum string) {
	k.mu.Lock()
	l, ok := k.locks[checksum]
	k.mu.Unlock()
	if !ok {
		return
	}
	l.Unlock()
}
