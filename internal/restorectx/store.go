// Package restorectx persists a restore's progress (spec.md §3 "Restore
// context", §4.6 Finalize "persist final restore context") so an
// interrupted restore resumes instead of re-attaching every part from
// scratch. It is backed by github.com/uplo-tech/bolt rather than the
// metadata store's whole-document JSON rewrite: a restore can touch
// thousands of parts, and bolt's per-key transactions let the planner
// checkpoint one part at a time without rewriting the entire context.
package restorectx

import (
	"github.com/chbackup/ch-backup/internal/model"
	"github.com/uplo-tech/bolt"
	"github.com/uplo-tech/errors"
)

var (
	bucketMeta      = []byte("meta")
	bucketDatabases = []byte("databases")
	bucketTables    = []byte("tables")
	bucketParts     = []byte("parts")

	keyDestination = []byte("destination")
	keyBackupID    = []byte("backup_id")
)

// ErrDestinationMismatch is returned by Load when a restore context
// database already records a different (destination, backupID) pair than
// the one requested - reusing one destination's context file for another
// restore would silently mix unrelated progress.
var ErrDestinationMismatch = errors.New("restore context database belongs to a different destination or backup")

var buckets = [][]byte{bucketMeta, bucketDatabases, bucketTables, bucketParts}

// Store is a bolt-backed handle on one destination's restore context.
// Below syncThreshold pending operations, puts ride bolt's own batched
// commit (DB.Batch, which amortizes fsyncs across concurrent callers); once
// the threshold is reached a put commits on its own (DB.Update), trading
// throughput for a tighter durability window (spec.md §6
// "restore_context_sync_on_disk_operation_threshold").
type Store struct {
	db            *bolt.DB
	syncThreshold int
	sinceCommit   int
}

// Open opens (creating if needed) the bolt database at path and ensures its
// buckets exist.
func Open(path string, syncThreshold int) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.AddContext(err, "could not open restore context database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.AddContext(err, "could not create restore context buckets")
	}
	if syncThreshold < 1 {
		syncThreshold = 1
	}
	return &Store{db: db, syncThreshold: syncThreshold}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load hydrates a model.RestoreContext for (destination, backupID) from
// whatever entries were persisted by a prior run; a fresh destination comes
// back with every entry defaulting to EntryPending. The first Load against a
// newly-opened database stamps it with (destination, backupID); every later
// Load (including after a process restart) must agree with that stamp, or
// ErrDestinationMismatch is returned rather than silently mixing progress
// from an unrelated restore into this one.
func (s *Store) Load(destination, backupID string) (*model.RestoreContext, error) {
	rc := model.NewRestoreContext(destination, backupID)
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if d := meta.Get(keyDestination); d == nil {
			if err := meta.Put(keyDestination, []byte(destination)); err != nil {
				return err
			}
			if err := meta.Put(keyBackupID, []byte(backupID)); err != nil {
				return err
			}
		} else if string(d) != destination || string(meta.Get(keyBackupID)) != backupID {
			return ErrDestinationMismatch
		}
		if err := copyInto(tx.Bucket(bucketDatabases), rc.Databases); err != nil {
			return err
		}
		if err := copyInto(tx.Bucket(bucketTables), rc.Tables); err != nil {
			return err
		}
		return copyInto(tx.Bucket(bucketParts), rc.Parts)
	})
	if err != nil {
		return nil, errors.AddContext(err, "could not load restore context")
	}
	return rc, nil
}

func copyInto(b *bolt.Bucket, dst map[string]model.EntryState) error {
	return b.ForEach(func(k, v []byte) error {
		dst[string(k)] = model.EntryState(v)
		return nil
	})
}

// SetDatabaseState persists one database's state.
func (s *Store) SetDatabaseState(name string, state model.EntryState) error {
	return s.put(bucketDatabases, []byte(name), state)
}

// SetTableState persists one table's state.
func (s *Store) SetTableState(fqName string, state model.EntryState) error {
	return s.put(bucketTables, []byte(fqName), state)
}

// SetPartState persists one part's state.
func (s *Store) SetPartState(ref model.PartRef, state model.EntryState) error {
	return s.put(bucketParts, []byte(ref.String()), state)
}

func (s *Store) put(bucket, key []byte, state model.EntryState) error {
	write := func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, []byte(state))
	}

	s.sinceCommit++
	var err error
	if s.sinceCommit >= s.syncThreshold {
		s.sinceCommit = 0
		err = s.db.Update(write)
	} else {
		err = s.db.Batch(write)
	}
	if err != nil {
		return errors.AddContext(err, "could not persist restore context entry")
	}
	return nil
}
