// Package lock implements the two-lock protocol of spec.md §4.8: a
// filesystem advisory lock acquired before a distributed lock, released in
// reverse order, both required for create/delete/purge while restore takes
// only the file lock.
package lock

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/chbackup/ch-backup/internal/coordination"
	"github.com/chbackup/ch-backup/internal/model"
	"github.com/gofrs/flock"
	mnemonics "github.com/uplo-tech/entropy-mnemonics"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
)

// ownerEntropySize is the number of random bytes encoded into an owner
// token's mnemonic phrase - enough to make collisions between concurrent
// hosts practically impossible without producing an unwieldy phrase.
const ownerEntropySize = 16

// NewOwnerToken generates a human-readable owner identifier for the
// distributed lock, so a "locked" error or log line names the holder in a
// form an operator can read over the phone rather than a raw UUID
// (spec.md §4.8, "locked" error).
func NewOwnerToken() (string, error) {
	phrase, err := mnemonics.ToString(fastrand.Bytes(ownerEntropySize), mnemonics.English)
	if err != nil {
		return "", errors.AddContext(err, "could not generate owner token")
	}
	return phrase, nil
}

// Name identifies which logical lock(s) an operation needs.
type Name string

// The lock names: create/delete/purge contend on NameBackup; restore takes
// NameRestore with skipDistributed set and never touches the distributed
// lock.
const (
	NameBackup  Name = "backup"
	NameRestore Name = "restore"
)

// Options configures a Manager.
type Options struct {
	// Dir holds the advisory lock files, one per Name.
	Dir string

	// Timeout bounds how long Acquire waits for both locks before giving
	// up with model.ErrLocked (spec.md §4.8 "non-blocking ... with
	// caller-configured timeout").
	Timeout time.Duration

	// Owner identifies this process to the distributed lock.
	Owner string
}

// Manager acquires and releases the file lock and, unless skipped, the
// distributed lock, always file-then-distributed and released in reverse.
type Manager struct {
	opts  Options
	coord coordination.Client
}

// New builds a Manager over coord. coord may be nil if every Acquire call
// passes skipDistributed=true (restore's file-lock-only mode).
func New(coord coordination.Client, opts Options) *Manager {
	return &Manager{coord: coord, opts: opts}
}

// Held is a released-in-reverse-order handle for the locks Acquire took.
type Held struct {
	fileLock    *flock.Flock
	coord       coordination.Client
	name        string
	owner       string
	distributed bool
}

// Acquire takes the file lock for name, then - unless skipDistributed is
// set (spec.md §4.8 "skip_lock_for_schema_only bypasses the distributed
// lock") - the distributed lock, both within opts.Timeout. On any failure
// past the file lock, the file lock is released before returning so a
// partial acquisition never leaks (spec.md §4.8 "released in reverse
// order").
func (m *Manager) Acquire(ctx context.Context, name Name, skipDistributed bool) (*Held, error) {
	if err := os.MkdirAll(m.opts.Dir, 0700); err != nil {
		return nil, errors.AddContext(err, "could not create lock directory")
	}
	fl := flock.New(filepath.Join(m.opts.Dir, string(name)+".lock"))

	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		return nil, errors.Compose(model.ErrLocked, errors.AddContext(err, "could not acquire file lock "+string(name)))
	}

	held := &Held{fileLock: fl, name: string(name), owner: m.opts.Owner}
	if skipDistributed {
		return held, nil
	}
	if m.coord == nil {
		_ = fl.Unlock()
		return nil, errors.AddContext(model.ErrLocked, "distributed lock requested but no coordination client configured")
	}

	if err := m.lockDistributedWithRetry(ctx, string(name)); err != nil {
		_ = fl.Unlock()
		return nil, errors.Compose(model.ErrLocked, err)
	}
	held.coord = m.coord
	held.distributed = true
	return held, nil
}

// lockDistributedWithRetry polls Client.Lock until ctx expires, matching
// the file lock's own "non-blocking with caller-configured timeout"
// acquisition style for the distributed side.
func (m *Manager) lockDistributedWithRetry(ctx context.Context, name string) error {
	for {
		err := m.coord.Lock(ctx, name, m.opts.Owner)
		if err == nil {
			return nil
		}
		if !errors.Contains(err, coordination.ErrLockHeld) {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.AddContext(ctx.Err(), "timed out waiting for distributed lock "+name)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Release releases the distributed lock (if taken) before the file lock,
// the reverse of Acquire's order.
func (h *Held) Release(ctx context.Context) error {
	var err error
	if h.distributed {
		err = h.coord.Unlock(ctx, h.name, h.owner)
	}
	return errors.Compose(err, h.fileLock.Unlock())
}
