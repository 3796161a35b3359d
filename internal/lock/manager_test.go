package lock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chbackup/ch-backup/internal/coordination"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	m := New(coordination.NewMemClient(), Options{Dir: t.TempDir(), Timeout: time.Second, Owner: "host-a"})
	ctx := context.Background()

	held, err := m.Acquire(ctx, NameBackup, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := held.Release(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireSkipsDistributedForSchemaOnly(t *testing.T) {
	m := New(nil, Options{Dir: t.TempDir(), Timeout: time.Second, Owner: "host-a"})
	ctx := context.Background()

	held, err := m.Acquire(ctx, NameBackup, true)
	if err != nil {
		t.Fatal(err)
	}
	if held.distributed {
		t.Fatal("expected skipDistributed to avoid the distributed lock")
	}
	if err := held.Release(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireFileLockConflictFails(t *testing.T) {
	dir := t.TempDir()
	m1 := New(coordination.NewMemClient(), Options{Dir: dir, Timeout: 200 * time.Millisecond, Owner: "host-a"})
	m2 := New(coordination.NewMemClient(), Options{Dir: dir, Timeout: 200 * time.Millisecond, Owner: "host-b"})
	ctx := context.Background()

	held, err := m1.Acquire(ctx, NameBackup, true)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release(ctx)

	if _, err := m2.Acquire(ctx, NameBackup, true); err == nil {
		t.Fatal("expected second acquisition of the same file lock to fail")
	}
}

func TestAcquireDistributedConflictReleasesFileLock(t *testing.T) {
	dir := t.TempDir()
	coord := coordination.NewMemClient()
	if err := coord.Lock(context.Background(), string(NameBackup), "other-owner"); err != nil {
		t.Fatal(err)
	}

	m := New(coord, Options{Dir: filepath.Join(dir, "locks"), Timeout: 200 * time.Millisecond, Owner: "host-a"})
	_, err := m.Acquire(context.Background(), NameBackup, false)
	if err == nil {
		t.Fatal("expected acquisition to fail while the distributed lock is held elsewhere")
	}

	// The file lock must have been released - a fresh manager can take it.
	m2 := New(coordination.NewMemClient(), Options{Dir: filepath.Join(dir, "locks"), Timeout: 200 * time.Millisecond, Owner: "host-b"})
	held, err := m2.Acquire(context.Background(), NameBackup, true)
	if err != nil {
		t.Fatal("expected file lock to have been released after the distributed-lock failure:", err)
	}
	_ = held.Release(context.Background())
}

func TestNewOwnerTokenIsNonEmptyAndVaries(t *testing.T) {
	a, err := NewOwnerToken()
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewOwnerToken()
	if err != nil {
		t.Fatal(err)
	}
	if a == "" || b == "" {
		t.Fatal("expected non-empty owner tokens")
	}
	if a == b {
		t.Fatal("expected two generated owner tokens to differ")
	}
}
