// Package coordination defines the distributed coordination service
// interface the lock manager and restore's orphaned-node cleanup depend on
// (spec.md §4.8, §5 "Coordination service"). A real client (ZooKeeper,
// etcd, or ClickHouse Keeper) is out of scope; this package only fixes the
// boundary and ships an in-memory implementation so the rest of the engine
// is runnable and testable without one.
package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/uplo-tech/errors"
)

// ErrLockHeld is returned by Client.Lock when another owner already holds
// the named lock.
var ErrLockHeld = errors.New("distributed lock held by another owner")

// Client is one coordination-service session (spec.md §5 "one session per
// process"): a distributed exclusive lock plus the orphaned-ephemeral-node
// listing restore's clean_zookeeper_mode needs.
type Client interface {
	// Lock attempts to acquire name for owner, non-blocking beyond the
	// session's own network round trip - callers implement any retry/
	// timeout policy themselves (spec.md §4.8 "non-blocking with
	// caller-configured timeout").
	Lock(ctx context.Context, name, owner string) error

	// Unlock releases name, a no-op if owner does not hold it.
	Unlock(ctx context.Context, name, owner string) error

	// ListOrphaned returns node paths under prefix left behind by replicas
	// that never rejoined (spec.md §4.6 clean_zookeeper_mode support).
	ListOrphaned(ctx context.Context, prefix string) ([]string, error)

	// RemoveOrphaned deletes the node paths ListOrphaned reported.
	RemoveOrphaned(ctx context.Context, paths []string) error

	// Close ends the session.
	Close() error
}

type heldLock struct {
	owner string
	at    time.Time
}

// memClient is an in-memory Client for tests and for running the engine
// without a real coordination service attached.
type memClient struct {
	mu       sync.Mutex
	locks    map[string]heldLock
	orphaned map[string]bool
}

// NewMemClient returns an in-memory Client.
func NewMemClient() Client {
	return &memClient{locks: make(map[string]heldLock), orphaned: make(map[string]bool)}
}

func (c *memClient) Lock(ctx context.Context, name, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.locks[name]; ok && existing.owner != owner {
		return errors.AddContext(ErrLockHeld, name)
	}
	c.locks[name] = heldLock{owner: owner, at: time.Now()}
	return nil
}

func (c *memClient) Unlock(ctx context.Context, name, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.locks[name]; ok && existing.owner == owner {
		delete(c.locks, name)
	}
	return nil
}

func (c *memClient) ListOrphaned(ctx context.Context, prefix string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for p := range c.orphaned {
		if len(p) >= len(prefix) && p[:len(prefix)] == prefix {
			out = append(out, p)
		}
	}
	return out, nil
}

func (c *memClient) RemoveOrphaned(ctx context.Context, paths []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range paths {
		delete(c.orphaned, p)
	}
	return nil
}

func (c *memClient) Close() error { return nil }

// MarkOrphanedForTest seeds an orphaned node path, for exercising
// ListOrphaned/RemoveOrphaned without a real coordination service.
func MarkOrphanedForTest(c Client, path string) {
	if m, ok := c.(*memClient); ok {
		m.mu.Lock()
		m.orphaned[path] = true
		m.mu.Unlock()
	}
}
