package coordination

import (
	"context"
	"testing"

	"github.com/uplo-tech/errors"
)

func TestMemClientLockExclusion(t *testing.T) {
	c := NewMemClient()
	ctx := context.Background()

	if err := c.Lock(ctx, "backup", "owner-a"); err != nil {
		t.Fatal(err)
	}
	if err := c.Lock(ctx, "backup", "owner-b"); !errors.Contains(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if err := c.Unlock(ctx, "backup", "owner-a"); err != nil {
		t.Fatal(err)
	}
	if err := c.Lock(ctx, "backup", "owner-b"); err != nil {
		t.Fatal("expected owner-b to acquire after release:", err)
	}
}

func TestMemClientOrphanedNodes(t *testing.T) {
	c := NewMemClient()
	ctx := context.Background()
	MarkOrphanedForTest(c, "/replicas/r1")
	MarkOrphanedForTest(c, "/replicas/r2")
	MarkOrphanedForTest(c, "/other/x")

	found, err := c.ListOrphaned(ctx, "/replicas/")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 orphaned replica nodes, got %v", found)
	}

	if err := c.RemoveOrphaned(ctx, found); err != nil {
		t.Fatal(err)
	}
	found, err = c.ListOrphaned(ctx, "/replicas/")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 0 {
		t.Fatalf("expected no orphaned replica nodes left, got %v", found)
	}
}
