package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/chbackup/ch-backup/internal/freeze"
	"github.com/chbackup/ch-backup/internal/metadata"
	"github.com/chbackup/ch-backup/internal/model"
	"github.com/chbackup/ch-backup/internal/storage"
	"github.com/chbackup/ch-backup/internal/testutil"
)

func newTestManager(t *testing.T, walker *testutil.FakeWalker) (*Manager, *metadata.Store, *storage.Layer) {
	t.Helper()
	h := testutil.NewHarness(t)
	m := New(h.TG, h.Store, h.Layer, h.LockMgr, testutil.FakeFreezer{}, walker, nil, h.Chain, nil, freeze.DefaultConfig(), Config{
		DeduplicateParts:       true,
		DeduplicationAgeLimit:  24 * time.Hour,
		DeduplicationBatchSize: 10,
		RetainTime:             24 * time.Hour,
		RetainCount:            1,
	}, h.Logger)
	return m, h.Store, h.Layer
}

func TestCreateWritesCreatedBackupWithCatalog(t *testing.T) {
	walker := &testutil.FakeWalker{Dirs: map[string][]freeze.PartDir{
		"db.t": {testutil.PartDirOfSize("db", "t", "0_1_1_0", 16, "c1")},
	}}
	m, store, _ := newTestManager(t, walker)

	b, err := m.Create(context.Background(), CreateRequest{
		Name:   "20260101T000000",
		Tables: []freeze.TableRef{{Database: "db", Table: "t"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if b.State != model.StateCreated {
		t.Fatalf("expected state created, got %s (%s)", b.State, b.FailReason)
	}

	loaded, err := store.Load(b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Databases["db"].Tables["t"].Parts) != 1 {
		t.Fatalf("expected one cataloged part, got %+v", loaded.Databases["db"].Tables["t"])
	}
}

func TestCreateMinIntervalNoOpUnlessForced(t *testing.T) {
	walker := &testutil.FakeWalker{Dirs: map[string][]freeze.PartDir{
		"db.t": {testutil.PartDirOfSize("db", "t", "0_1_1_0", 16, "c1")},
	}}
	m, _, _ := newTestManager(t, walker)
	m.cfg.MinInterval = time.Hour

	ctx := context.Background()
	first, err := m.Create(ctx, CreateRequest{Name: "first", Tables: []freeze.TableRef{{Database: "db", Table: "t"}}})
	if err != nil {
		t.Fatal(err)
	}
	if first.State != model.StateCreated {
		t.Fatalf("expected first backup created, got %s", first.State)
	}

	if _, err := m.Create(ctx, CreateRequest{Name: "second", Tables: []freeze.TableRef{{Database: "db", Table: "t"}}}); err != ErrNoOp {
		t.Fatalf("expected ErrNoOp for a backup within min_interval, got %v", err)
	}

	forced, err := m.Create(ctx, CreateRequest{Name: "third", Tables: []freeze.TableRef{{Database: "db", Table: "t"}}, Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if forced.State != model.StateCreated {
		t.Fatalf("expected forced backup to succeed, got %s", forced.State)
	}
}

func TestDeleteRemovesUnreferencedArtifactsAndKeepsLinkedOnes(t *testing.T) {
	walker := &testutil.FakeWalker{Dirs: map[string][]freeze.PartDir{
		"db.t": {testutil.PartDirOfSize("db", "t", "0_1_1_0", 16, "same-checksum")},
	}}
	m, store, layer := newTestManager(t, walker)
	ctx := context.Background()

	origin, err := m.Create(ctx, CreateRequest{Name: "origin", Tables: []freeze.TableRef{{Database: "db", Table: "t"}}})
	if err != nil {
		t.Fatal(err)
	}

	// A second backup over the same checksum links against origin instead
	// of uploading again.
	linked, err := m.Create(ctx, CreateRequest{Name: "linked", Tables: []freeze.TableRef{{Database: "db", Table: "t"}}, Force: true})
	if err != nil {
		t.Fatal(err)
	}
	linkedPart := linked.Databases["db"].Tables["t"].Parts[0]
	if !linkedPart.IsLinked() || linkedPart.Link.BackupID != origin.ID {
		t.Fatalf("expected the second backup to link against the first, got %+v", linkedPart)
	}

	if err := m.Delete(ctx, origin.ID); err != nil {
		t.Fatal(err)
	}

	afterDelete, err := store.Load(origin.ID)
	if err != nil {
		t.Fatal(err)
	}
	if afterDelete.State != model.StatePartiallyDeleted {
		t.Fatalf("expected origin to become partially_deleted while linked.id still references it, got %s", afterDelete.State)
	}

	present, err := layer.Exists(ctx, freeze.ObjectKey(origin.ID, linkedPart))
	if err != nil {
		t.Fatal(err)
	}
	if !present {
		t.Fatal("expected origin's artifact to survive because linked still references it")
	}
}

func TestPurgeProtectsRetainCountAndAppliesRetainTime(t *testing.T) {
	walker := &testutil.FakeWalker{}
	m, store, _ := newTestManager(t, walker)
	m.cfg.RetainCount = 2
	m.cfg.RetainTime = 24 * time.Hour

	now := time.Now()
	mustWriteCreated(t, store, "recent", now.Add(-1*time.Hour))
	mustWriteCreated(t, store, "mid", now.Add(-25*time.Hour))
	mustWriteCreated(t, store, "old", now.Add(-50*time.Hour))

	purged, err := m.Purge(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(purged) != 1 || purged[0] != "old" {
		t.Fatalf("expected only the backup beyond both retain_count and retain_time to be purged, got %v", purged)
	}

	if _, err := store.Load("mid"); err != nil {
		t.Fatal("expected the retain_count-protected backup to survive:", err)
	}
}

func mustWriteCreated(t *testing.T, store *metadata.Store, id string, start time.Time) {
	t.Helper()
	b := &model.Backup{ID: id, StartTime: model.NewTime(start)}
	if err := store.WriteStub(b); err != nil {
		t.Fatal(err)
	}
	end := model.NewTime(start)
	b.State = model.StateCreated
	b.EndTime = &end
	if err := store.WriteFinal(b); err != nil {
		t.Fatal(err)
	}
}
