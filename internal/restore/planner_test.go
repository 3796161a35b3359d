package restore

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"testing"
	"time"

	"github.com/chbackup/ch-backup/internal/freeze"
	"github.com/chbackup/ch-backup/internal/lifecycle"
	"github.com/chbackup/ch-backup/internal/lock"
	"github.com/chbackup/ch-backup/internal/metadata"
	"github.com/chbackup/ch-backup/internal/model"
	"github.com/chbackup/ch-backup/internal/storage"
	"github.com/chbackup/ch-backup/internal/testutil"
	"github.com/uplo-tech/threadgroup"
)

// fakeSchema records every database/table it is asked to recreate.
type fakeSchema struct {
	databases []string
	tables    []string
	engines   map[string]string
}

func (f *fakeSchema) EnsureDatabase(ctx context.Context, db model.Database) error {
	f.databases = append(f.databases, db.Name)
	return nil
}

func (f *fakeSchema) EnsureTable(ctx context.Context, database string, t model.Table) error {
	if f.engines == nil {
		f.engines = map[string]string{}
	}
	f.tables = append(f.tables, database+"."+t.Name)
	f.engines[database+"."+t.Name] = t.Engine
	return nil
}

// fakeAttacher records which parts it was asked to attach and what bytes
// it read for each, so a test can assert the downloaded artifact matches
// what was frozen.
type fakeAttacher struct {
	attached map[string][]byte
}

func (f *fakeAttacher) AttachLocalPart(ctx context.Context, database, table, partName string, tarData io.Reader) error {
	data, err := ioutil.ReadAll(tarData)
	if err != nil {
		return err
	}
	if f.attached == nil {
		f.attached = map[string][]byte{}
	}
	f.attached[database+"."+table+"."+partName] = data
	return nil
}

func newTestHarness(t *testing.T) (*lifecycle.Manager, *metadata.Store, *storage.Layer, *lock.Manager) {
	t.Helper()
	h := testutil.NewHarness(t)

	walker := &testutil.FakeWalker{Dirs: map[string][]freeze.PartDir{
		"db.t": {testutil.PartDir("db", "t", "0_1_1_0", []byte("part-bytes"))},
	}}
	lifecycleMgr := lifecycle.New(h.TG, h.Store, h.Layer, h.LockMgr, testutil.FakeFreezer{}, walker, nil, h.Chain, nil, freeze.DefaultConfig(), lifecycle.Config{
		DeduplicateParts:       true,
		DeduplicationAgeLimit:  24 * time.Hour,
		DeduplicationBatchSize: 10,
	}, h.Logger)
	return lifecycleMgr, h.Store, h.Layer, h.LockMgr
}

func newTestPlanner(t *testing.T, store *metadata.Store, layer *storage.Layer, lockMgr *lock.Manager, restoreContextDir string, schema *fakeSchema, attacher *fakeAttacher) *Planner {
	t.Helper()
	var tg threadgroup.ThreadGroup
	t.Cleanup(func() { _ = tg.Stop() })
	cfg := Config{
		CloudStorageRestoreWorkers:  2,
		RestoreContextSyncThreshold: 1,
		RestoreContextDir:           restoreContextDir,
	}
	return New(&tg, store, layer, lockMgr, nil, schema, attacher, nil, nil, nil, cfg, nil)
}

func TestPlannerRestoresSchemaAndAttachesParts(t *testing.T) {
	ctx := context.Background()
	lifecycleMgr, store, layer, lockMgr := newTestHarness(t)

	b, err := lifecycleMgr.Create(ctx, lifecycle.CreateRequest{
		Name:   "20260101T000000",
		Tables: []freeze.TableRef{{Database: "db", Table: "t"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	rcDir := t.TempDir()
	schema := &fakeSchema{}
	attacher := &fakeAttacher{}
	planner := newTestPlanner(t, store, layer, lockMgr, rcDir, schema, attacher)

	res, err := planner.Run(ctx, Request{Target: b.ID, Destination: "dest-a"})
	if err != nil {
		t.Fatal(err)
	}
	if res.AttachedParts != 1 {
		t.Fatalf("expected 1 attached part, got %d (%v)", res.AttachedParts, res.FailedParts)
	}
	if len(schema.databases) != 1 || schema.databases[0] != "db" {
		t.Fatalf("expected database db to be recreated, got %v", schema.databases)
	}
	if len(schema.tables) != 1 || schema.tables[0] != "db.t" {
		t.Fatalf("expected table db.t to be recreated, got %v", schema.tables)
	}
	got, ok := attacher.attached["db.t.0_1_1_0"]
	if !ok {
		t.Fatal("expected part 0_1_1_0 to have been attached")
	}
	if !bytes.Contains(got, []byte("part-bytes")) {
		t.Fatalf("expected the attached TAR stream to contain the original part bytes, got %q", got)
	}

	// Re-running the same restore against the same destination should not
	// re-attach anything (spec.md §8 "Idempotent restore").
	schema2 := &fakeSchema{}
	attacher2 := &fakeAttacher{}
	planner2 := newTestPlanner(t, store, layer, lockMgr, rcDir, schema2, attacher2)
	res2, err := planner2.Run(ctx, Request{Target: b.ID, Destination: "dest-a"})
	if err != nil {
		t.Fatal(err)
	}
	if res2.AttachedParts != 0 || res2.SkippedParts != 1 {
		t.Fatalf("expected a re-run to skip the already-attached part, got attached=%d skipped=%d", res2.AttachedParts, res2.SkippedParts)
	}
}

func TestPlannerForceNonReplicatedRewritesEngine(t *testing.T) {
	t.Parallel()
	tbl := model.Table{
		Name:      "t",
		Engine:    "ReplicatedMergeTree('/clickhouse/tables/{uuid}/{shard}', '{replica}')",
		CreateSQL: "CREATE TABLE t (x UInt64) ENGINE = ReplicatedMergeTree('/clickhouse/tables/{uuid}/{shard}', '{replica}') ORDER BY x",
	}
	out := normalizeCreateTable(tbl, Options{ForceNonReplicated: true})
	if out.Engine != "MergeTree" {
		t.Fatalf("expected engine rewritten to MergeTree, got %q", out.Engine)
	}
	if !bytes.Contains([]byte(out.CreateSQL), []byte("ENGINE = MergeTree ORDER BY x")) {
		t.Fatalf("expected CREATE SQL engine clause rewritten, got %q", out.CreateSQL)
	}
}

func TestPlannerOverrideReplicaNameRewritesSecondArgument(t *testing.T) {
	t.Parallel()
	tbl := model.Table{
		Name:   "t",
		Engine: "ReplicatedMergeTree('/p', 'static')",
	}
	out := normalizeCreateTable(tbl, Options{OverrideReplicaName: "{replica}"})
	if out.Engine != "ReplicatedMergeTree('/p', '{replica}')" {
		t.Fatalf("expected replica argument rewritten, got %q", out.Engine)
	}
}
