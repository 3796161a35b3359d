package freeze

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"sync"
	"testing"

	"github.com/chbackup/ch-backup/internal/codec"
	"github.com/chbackup/ch-backup/internal/dedup"
	"github.com/chbackup/ch-backup/internal/model"
	"github.com/chbackup/ch-backup/internal/storage"
	"github.com/uplo-tech/threadgroup"
)

type fakeFreezer struct {
	mu        sync.Mutex
	frozen    map[string]bool
	unfrozen  map[string]bool
	sysUnfrz  bool
	failFreze string // "db.table" to fail
}

func (f *fakeFreezer) Freeze(ctx context.Context, database, table, backupID string) error {
	key := database + "." + table
	if key == f.failFreze {
		return io.ErrUnexpectedEOF
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frozen == nil {
		f.frozen = map[string]bool{}
	}
	f.frozen[key] = true
	return nil
}

func (f *fakeFreezer) Unfreeze(ctx context.Context, database, table, backupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unfrozen == nil {
		f.unfrozen = map[string]bool{}
	}
	f.unfrozen[database+"."+table] = true
	return nil
}

func (f *fakeFreezer) SystemUnfreeze(ctx context.Context, backupID string) (bool, error) {
	return f.sysUnfrz, nil
}

type memFile struct {
	name string
	data []byte
}

type fakeWalker struct {
	dirs map[string][]PartDir // keyed by "db.table"
}

func (w *fakeWalker) WalkTable(ctx context.Context, backupID string, table TableRef) ([]PartDir, error) {
	return w.dirs[table.Database+"."+table.Table], nil
}

func partDir(database, table, partName string, files []memFile) PartDir {
	var pf []model.PartFile
	content := map[string][]byte{}
	for _, f := range files {
		pf = append(pf, model.PartFile{Name: f.name, Size: int64(len(f.data)), Checksum: sumHex(f.data)})
		content[f.name] = f.data
	}
	var raw int64
	for _, f := range files {
		raw += int64(len(f.data))
	}
	return PartDir{
		Part: model.Part{Database: database, Table: table, PartName: partName, DiskName: "default", StorageClass: model.StorageClassLocal, Files: pf, RawSize: raw},
		Open: func(name string) (io.ReadCloser, error) {
			return ioutil.NopCloser(bytes.NewReader(content[name])), nil
		},
	}
}

func sumHex(b []byte) string {
	// not a cryptographic requirement for this fake - any stable digest of
	// the bytes is fine for the walker's per-file checksums.
	sum := 0
	for _, c := range b {
		sum = sum*31 + int(c)
	}
	return string(rune('a' + sum%26))
}

func newTestPipeline(t *testing.T, freezer *fakeFreezer, walker *fakeWalker) (*Pipeline, *storage.Layer) {
	t.Helper()
	var tg threadgroup.ThreadGroup
	t.Cleanup(func() { _ = tg.Stop() })
	layer := storage.NewLayer(storage.NewMemBackend(), storage.DefaultOptions())
	chain := &codec.Chain{Compression: codec.CompressionNone, Cipher: codec.TypePlain}
	p := New(&tg, freezer, walker, layer, chain, nil, Config{FreezeThreads: 2, UploadThreads: 2})
	return p, layer
}

func TestPipelineRunUploadsAndCatalogsParts(t *testing.T) {
	freezer := &fakeFreezer{}
	walker := &fakeWalker{dirs: map[string][]PartDir{
		"db.t1": {partDir("db", "t1", "p1", []memFile{{"data.bin", []byte("hello world")}})},
	}}
	p, _ := newTestPipeline(t, freezer, walker)

	b := &model.Backup{ID: "backup1"}
	idx := dedup.NewIndex()
	km := dedup.NewKeyedMutex()

	err := p.Run(context.Background(), b, []TableRef{{Database: "db", Table: "t1"}}, idx, true, km)
	if err != nil {
		t.Fatal(err)
	}

	db, ok := b.Databases["db"]
	if !ok {
		t.Fatal("expected database db in catalog")
	}
	tbl, ok := db.Tables["t1"]
	if !ok || len(tbl.Parts) != 1 {
		t.Fatalf("expected one cataloged part, got %+v", tbl)
	}
	if tbl.Parts[0].Checksum == "" {
		t.Fatal("expected a non-empty checksum on the cataloged part")
	}
	if !freezer.sysUnfrz {
		// SystemUnfreeze unsupported in this fake by default, so unfreeze
		// must have fallen back to per-table Unfreeze.
		freezer.mu.Lock()
		defer freezer.mu.Unlock()
		if !freezer.unfrozen["db.t1"] {
			t.Fatal("expected per-table unfreeze fallback")
		}
	}
}

func TestPipelineRunFreezeFailurePropagatesError(t *testing.T) {
	freezer := &fakeFreezer{failFreze: "db.bad"}
	walker := &fakeWalker{}
	p, _ := newTestPipeline(t, freezer, walker)

	b := &model.Backup{ID: "backup2"}
	idx := dedup.NewIndex()
	km := dedup.NewKeyedMutex()

	err := p.Run(context.Background(), b, []TableRef{{Database: "db", Table: "bad"}}, idx, true, km)
	if err == nil {
		t.Fatal("expected an error from the failing freeze")
	}
}

func TestPipelineRunLinksWhenDedupMatches(t *testing.T) {
	freezer := &fakeFreezer{}
	dir := partDir("db", "t1", "p1", []memFile{{"data.bin", []byte("same content")}})
	walker := &fakeWalker{dirs: map[string][]PartDir{"db.t1": {dir}}}
	p, _ := newTestPipeline(t, freezer, walker)

	checksum := combineFileChecksums(dir.Part.Files)
	idx := dedup.NewIndex()
	idx.Add(model.PartKey{Database: "db", Table: "t1", PartName: "p1", Checksum: checksum},
		dedup.Entry{BackupID: "origin", Part: model.Part{Database: "db", Table: "t1"}})

	b := &model.Backup{ID: "backup3"}
	km := dedup.NewKeyedMutex()
	if err := p.Run(context.Background(), b, []TableRef{{Database: "db", Table: "t1"}}, idx, true, km); err != nil {
		t.Fatal(err)
	}

	part := b.Databases["db"].Tables["t1"].Parts[0]
	if part.Link == nil || part.Link.BackupID != "origin" {
		t.Fatalf("expected a link decision, got %+v", part)
	}
}
