// Package testutil collects the fakes and harness-construction helpers
// repeated across internal/lifecycle's and internal/restore's tests, the
// way the teacher's packages lean on
// one shared blank-tester constructor rather than re-deriving the same
// in-memory dependency graph per test file.
package testutil

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/chbackup/ch-backup/internal/codec"
	"github.com/chbackup/ch-backup/internal/coordination"
	"github.com/chbackup/ch-backup/internal/freeze"
	"github.com/chbackup/ch-backup/internal/lock"
	"github.com/chbackup/ch-backup/internal/metadata"
	"github.com/chbackup/ch-backup/internal/model"
	"github.com/chbackup/ch-backup/internal/persist"
	"github.com/chbackup/ch-backup/internal/storage"
	"github.com/uplo-tech/threadgroup"
)

// NopWriter discards everything written to it - a log sink for tests that
// don't care about log output but still need a *persist.Logger.
type NopWriter struct{}

func (NopWriter) Write(p []byte) (int, error) { return len(p), nil }

// NewLogger builds a *persist.Logger over NopWriter, failing the test on
// error rather than returning one, since every caller just wants a logger
// and has no recovery path if construction fails.
func NewLogger(t *testing.T) *persist.Logger {
	t.Helper()
	logger, err := persist.NewLogger(NopWriter{})
	if err != nil {
		t.Fatal(err)
	}
	return logger
}

// FakeFreezer is a no-op freeze.Freezer: every table "freezes" and
// "unfreezes" without touching a real ClickHouse connection.
type FakeFreezer struct{}

func (FakeFreezer) Freeze(ctx context.Context, database, table, backupID string) error   { return nil }
func (FakeFreezer) Unfreeze(ctx context.Context, database, table, backupID string) error { return nil }
func (FakeFreezer) SystemUnfreeze(ctx context.Context, backupID string) (bool, error) {
	return true, nil
}

// FakeWalker is a freeze.ShadowWalker backed by a map a test populates
// directly instead of writing to a real shadow directory tree.
type FakeWalker struct {
	Dirs map[string][]freeze.PartDir
}

func NewFakeWalker() *FakeWalker {
	return &FakeWalker{Dirs: map[string][]freeze.PartDir{}}
}

func (w *FakeWalker) WalkTable(ctx context.Context, backupID string, table freeze.TableRef) ([]freeze.PartDir, error) {
	return w.Dirs[table.Database+"."+table.Table], nil
}

// PartDir builds a single-file freeze.PartDir from literal bytes, for
// tests that assert on the bytes a part carries through the pipeline.
func PartDir(database, table, partName string, data []byte) freeze.PartDir {
	return freeze.PartDir{
		Part: model.Part{
			Database: database, Table: table, PartName: partName,
			StorageClass: model.StorageClassLocal,
			RawSize:      int64(len(data)),
			Size:         int64(len(data)),
			Files:        []model.PartFile{{Name: "data.bin", Size: int64(len(data)), Checksum: "c"}},
		},
		Open: func(name string) (io.ReadCloser, error) {
			return io.NopCloser(bytesReader(data)), nil
		},
	}
}

// PartDirOfSize builds a single-file freeze.PartDir of n zero bytes
// without actually allocating them, for tests exercising size thresholds
// (chunking, rate limiting) that don't care about content.
func PartDirOfSize(database, table, partName string, n int64, checksum string) freeze.PartDir {
	return freeze.PartDir{
		Part: model.Part{
			Database: database, Table: table, PartName: partName,
			StorageClass: model.StorageClassLocal, RawSize: n, Size: n,
			Files: []model.PartFile{{Name: "data.bin", Size: n, Checksum: checksum}},
		},
		Open: func(name string) (io.ReadCloser, error) {
			return io.NopCloser(newZeroReader(n)), nil
		},
	}
}

type zeroReader struct{ n int64 }

func newZeroReader(n int64) *zeroReader { return &zeroReader{n: n} }

func (r *zeroReader) Read(p []byte) (int, error) {
	if r.n <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.n {
		p = p[:r.n]
	}
	r.n -= int64(len(p))
	return len(p), nil
}

// bytesReader avoids importing bytes just for NewReader in PartDir.
func bytesReader(b []byte) io.Reader {
	return &sliceReader{b: b}
}

type sliceReader struct {
	b   []byte
	pos int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

// Harness bundles the in-memory dependency graph most package tests need:
// a real metadata.Store and storage.Layer over storage.NewMemBackend, a
// lock.Manager over coordination.NewMemClient, and a ThreadGroup, all
// wired to t.Cleanup.
type Harness struct {
	TG      *threadgroup.ThreadGroup
	Store   *metadata.Store
	Layer   *storage.Layer
	LockMgr *lock.Manager
	Logger  *persist.Logger
	Chain   *codec.Chain
}

// NewHarness builds a Harness, failing the test on any construction
// error.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	logger := NewLogger(t)

	store, err := metadata.Open(filepath.Join(t.TempDir(), "meta"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	layer := storage.NewLayer(storage.NewMemBackend(), storage.DefaultOptions())
	lockMgr := lock.New(coordination.NewMemClient(), lock.Options{
		Dir:     filepath.Join(t.TempDir(), "locks"),
		Timeout: time.Second,
		Owner:   "host-a",
	})

	tg := &threadgroup.ThreadGroup{}
	t.Cleanup(func() { _ = tg.Stop() })

	return &Harness{
		TG:      tg,
		Store:   store,
		Layer:   layer,
		LockMgr: lockMgr,
		Logger:  logger,
		Chain:   &codec.Chain{Compression: codec.CompressionNone, Cipher: codec.TypePlain},
	}
}
