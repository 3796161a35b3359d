package metadata

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/chbackup/ch-backup/internal/model"
	"github.com/chbackup/ch-backup/internal/persist"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger, err := persist.NewLogger(&testWriter{t})
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(filepath.Join(t.TempDir(), "meta"), logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type testWriter struct{ t *testing.T }

func (w *testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestStoreStubThenFinal(t *testing.T) {
	s := newTestStore(t)

	b := &model.Backup{ID: "20260101T000000", StartTime: model.NewTime(time.Now())}
	if err := s.WriteStub(b); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.Load(b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.State != model.StateCreating {
		t.Fatalf("expected stub state creating, got %q", loaded.State)
	}

	b.State = model.StateCreated
	if err := s.WriteFinal(b); err != nil {
		t.Fatal(err)
	}
	loaded, err = s.Load(b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.State != model.StateCreated {
		t.Fatalf("expected final state created, got %q", loaded.State)
	}
}

func TestStoreListOrdersByStartTimeDesc(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	older := &model.Backup{ID: "b-older", StartTime: model.NewTime(now.Add(-time.Hour)), State: model.StateCreated}
	newer := &model.Backup{ID: "b-newer", StartTime: model.NewTime(now), State: model.StateCreated}
	if err := s.WriteFinal(older); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteFinal(newer); err != nil {
		t.Fatal(err)
	}

	list, err := s.List("b-")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "b-newer" || list[1].ID != "b-older" {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestResolveLastSkipsNonCreated(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	failed := &model.Backup{ID: "f1", StartTime: model.NewTime(now), State: model.StateFailed}
	created := &model.Backup{ID: "c1", StartTime: model.NewTime(now.Add(-time.Minute)), State: model.StateCreated}
	if err := s.WriteFinal(failed); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteFinal(created); err != nil {
		t.Fatal(err)
	}

	last, err := s.ResolveLast()
	if err != nil {
		t.Fatal(err)
	}
	if last.ID != "c1" {
		t.Fatalf("expected c1, got %s", last.ID)
	}
}

func TestExpandIDReplacesUUIDToken(t *testing.T) {
	s := newTestStore(t)
	id, err := s.ExpandID("nightly-{uuid}")
	if err != nil {
		t.Fatal(err)
	}
	if id == "nightly-{uuid}" {
		t.Fatal("expected {uuid} token to be replaced")
	}
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Load("does-not-exist"); err == nil {
		t.Fatal("expected an error loading a missing backup")
	}
}
