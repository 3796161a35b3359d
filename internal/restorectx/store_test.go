package restorectx

import (
	"path/filepath"
	"testing"

	"github.com/chbackup/ch-backup/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "restore.db"), 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreRoundTripsEntryStates(t *testing.T) {
	s := newTestStore(t)

	if err := s.SetDatabaseState("db", model.EntryAttached); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTableState("db.t", model.EntryAttached); err != nil {
		t.Fatal(err)
	}
	ref := model.PartRef{Database: "db", Table: "t", PartName: "0_1_1_0"}
	if err := s.SetPartState(ref, model.EntrySkipped); err != nil {
		t.Fatal(err)
	}

	rc, err := s.Load("localhost", "20260101T000000")
	if err != nil {
		t.Fatal(err)
	}
	if rc.DatabaseState("db") != model.EntryAttached {
		t.Error("expected persisted database state to survive a reload")
	}
	if rc.TableState("db.t") != model.EntryAttached {
		t.Error("expected persisted table state to survive a reload")
	}
	if rc.PartState(ref) != model.EntrySkipped {
		t.Error("expected persisted part state to survive a reload")
	}
	if rc.Pending(ref) {
		t.Error("a skipped part must not be reported as pending")
	}
}

func TestStoreFreshDestinationDefaultsToPending(t *testing.T) {
	s := newTestStore(t)
	rc, err := s.Load("new-host", "20260101T000000")
	if err != nil {
		t.Fatal(err)
	}
	ref := model.PartRef{Database: "db", Table: "t", PartName: "p"}
	if !rc.Pending(ref) {
		t.Error("expected an unrecorded part to default to pending")
	}
}
