package model

import "testing"

func TestRestoreContextPending(t *testing.T) {
	ctx := NewRestoreContext("dest1", "20260101T000000")
	ref := PartRef{Database: "db", Table: "t", PartName: "0_1_1_0"}

	if !ctx.Pending(ref) {
		t.Fatal("a never-seen part must be pending")
	}

	ctx.SetPartState(ref, EntryAttached)
	if ctx.Pending(ref) {
		t.Fatal("an attached part must not be pending")
	}

	ref2 := PartRef{Database: "db", Table: "t", PartName: "0_2_2_0"}
	ctx.SetPartState(ref2, EntrySkipped)
	if ctx.Pending(ref2) {
		t.Fatal("a skipped part must not be pending")
	}

	ref3 := PartRef{Database: "db", Table: "t", PartName: "0_3_3_0"}
	ctx.SetPartState(ref3, EntryDownloaded)
	if !ctx.Pending(ref3) {
		t.Fatal("a merely-downloaded part still needs to be attached, so it stays pending")
	}
}

func TestRestoreContextDefaultsToPending(t *testing.T) {
	ctx := NewRestoreContext("dest1", "LAST")
	if ctx.DatabaseState("db") != EntryPending {
		t.Fatal("unseen database should default to pending")
	}
	if ctx.TableState("db.t") != EntryPending {
		t.Fatal("unseen table should default to pending")
	}
}
