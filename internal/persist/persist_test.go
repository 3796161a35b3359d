package persist

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

type testDoc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSaveLoadJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	want := testDoc{Name: "backup-20260101", Count: 7}
	if err := SaveJSON(path, want); err != nil {
		t.Fatal(err)
	}

	var got testDoc
	if err := LoadJSON(path, &got); err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("LoadJSON() = %+v, want %+v", got, want)
	}

	// No abandoned temp files should remain after a successful save.
	matches, err := filepath.Glob(path + tempSuffix + "_*")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no leftover temp files, found %v", matches)
	}
}

func TestSaveJSONRejectsReservedSuffix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc"+tempSuffix)
	if err := SaveJSON(path, testDoc{}); err != ErrBadFilenameSuffix {
		t.Fatalf("SaveJSON() err = %v, want ErrBadFilenameSuffix", err)
	}
}

func TestRemoveFileAlsoRemovesTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	if err := SaveJSON(path, testDoc{Name: "x"}); err != nil {
		t.Fatal(err)
	}
	// Simulate a temp file abandoned by an interrupted SaveJSON.
	abandoned := path + tempSuffix + "_" + RandomSuffix()
	if err := ioutil.WriteFile(abandoned, []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := RemoveFile(path); err != nil {
		t.Fatal(err)
	}
	var got testDoc
	if err := LoadJSON(path, &got); err == nil {
		t.Fatal("expected LoadJSON to fail after RemoveFile")
	}
	if _, err := os.Stat(abandoned); !os.IsNotExist(err) {
		t.Fatalf("expected abandoned temp file to be removed, stat err = %v", err)
	}
}
