package storage

import (
	"bytes"
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"
)

func TestFSBackendPutGetHeadDelete(t *testing.T) {
	ctx := context.Background()
	b := NewFSBackend(filepath.Join(t.TempDir(), "objects"))

	payload := []byte("part bytes")
	if err := b.Put(ctx, "backup1/data/db/t/0_1_1_0.tar", bytes.NewReader(payload), int64(len(payload))); err != nil {
		t.Fatal(err)
	}

	info, ok, err := b.Head(ctx, "backup1/data/db/t/0_1_1_0.tar")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || info.Size != int64(len(payload)) {
		t.Fatalf("expected head to report size %d, got %+v ok=%v", len(payload), info, ok)
	}

	rc, err := b.Get(ctx, "backup1/data/db/t/0_1_1_0.tar")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	got, err := ioutil.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}

	if _, _, err := b.Head(ctx, "backup1/missing"); err != nil {
		t.Fatal(err)
	}

	result, err := b.Delete(ctx, []string{"backup1/data/db/t/0_1_1_0.tar"})
	if err != nil {
		t.Fatal(err)
	}
	if result["backup1/data/db/t/0_1_1_0.tar"] != nil {
		t.Fatalf("expected clean delete, got %v", result)
	}
	if _, ok, err := b.Head(ctx, "backup1/data/db/t/0_1_1_0.tar"); err != nil || ok {
		t.Fatalf("expected object gone after delete, ok=%v err=%v", ok, err)
	}
}

func TestFSBackendListSortedByPrefix(t *testing.T) {
	ctx := context.Background()
	b := NewFSBackend(t.TempDir())

	for _, key := range []string{"b/2.tar", "b/1.tar", "a/1.tar"} {
		if err := b.Put(ctx, key, bytes.NewReader([]byte("x")), 1); err != nil {
			t.Fatal(err)
		}
	}

	infoCh, errCh := b.List(ctx, "b/")
	var keys []string
	for info := range infoCh {
		keys = append(keys, info.Key)
	}
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "b/1.tar" || keys[1] != "b/2.tar" {
		t.Fatalf("expected [b/1.tar b/2.tar] under prefix b/, got %v", keys)
	}
}
