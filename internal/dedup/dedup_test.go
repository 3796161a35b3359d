package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chbackup/ch-backup/internal/model"
)

type fakeSource struct {
	backups []*model.Backup
}

func (f *fakeSource) Load(ctx context.Context, id string) (*model.Backup, error) {
	for _, b := range f.backups {
		if b.ID == id {
			return b, nil
		}
	}
	return nil, model.ErrNotFound
}

func (f *fakeSource) ListDescending(ctx context.Context, afterID string, batchSize int) ([]*model.Backup, error) {
	start := 0
	if afterID != "" {
		for i, b := range f.backups {
			if b.ID == afterID {
				start = i + 1
				break
			}
		}
	}
	end := start + batchSize
	if end > len(f.backups) {
		end = len(f.backups)
	}
	if start >= len(f.backups) {
		return nil, nil
	}
	return f.backups[start:end], nil
}

type fakeChecker struct {
	missing map[string]bool
}

func (c *fakeChecker) ArtifactPresent(ctx context.Context, backupID string, p model.Part) (bool, error) {
	if c.missing != nil && c.missing[p.PartName] {
		return false, nil
	}
	return p.Size > 0, nil
}

func backupWithPart(id string, end time.Time, state model.BackupState, part model.Part) *model.Backup {
	part.Database, part.Table = "db", "t"
	return &model.Backup{
		ID:      id,
		State:   state,
		EndTime: &model.Time{Time: end},
		Databases: map[string]*model.Database{
			"db": {Tables: map[string]*model.Table{"t": {Parts: []model.Part{part}}}},
		},
	}
}

func TestBuildIndexHonorsAgeLimitAndStateRules(t *testing.T) {
	now := time.Now()
	src := &fakeSource{backups: []*model.Backup{
		backupWithPart("new", now.Add(-time.Minute), model.StateCreated, model.Part{PartName: "p1", Checksum: "c1", Size: 10}),
		backupWithPart("crashed", now.Add(-2*time.Minute), model.StateFailed, model.Part{PartName: "p2", Checksum: "c2", Size: 10}),
		backupWithPart("deleting", now.Add(-3*time.Minute), model.StateDeleting, model.Part{PartName: "p3", Checksum: "c3", Size: 10}),
		backupWithPart("too-old", now.Add(-48*time.Hour), model.StateCreated, model.Part{PartName: "p4", Checksum: "c4", Size: 10}),
	}}

	idx, err := BuildIndex(context.Background(), src, &fakeChecker{}, Options{AgeLimit: 24 * time.Hour, BatchSize: 10})
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := idx.Lookup(model.PartKey{Database: "db", Table: "t", PartName: "p1", Checksum: "c1"}); !ok {
		t.Error("expected created-state part within age limit to be indexed")
	}
	if _, ok := idx.Lookup(model.PartKey{Database: "db", Table: "t", PartName: "p2", Checksum: "c2"}); !ok {
		t.Error("expected failed-state part to still be indexed (rule b relaxation)")
	}
	if _, ok := idx.Lookup(model.PartKey{Database: "db", Table: "t", PartName: "p3", Checksum: "c3"}); ok {
		t.Error("deleting-state part must not be indexed")
	}
	if _, ok := idx.Lookup(model.PartKey{Database: "db", Table: "t", PartName: "p4", Checksum: "c4"}); ok {
		t.Error("part from a too-old backup must not be indexed")
	}
}

func TestBuildIndexSkipsMissingArtifacts(t *testing.T) {
	now := time.Now()
	src := &fakeSource{backups: []*model.Backup{
		backupWithPart("b1", now, model.StateCreated, model.Part{PartName: "p1", Checksum: "c1", Size: 10}),
	}}
	checker := &fakeChecker{missing: map[string]bool{"p1": true}}

	idx, err := BuildIndex(context.Background(), src, checker, Options{AgeLimit: 24 * time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := idx.Lookup(model.PartKey{Database: "db", Table: "t", PartName: "p1", Checksum: "c1"}); ok {
		t.Error("part with a missing artifact must not be indexed")
	}
}

func TestDecideLinksWhenDeduplicationEnabledAndMatchFound(t *testing.T) {
	idx := &Index{entries: map[model.PartKey]Entry{
		{Database: "db", Table: "t", PartName: "p1", Checksum: "c1"}: {BackupID: "origin", Part: model.Part{Database: "db", Table: "t"}},
	}}
	p := model.Part{Database: "db", Table: "t", PartName: "p1", Checksum: "c1"}

	d := Decide(idx, p, true)
	if d.Upload || d.Link == nil || d.Link.BackupID != "origin" {
		t.Fatalf("expected a link decision, got %+v", d)
	}
}

func TestDecideUploadsWhenNoMatchOrDedupeDisabled(t *testing.T) {
	idx := &Index{entries: map[model.PartKey]Entry{}}
	p := model.Part{Database: "db", Table: "t", PartName: "p1", Checksum: "c1"}

	if d := Decide(idx, p, true); !d.Upload {
		t.Fatal("expected upload when no index match")
	}
	idx.entries[p.Key()] = Entry{BackupID: "origin"}
	if d := Decide(idx, p, false); !d.Upload {
		t.Fatal("expected upload when deduplication disabled, even with a match")
	}
}

func TestKeyedMutexSerializesSameChecksum(t *testing.T) {
	km := NewKeyedMutex()
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			km.Lock("same-checksum")
			defer km.Unlock("same-checksum")
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			time.Sleep(time.Millisecond)
		}(i)
	}
	wg.Wait()
	if len(order) != 5 {
		t.Fatalf("expected all 5 goroutines to complete, got %d", len(order))
	}
}
