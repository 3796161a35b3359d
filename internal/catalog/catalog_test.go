package catalog

import (
	"testing"

	"github.com/chbackup/ch-backup/internal/model"
)

func TestAddPartRejectsDuplicate(t *testing.T) {
	b := &model.Backup{}
	p := model.Part{Database: "db", Table: "t", PartName: "0_1_1_0", Checksum: "a"}
	if err := AddPart(b, p); err != nil {
		t.Fatal(err)
	}
	if err := AddPart(b, p); err == nil {
		t.Fatal("expected duplicate part to be rejected")
	}
}

func TestResolveLinkFollowsChain(t *testing.T) {
	origin := &model.Backup{
		Databases: map[string]*model.Database{
			"db": {Tables: map[string]*model.Table{
				"t": {Parts: []model.Part{{Database: "db", Table: "t", PartName: "0_1_1_0", Size: 100}}},
			}},
		},
	}
	linked := model.Part{
		Database: "db", Table: "t", PartName: "0_1_1_0",
		Link: &model.Link{BackupID: "origin", Database: "db", Table: "t"},
	}

	lookup := func(id string) (*model.Backup, error) {
		if id == "origin" {
			return origin, nil
		}
		return nil, nil
	}

	owner, resolved, err := ResolveLink("current", linked, lookup)
	if err != nil {
		t.Fatal(err)
	}
	if owner != "origin" {
		t.Fatalf("expected resolved owner to be origin, got %q", owner)
	}
	if resolved.Size != 100 || resolved.IsLinked() {
		t.Fatalf("expected resolved part to be the origin's unlinked part, got %+v", resolved)
	}
}

func TestResolveLinkRejectsEmptyTarget(t *testing.T) {
	origin := &model.Backup{
		Databases: map[string]*model.Database{
			"db": {Tables: map[string]*model.Table{
				"t": {Parts: []model.Part{{Database: "db", Table: "t", PartName: "p", Size: 0}}},
			}},
		},
	}
	linked := model.Part{
		Database: "db", Table: "t", PartName: "p",
		Link: &model.Link{BackupID: "origin", Database: "db", Table: "t"},
	}
	lookup := func(id string) (*model.Backup, error) { return origin, nil }

	if _, _, err := ResolveLink("current", linked, lookup); err == nil {
		t.Fatal("expected an error resolving a link to an empty artifact")
	}
}
