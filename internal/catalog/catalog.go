// Package catalog builds and mutates the part catalog carried inside a
// backup document (spec.md §3 "Part descriptor", §4.2 "Part Catalog (C2)").
// The catalog has no storage of its own - it lives as
// model.Backup.Databases - this package only enforces the invariants around
// adding to it.
package catalog

import (
	"github.com/chbackup/ch-backup/internal/model"
	"github.com/uplo-tech/errors"
)

// ErrDuplicatePart is returned when AddPart would violate spec.md §3's
// "(database, table, part_name) is unique within one backup" invariant.
var ErrDuplicatePart = errors.New("part already present in backup")

// EnsureDatabase returns b's Database entry for name, creating an empty one
// if it is the first part seen for that database.
func EnsureDatabase(b *model.Backup, name string) *model.Database {
	if b.Databases == nil {
		b.Databases = make(map[string]*model.Database)
	}
	db, ok := b.Databases[name]
	if !ok {
		db = &model.Database{Name: name, Tables: make(map[string]*model.Table)}
		b.Databases[name] = db
	}
	return db
}

// EnsureTable returns db's Table entry for name, creating an empty one on
// first use.
func EnsureTable(db *model.Database, name string) *model.Table {
	if db.Tables == nil {
		db.Tables = make(map[string]*model.Table)
	}
	t, ok := db.Tables[name]
	if !ok {
		t = &model.Table{Database: db.Name, Name: name}
		db.Tables[name] = t
	}
	return t
}

// AddPart appends p to b's catalog, enforcing the part identity invariant:
// (database, table, part_name) must be unique within a single backup
// (spec.md §3 "Uniqueness within a backup"). The part only becomes visible
// in the catalog after this call succeeds, matching the "Atomic mutation"
// invariant that a part descriptor is published only once its artifact is
// fully uploaded and checksum-verified - callers must not call AddPart until
// that has happened.
func AddPart(b *model.Backup, p model.Part) error {
	db := EnsureDatabase(b, p.Database)
	t := EnsureTable(db, p.Table)
	for _, existing := range t.Parts {
		if existing.PartName == p.PartName {
			return errors.AddContext(ErrDuplicatePart, p.Database+"."+p.Table+"."+p.PartName)
		}
	}
	t.Parts = append(t.Parts, p)
	return nil
}

// ResolveLink follows p's Link chain (if any) to the part it ultimately
// points at, using lookup to fetch other backups' catalogs on demand.
// ownerID is the backup p's own descriptor came from, returned unchanged
// when p is not itself a link. It returns an error if the chain does not
// terminate in a part with a present, non-empty artifact, enforcing
// spec.md §3's "Link closure" invariant. The returned owner id is the
// backup whose storage key namespace the resolved artifact actually lives
// under - restore and the dedup engine's rule (c) presence check both need
// it, since a link carries no artifact of its own.
func ResolveLink(ownerID string, p model.Part, lookup func(backupID string) (*model.Backup, error)) (string, model.Part, error) {
	seen := map[string]bool{}
	owner := ownerID
	cur := p
	for cur.IsLinked() {
		key := cur.Link.BackupID + "\x00" + cur.Link.Database + "\x00" + cur.Link.Table + "\x00" + cur.PartName
		if seen[key] {
			return "", model.Part{}, errors.New("link cycle detected while resolving part")
		}
		seen[key] = true

		target, err := lookup(cur.Link.BackupID)
		if err != nil {
			return "", model.Part{}, errors.AddContext(err, "could not load linked backup")
		}
		db, ok := target.Databases[cur.Link.Database]
		if !ok {
			return "", model.Part{}, errors.New("linked database not found")
		}
		t, ok := db.Tables[cur.Link.Table]
		if !ok {
			return "", model.Part{}, errors.New("linked table not found")
		}
		var next *model.Part
		for i := range t.Parts {
			if t.Parts[i].PartName == cur.PartName {
				next = &t.Parts[i]
				break
			}
		}
		if next == nil {
			return "", model.Part{}, errors.New("linked part not found")
		}
		owner = cur.Link.BackupID
		cur = *next
	}
	if cur.Size == 0 {
		return "", model.Part{}, errors.New("link resolves to an empty artifact")
	}
	return owner, cur, nil
}
