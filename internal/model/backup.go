package model

import (
	"sort"

	"github.com/chbackup/ch-backup/internal/codec"
)

// BackupState is a closed set of five lifecycle states (spec.md §3). It is
// modeled as a tagged variant over an open-ended string to satisfy DESIGN
// NOTES §9 ("prefer a tagged variant... over open-ended string matching");
// ParseBackupState is the single place an unrecognized string is collapsed.
type BackupState string

// The five lifecycle states a backup record can occupy.
const (
	StateCreating         BackupState = "creating"
	StateCreated          BackupState = "created"
	StateFailed           BackupState = "failed"
	StateDeleting         BackupState = "deleting"
	StatePartiallyDeleted BackupState = "partially_deleted"
)

// ParseBackupState parses a persisted state string, collapsing anything
// unrecognized to StateFailed per spec.md §8 ("unknown/torn documents are
// surfaced as failed").
func ParseBackupState(s string) BackupState {
	switch BackupState(s) {
	case StateCreating, StateCreated, StateFailed, StateDeleting, StatePartiallyDeleted:
		return BackupState(s)
	default:
		return StateFailed
	}
}

// IsTerminalForDedup reports whether a backup in this state may still
// contribute dedup index entries (spec.md §4.3 rule (b)): every state except
// deleting and partially_deleted.
func (s BackupState) IsTerminalForDedup() bool {
	return s != StateDeleting && s != StatePartiallyDeleted
}

// Restorable reports whether a backup in this state may be consumed by a
// restore operation. Only StateCreated qualifies (spec.md §3).
func (s BackupState) Restorable() bool {
	return s == StateCreated
}

// SourceKind enumerates the kinds of content a backup may include
// (spec.md §3 "sources").
type SourceKind string

// The recognized source kinds.
const (
	SourceData             SourceKind = "data"
	SourceAccess           SourceKind = "access"
	SourceUDF              SourceKind = "udf"
	SourceNamedCollections SourceKind = "named-collections"
	SourceSchema           SourceKind = "schema"
)

// SourceSet is an unordered collection of source kinds, persisted as a
// sorted JSON array for determinism.
type SourceSet map[SourceKind]struct{}

// NewSourceSet builds a SourceSet from a list of kinds.
func NewSourceSet(kinds ...SourceKind) SourceSet {
	s := make(SourceSet, len(kinds))
	for _, k := range kinds {
		s[k] = struct{}{}
	}
	return s
}

// Has reports whether kind is present.
func (s SourceSet) Has(kind SourceKind) bool {
	_, ok := s[kind]
	return ok
}

// Labels is a string-to-string label map, merged from configured defaults
// and caller-supplied labels (spec.md §3).
type Labels map[string]string

// Merge returns a new Labels map containing l's entries overridden by
// caller's entries (caller wins on key collision).
func (l Labels) Merge(caller Labels) Labels {
	out := make(Labels, len(l)+len(caller))
	for k, v := range l {
		out[k] = v
	}
	for k, v := range caller {
		out[k] = v
	}
	return out
}

// Link identifies the ultimate artifact a deduplicated part descriptor
// points at (spec.md §3 "Part descriptor" / "link").
type Link struct {
	BackupID string `json:"backup_id"`
	Database string `json:"database"`
	Table    string `json:"table"`
}

// StorageClass distinguishes parts stored on a local disk from parts stored
// on an object-storage-backed ClickHouse disk (spec.md §3).
type StorageClass string

// The two storage classes a part may live on.
const (
	StorageClassLocal  StorageClass = "local"
	StorageClassObject StorageClass = "object-storage"
)

// PartFile describes one file within a part's artifact (spec.md §3
// "files").
type PartFile struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// Part is the unit of data I/O the engine moves (spec.md §3 "Part
// descriptor").
type Part struct {
	Database     string       `json:"database"`
	Table        string       `json:"table"`
	PartName     string       `json:"part_name"`
	DiskName     string       `json:"disk_name"`
	StorageClass StorageClass `json:"storage_class"`
	Checksum     string       `json:"checksum"`
	Size         int64        `json:"size"`
	RawSize      int64        `json:"raw_size"`
	Files        []PartFile   `json:"files"`
	Link         *Link        `json:"link,omitempty"`
	Tarball      bool         `json:"tarball"`
	DiskRevision uint64       `json:"disk_revision,omitempty"`

	// Chain records the exact codec chain (compression, cipher, and the IV
	// generated for this specific artifact) the part's archive was written
	// with, so restore can reverse it without guessing - the secret itself
	// still never round-trips through the descriptor (codec.Chain doc
	// comment). Left at its zero value for a linked part, which carries no
	// artifact of its own; encoding/json still writes it, since omitempty
	// has no effect on a struct-typed field.
	Chain codec.Chain `json:"chain,omitempty"`
}

// Key identifies a part for deduplication/uniqueness purposes: the
// (database, table, part_name, checksum) tuple from spec.md §3's part
// identity invariant.
func (p Part) Key() PartKey {
	return PartKey{Database: p.Database, Table: p.Table, PartName: p.PartName, Checksum: p.Checksum}
}

// PartKey is the (database, table, part_name, checksum) dedup identity.
type PartKey struct {
	Database string
	Table    string
	PartName string
	Checksum string
}

// IsLinked reports whether this part is a dedup link rather than a fresh
// upload.
func (p Part) IsLinked() bool {
	return p.Link != nil
}

// Table describes one ClickHouse table included in a backup (spec.md §3
// "Table descriptor").
type Table struct {
	Database         string  `json:"-"`
	Name             string  `json:"name"`
	Engine           string  `json:"engine"`
	UUID             string  `json:"uuid,omitempty"`
	CreateSQL        string  `json:"create_sql"`
	InnerTable       string  `json:"inner_table,omitempty"`
	IsExternalEngine bool    `json:"is_external_engine"`
	Partitions       []string `json:"partitions,omitempty"`
	Parts            []Part  `json:"parts,omitempty"`
}

// Database describes one ClickHouse database included in a backup
// (spec.md §3 "Database descriptor").
type Database struct {
	Name        string           `json:"name"`
	Engine      string           `json:"engine"`
	EngineArgs  map[string]string `json:"engine_args,omitempty"`
	UUID        string           `json:"uuid,omitempty"`
	MetadataSQL string           `json:"metadata_sql"`
	Tables      map[string]*Table `json:"tables"`
}

// Backup is the full backup record plus its part catalog (spec.md §3
// "Backup record" and §4.2's "databases → tables → parts" catalog).
type Backup struct {
	ID                string      `json:"id"`
	Version           string      `json:"version"`
	State             BackupState `json:"state"`
	StartTime         Time        `json:"start_time"`
	EndTime           *Time       `json:"end_time,omitempty"`
	Hostname          string      `json:"hostname"`
	CHVersion         string      `json:"ch_version"`
	ToolVersion       string      `json:"tool_version"`
	Labels            Labels      `json:"labels,omitempty"`
	SchemaOnly        bool        `json:"schema_only"`
	EncryptionEnabled bool        `json:"encryption_enabled"`
	Sources           SourceSet   `json:"sources,omitempty"`
	FailReason        string      `json:"fail_reason,omitempty"`
	Databases         map[string]*Database `json:"databases,omitempty"`
}

// AllParts iterates over every part in the catalog in a deterministic
// (database, table) order.
func (b *Backup) AllParts(fn func(db, table string, p Part)) {
	for _, dbName := range sortedKeysD(b.Databases) {
		db := b.Databases[dbName]
		for _, tableName := range sortedKeysT(db.Tables) {
			t := db.Tables[tableName]
			for _, p := range t.Parts {
				fn(dbName, tableName, p)
			}
		}
	}
}

func sortedKeysD(m map[string]*Database) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysT(m map[string]*Table) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
