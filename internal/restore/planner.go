// Package restore implements the Restore Planner (spec.md §4.6, C7): the
// five-phase sequence that turns a created backup back into live ClickHouse
// state - ACL/UDF/named-collection restore, database recreation, table
// recreation, part attach, and finalize - resumably, via a restore context
// persisted in internal/restorectx.
package restore

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/chbackup/ch-backup/internal/lock"
	"github.com/chbackup/ch-backup/internal/metadata"
	"github.com/chbackup/ch-backup/internal/model"
	"github.com/chbackup/ch-backup/internal/persist"
	"github.com/chbackup/ch-backup/internal/restorectx"
	"github.com/chbackup/ch-backup/internal/storage"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/threadgroup"
)

// CleanZookeeperMode is the spec.md §4.6 --clean-zookeeper-mode value.
type CleanZookeeperMode string

// The two recognized modes; the zero value means no coordination cleanup.
const (
	CleanZookeeperNone        CleanZookeeperMode = ""
	CleanZookeeperReplicaOnly CleanZookeeperMode = "replica-only"
	CleanZookeeperAllReplicas CleanZookeeperMode = "all-replicas"
)

// Options mirrors spec.md §4.6's "Inputs" option list.
type Options struct {
	SchemaOnly                        bool
	Databases                         []string
	Tables                            []string
	Sources                           model.SourceSet
	OverrideReplicaName               string
	ForceNonReplicated                bool
	CleanZookeeperMode                CleanZookeeperMode
	ReplicaName                       string
	CloudStorageSourceBucket          string
	CloudStorageSourcePath            string
	CloudStorageLatest                bool
	UseInplaceCloudRestore            bool
	KeepGoing                         bool
	RestoreFailOnAttachError          bool

	// RestoreTablesInReplicatedDatabase defaults to true at the CLI/config
	// layer (spec.md §4.6 "if false, only recreate the database shell...
	// and let replication sync tables"); the zero value here means "do not
	// restore tables," so callers that build Options directly must set it
	// explicitly rather than relying on Go's zero value.
	RestoreTablesInReplicatedDatabase bool
}

// wantsSource reports whether phase code gated by kind should run: an empty
// filter means "everything the backup carries," a non-empty one restricts
// to the intersection (spec.md §4.6 "optional filter by {... sources}").
func (o Options) wantsSource(b *model.Backup, kind model.SourceKind) bool {
	if !b.Sources.Has(kind) {
		return false
	}
	if len(o.Sources) == 0 {
		return true
	}
	return o.Sources.Has(kind)
}

// Config mirrors spec.md §6's multiprocessing.cloud_storage_restore_workers
// and backup.restore_context_sync_on_disk_operation_threshold recognized
// options.
type Config struct {
	CloudStorageRestoreWorkers  int
	RestoreContextSyncThreshold int
	RestoreContextDir           string
}

// Request describes one restore invocation.
type Request struct {
	Target      string // backup id or "LAST"
	Destination string // identifies which restore context document to use
	Options     Options
}

// Result summarizes what a Run call did.
type Result struct {
	BackupID        string
	RestartRequired bool
	AttachedParts   int
	SkippedParts    int
	FailedParts     []string
}

// SchemaApplier recreates databases and tables on the destination,
// including the drop-and-recreate handling spec.md §7 names for
// ErrSchemaMismatch (a same-named table with a different schema is
// dropped, respecting the server's drop-size guard, then recreated).
type SchemaApplier interface {
	EnsureDatabase(ctx context.Context, db model.Database) error
	EnsureTable(ctx context.Context, database string, t model.Table) error
}

// PartAttacher attaches one local-disk part's unpacked TAR contents.
type PartAttacher interface {
	// AttachLocalPart unpacks tarData (a TAR stream of the part's files)
	// into the table's detached/ directory and issues
	// ALTER TABLE ... ATTACH PART.
	AttachLocalPart(ctx context.Context, database, table, partName string, tarData io.Reader) error
}

// ObjectStorageRestorer restores a part that lives on an object-storage
// backed ClickHouse disk (spec.md §4.6 phase 4, "Copy"/"Inplace").
type ObjectStorageRestorer interface {
	CopyPart(ctx context.Context, disk, sourceKey, destKey string) error
	RebuildDiskMetadata(ctx context.Context, disk, database, table, partName string) error
}

// AccessRestorer restores local access storage, user-defined functions, and
// named collections (spec.md §4.6 phase 1). Each call reports whether
// applying its payload only takes effect after a ClickHouse restart.
type AccessRestorer interface {
	RestoreAccessControl(ctx context.Context, backupID string) (restartRequired bool, err error)
	RestoreUDFs(ctx context.Context, backupID string) (restartRequired bool, err error)
	RestoreNamedCollections(ctx context.Context, backupID string) (restartRequired bool, err error)
}

// CoordinationCleaner is the narrow slice of coordination.Client the
// clean_zookeeper_mode rewrite needs: a pure set-difference against a
// prefix (DESIGN NOTES §9 "Coordination cleanup"), not a stateful walk.
type CoordinationCleaner interface {
	ListOrphaned(ctx context.Context, prefix string) ([]string, error)
	RemoveOrphaned(ctx context.Context, paths []string) error
}

// Planner drives the five restore phases over one target backup.
type Planner struct {
	tg          *threadgroup.ThreadGroup
	store       *metadata.Store
	layer       *storage.Layer
	lockMgr     *lock.Manager
	coord       CoordinationCleaner
	schema      SchemaApplier
	attacher    PartAttacher
	objRestorer ObjectStorageRestorer
	access      AccessRestorer
	secret      []byte
	cfg         Config
	log         *persist.Logger
}

// New builds a Planner. coord/access/objRestorer may be nil when the
// corresponding phases are never exercised (e.g. a pure local-disk,
// no-ACL restore in tests).
func New(tg *threadgroup.ThreadGroup, store *metadata.Store, layer *storage.Layer, lockMgr *lock.Manager, coord CoordinationCleaner, schema SchemaApplier, attacher PartAttacher, objRestorer ObjectStorageRestorer, access AccessRestorer, secret []byte, cfg Config, log *persist.Logger) *Planner {
	if cfg.CloudStorageRestoreWorkers < 1 {
		cfg.CloudStorageRestoreWorkers = 1
	}
	if cfg.RestoreContextSyncThreshold < 1 {
		cfg.RestoreContextSyncThreshold = 1
	}
	return &Planner{
		tg: tg, store: store, layer: layer, lockMgr: lockMgr, coord: coord,
		schema: schema, attacher: attacher, objRestorer: objRestorer, access: access,
		secret: secret, cfg: cfg, log: log,
	}
}

// Run resolves req.Target, acquires the file lock (restore never takes the
// distributed lock, spec.md §4.8), and drives phases 1-5 in order.
func (p *Planner) Run(ctx context.Context, req Request) (*Result, error) {
	id, err := p.store.ExpandID(req.Target)
	if err != nil {
		return nil, errors.AddContext(err, "could not resolve restore target")
	}
	b, err := p.store.Load(id)
	if err != nil {
		return nil, errors.AddContext(err, "could not load target backup")
	}
	if !b.State.Restorable() {
		return nil, errors.Compose(model.ErrNotFound, errors.New("backup "+b.ID+" is not in a restorable state"))
	}

	held, err := p.lockMgr.Acquire(ctx, lock.NameRestore, true)
	if err != nil {
		return nil, err
	}
	defer held.Release(ctx)

	rcPath := filepath.Join(p.cfg.RestoreContextDir, req.Destination+".db")
	rcStore, err := restorectx.Open(rcPath, p.cfg.RestoreContextSyncThreshold)
	if err != nil {
		return nil, errors.AddContext(err, "could not open restore context")
	}
	defer rcStore.Close()

	rc, err := rcStore.Load(req.Destination, b.ID)
	if err != nil {
		return nil, errors.AddContext(err, "could not load restore context")
	}

	res := &Result{BackupID: b.ID}

	if err := p.phaseAccess(ctx, b, req.Options, res); err != nil {
		return res, err
	}

	if err := p.phaseDatabases(ctx, b, req.Options, rc, rcStore, res); err != nil {
		return res, err
	}

	if req.Options.SchemaOnly {
		return res, nil
	}

	if err := p.phaseParts(ctx, b, req.Options, rc, rcStore, res); err != nil {
		return res, err
	}

	return res, nil
}

// phaseAccess implements spec.md §4.6 phase 1.
func (p *Planner) phaseAccess(ctx context.Context, b *model.Backup, opts Options, res *Result) error {
	if p.access == nil {
		return nil
	}
	type call func(context.Context, string) (bool, error)
	steps := []struct {
		kind model.SourceKind
		fn   call
	}{
		{model.SourceAccess, p.access.RestoreAccessControl},
		{model.SourceUDF, p.access.RestoreUDFs},
		{model.SourceNamedCollections, p.access.RestoreNamedCollections},
	}
	for _, s := range steps {
		if !opts.wantsSource(b, s.kind) {
			continue
		}
		restart, err := s.fn(ctx, b.ID)
		if err != nil {
			return errors.AddContext(err, "phase 1: restore "+string(s.kind))
		}
		res.RestartRequired = res.RestartRequired || restart
	}
	return nil
}

// phaseDatabases implements spec.md §4.6 phases 2 and 3: database
// recreation in name order (a stand-in for "dependency order" since the
// catalog carries no explicit dependency edges between databases), then
// table recreation within each.
func (p *Planner) phaseDatabases(ctx context.Context, b *model.Backup, opts Options, rc *model.RestoreContext, rcStore *restorectx.Store, res *Result) error {
	names := filteredDatabases(b, opts.Databases)
	for _, name := range names {
		db := b.Databases[name]
		if rc.DatabaseState(name) != model.EntryAttached {
			if err := p.recreateDatabase(ctx, db, opts); err != nil {
				return errors.AddContext(err, "phase 2: database "+name)
			}
			rc.SetDatabaseState(name, model.EntryAttached)
			if err := rcStore.SetDatabaseState(name, model.EntryAttached); err != nil {
				return err
			}
		}

		replicatedShell := db.Engine == "Replicated" && !opts.RestoreTablesInReplicatedDatabase
		if replicatedShell {
			// Only the database shell is recreated; ClickHouse's own
			// replication sync is left to populate its tables
			// (spec.md §4.6 "restore_tables_in_replicated_database").
			continue
		}

		for _, tname := range filteredTables(db, opts.Tables) {
			fq := name + "." + tname
			if rc.TableState(fq) == model.EntryAttached {
				continue
			}
			t := db.Tables[tname]
			if err := p.recreateTable(ctx, name, *t, opts); err != nil {
				return errors.AddContext(err, "phase 3: table "+fq)
			}
			rc.SetTableState(fq, model.EntryAttached)
			if err := rcStore.SetTableState(fq, model.EntryAttached); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Planner) recreateDatabase(ctx context.Context, db *model.Database, opts Options) error {
	if err := p.schema.EnsureDatabase(ctx, *db); err != nil {
		return err
	}
	if db.Engine != "Replicated" || opts.CleanZookeeperMode == CleanZookeeperNone || p.coord == nil {
		return nil
	}
	return p.cleanCoordination(ctx, db.Name, opts)
}

// cleanCoordination prunes stale replica entries left in the coordination
// service, a pure set-difference against the database's replica path
// prefix (DESIGN NOTES §9 "Coordination cleanup").
func (p *Planner) cleanCoordination(ctx context.Context, database string, opts Options) error {
	prefix := fmt.Sprintf("/clickhouse/databases/%s/replicas/", database)
	if opts.CleanZookeeperMode == CleanZookeeperReplicaOnly {
		prefix += opts.ReplicaName
	}
	orphaned, err := p.coord.ListOrphaned(ctx, prefix)
	if err != nil {
		return errors.AddContext(err, "could not list coordination entries for "+database)
	}
	if len(orphaned) == 0 {
		return nil
	}
	return errors.AddContext(p.coord.RemoveOrphaned(ctx, orphaned), "could not prune coordination entries for "+database)
}

func (p *Planner) recreateTable(ctx context.Context, database string, t model.Table, opts Options) error {
	normalized := normalizeCreateTable(t, opts)
	return p.schema.EnsureTable(ctx, database, normalized)
}

func filteredDatabases(b *model.Backup, want []string) []string {
	names := make([]string, 0, len(b.Databases))
	allow := toSet(want)
	for name := range b.Databases {
		if len(allow) == 0 || allow[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func filteredTables(db *model.Database, want []string) []string {
	names := make([]string, 0, len(db.Tables))
	allow := toSet(want)
	for name := range db.Tables {
		if len(allow) == 0 || allow[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[it] = true
	}
	return out
}

// linkLookup resolves a linked part's owning backup via the metadata store,
// matching catalog.ResolveLink's lookup signature.
func (p *Planner) linkLookup() func(string) (*model.Backup, error) {
	return func(id string) (*model.Backup, error) { return p.store.Load(id) }
}
