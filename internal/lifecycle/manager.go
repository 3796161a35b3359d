// Package lifecycle implements the Backup Lifecycle Manager (spec.md §4.5):
// Create/Delete/Purge, composing the metadata store, the freeze pipeline,
// the dedup index, and the two-lock protocol into the three operations a
// caller actually invokes.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/chbackup/ch-backup/internal/catalog"
	"github.com/chbackup/ch-backup/internal/codec"
	"github.com/chbackup/ch-backup/internal/dedup"
	"github.com/chbackup/ch-backup/internal/freeze"
	"github.com/chbackup/ch-backup/internal/lock"
	"github.com/chbackup/ch-backup/internal/metadata"
	"github.com/chbackup/ch-backup/internal/model"
	"github.com/chbackup/ch-backup/internal/persist"
	"github.com/chbackup/ch-backup/internal/storage"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/threadgroup"
)

// ErrNoOp marks a Create call that min_interval turned into a no-op: the
// caller made no mutation and no backup record was written (spec.md §4.5
// "the command is a no-op unless force=true").
var ErrNoOp = errors.New("backup skipped: within min_interval of the last backup")

// SchemaFetcher supplies the DDL text Create records for each table,
// independent of whether the request is schema-only: a data backup still
// needs CREATE DATABASE/TABLE statements so restore can recreate the
// destination before attaching parts. A nil SchemaFetcher leaves
// CreateSQL/MetadataSQL empty, which is only correct for tests that do not
// exercise restore.
type SchemaFetcher interface {
	FetchDatabase(ctx context.Context, database string) (model.Database, error)
	FetchTable(ctx context.Context, database, table string) (model.Table, error)
}

// Config mirrors spec.md §6's backup.* recognized options this package
// enforces.
type Config struct {
	DeduplicateParts       bool
	DeduplicationAgeLimit  time.Duration
	DeduplicationBatchSize int
	MinInterval            time.Duration
	RetainTime             time.Duration
	RetainCount            int
	SkipLockForSchemaOnly  bool
}

// Manager composes the metadata store, storage layer, freeze pipeline, and
// lock manager into Create/Delete/Purge.
type Manager struct {
	tg        *threadgroup.ThreadGroup
	store     *metadata.Store
	layer     *storage.Layer
	lockMgr   *lock.Manager
	freezer   freeze.Freezer
	walker    freeze.ShadowWalker
	schema    SchemaFetcher
	chain     *codec.Chain
	secret    []byte
	freezeCfg freeze.Config
	km        *dedup.KeyedMutex
	cfg       Config
	log       *persist.Logger
}

// New builds a Manager. schema may be nil (see SchemaFetcher).
func New(tg *threadgroup.ThreadGroup, store *metadata.Store, layer *storage.Layer, lockMgr *lock.Manager, freezer freeze.Freezer, walker freeze.ShadowWalker, schema SchemaFetcher, chain *codec.Chain, secret []byte, freezeCfg freeze.Config, cfg Config, log *persist.Logger) *Manager {
	return &Manager{
		tg: tg, store: store, layer: layer, lockMgr: lockMgr,
		freezer: freezer, walker: walker, schema: schema,
		chain: chain, secret: secret, freezeCfg: freezeCfg,
		km: dedup.NewKeyedMutex(), cfg: cfg, log: log,
	}
}

// CreateRequest describes one backup invocation.
type CreateRequest struct {
	Name        string
	Tables      []freeze.TableRef
	SchemaOnly  bool
	Labels      model.Labels
	Sources     model.SourceSet
	Force       bool
	Hostname    string
	CHVersion   string
	ToolVersion string
}

func (m *Manager) source() dedup.BackupSource     { return storeSource{store: m.store} }
func (m *Manager) checker() dedup.ArtifactChecker { return layerChecker{layer: m.layer} }

// Create runs the ∅ → creating → (created | failed) state transition
// (spec.md §4.5 "Create"). A min_interval no-op returns (nil, ErrNoOp) and
// writes nothing.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*model.Backup, error) {
	id, err := m.store.ExpandID(req.Name)
	if err != nil {
		return nil, errors.AddContext(err, "could not resolve backup name")
	}

	skipDistributed := req.SchemaOnly && m.cfg.SkipLockForSchemaOnly
	held, err := m.lockMgr.Acquire(ctx, lock.NameBackup, skipDistributed)
	if err != nil {
		return nil, err
	}
	defer held.Release(ctx)

	if !req.Force {
		if blocked, err := m.withinMinInterval(); err != nil {
			return nil, err
		} else if blocked {
			return nil, ErrNoOp
		}
	}

	b := &model.Backup{
		ID:          id,
		StartTime:   model.NewTime(time.Now()),
		Hostname:    req.Hostname,
		CHVersion:   req.CHVersion,
		ToolVersion: req.ToolVersion,
		Labels:      req.Labels,
		SchemaOnly:  req.SchemaOnly,
		Sources:     req.Sources,
	}
	if err := m.store.WriteStub(b); err != nil {
		return nil, errors.AddContext(err, "could not write backup stub")
	}

	runErr := m.runCreate(ctx, b, req)
	end := model.NewTime(time.Now())
	b.EndTime = &end
	if runErr != nil {
		b.State = model.StateFailed
		b.FailReason = runErr.Error()
	} else {
		b.State = model.StateCreated
	}
	if err := m.store.WriteFinal(b); err != nil {
		return b, errors.Compose(runErr, errors.AddContext(err, "could not write final backup document"))
	}
	return b, runErr
}

func (m *Manager) runCreate(ctx context.Context, b *model.Backup, req CreateRequest) error {
	if m.schema != nil {
		if err := m.populateSchema(ctx, b, req.Tables); err != nil {
			return errors.AddContext(err, "could not fetch schema")
		}
	}
	if req.SchemaOnly {
		return nil
	}

	idx, err := dedup.BuildIndex(ctx, m.source(), m.checker(), dedup.Options{
		AgeLimit:  m.cfg.DeduplicationAgeLimit,
		BatchSize: m.cfg.DeduplicationBatchSize,
	})
	if err != nil {
		return errors.AddContext(err, "could not build dedup index")
	}

	pipeline := freeze.New(m.tg, m.freezer, m.walker, m.layer, m.chain, m.secret, m.freezeCfg)
	return pipeline.Run(ctx, b, req.Tables, idx, m.cfg.DeduplicateParts, m.km)
}

func (m *Manager) populateSchema(ctx context.Context, b *model.Backup, tables []freeze.TableRef) error {
	seenDB := map[string]bool{}
	for _, t := range tables {
		if !seenDB[t.Database] {
			db, err := m.schema.FetchDatabase(ctx, t.Database)
			if err != nil {
				return errors.AddContext(err, "database "+t.Database)
			}
			dst := catalog.EnsureDatabase(b, t.Database)
			dst.Engine, dst.EngineArgs, dst.UUID, dst.MetadataSQL = db.Engine, db.EngineArgs, db.UUID, db.MetadataSQL
			seenDB[t.Database] = true
		}
		tbl, err := m.schema.FetchTable(ctx, t.Database, t.Table)
		if err != nil {
			return errors.AddContext(err, fmt.Sprintf("table %s.%s", t.Database, t.Table))
		}
		dst := catalog.EnsureTable(b.Databases[t.Database], t.Table)
		dst.Engine, dst.UUID, dst.CreateSQL = tbl.Engine, tbl.UUID, tbl.CreateSQL
		dst.InnerTable, dst.IsExternalEngine, dst.Partitions = tbl.InnerTable, tbl.IsExternalEngine, tbl.Partitions
	}
	return nil
}

// withinMinInterval reports whether the most recent non-failed backup
// started less than cfg.MinInterval ago (spec.md §4.5 "Preconditions").
// A prior failed backup never blocks a new attempt - DESIGN.md records this
// as the Open Question decision spec.md §8 leaves unresolved.
func (m *Manager) withinMinInterval() (bool, error) {
	if m.cfg.MinInterval <= 0 {
		return false, nil
	}
	all, err := m.store.List("")
	if err != nil {
		return false, errors.AddContext(err, "could not list backups for min_interval check")
	}
	for _, b := range all {
		if b.State == model.StateFailed {
			continue
		}
		return time.Since(b.StartTime.Time) < m.cfg.MinInterval, nil
	}
	return false, nil
}
