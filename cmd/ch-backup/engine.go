package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/threadgroup"

	"github.com/chbackup/ch-backup/internal/chclient"
	"github.com/chbackup/ch-backup/internal/codec"
	"github.com/chbackup/ch-backup/internal/config"
	"github.com/chbackup/ch-backup/internal/coordination"
	"github.com/chbackup/ch-backup/internal/freeze"
	"github.com/chbackup/ch-backup/internal/lifecycle"
	"github.com/chbackup/ch-backup/internal/lock"
	"github.com/chbackup/ch-backup/internal/metadata"
	"github.com/chbackup/ch-backup/internal/model"
	"github.com/chbackup/ch-backup/internal/persist"
	"github.com/chbackup/ch-backup/internal/restore"
	"github.com/chbackup/ch-backup/internal/storage"
)

// lockTimeout bounds how long Acquire waits for the file and distributed
// locks (spec.md §4.8 "non-blocking ... with caller-configured timeout").
// Not itself a recognized config option, so it is fixed rather than wired
// through another flag nobody asked for.
const lockTimeout = 30 * time.Second

// engine bundles the components every subcommand composes from, built once
// from globalConfig by buildEngine.
type engine struct {
	cfg     config.Config
	store   *metadata.Store
	layer   *storage.Layer
	lockMgr *lock.Manager
	tg      *threadgroup.ThreadGroup
	logger  *persist.Logger
	chain   *codec.Chain
	secret  []byte

	restoreCtxDir string

	ch *chclient.Client // nil unless buildEngine(needsCH=true) opened one
}

// buildEngine loads config and wires the shared dependency graph. When
// needsCH is true it also opens a ClickHouse connection via --ch-dsn,
// failing fast the way chclient.Open pings once up front.
func buildEngine(ctx context.Context, needsCH bool) (*engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logPath := filepath.Join(globalConfig.DataDir, "ch-backup.log")
	logger, err := persist.NewFileLogger(logPath)
	if err != nil {
		return nil, errors.AddContext(err, "could not open log file "+logPath)
	}

	store, err := metadata.Open(filepath.Join(globalConfig.DataDir, "meta"), logger)
	if err != nil {
		return nil, errors.AddContext(err, "could not open metadata store")
	}

	backend := storage.NewFSBackend(filepath.Join(globalConfig.DataDir, "objects"))
	layer := storage.NewLayer(backend, cfg.StorageOptions())

	owner, err := lock.NewOwnerToken()
	if err != nil {
		return nil, errors.AddContext(err, "could not generate lock owner token")
	}
	// coordination.Client has no real implementation anywhere in scope
	// (spec.md §1 names the coordination client as an out-of-scope
	// collaborator); coordination.NewMemClient is the same in-process
	// stand-in internal/testutil's harness uses, wired here too so the
	// two-lock protocol actually runs end to end rather than refusing
	// every non-schema-only command when lock.zk_flock is enabled.
	var coord coordination.Client
	if cfg.Lock.ZKFlock {
		coord = coordination.NewMemClient()
	}
	lockMgr := lock.New(coord, cfg.LockOptions(owner, lockTimeout))

	chain, secret, err := cfg.CodecChain()
	if err != nil {
		return nil, err
	}

	e := &engine{
		cfg:           cfg,
		store:         store,
		layer:         layer,
		lockMgr:       lockMgr,
		tg:            &threadgroup.ThreadGroup{},
		logger:        logger,
		chain:         chain,
		secret:        secret,
		restoreCtxDir: filepath.Join(globalConfig.DataDir, "restorectx"),
	}

	if needsCH {
		ch, err := chclient.Open(ctx, globalConfig.DSN, globalConfig.DataDir)
		if err != nil {
			return nil, err
		}
		e.ch = ch
	}

	return e, nil
}

func loadConfig() (config.Config, error) {
	if globalConfig.ConfigPath == "" {
		return config.Default(), nil
	}
	if _, err := os.Stat(globalConfig.ConfigPath); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(globalConfig.ConfigPath)
}

func (e *engine) close() {
	_ = e.store.Close()
	if e.ch != nil {
		_ = e.ch.Close()
	}
	_ = e.tg.Stop()
}

// lifecycleManager wires e.ch as the Freezer/ShadowWalker/SchemaFetcher.
// Delete and Purge never touch those fields, so it is safe to call even
// when buildEngine was invoked with needsCH=false; only Create requires a
// live connection.
func (e *engine) lifecycleManager() *lifecycle.Manager {
	var freezer freeze.Freezer = e.ch
	var walker freeze.ShadowWalker = e.ch
	var schema lifecycle.SchemaFetcher = e.ch
	return lifecycle.New(e.tg, e.store, e.layer, e.lockMgr, freezer, walker, schema, e.chain, e.secret, e.cfg.FreezeConfig(), e.cfg.LifecycleConfig(), e.logger)
}

// restorePlanner requires e.ch, same as lifecycleManager.
func (e *engine) restorePlanner() *restore.Planner {
	var schema restore.SchemaApplier = e.ch
	var attacher restore.PartAttacher = e.ch
	var access restore.AccessRestorer = e.ch
	var objRestorer restore.ObjectStorageRestorer = e.ch
	return restore.New(e.tg, e.store, e.layer, e.lockMgr, nil, schema, attacher, objRestorer, access, e.secret, e.cfg.RestoreConfig(e.restoreCtxDir), e.logger)
}

// exitCodeFor maps an engine-returned error to a spec.md §6 exit code.
func exitCodeFor(err error) (int, string) {
	switch {
	case err == nil:
		return exitSuccess, ""
	case errors.Contains(err, model.ErrLocked):
		return exitLocked, "locked"
	case errors.Contains(err, model.ErrNotFound):
		return exitNotFound, "not found"
	default:
		return exitGeneral, "operational failure"
	}
}
