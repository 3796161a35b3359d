package restore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chbackup/ch-backup/internal/catalog"
	"github.com/chbackup/ch-backup/internal/freeze"
	"github.com/chbackup/ch-backup/internal/model"
	"github.com/chbackup/ch-backup/internal/restorectx"
	"github.com/uplo-tech/errors"
)

// partJob is one part queued for phase 4, already resolved to its owning
// backup's artifact.
type partJob struct {
	ref      model.PartRef
	database string
	table    string
	ownerID  string
	part     model.Part
}

// phaseParts implements spec.md §4.6 phase 4 over every table recreated in
// phase 3: local-disk parts are downloaded and attached one at a time
// (ClickHouse DDL is already serialized per table, spec.md §5), while
// object-storage parts fan out across a worker pool sized by
// multiprocessing.cloud_storage_restore_workers.
func (p *Planner) phaseParts(ctx context.Context, b *model.Backup, opts Options, rc *model.RestoreContext, rcStore *restorectx.Store, res *Result) error {
	lookup := p.linkLookup()

	var local []partJob
	var object []partJob

	for _, dbName := range filteredDatabases(b, opts.Databases) {
		db := b.Databases[dbName]
		for _, tName := range filteredTables(db, opts.Tables) {
			t := db.Tables[tName]
			for _, part := range t.Parts {
				ref := model.PartRef{Database: dbName, Table: tName, PartName: part.PartName}
				if !rc.Pending(ref) {
					res.SkippedParts++
					continue
				}
				ownerID, resolved, err := catalog.ResolveLink(b.ID, part, lookup)
				if err != nil {
					if failErr := p.handleAttachFailure(ref, err, opts, rc, rcStore, res); failErr != nil {
						return failErr
					}
					continue
				}
				job := partJob{ref: ref, database: dbName, table: tName, ownerID: ownerID, part: resolved}
				if resolved.StorageClass == model.StorageClassObject {
					object = append(object, job)
				} else {
					local = append(local, job)
				}
			}
		}
	}

	for _, job := range local {
		err := p.attachLocal(ctx, job)
		if err == nil {
			rc.SetPartState(job.ref, model.EntryAttached)
			if serr := rcStore.SetPartState(job.ref, model.EntryAttached); serr != nil {
				return serr
			}
			res.AttachedParts++
			continue
		}
		if failErr := p.handleAttachFailure(job.ref, err, opts, rc, rcStore, res); failErr != nil {
			return failErr
		}
	}

	return p.attachObjectStorageParts(ctx, object, opts, rc, rcStore, res)
}

// attachLocal downloads job's artifact and hands it to the PartAttacher.
func (p *Planner) attachLocal(ctx context.Context, job partJob) error {
	key := freeze.ObjectKey(job.ownerID, job.part)
	rc, err := p.layer.GetStream(ctx, key, job.part.Chain, p.secret)
	if err != nil {
		return errors.AddContext(err, "could not fetch part artifact")
	}
	defer rc.Close()
	return p.attacher.AttachLocalPart(ctx, job.database, job.table, job.part.PartName, rc)
}

// attachObjectStorageParts implements phase 4's object-storage mode over a
// bounded worker pool.
func (p *Planner) attachObjectStorageParts(ctx context.Context, jobs []partJob, opts Options, rc *model.RestoreContext, rcStore *restorectx.Store, res *Result) error {
	if len(jobs) == 0 || p.objRestorer == nil {
		return nil
	}

	jobCh := make(chan partJob, len(jobs))
	for _, j := range jobs {
		jobCh <- j
	}
	close(jobCh)

	var (
		mu       sync.Mutex
		firstErr error
		wg       sync.WaitGroup
	)
	workers := p.cfg.CloudStorageRestoreWorkers
	for i := 0; i < workers; i++ {
		wg.Add(1)
		if err := p.tg.Add(); err != nil {
			wg.Done()
			continue
		}
		go func() {
			defer p.tg.Done()
			defer wg.Done()
			for job := range jobCh {
				if ctx.Err() != nil {
					continue
				}
				attachErr := p.attachObjectStoragePart(ctx, job, opts)
				mu.Lock()
				if attachErr == nil {
					rc.SetPartState(job.ref, model.EntryAttached)
					_ = rcStore.SetPartState(job.ref, model.EntryAttached)
					res.AttachedParts++
				} else if failErr := p.handleAttachFailure(job.ref, attachErr, opts, rc, rcStore, res); failErr != nil && firstErr == nil {
					firstErr = failErr
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// attachObjectStoragePart implements the Copy/Inplace split of spec.md
// §4.6 phase 4. Inplace applies only when the source and destination
// bucket and prefix are identical - interpreted strictly per DESIGN NOTES
// §9's resolved Open Question, since a same-named-different-path bucket is
// not actually the same keyspace.
func (p *Planner) attachObjectStoragePart(ctx context.Context, job partJob, opts Options) error {
	disk := job.part.DiskName
	sourceKey := freeze.ObjectKey(job.ownerID, job.part)
	destKey := sourceKey

	inplace := opts.UseInplaceCloudRestore && isSameCloudLocation(opts)
	if !inplace {
		if err := p.objRestorer.CopyPart(ctx, disk, sourceKey, destKey); err != nil {
			return errors.AddContext(err, "could not copy object-storage part")
		}
	}
	return p.objRestorer.RebuildDiskMetadata(ctx, disk, job.database, job.table, job.part.PartName)
}

// isSameCloudLocation is the strict bucket+prefix equality check backing
// use_inplace_cloud_restore.
func isSameCloudLocation(opts Options) bool {
	return opts.CloudStorageSourceBucket != "" &&
		strings.TrimRight(opts.CloudStorageSourcePath, "/") == strings.TrimRight(opts.CloudStorageSourceBucket, "/")
}

// handleAttachFailure implements spec.md §7's AttachFailure kind: fatal if
// restore_fail_on_attach_error is set and --keep-going was not passed,
// otherwise recorded as skipped in the restore context.
func (p *Planner) handleAttachFailure(ref model.PartRef, cause error, opts Options, rc *model.RestoreContext, rcStore *restorectx.Store, res *Result) error {
	wrapped := errors.Compose(model.ErrAttachFailure, errors.AddContext(cause, fmt.Sprintf("part %s.%s/%s", ref.Database, ref.Table, ref.PartName)))
	if opts.RestoreFailOnAttachError && !opts.KeepGoing {
		return wrapped
	}
	rc.SetPartState(ref, model.EntrySkipped)
	if err := rcStore.SetPartState(ref, model.EntrySkipped); err != nil {
		return err
	}
	res.SkippedParts++
	res.FailedParts = append(res.FailedParts, wrapped.Error())
	if p.log != nil {
		p.log.Println("WARNING: part attach failed, recorded as skipped:", wrapped)
	}
	return nil
}
