package freeze

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/chbackup/ch-backup/internal/catalog"
	"github.com/chbackup/ch-backup/internal/codec"
	"github.com/chbackup/ch-backup/internal/dedup"
	"github.com/chbackup/ch-backup/internal/model"
	"github.com/chbackup/ch-backup/internal/storage"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/threadgroup"
)

// Config mirrors spec.md §6's freeze_threads/upload_threads/
// retry_on_existing_dir recognized options.
type Config struct {
	FreezeThreads      int
	UploadThreads      int
	RetryOnExistingDir bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{FreezeThreads: 4, UploadThreads: 8, RetryOnExistingDir: false}
}

// queueDepth is the default bounded-channel depth between stages, "2x
// worker count" per spec.md §4.4 "Backpressure".
func queueDepth(workers int) int {
	if workers < 1 {
		workers = 1
	}
	return 2 * workers
}

// Pipeline runs the freeze → walk → dedupe → pack/upload → unfreeze stage
// sequence of spec.md §4.4 over a fixed set of tables.
type Pipeline struct {
	tg      *threadgroup.ThreadGroup
	freezer Freezer
	walker  ShadowWalker
	layer   *storage.Layer
	chain   *codec.Chain
	secret  []byte
	cfg     Config
}

// New builds a Pipeline. tg is the owning component's thread group; the
// pipeline registers every worker goroutine with it so a process-wide
// shutdown (tg.Stop) interrupts an in-flight freeze the same way it
// interrupts any other blocking renter operation.
func New(tg *threadgroup.ThreadGroup, freezer Freezer, walker ShadowWalker, layer *storage.Layer, chain *codec.Chain, secret []byte, cfg Config) *Pipeline {
	if cfg.FreezeThreads < 1 {
		cfg.FreezeThreads = 1
	}
	if cfg.UploadThreads < 1 {
		cfg.UploadThreads = 1
	}
	return &Pipeline{tg: tg, freezer: freezer, walker: walker, layer: layer, chain: chain, secret: secret, cfg: cfg}
}

// candidate is a part carried between the walk and dedupe stages.
type candidate struct {
	dir PartDir
}

// decided is a part carried from the dedupe stage to either the upload pool
// or straight to the catalog writer.
type decided struct {
	dir      PartDir
	decision dedup.Decision
}

// Run drives the whole pipeline for tables into b, consulting idx for
// dedup decisions and km for the at-most-one-upload-per-checksum guarantee.
// On the first unrecoverable error, remaining work drains without further
// side effects and the error is returned; the caller is responsible for
// marking b failed with the returned error's message (spec.md §4.4
// "Backpressure").
func (p *Pipeline) Run(ctx context.Context, b *model.Backup, tables []TableRef, idx *dedup.Index, deduplicateParts bool, km *dedup.KeyedMutex) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		firstErrMu sync.Mutex
		firstErr   error
	)
	fail := func(err error) {
		if err == nil {
			return
		}
		firstErrMu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		firstErrMu.Unlock()
	}

	frozenCh := make(chan TableRef, queueDepth(p.cfg.FreezeThreads))
	candidateCh := make(chan candidate, queueDepth(p.cfg.UploadThreads))
	decidedCh := make(chan decided, queueDepth(p.cfg.UploadThreads))
	catalogCh := make(chan model.Part, queueDepth(p.cfg.UploadThreads))

	var frozenMu sync.Mutex
	var frozen []TableRef

	var freezeWG sync.WaitGroup
	p.runPool(&freezeWG, p.cfg.FreezeThreads, tables, func(t TableRef) {
		if ctx.Err() != nil {
			return
		}
		if err := p.freezer.Freeze(ctx, t.Database, t.Table, b.ID); err != nil {
			fail(errors.AddContext(err, fmt.Sprintf("freeze %s.%s", t.Database, t.Table)))
			return
		}
		frozenMu.Lock()
		frozen = append(frozen, t)
		frozenMu.Unlock()
		select {
		case frozenCh <- t:
		case <-ctx.Done():
		}
	})
	go func() { freezeWG.Wait(); close(frozenCh) }()

	var walkWG sync.WaitGroup
	p.runStreamPool(&walkWG, p.cfg.FreezeThreads, frozenCh, func(t TableRef) {
		dirs, err := p.walker.WalkTable(ctx, b.ID, t)
		if err != nil {
			fail(errors.AddContext(err, fmt.Sprintf("walk %s.%s", t.Database, t.Table)))
			return
		}
		for _, d := range dirs {
			select {
			case candidateCh <- candidate{dir: d}:
			case <-ctx.Done():
				return
			}
		}
	})
	go func() { walkWG.Wait(); close(candidateCh) }()

	// Dedupe runs single-threaded: it only does an in-memory map lookup
	// plus a keyed-mutex acquisition, so serializing it costs nothing and
	// keeps the "decide, then lock" sequence race-free (spec.md §4.3
	// "Guarantee").
	var dedupeWG sync.WaitGroup
	dedupeWG.Add(1)
	if err := p.tg.Add(); err != nil {
		return err
	}
	go func() {
		defer p.tg.Done()
		defer dedupeWG.Done()
		for c := range candidateCh {
			if ctx.Err() != nil {
				continue
			}
			c.dir.Part.Checksum = combineFileChecksums(c.dir.Part.Files)
			km.Lock(c.dir.Part.Checksum)
			d := dedup.Decide(idx, c.dir.Part, deduplicateParts)
			select {
			case decidedCh <- decided{dir: c.dir, decision: d}:
			case <-ctx.Done():
				km.Unlock(c.dir.Part.Checksum)
			}
		}
	}()
	go func() { dedupeWG.Wait(); close(decidedCh) }()

	var uploadWG sync.WaitGroup
	p.runDecidedPool(&uploadWG, p.cfg.UploadThreads, decidedCh, func(d decided) {
		defer km.Unlock(d.dir.Part.Checksum)
		part := d.dir.Part
		if d.decision.Upload {
			uploaded, err := p.packAndUpload(ctx, b.ID, d.dir)
			if err != nil {
				fail(errors.AddContext(err, fmt.Sprintf("upload part %s.%s/%s", part.Database, part.Table, part.PartName)))
				return
			}
			part = uploaded
		} else {
			part.Link = d.decision.Link
		}
		select {
		case catalogCh <- part:
		case <-ctx.Done():
		}
	})
	go func() { uploadWG.Wait(); close(catalogCh) }()

	var catalogWG sync.WaitGroup
	catalogWG.Add(1)
	if err := p.tg.Add(); err != nil {
		return err
	}
	go func() {
		defer p.tg.Done()
		defer catalogWG.Done()
		for part := range catalogCh {
			if ctx.Err() != nil {
				continue
			}
			if err := catalog.AddPart(b, part); err != nil {
				fail(errors.AddContext(err, "catalog closure"))
			}
		}
	}()
	catalogWG.Wait()

	if firstErr != nil {
		frozenMu.Lock()
		toUnfreeze := append([]TableRef(nil), frozen...)
		frozenMu.Unlock()
		p.unfreezePartial(context.Background(), b.ID, toUnfreeze)
		return firstErr
	}

	return p.unfreeze(context.Background(), b.ID, tables)
}

// runPool fans items out across n workers, each registered with the
// pipeline's thread group.
func (p *Pipeline) runPool(wg *sync.WaitGroup, n int, items []TableRef, fn func(TableRef)) {
	work := make(chan TableRef, len(items))
	for _, it := range items {
		work <- it
	}
	close(work)
	for i := 0; i < n; i++ {
		wg.Add(1)
		if err := p.tg.Add(); err != nil {
			wg.Done()
			continue
		}
		go func() {
			defer p.tg.Done()
			defer wg.Done()
			for it := range work {
				fn(it)
			}
		}()
	}
}

// runStreamPool fans a live channel out across n workers.
func (p *Pipeline) runStreamPool(wg *sync.WaitGroup, n int, in <-chan TableRef, fn func(TableRef)) {
	for i := 0; i < n; i++ {
		wg.Add(1)
		if err := p.tg.Add(); err != nil {
			wg.Done()
			continue
		}
		go func() {
			defer p.tg.Done()
			defer wg.Done()
			for it := range in {
				fn(it)
			}
		}()
	}
}

// runDecidedPool is runStreamPool's counterpart for the decided-part
// channel; Go's lack of generics-free overloading means the two element
// types need their own near-identical fan-out helper.
func (p *Pipeline) runDecidedPool(wg *sync.WaitGroup, n int, in <-chan decided, fn func(decided)) {
	for i := 0; i < n; i++ {
		wg.Add(1)
		if err := p.tg.Add(); err != nil {
			wg.Done()
			continue
		}
		go func() {
			defer p.tg.Done()
			defer wg.Done()
			for it := range in {
				fn(it)
			}
		}()
	}
}

// packAndUpload TARs dir's files in deterministic order (member mtime/uid/
// gid zeroed) and streams the result through the storage layer, returning
// the part descriptor with its final checksum and size filled in
// (spec.md §4.1 "TAR-packed directories").
func (p *Pipeline) packAndUpload(ctx context.Context, backupID string, dir PartDir) (model.Part, error) {
	part := dir.Part
	expectedChecksum := part.Checksum

	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := writeTarMembers(tw, dir)
		if err == nil {
			err = tw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	// Each call gets its own Chain value - codec.NewWriter fills in a fresh
	// IV per call, and p.chain is one Pipeline-wide template shared by every
	// concurrent upload worker, so mutating it in place would both race and
	// make every part share the same persisted IV.
	chain := *p.chain
	key := ObjectKey(backupID, part)
	checksum, err := p.layer.PutStream(ctx, key, pr, part.RawSize, &chain, p.secret)
	if err != nil {
		return model.Part{}, err
	}
	if expectedChecksum != "" && checksum != expectedChecksum {
		// The shadow directory changed out from under us mid-backup (e.g. the
		// source part was merged away by a background merge) - surface it as
		// an integrity failure rather than silently cataloging mismatched
		// content (spec.md §8 "Integrity").
		return model.Part{}, errors.Compose(storage.ErrChecksumMismatch, model.ErrIntegrity)
	}
	part.Checksum = checksum
	part.Tarball = true
	part.StorageClass = dir.Part.StorageClass
	part.Chain = chain
	return part, nil
}

func writeTarMembers(tw *tar.Writer, dir PartDir) error {
	files := append([]model.PartFile(nil), dir.Part.Files...)
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	for _, f := range files {
		hdr := &tar.Header{Name: f.Name, Size: f.Size, Mode: 0600}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		rc, err := dir.Open(f.Name)
		if err != nil {
			return errors.AddContext(err, "could not open part file "+f.Name)
		}
		_, err = io.Copy(tw, rc)
		closeErr := rc.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			return closeErr
		}
	}
	return nil
}

// combineFileChecksums derives a part's dedup/catalog checksum from its
// already-checksummed files, deterministic over their sorted (name, size,
// checksum) tuples (spec.md §3 "checksum... deterministic over sorted file
// contents plus metadata"). ClickHouse already writes a per-file checksum
// for every part (checksums.txt); combining those is cheap and avoids a
// second full read of the part's bytes before the dedup decision is made.
func combineFileChecksums(files []model.PartFile) string {
	sorted := append([]model.PartFile(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	h := sha256.New()
	for _, f := range sorted {
		fmt.Fprintf(h, "%s:%d:%s\n", f.Name, f.Size, f.Checksum)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ObjectKey derives the storage key for a part's artifact, also used by
// internal/lifecycle to compute the keys a backup's Delete must remove.
func ObjectKey(backupID string, part model.Part) string {
	return backupID + "/" + part.Database + "/" + part.Table + "/" + part.PartName + ".tar"
}

// unfreeze implements spec.md §4.4 stage 5 for a successful run: prefer
// SYSTEM UNFREEZE WITH NAME when the connected ClickHouse version supports
// it, falling back to a per-table UNFREEZE otherwise.
func (p *Pipeline) unfreeze(ctx context.Context, backupID string, tables []TableRef) error {
	supported, err := p.freezer.SystemUnfreeze(ctx, backupID)
	if err != nil {
		return errors.AddContext(err, "system unfreeze")
	}
	if supported {
		return nil
	}
	return p.unfreezeEach(ctx, backupID, tables)
}

// unfreezePartial best-effort unfreezes whatever tables a failed run
// managed to freeze before the error, so a retry does not trip
// retry_on_existing_dir against a stale shadow subtree.
func (p *Pipeline) unfreezePartial(ctx context.Context, backupID string, tables []TableRef) {
	_ = p.unfreezeEach(ctx, backupID, tables)
}

func (p *Pipeline) unfreezeEach(ctx context.Context, backupID string, tables []TableRef) error {
	var composed error
	for _, t := range tables {
		if err := p.freezer.Unfreeze(ctx, t.Database, t.Table, backupID); err != nil {
			composed = errors.Compose(composed, errors.AddContext(err, fmt.Sprintf("unfreeze %s.%s", t.Database, t.Table)))
		}
	}
	return composed
}
