package storage

import (
	"context"
	"io"
	"math"
	"time"

	"github.com/chbackup/ch-backup/internal/codec"
	"github.com/chbackup/ch-backup/internal/model"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
	"github.com/uplo-tech/ratelimit"
)

// Options configures a Layer, mirroring spec.md §6's storage.*/
// rate_limiter.* recognized options.
type Options struct {
	// ChunkSize is the threshold above which a real Backend is expected to
	// switch from a single PUT to a multipart upload (storage.chunk_size).
	// The Layer itself does not chunk - that split is the Backend's
	// concern - but it is surfaced here so callers can size producers
	// accordingly.
	ChunkSize int64

	// MaxUploadRate is the token-bucket rate in bytes/sec gating bytes
	// entering the upload stage; 0 means unlimited
	// (rate_limiter.max_upload_rate).
	MaxUploadRate int64

	// UploadStallRetryTime carries storage.uploading_traffic_limit_retry_time.
	// The Layer does not read it: a Put stalled under the rate limiter is
	// neither timed out nor retried on that account.
	UploadStallRetryTime time.Duration

	// ValidateAfterUpload, when set, causes PutStream to read the object
	// back and recompute its checksum; on mismatch the object is deleted and
	// PutStream fails with ErrChecksumMismatch composed with
	// model.ErrIntegrity. No re-upload is attempted
	// (storage.validate_part_after_upload).
	ValidateAfterUpload bool

	// MaxRetries bounds the number of attempts for a transient failure
	// before it is surfaced to the caller.
	MaxRetries int
}

// DefaultOptions mirrors spec.md §6's documented defaults.
func DefaultOptions() Options {
	return Options{
		ChunkSize:            5 << 20,
		MaxUploadRate:        0,
		UploadStallRetryTime: 30 * time.Second,
		ValidateAfterUpload:  false,
		MaxRetries:           5,
	}
}

// Layer wraps a Backend with the chunking/codec/rate-limit/retry behavior
// spec.md §4.1 puts in scope even though the backend itself is only
// specified by interface.
type Layer struct {
	backend Backend
	opts    Options
	rl      *ratelimit.RateLimit
}

// NewLayer builds a Layer over backend.
func NewLayer(backend Backend, opts Options) *Layer {
	return &Layer{
		backend: backend,
		opts:    opts,
		rl:      ratelimit.NewRateLimit(0, opts.MaxUploadRate, 0),
	}
}

// PutStream applies the codec chain to r, rate-limits the resulting byte
// flow, and uploads it to key, retrying transient failures with exponential
// backoff and jitter (spec.md §4.1 "Failure policy"). It returns the
// checksum computed over the plaintext stream as it was produced.
func (l *Layer) PutStream(ctx context.Context, key string, r io.Reader, size int64, chain *codec.Chain, secret []byte) (string, error) {
	checksumPipeR, checksumPipeW := io.Pipe()
	cw := newChecksumWriter(checksumPipeW)
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(cw, r)
		done <- err
		_ = checksumPipeW.CloseWithError(err)
	}()

	limited := ratelimit.NewRLReader(checksumPipeR, l.rl, ctxStopChan(ctx))

	var pr *io.PipeReader
	var pw *io.PipeWriter
	pr, pw = io.Pipe()
	encodeDone := make(chan error, 1)
	go func() {
		cwr, cerr := codec.NewWriter(pw, chain, secret)
		if cerr != nil {
			encodeDone <- cerr
			_ = pw.CloseWithError(cerr)
			return
		}
		_, cerr = io.Copy(cwr, limited)
		if cerr == nil {
			cerr = cwr.Close()
		}
		encodeDone <- cerr
		_ = pw.CloseWithError(cerr)
	}()

	err := l.retry(ctx, func() error {
		return l.backend.Put(ctx, key, pr, size)
	})
	if perr := <-done; perr != nil && err == nil {
		err = perr
	}
	if eerr := <-encodeDone; eerr != nil && err == nil {
		err = eerr
	}
	if err != nil {
		return "", errors.AddContext(err, "put_stream failed")
	}

	checksum := cw.Checksum()
	if l.opts.ValidateAfterUpload {
		if verr := l.validate(ctx, key, checksum, *chain, secret); verr != nil {
			return "", verr
		}
	}
	return checksum, nil
}

// validate implements the readback check: recompute the checksum of the
// uploaded (decoded) object and compare. On mismatch it deletes the object
// and returns an error; neither validate nor PutStream uploads it again.
func (l *Layer) validate(ctx context.Context, key, want string, chain codec.Chain, secret []byte) error {
	rc, err := l.GetStream(ctx, key, chain, secret)
	if err != nil {
		return errors.AddContext(err, "could not read back for validation")
	}
	defer rc.Close()

	got, err := Checksum(rc)
	if err != nil {
		return errors.AddContext(err, "could not checksum readback")
	}
	if got != want {
		_, _ = l.backend.Delete(ctx, []string{key})
		return errors.Compose(ErrChecksumMismatch, model.ErrIntegrity)
	}
	return nil
}

// GetStream fetches key and reverses the codec chain, returning a reader of
// the original plaintext bytes.
func (l *Layer) GetStream(ctx context.Context, key string, chain codec.Chain, secret []byte) (io.ReadCloser, error) {
	rc, err := l.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	limited := ratelimit.NewRLReader(rc, l.rl, ctxStopChan(ctx))
	decoded, err := codec.NewReader(limited, chain, secret)
	if err != nil {
		_ = rc.Close()
		return nil, err
	}
	return &closeBoth{ReadCloser: decoded, inner: rc}, nil
}

// List proxies to the backend.
func (l *Layer) List(ctx context.Context, prefix string) (<-chan ObjectInfo, <-chan error) {
	return l.backend.List(ctx, prefix)
}

// Delete proxies to the backend.
func (l *Layer) Delete(ctx context.Context, keys []string) (map[string]error, error) {
	return l.backend.Delete(ctx, keys)
}

// Exists reports whether key is present.
func (l *Layer) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := l.backend.Head(ctx, key)
	return ok, err
}

// retry runs fn up to l.opts.MaxRetries times for errors tagged transient,
// with exponential backoff and full jitter between attempts
// (spec.md §4.1 "Failure policy").
func (l *Layer) retry(ctx context.Context, fn func() error) error {
	var err error
	maxAttempts := l.opts.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !errors.Contains(err, model.ErrTransient) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}
		backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
		jitter := time.Duration(fastrand.Intn(int(backoff) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter):
		}
	}
	return errors.AddContext(err, "exhausted retries")
}

type closeBoth struct {
	io.ReadCloser
	inner io.ReadCloser
}

func (c *closeBoth) Close() error {
	return errors.Compose(c.ReadCloser.Close(), c.inner.Close())
}

// ctxStopChan adapts a context's Done channel to the <-chan struct{} shape
// uplo-tech/ratelimit's stream wrappers expect.
func ctxStopChan(ctx context.Context) <-chan struct{} {
	return ctx.Done()
}
