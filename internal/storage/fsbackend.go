package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
)

// fsBackend is a Backend over a local directory tree, one file per object
// key (slashes becoming subdirectories). It exists so `cmd/ch-backup` has
// somewhere real to put objects when no S3-compatible endpoint is
// configured, without pulling in a cloud SDK for what the interface itself
// documents as out of scope - the same role a local disk plays for the
// teacher's own contract data before it is ever negotiated onto the
// network. Writes go through a temp-file-then-rename, mirroring
// internal/persist's atomic save pattern.
type fsBackend struct {
	root string
}

// NewFSBackend returns a Backend that stores every object under root.
func NewFSBackend(root string) Backend {
	return &fsBackend{root: root}
}

func (b *fsBackend) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

func (b *fsBackend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest := b.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
		return errors.AddContext(err, "could not create object directory")
	}
	tmp := dest + ".tmp." + fastrandHex()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return errors.AddContext(err, "could not create temp object file")
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.AddContext(err, "could not write object "+key)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.AddContext(err, "could not sync object "+key)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.AddContext(err, "could not close object "+key)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return errors.AddContext(err, "could not finalize object "+key)
	}
	return nil
}

func (b *fsBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(b.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, errors.AddContext(err, "could not open object "+key)
	}
	return f, nil
}

func (b *fsBackend) List(ctx context.Context, prefix string) (<-chan ObjectInfo, <-chan error) {
	infoCh := make(chan ObjectInfo)
	errCh := make(chan error, 1)

	go func() {
		defer close(infoCh)
		defer close(errCh)

		var keys []string
		walkErr := filepath.Walk(b.root, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) && path == b.root {
					return nil
				}
				return err
			}
			if fi.IsDir() || strings.Contains(fi.Name(), ".tmp.") {
				return nil
			}
			rel, err := filepath.Rel(b.root, path)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if strings.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
			return nil
		})
		if walkErr != nil {
			errCh <- errors.AddContext(walkErr, "could not list objects")
			return
		}
		sort.Strings(keys)
		for _, k := range keys {
			fi, err := os.Stat(b.path(k))
			if err != nil {
				errCh <- err
				return
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case infoCh <- ObjectInfo{Key: k, Size: fi.Size(), LastModified: fi.ModTime()}:
			}
		}
	}()
	return infoCh, errCh
}

func (b *fsBackend) Delete(ctx context.Context, keys []string) (map[string]error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result := make(map[string]error, len(keys))
	for _, k := range keys {
		err := os.Remove(b.path(k))
		if os.IsNotExist(err) {
			result[k] = ErrNotExist
		} else if err != nil {
			result[k] = err
		}
	}
	return result, nil
}

func (b *fsBackend) Head(ctx context.Context, key string) (ObjectInfo, bool, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, false, err
	}
	fi, err := os.Stat(b.path(key))
	if os.IsNotExist(err) {
		return ObjectInfo{}, false, nil
	}
	if err != nil {
		return ObjectInfo{}, false, errors.AddContext(err, "could not stat object "+key)
	}
	return ObjectInfo{Key: key, Size: fi.Size(), LastModified: fi.ModTime()}, true, nil
}

func fastrandHex() string {
	const hextable = "0123456789abcdef"
	b := fastrand.Bytes(8)
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}
