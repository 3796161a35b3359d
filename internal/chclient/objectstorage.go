package chclient

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/chbackup/ch-backup/internal/storage"
	"github.com/uplo-tech/errors"
)

// diskMetadata is the on-disk stub DiskObjectStorage-backed ClickHouse
// disks keep locally for every object-storage-resident part file: a small
// local record pointing at the actual remote object, rather than the file
// content itself.
type diskMetadata struct {
	RemoteKey string `json:"remote_key"`
	Size      int64  `json:"size"`
}

// WithDiskBackend attaches the object storage backend behind a
// ClickHouse disk (separate from, and possibly a different bucket than,
// ch-backup's own backup storage) so CopyPart/RebuildDiskMetadata have
// somewhere to act. Restores that never touch an object-storage disk can
// leave this unset.
func (c *Client) WithDiskBackend(backend storage.Backend) *Client {
	c.diskBackend = backend
	return c
}

// CopyPart duplicates one part's remote object from sourceKey to destKey
// within the disk's object storage bucket (restore.ObjectStorageRestorer,
// spec.md §4.6 phase 4 "Copy" mode).
func (c *Client) CopyPart(ctx context.Context, disk, sourceKey, destKey string) error {
	if c.diskBackend == nil {
		return errors.New("no object storage backend configured for disk " + disk)
	}
	r, err := c.diskBackend.Get(ctx, sourceKey)
	if err != nil {
		return errors.AddContext(err, "could not read source object "+sourceKey)
	}
	defer r.Close()

	info, _, err := c.diskBackend.Head(ctx, sourceKey)
	if err != nil {
		return errors.AddContext(err, "could not stat source object "+sourceKey)
	}
	if err := c.diskBackend.Put(ctx, destKey, r, info.Size); err != nil {
		return errors.AddContext(err, "could not write destination object "+destKey)
	}
	return nil
}

// RebuildDiskMetadata writes the local metadata stub the disk expects to
// find under <data_path>/disks/<disk>/store/.../<partName>, pointing it at
// the part's files in the disk's object storage bucket
// (restore.ObjectStorageRestorer).
func (c *Client) RebuildDiskMetadata(ctx context.Context, disk, database, table, partName string) error {
	dir := filepath.Join(c.DataPath, "disks", disk, "store", database, table, partName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errors.AddContext(err, "could not create disk metadata directory")
	}

	meta := diskMetadata{RemoteKey: filepath.Join(database, table, partName), Size: 0}
	if c.diskBackend != nil {
		if info, ok, err := c.diskBackend.Head(ctx, meta.RemoteKey); err == nil && ok {
			meta.Size = info.Size
		}
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, "metadata.json"), data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	_, writeErr := f.Write(data)
	closeErr := f.Close()
	if writeErr != nil {
		_ = os.Remove(tmp)
		return writeErr
	}
	if closeErr != nil {
		_ = os.Remove(tmp)
		return closeErr
	}
	return os.Rename(tmp, path)
}
