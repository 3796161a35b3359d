package chclient

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chbackup/ch-backup/internal/storage"
	"github.com/uplo-tech/errors"
)

// WithBackupBackend attaches the backend holding a backup's own
// access_control/, user_defined_functions/ and named_collections/
// payloads (spec.md §6 persisted layout), separate from a ClickHouse
// disk's object storage backend.
func (c *Client) WithBackupBackend(backend storage.Backend) *Client {
	c.backupBackend = backend
	return c
}

// RestoreAccessControl rewrites the node's local access storage from the
// backup's access_control/ payload (restore.AccessRestorer, spec.md §4.6
// phase 1). Access storage only picks up changed SQL files after a
// restart, so this reports restartRequired whenever at least one file was
// restored.
func (c *Client) RestoreAccessControl(ctx context.Context, backupID string) (bool, error) {
	n, err := c.restorePayload(ctx, backupID, "access_control", filepath.Join(c.DataPath, "access"))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RestoreUDFs rewrites the node's local user-defined-function storage from
// the backup's user_defined_functions/ payload (restore.AccessRestorer).
func (c *Client) RestoreUDFs(ctx context.Context, backupID string) (bool, error) {
	n, err := c.restorePayload(ctx, backupID, "user_defined_functions", filepath.Join(c.DataPath, "user_defined_sql_functions"))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RestoreNamedCollections rewrites the node's local named-collection
// storage from the backup's named_collections/ payload
// (restore.AccessRestorer).
func (c *Client) RestoreNamedCollections(ctx context.Context, backupID string) (bool, error) {
	n, err := c.restorePayload(ctx, backupID, "named_collections", filepath.Join(c.DataPath, "named_collections"))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// restorePayload copies every object under "<backupID>/<section>/" to
// destDir, preserving the relative path under the section prefix, and
// reports how many files it wrote.
func (c *Client) restorePayload(ctx context.Context, backupID, section, destDir string) (int, error) {
	if c.backupBackend == nil {
		return 0, errors.New("no backup backend configured for " + section + " restore")
	}
	prefix := backupID + "/" + section + "/"
	objCh, errCh := c.backupBackend.List(ctx, prefix)

	count := 0
	for obj := range objCh {
		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == "" {
			continue
		}
		if err := c.copyBackendFile(ctx, obj.Key, filepath.Join(destDir, rel)); err != nil {
			return count, errors.AddContext(err, "could not restore "+obj.Key)
		}
		count++
	}
	if err := <-errCh; err != nil {
		return count, errors.AddContext(err, "could not list "+prefix)
	}
	return count, nil
}

func (c *Client) copyBackendFile(ctx context.Context, key, dest string) error {
	r, err := c.backupBackend.Get(ctx, key)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil {
		return copyErr
	}
	return closeErr
}
