package chclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/chbackup/ch-backup/internal/freeze"
	"github.com/chbackup/ch-backup/internal/model"
	"github.com/uplo-tech/errors"
)

// shadowRoot returns the filesystem path FREEZE WITH NAME backupID
// populates for one table: <data_path>/shadow/<backupID>/data/<database>/<table>.
func (c *Client) shadowRoot(backupID, database, table string) string {
	return filepath.Join(c.DataPath, "shadow", backupID, "data", database, table)
}

// WalkTable enumerates the part directories FREEZE left under one table's
// shadow subtree (freeze.ShadowWalker, spec.md §4.4 stage 2). Each
// immediate subdirectory of the shadow root is one part; files directly
// under it are the part's members.
func (c *Client) WalkTable(ctx context.Context, backupID string, table freeze.TableRef) ([]freeze.PartDir, error) {
	root := c.shadowRoot(backupID, table.Database, table.Table)
	entries, err := ioutil.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.AddContext(err, "could not walk shadow directory "+root)
	}

	var dirs []freeze.PartDir
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		partDir := filepath.Join(root, e.Name())
		files, rawSize, err := listPartFiles(partDir)
		if err != nil {
			return nil, errors.AddContext(err, "could not list part "+e.Name())
		}
		base := partDir
		dirs = append(dirs, freeze.PartDir{
			Part: model.Part{
				Database:     table.Database,
				Table:        table.Table,
				PartName:     e.Name(),
				StorageClass: model.StorageClassLocal,
				RawSize:      rawSize,
				Files:        files,
			},
			Open: func(name string) (io.ReadCloser, error) {
				return os.Open(filepath.Join(base, name))
			},
		})
	}
	return dirs, nil
}

// listPartFiles enumerates dir's regular files (non-recursive - a
// MergeTree part directory is flat) with their sizes and a content
// checksum per file, matching the per-file checksum ClickHouse's own
// checksums.txt already records; this implementation recomputes it rather
// than parsing that file, so it tolerates any ClickHouse version's
// checksums.txt format.
func listPartFiles(dir string) ([]model.PartFile, int64, error) {
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		return nil, 0, err
	}
	var files []model.PartFile
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, 0, err
		}
		sum, err := fileChecksum(f)
		closeErr := f.Close()
		if err != nil {
			return nil, 0, err
		}
		if closeErr != nil {
			return nil, 0, closeErr
		}
		files = append(files, model.PartFile{Name: e.Name(), Size: e.Size(), Checksum: sum})
		total += e.Size()
	}
	return files, total, nil
}

// fileChecksum computes the per-file content hash recorded in a part's
// descriptor. combineFileChecksums in the freeze pipeline folds these
// together into the part's own dedup checksum, so this only needs to
// be a stable content digest, not anything ClickHouse-specific.
func fileChecksum(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
