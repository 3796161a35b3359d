package chclient

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/uplo-tech/errors"
)

// detachedDir returns the directory ATTACH PART reads newly-placed parts
// from: <data_path>/data/<database>/<table>/detached/<partName>.
func (c *Client) detachedDir(database, table, partName string) string {
	return filepath.Join(c.DataPath, "data", database, table, "detached", partName)
}

// AttachLocalPart unpacks tarData into the table's detached/ directory and
// issues ALTER TABLE ... ATTACH PART (restore.PartAttacher, spec.md §4.6
// phase 4 "Attach").
func (c *Client) AttachLocalPart(ctx context.Context, database, table, partName string, tarData io.Reader) error {
	dir := c.detachedDir(database, table, partName)
	if err := unpackTar(dir, tarData); err != nil {
		return errors.AddContext(err, "could not unpack part "+partName+" into "+dir)
	}

	stmt := fmt.Sprintf("ALTER TABLE %s.%s ATTACH PART %s", quoteIdent(database), quoteIdent(table), quoteLiteral(partName))
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return errors.AddContext(err, "could not attach part "+partName)
	}
	return nil
}

// unpackTar writes a TAR stream's regular files into dir, creating it
// (and any parent) first. ClickHouse part directories are flat, so
// directory entries within the stream, if any, are skipped.
func unpackTar(dir string, r io.Reader) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.Base(hdr.Name)
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
		if err != nil {
			return err
		}
		_, copyErr := io.Copy(f, tr)
		closeErr := f.Close()
		if copyErr != nil {
			return copyErr
		}
		if closeErr != nil {
			return closeErr
		}
	}
}
