package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/uplo-tech/merkletree"
)

// leafSize is the fixed leaf size the checksum tree is built over. A part's
// TAR stream is hashed leaf-by-leaf as it is produced, so the checksum is
// known the instant the upload finishes without a second pass over the
// data (spec.md §4.1 "the stream is hashed as-it-is-produced").
const leafSize = 4096

// checksumWriter hashes bytes written through it into a Merkle tree,
// wrapping an underlying io.Writer so hashing costs nothing beyond the
// upload itself.
type checksumWriter struct {
	w    io.Writer
	tree *merkletree.Tree
	buf  []byte
}

func newChecksumWriter(w io.Writer) *checksumWriter {
	return &checksumWriter{w: w, tree: merkletree.New(sha256.New()), buf: make([]byte, 0, leafSize)}
}

func (c *checksumWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if n > 0 {
		c.feed(p[:n])
	}
	return n, err
}

func (c *checksumWriter) feed(p []byte) {
	c.buf = append(c.buf, p...)
	for len(c.buf) >= leafSize {
		c.tree.Push(c.buf[:leafSize])
		c.buf = c.buf[leafSize:]
	}
}

// Checksum finalizes the tree over any remaining partial leaf and returns
// the hex-encoded Merkle root (spec.md §3 "Part descriptor" checksum).
func (c *checksumWriter) Checksum() string {
	if len(c.buf) > 0 {
		c.tree.Push(c.buf)
		c.buf = nil
	}
	return hex.EncodeToString(c.tree.Root())
}

// Checksum computes the same Merkle-root checksum as checksumWriter, but
// over an already-materialized reader - used to validate a part after
// upload (storage.validate_part_after_upload).
func Checksum(r io.Reader) (string, error) {
	tree := merkletree.New(sha256.New())
	buf := make([]byte, leafSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			tree.Push(append([]byte(nil), buf[:n]...))
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(tree.Root()), nil
}
