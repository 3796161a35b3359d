package codec

import (
	"io"

	"github.com/uplo-tech/errors"
)

// Chain is the codec chain a part's archive was written with: compress,
// then encrypt (spec.md §3 "codec chain"). It is persisted alongside the
// part descriptor so a later restore knows how to reverse it, and is
// immutable once a part has been written (DESIGN NOTES §9 "Codec chain").
// The secret itself never lives on Chain - it is supplied separately to
// NewWriter/NewReader so it never round-trips through the part descriptor's
// JSON.
type Chain struct {
	Compression CompressionType `json:"compression"`
	Cipher      CipherType      `json:"cipher"`
	IV          []byte          `json:"iv,omitempty"`
}

// Valid reports whether every stage of the chain is one this package knows
// how to run.
func (c Chain) Valid() bool {
	return IsValidCompressionType(c.Compression) && IsValidCipherType(c.Cipher)
}

// NewWriter wraps dst so writes to the returned io.WriteCloser are
// compressed then encrypted per chain, in that order. If chain.Cipher is not
// TypePlain, a fresh IV is generated on every call and stored in chain.IV,
// replacing any IV already there, so the caller can persist it with the part
// descriptor.
func NewWriter(dst io.Writer, chain *Chain, secret []byte) (io.WriteCloser, error) {
	if !chain.Valid() {
		return nil, errors.New("invalid codec chain")
	}
	cw, iv, err := NewEncryptStream(dst, chain.Cipher, secret)
	if err != nil {
		return nil, errors.AddContext(err, "could not build cipher stream")
	}
	if iv != nil {
		chain.IV = iv
	}
	compressW, err := NewCompressWriter(cw, chain.Compression)
	if err != nil {
		return nil, errors.AddContext(err, "could not build compression stream")
	}
	return compressW, nil
}

// NewReader wraps src so reads from the returned io.ReadCloser are decrypted
// then decompressed, reversing NewWriter.
func NewReader(src io.Reader, chain Chain, secret []byte) (io.ReadCloser, error) {
	if !chain.Valid() {
		return nil, errors.New("invalid codec chain")
	}
	cr, err := NewDecryptStream(src, chain.Cipher, secret, chain.IV)
	if err != nil {
		return nil, errors.AddContext(err, "could not build cipher stream")
	}
	return NewDecompressReader(cr, chain.Compression)
}
