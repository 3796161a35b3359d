package codec

import (
	"bytes"
	"io/ioutil"
	"testing"

	"github.com/uplo-tech/fastrand"
)

func roundTrip(t *testing.T, chain Chain, secret []byte) {
	t.Helper()
	payload := fastrand.Bytes(64 * 1024)

	var buf bytes.Buffer
	w, err := NewWriter(&buf, &chain, secret)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(&buf, chain, secret)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, err := ioutil.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("round trip did not preserve payload")
	}
}

func TestChainRoundTripPlaintextNone(t *testing.T) {
	roundTrip(t, Chain{Compression: CompressionNone, Cipher: TypePlain}, nil)
}

func TestChainRoundTripGzipTwofish(t *testing.T) {
	roundTrip(t, Chain{Compression: CompressionGzip, Cipher: TypeTwofish}, fastrand.Bytes(32))
}

func TestChainRoundTripZstdXChaCha(t *testing.T) {
	roundTrip(t, Chain{Compression: CompressionZstd, Cipher: TypeXChaCha}, fastrand.Bytes(32))
}

func TestChainRejectsInvalidStage(t *testing.T) {
	chain := Chain{Compression: CompressionType("bogus"), Cipher: TypePlain}
	if _, err := NewWriter(&bytes.Buffer{}, &chain, nil); err == nil {
		t.Fatal("expected error for invalid compression type")
	}
}

func TestIVSize(t *testing.T) {
	if IVSize(TypePlain) != 0 {
		t.Error("plaintext should need no IV")
	}
	if IVSize(TypeTwofish) == 0 || IVSize(TypeXChaCha) == 0 {
		t.Error("encrypted ciphers should report a non-zero IV size")
	}
}
