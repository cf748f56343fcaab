package chunk

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	tgcrypto "github.com/dlvargas/tgcryptfs/internal/crypto"
)

func TestSplitEmptyStream(t *testing.T) {
	slices, err := Split(bytes.NewReader(nil), DefaultSize)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(slices) != 0 {
		t.Fatalf("expected empty manifest for zero-length file, got %d slices", len(slices))
	}
}

func TestSplitUniformExceptLast(t *testing.T) {
	data := make([]byte, 100*1024*1024)
	if _, err := io.ReadFull(rand.Reader, data); err != nil {
		t.Fatalf("rand: %v", err)
	}
	chunkSize := 50 * 1024 * 1024
	slices, err := Split(bytes.NewReader(data), chunkSize)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(slices) != 2 {
		t.Fatalf("expected exactly 2 chunks for 100 MiB input at 50 MiB chunk size, got %d", len(slices))
	}
	if slices[0].Offset != 0 || slices[1].Offset != int64(chunkSize) {
		t.Fatalf("unexpected chunk offsets: %d, %d", slices[0].Offset, slices[1].Offset)
	}
	if len(slices[0].Data) != chunkSize || len(slices[1].Data) != chunkSize {
		t.Fatal("uniform chunk sizes violated")
	}
}

func TestSplitShortLastChunk(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 10)
	slices, err := Split(bytes.NewReader(data), 4)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(slices) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(slices))
	}
	if len(slices[2].Data) != 2 {
		t.Fatalf("expected short final chunk of length 2, got %d", len(slices[2].Data))
	}
}

func TestCompressZeroesBelowOriginalSize(t *testing.T) {
	data := make([]byte, 2048)
	compressed, ok := Compress(data)
	if !ok {
		t.Fatal("expected compressible zero buffer to compress")
	}
	if len(compressed) >= len(data) {
		t.Fatalf("compressed form (%d) not smaller than original (%d)", len(compressed), len(data))
	}
	back, err := Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(back, data) {
		t.Fatal("decompressed data does not match original")
	}
}

func TestCompressSkipsSmallInput(t *testing.T) {
	data := bytes.Repeat([]byte{0x00}, 100)
	if _, ok := Compress(data); ok {
		t.Fatal("expected sub-floor input to skip compression")
	}
}

func TestCompressSkipsIncompressible(t *testing.T) {
	data := make([]byte, 4096)
	if _, err := io.ReadFull(rand.Reader, data); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if _, ok := Compress(data); ok {
		t.Fatal("expected incompressible random data to skip compression")
	}
}

func TestSealOpenChunkRoundTrip(t *testing.T) {
	var key tgcrypto.SubKey
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	plaintext := bytes.Repeat([]byte("payload"), 1000)
	id := tgcrypto.ContentHash(plaintext)

	sealed, err := SealChunk(key, id, plaintext, true)
	if err != nil {
		t.Fatalf("SealChunk: %v", err)
	}
	got, err := OpenChunk(key, id, sealed)
	if err != nil {
		t.Fatalf("OpenChunk: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("sealed chunk round trip mismatch")
	}
}

func TestSealChunkCompressionDisabled(t *testing.T) {
	var key tgcrypto.SubKey
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	// Highly compressible plaintext that would normally trigger LZ4.
	plaintext := bytes.Repeat([]byte{0}, 4096)
	id := tgcrypto.ContentHash(plaintext)

	sealed, err := SealChunk(key, id, plaintext, false)
	if err != nil {
		t.Fatalf("SealChunk: %v", err)
	}
	if sealed.Compressed {
		t.Fatal("expected compression to be skipped when compressionEnabled is false")
	}
	got, err := OpenChunk(key, id, sealed)
	if err != nil {
		t.Fatalf("OpenChunk: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("sealed chunk round trip mismatch")
	}
}

func TestManifestIdenticalContentSameID(t *testing.T) {
	a := []byte("identical file content across two files")
	b := append([]byte{}, a...)
	if tgcrypto.ContentHash(a) != tgcrypto.ContentHash(b) {
		t.Fatal("identical content produced different chunk ids")
	}
}

func TestManifestIntersecting(t *testing.T) {
	m := Manifest{Refs: []Ref{
		{PlaintextOffset: 0, PlaintextLength: 10},
		{PlaintextOffset: 10, PlaintextLength: 10},
		{PlaintextOffset: 20, PlaintextLength: 10},
	}}
	got := m.Intersecting(5, 10)
	if len(got) != 2 {
		t.Fatalf("expected 2 intersecting refs, got %d", len(got))
	}
	if !m.Validate() {
		t.Fatal("expected contiguous manifest to validate")
	}
}

func TestManifestValidateDetectsGap(t *testing.T) {
	m := Manifest{Refs: []Ref{
		{PlaintextOffset: 0, PlaintextLength: 10},
		{PlaintextOffset: 15, PlaintextLength: 10},
	}}
	if m.Validate() {
		t.Fatal("expected gapped manifest to fail validation")
	}
}
