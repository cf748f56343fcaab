package chunk

import (
	"bytes"

	"github.com/klauspost/compress/lz4"
)

// Compress returns the LZ4-compressed form of plaintext and true iff
// plaintext is larger than compressionFloor AND the compressed form is
// strictly smaller than plaintext (spec.md §3/§4.2). Otherwise it returns
// (nil, false) and the caller stores plaintext as-is.
func Compress(plaintext []byte) ([]byte, bool) {
	if len(plaintext) <= compressionFloor {
		return nil, false
	}
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(plaintext); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(plaintext) {
		return nil, false
	}
	return buf.Bytes(), true
}

// Decompress is the inverse of Compress.
func Decompress(compressed []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
