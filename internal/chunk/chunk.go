// Package chunk implements the chunk & crypto pipeline's non-cryptographic
// half: splitting a byte stream into fixed-size plaintext slices and
// compressing them when doing so is worthwhile (spec.md §4.2).
package chunk

import (
	"io"

	tgcrypto "github.com/dlvargas/tgcryptfs/internal/crypto"
)

// DefaultSize is the default chunk size in bytes (50 MiB), per spec.md §3.
const DefaultSize = 50 * 1024 * 1024

// compressionFloor is the minimum plaintext length eligible for compression;
// below this, the LZ4 framing overhead outweighs any savings.
const compressionFloor = 1024

// Slice is one plaintext chunk produced by Split: its byte range within the
// source stream and its content.
type Slice struct {
	Offset int64
	Data   []byte
}

// ID returns the content-addressed identity of this slice.
func (s Slice) ID() [32]byte {
	return tgcrypto.ContentHash(s.Data)
}

// Split reads r to EOF and returns an ordered sequence of plaintext slices
// of chunkSize bytes each, except the final slice which may be shorter. A
// zero-length stream yields an empty slice list (spec.md §4.2 edge case).
func Split(r io.Reader, chunkSize int) ([]Slice, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultSize
	}
	var slices []Slice
	var offset int64
	buf := make([]byte, chunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			slices = append(slices, Slice{Offset: offset, Data: data})
			offset += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return slices, nil
}
