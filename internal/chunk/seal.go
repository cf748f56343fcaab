package chunk

import (
	"fmt"

	tgcrypto "github.com/dlvargas/tgcryptfs/internal/crypto"
)

// Sealed is the on-disk/remote representation of one chunk: possibly
// LZ4-compressed plaintext, then AES-256-GCM encrypted under a per-chunk key
// with the chunk id as additional authenticated data (spec.md §3).
type Sealed struct {
	Blob       []byte
	Compressed bool
}

// SealChunk compresses plaintext if beneficial, then seals it under key
// (expected to be derived via crypto.DeriveSubkey(master, "chunk-v1:", id)).
// compressionEnabled gates the attempt entirely (spec.md §6
// chunk.compression_enabled): when false, SealChunk never calls Compress,
// matching decompress's own Compressed-flag check on the read side.
func SealChunk(key tgcrypto.SubKey, id [32]byte, plaintext []byte, compressionEnabled bool) (Sealed, error) {
	aad := chunkAAD(id)
	if compressionEnabled {
		if compressed, ok := Compress(plaintext); ok {
			blob, err := tgcrypto.Seal(key, aad, compressed)
			if err != nil {
				return Sealed{}, fmt.Errorf("chunk: seal compressed chunk %x: %w", id, err)
			}
			return Sealed{Blob: blob, Compressed: true}, nil
		}
	}
	blob, err := tgcrypto.Seal(key, aad, plaintext)
	if err != nil {
		return Sealed{}, fmt.Errorf("chunk: seal chunk %x: %w", id, err)
	}
	return Sealed{Blob: blob, Compressed: false}, nil
}

// OpenChunk reverses SealChunk, decrypting then decompressing as needed.
func OpenChunk(key tgcrypto.SubKey, id [32]byte, sealed Sealed) ([]byte, error) {
	aad := chunkAAD(id)
	plaintext, err := tgcrypto.Open(key, aad, sealed.Blob)
	if err != nil {
		return nil, fmt.Errorf("chunk: open chunk %x: %w", id, err)
	}
	if !sealed.Compressed {
		return plaintext, nil
	}
	out, err := Decompress(plaintext)
	if err != nil {
		return nil, fmt.Errorf("chunk: decompress chunk %x: %w", id, err)
	}
	return out, nil
}

func chunkAAD(id [32]byte) []byte {
	aad := make([]byte, 32)
	copy(aad, id[:])
	return aad
}
