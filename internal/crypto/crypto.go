// Package crypto provides the key hierarchy and authenticated-encryption
// primitives tgcryptfs uses to keep file contents, names, and directory
// structure opaque to the remote blob backend.
//
// The package implements:
//   - Argon2id derivation of a master key from a user password and salt
//   - HKDF-based purpose-separated subkey derivation (metadata, chunk,
//     machine keys)
//   - AES-256-GCM authenticated encryption ("seal"/"open")
//   - BLAKE3 content addressing
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/zeebo/blake3"
)

const (
	MasterKeySize = 32
	SubKeySize    = 32
	SaltSize      = 32

	// DefaultArgon2Memory is the default Argon2id memory cost in KiB (64 MiB).
	DefaultArgon2Memory = 64 * 1024
	// DefaultArgon2Time is the default Argon2id iteration count.
	DefaultArgon2Time = 3
	// DefaultArgon2Parallelism is the default Argon2id parallelism.
	DefaultArgon2Parallelism = 4
)

// ErrAuthFailure signals that a seal could not be opened: either the key is
// wrong or the ciphertext was tampered with. It is never retried.
var ErrAuthFailure = errors.New("crypto: authentication failure")

// KDFParams tunes the Argon2id password KDF used to derive the master key.
type KDFParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
}

// DefaultKDFParams returns the spec-mandated default tuning.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		MemoryKiB:   DefaultArgon2Memory,
		Iterations:  DefaultArgon2Time,
		Parallelism: DefaultArgon2Parallelism,
	}
}

// MasterKey is the 256-bit root key derived from a user password. It is
// never written to persistent storage; only the salt that produced it is.
type MasterKey [MasterKeySize]byte

// SubKey is a purpose-separated key derived from a MasterKey.
type SubKey [SubKeySize]byte

// DeriveMaster runs Argon2id over password and salt to produce the master
// key. KDF failures (bad params) are fatal to the caller; there is no
// recovery path.
func DeriveMaster(password []byte, salt []byte, params KDFParams) (MasterKey, error) {
	var mk MasterKey
	if len(salt) != SaltSize {
		return mk, fmt.Errorf("crypto: salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	if params.MemoryKiB == 0 || params.Iterations == 0 || params.Parallelism == 0 {
		return mk, errors.New("crypto: invalid KDF parameters")
	}
	key := argon2.IDKey(password, salt, params.Iterations, params.MemoryKiB, params.Parallelism, MasterKeySize)
	copy(mk[:], key)
	return mk, nil
}

// DeriveSubkey derives a purpose-separated subkey from the master key using
// HKDF-SHA256, with label as the HKDF info parameter and context as
// additional domain separation appended to the label (e.g. a chunk id or
// machine id). Labels are those named in spec.md §3: "metadata-v1",
// "chunk-v1:<chunk_id>", "machine:<machine_id>", "namespace:<name>".
func DeriveSubkey(mk MasterKey, label string, context []byte) (SubKey, error) {
	var sk SubKey
	info := append([]byte(label), context...)
	r := hkdf.New(sha256.New, mk[:], nil, info)
	if _, err := io.ReadFull(r, sk[:]); err != nil {
		return sk, fmt.Errorf("crypto: subkey derivation failed: %w", err)
	}
	return sk, nil
}

// ContentHash returns the BLAKE3 content address of plaintext: the 32-byte
// chunk id used throughout the metadata store for deduplication.
func ContentHash(plaintext []byte) [32]byte {
	var out [32]byte
	h := blake3.New()
	h.Write(plaintext)
	copy(out[:], h.Sum(nil))
	return out
}

// ContentHashHex is a convenience wrapper returning the hex-encoded chunk id,
// used as the on-disk cache filename and bolt key.
func ContentHashHex(plaintext []byte) string {
	id := ContentHash(plaintext)
	return hex.EncodeToString(id[:])
}
