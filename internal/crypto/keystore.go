package crypto

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// keystoreVersion is the on-disk format version for KeystoreEntry.
const keystoreVersion = 1

// ErrInvalidPassphrase is returned when a keystore entry fails to decrypt.
var ErrInvalidPassphrase = errors.New("crypto: invalid passphrase or corrupted keystore")

// KeystoreEntry is an encrypted private key blob stored on disk, used to
// protect a machine's Ed25519 signing key at rest (spec.md §4.6: "private
// key never leaves the machine").
type KeystoreEntry struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	MemoryKiB  uint32 `json:"memory_kib"`
	Iterations uint32 `json:"iterations"`
	Threads    uint8  `json:"threads"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SaveSigningKey encrypts privateKey with a key derived from passphrase via
// Argon2id and writes it to path with owner-only permissions.
func SaveSigningKey(privateKey []byte, path string, passphrase []byte, params KDFParams) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("crypto: create keystore directory: %w", err)
	}

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("crypto: generate salt: %w", err)
	}
	derived := argon2.IDKey(passphrase, salt, params.Iterations, params.MemoryKiB, params.Parallelism, MasterKeySize)
	var key SubKey
	copy(key[:], derived)

	sealed, err := Seal(key, nil, privateKey)
	if err != nil {
		return fmt.Errorf("crypto: seal signing key: %w", err)
	}
	entry := KeystoreEntry{
		Version:    keystoreVersion,
		KDF:        "argon2id",
		MemoryKiB:  params.MemoryKiB,
		Iterations: params.Iterations,
		Threads:    params.Parallelism,
		Salt:       salt,
		Nonce:      sealed[:NonceSize],
		Ciphertext: sealed[NonceSize:],
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("crypto: marshal keystore entry: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadSigningKey decrypts the private key stored at path using passphrase.
func LoadSigningKey(path string, passphrase []byte) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read keystore file: %w", err)
	}
	var entry KeystoreEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("crypto: unmarshal keystore entry: %w", err)
	}
	if entry.Version != keystoreVersion {
		return nil, fmt.Errorf("crypto: unsupported keystore version %d", entry.Version)
	}
	if entry.KDF != "argon2id" {
		return nil, fmt.Errorf("crypto: unsupported KDF %q", entry.KDF)
	}
	derived := argon2.IDKey(passphrase, entry.Salt, entry.Iterations, entry.MemoryKiB, entry.Threads, MasterKeySize)
	var key SubKey
	copy(key[:], derived)

	blob := append(append([]byte{}, entry.Nonce...), entry.Ciphertext...)
	plaintext, err := Open(key, nil, blob)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	return plaintext, nil
}
