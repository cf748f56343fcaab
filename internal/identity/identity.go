// Package identity manages the per-installation machine identity: a UUID,
// a human-readable name, and an Ed25519 signing keypair whose private half
// never leaves the machine (spec.md §3, §4.6).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	tgcrypto "github.com/dlvargas/tgcryptfs/internal/crypto"
)

// Identity is a machine's public identity record. It is safe to publish in
// cluster manifests; the private key is persisted separately via an
// encrypted keystore entry (internal/crypto.SaveSigningKey).
type Identity struct {
	MachineID   uuid.UUID         `json:"machine_id"`
	MachineName string            `json:"machine_name"`
	PublicKey   ed25519.PublicKey `json:"public_key"`
	CreatedAt   time.Time         `json:"created_at"`
}

// record is the on-disk form of Identity (public half, plaintext).
type record struct {
	MachineID   string    `json:"machine_id"`
	MachineName string    `json:"machine_name"`
	PublicKey   []byte    `json:"public_key"`
	CreatedAt   time.Time `json:"created_at"`
}

// LoadOrCreate loads the machine identity at dir, generating a fresh
// Ed25519 keypair and UUID if none exists. The private key is encrypted at
// rest under passphrase; the public record is stored as plaintext JSON
// since it is meant to be published (spec.md §4.6).
func LoadOrCreate(dir, machineName string, passphrase []byte, params tgcrypto.KDFParams) (*Identity, ed25519.PrivateKey, error) {
	pubPath := filepath.Join(dir, "identity.json")
	privPath := filepath.Join(dir, "signing.key")

	id, priv, err := load(pubPath, privPath, passphrase)
	if err == nil {
		return id, priv, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	newID := &Identity{
		MachineID:   uuid.New(),
		MachineName: machineName,
		PublicKey:   pub,
		CreatedAt:   time.Now(),
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("identity: create identity directory: %w", err)
	}
	if err := tgcrypto.SaveSigningKey(priv, privPath, passphrase, params); err != nil {
		return nil, nil, fmt.Errorf("identity: save signing key: %w", err)
	}
	if err := writeRecord(pubPath, newID); err != nil {
		return nil, nil, fmt.Errorf("identity: write identity record: %w", err)
	}
	return newID, priv, nil
}

func load(pubPath, privPath string, passphrase []byte) (*Identity, ed25519.PrivateKey, error) {
	data, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, nil, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil, fmt.Errorf("identity: unmarshal identity record: %w", err)
	}
	mid, err := uuid.Parse(rec.MachineID)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: parse machine id: %w", err)
	}
	priv, err := tgcrypto.LoadSigningKey(privPath, passphrase)
	if err != nil {
		return nil, nil, fmt.Errorf("identity: load signing key: %w", err)
	}
	return &Identity{
		MachineID:   mid,
		MachineName: rec.MachineName,
		PublicKey:   ed25519.PublicKey(rec.PublicKey),
		CreatedAt:   rec.CreatedAt,
	}, ed25519.PrivateKey(priv), nil
}

func writeRecord(path string, id *Identity) error {
	rec := record{
		MachineID:   id.MachineID.String(),
		MachineName: id.MachineName,
		PublicKey:   id.PublicKey,
		CreatedAt:   id.CreatedAt,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Sign produces an Ed25519 signature over data using the machine's private
// signing key — used to sign outgoing CRDT operations (spec.md §4.7).
func Sign(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}

// Verify checks an Ed25519 signature against a peer's published public key.
func Verify(pub ed25519.PublicKey, data, sig []byte) bool {
	return ed25519.Verify(pub, data, sig)
}
