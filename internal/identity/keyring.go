package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Keyring tracks the published public identity records of peer machines in
// a cluster, keyed by machine id. A namespace's sync cycle consults it to
// verify the signature on an incoming operation (spec.md §4.7); it never
// holds a private key.
type Keyring struct {
	mu    sync.RWMutex
	peers map[uuid.UUID]ed25519.PublicKey
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{peers: make(map[uuid.UUID]ed25519.PublicKey)}
}

// Add records peer's public key, overwriting any prior entry for the same
// machine id (a republished identity record supersedes the old one).
func (k *Keyring) Add(machineID uuid.UUID, pub ed25519.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.peers[machineID] = pub
}

// Lookup returns the public key recorded for machineID, if any.
func (k *Keyring) Lookup(machineID uuid.UUID) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.peers[machineID]
	return pub, ok
}

// LoadDir populates the keyring from every identity.json found directly
// under dir (one per peer machine, the same plaintext record format
// LoadOrCreate writes for the local machine) — the "published in cluster
// manifests" distribution spec.md §4.6 describes.
func (k *Keyring) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("identity: read keyring directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		mid, err := uuid.Parse(rec.MachineID)
		if err != nil {
			continue
		}
		k.Add(mid, ed25519.PublicKey(rec.PublicKey))
	}
	return nil
}
