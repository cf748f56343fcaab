// Package namespace implements namespace isolation, the per-namespace key
// hierarchy, and access control (spec.md §4.6): each namespace owns an
// independent metadata tree, a distinct remote blob prefix, and its own
// ACL evaluated first-match-wins.
package namespace

import (
	"fmt"

	"github.com/dlvargas/tgcryptfs/internal/backend"
	"github.com/dlvargas/tgcryptfs/internal/config"
	tgcrypto "github.com/dlvargas/tgcryptfs/internal/crypto"
	"github.com/dlvargas/tgcryptfs/internal/store"
)

// Namespace ties together one mounted tree's metadata store, key material,
// remote prefix, and access control.
type Namespace struct {
	Name           string
	Type           config.DistributionMode
	TelegramPrefix string
	// NamespaceKey is this namespace's metadata key: spec.md §4.6 derives
	// it with label "namespace:<name>" and uses it directly as the
	// metadata key for that namespace's sealed inode and meta blobs.
	NamespaceKey tgcrypto.SubKey
	ACL          ACL

	Store *store.Store
}

// DeriveNamespaceKey derives the namespace_key labeled "namespace:<name>"
// from the master key, per spec.md §4.6.
func DeriveNamespaceKey(mk tgcrypto.MasterKey, name string) (tgcrypto.SubKey, error) {
	return tgcrypto.DeriveSubkey(mk, "namespace:", []byte(name))
}

// Open derives a namespace's key material, opens its metadata store at
// storePath, and resolves its ACL from cfg.
func Open(mk tgcrypto.MasterKey, cfg config.NamespaceConfig, storePath string) (*Namespace, error) {
	nsKey, err := DeriveNamespaceKey(mk, cfg.Name)
	if err != nil {
		return nil, err
	}

	acl, err := FromConfig(cfg.Access)
	if err != nil {
		return nil, fmt.Errorf("namespace %q: parse ACL: %w", cfg.Name, err)
	}

	st, err := store.Open(storePath, nsKey)
	if err != nil {
		return nil, fmt.Errorf("namespace %q: open metadata store: %w", cfg.Name, err)
	}

	return &Namespace{
		Name:           cfg.Name,
		Type:           cfg.Type,
		TelegramPrefix: cfg.Name,
		NamespaceKey:   nsKey,
		ACL:            acl,
		Store:          st,
	}, nil
}

// Close releases the namespace's metadata store handle.
func (n *Namespace) Close() error {
	return n.Store.Close()
}

// Caption builds the `<prefix>:<type>:<id>` caption spec.md §6 requires for
// every remote object this namespace owns.
func (n *Namespace) Caption(typ backend.ObjectType, id string) string {
	return backend.Caption(n.TelegramPrefix, typ, id)
}

// ChunkKey derives the per-chunk key labeled "chunk-v1:<chunk_id>" for this
// namespace's master-derived key material.
func ChunkKey(mk tgcrypto.MasterKey, chunkID [32]byte) (tgcrypto.SubKey, error) {
	return tgcrypto.DeriveSubkey(mk, "chunk-v1:", chunkID[:])
}
