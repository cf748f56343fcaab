// Package snapshot implements full-metadata-tree snapshots (spec.md §4.7,
// §4.8): local user-requested create/restore, and the periodic
// master-replica publish/poll cycle built on the same sealed envelope.
// Chunks are never embedded in a snapshot — it references existing
// content-addressed chunks by id, the way spec.md §3's Snapshot type
// describes.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/dlvargas/tgcryptfs/internal/config"
	tgcrypto "github.com/dlvargas/tgcryptfs/internal/crypto"
	"github.com/dlvargas/tgcryptfs/internal/namespace"
	"github.com/dlvargas/tgcryptfs/internal/observability"
	"github.com/dlvargas/tgcryptfs/internal/store"
)

// snapshotAAD authenticates a sealed snapshot envelope. It doesn't vary by
// version: version is part of the signed plaintext, not the AAD, since a
// decrypting reader doesn't know the version until after opening.
const snapshotAAD = "snapshot-v1"

// Snapshot is a frozen view of one namespace's inode table (spec.md §3):
// shallow references into the existing chunk store, never a copy of chunk
// content.
type Snapshot struct {
	Version   uint64
	CreatedAt int64
	Inodes    map[uint64]*store.Inode
}

func freeze(ns *namespace.Namespace) (Snapshot, error) {
	inodes, err := ns.Store.AllInodes()
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: read inode table: %w", err)
	}
	now := time.Now()
	return Snapshot{
		Version:   uint64(now.UnixNano()),
		CreatedAt: now.UnixNano(),
		Inodes:    inodes,
	}, nil
}

func seal(key tgcrypto.SubKey, snap Snapshot) ([]byte, error) {
	plain, err := cbor.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal: %w", err)
	}
	return tgcrypto.Seal(key, []byte(snapshotAAD), plain)
}

func open(key tgcrypto.SubKey, sealed []byte) (Snapshot, error) {
	plain, err := tgcrypto.Open(key, []byte(snapshotAAD), sealed)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: authenticate envelope: %w", err)
	}
	var snap Snapshot
	if err := cbor.Unmarshal(plain, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	return snap, nil
}

func localPath(dir, name string) string {
	return filepath.Join(dir, name+".snap")
}

// CreateLocal implements create_snapshot(name) (spec.md §4.8): freezes the
// current inode map and writes the sealed result under dir/<name>.snap.
func CreateLocal(ns *namespace.Namespace, dir, name string) error {
	snap, err := freeze(ns)
	if err != nil {
		return err
	}
	sealed, err := seal(ns.NamespaceKey, snap)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("snapshot: create directory %q: %w", dir, err)
	}
	return os.WriteFile(localPath(dir, name), sealed, 0o600)
}

// RestoreLocal implements restore_snapshot(name): atomically replaces the
// live metadata tree with the one frozen in dir/<name>.snap and recomputes
// chunk refcounts from the restored manifests. It returns the locators of
// chunks whose refcount fell to zero, for the caller to schedule deletion
// (spec.md §4.8: "chunks not referenced by the restored state have
// refcount reduced, possibly to zero, scheduling deletion").
func RestoreLocal(ns *namespace.Namespace, dir, name string) ([]string, error) {
	path := localPath(dir, name)
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %q: %w", path, err)
	}
	snap, err := open(ns.NamespaceKey, sealed)
	if err != nil {
		return nil, err
	}
	zeroed, _, err := ns.Store.ReplaceAll(snap.Inodes)
	if err != nil {
		return nil, fmt.Errorf("snapshot: replace metadata tree: %w", err)
	}
	return zeroed, nil
}

// ListLocal returns the names of snapshots present under dir, without
// their .snap suffix.
func ListLocal(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: list %q: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".snap" {
			continue
		}
		names = append(names, name[:len(name)-len(".snap")])
	}
	return names, nil
}

// PruneLocal deletes all but the keep most recently modified snapshots
// under dir, mirroring prune's remote retention but over the local
// filesystem's mtimes (a local .snap file carries no version in its name
// the way a master-replica manifest object does).
func PruneLocal(dir string, keep int) error {
	if keep <= 0 {
		keep = 1
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("snapshot: list %q for pruning: %w", dir, err)
	}
	type snapFile struct {
		path    string
		modTime time.Time
	}
	var snaps []snapFile
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".snap" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		snaps = append(snaps, snapFile{path: filepath.Join(dir, e.Name()), modTime: info.ModTime()})
	}
	if len(snaps) <= keep {
		return nil
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].modTime.Before(snaps[j].modTime) })
	for _, s := range snaps[:len(snaps)-keep] {
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("snapshot: prune %q: %w", s.path, err)
		}
	}
	return nil
}

// RunVersioning implements spec.md §6's versioning.{enabled, max_versions}
// surface: on each interval it freezes the namespace's current state as a
// timestamped local snapshot and prunes down to cfg.MaxVersions, giving a
// namespace an automatic rolling history independent of the user-requested
// CreateLocal/RestoreLocal pair. It is a no-op loop (returns immediately)
// when cfg.Enabled is false, so callers can start it unconditionally.
func RunVersioning(ctx context.Context, ns *namespace.Namespace, dir string, cfg config.VersioningConfig, interval time.Duration, logger *observability.Logger) {
	if !cfg.Enabled {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			name := fmt.Sprintf("auto-%d", t.UnixNano())
			if err := CreateLocal(ns, dir, name); err != nil {
				logger.Error(err, "versioning: automatic snapshot failed")
				continue
			}
			if err := PruneLocal(dir, cfg.MaxVersions); err != nil {
				logger.Error(err, "versioning: prune failed")
			}
		}
	}
}
