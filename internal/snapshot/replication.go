package snapshot

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/dlvargas/tgcryptfs/internal/backend"
	"github.com/dlvargas/tgcryptfs/internal/config"
	"github.com/dlvargas/tgcryptfs/internal/fs"
	"github.com/dlvargas/tgcryptfs/internal/namespace"
	"github.com/dlvargas/tgcryptfs/internal/observability"
)

// versionWidth pads a snapshot version into a fixed-width decimal string so
// the backend's enumeration (which sorts by insertion order, not value) and
// any lexicographic listing of object ids agree with numeric order.
const versionWidth = 20

func versionID(v uint64) string {
	return fmt.Sprintf("%0*d", versionWidth, v)
}

// RunMaster periodically freezes ns's inode table and uploads it under the
// namespace's blob prefix, retaining at most cfg.SnapshotRetention of the
// most recent versions (spec.md §4.7's master-replica mode). It runs until
// ctx is cancelled.
func RunMaster(ctx context.Context, ns *namespace.Namespace, be backend.Backend, cfg config.MasterReplicaConfig, logger *observability.Logger, metrics *observability.Metrics) {
	interval := time.Duration(cfg.SyncIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := publish(ctx, ns, be, cfg.SnapshotRetention, logger, metrics); err != nil {
				logger.Error(err, "snapshot: publish failed")
			}
		}
	}
}

func publish(ctx context.Context, ns *namespace.Namespace, be backend.Backend, retention int, logger *observability.Logger, metrics *observability.Metrics) error {
	snap, err := freeze(ns)
	if err != nil {
		metrics.RecordSnapshot("create", 0, err)
		return err
	}
	sealed, err := seal(ns.NamespaceKey, snap)
	metrics.RecordSnapshot("create", snap.Version, err)
	if err != nil {
		return err
	}

	if _, err := be.Put(ctx, ns.TelegramPrefix, backend.TypeManifest, versionID(snap.Version), sealed); err != nil {
		return fmt.Errorf("snapshot: upload: %w", err)
	}
	logger.SnapshotCreated(snap.Version, len(snap.Inodes), len(sealed))

	return prune(ctx, ns, be, retention)
}

// prune deletes all but the keep most recent snapshots under ns's prefix.
func prune(ctx context.Context, ns *namespace.Namespace, be backend.Backend, keep int) error {
	if keep <= 0 {
		keep = 1
	}
	entries, err := be.Enumerate(ctx, ns.TelegramPrefix, "")
	if err != nil {
		return fmt.Errorf("snapshot: enumerate for pruning: %w", err)
	}
	var snaps []backend.Entry
	for _, e := range entries {
		if e.Type == backend.TypeManifest {
			snaps = append(snaps, e)
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	if len(snaps) <= keep {
		return nil
	}
	for _, e := range snaps[:len(snaps)-keep] {
		if err := be.Delete(ctx, e.Locator); err != nil {
			return fmt.Errorf("snapshot: prune %s: %w", e.Locator, err)
		}
	}
	return nil
}

// RunReplica polls be for the newest snapshot version exceeding the
// replica's last-applied version, decrypts and atomically replaces the
// local metadata tree, and keeps handle read-only throughout — a replica
// "rejects all write operations with a read-only error" (spec.md §4.7) for
// its entire lifetime, not just mid-apply.
func RunReplica(ctx context.Context, ns *namespace.Namespace, be backend.Backend, handle *fs.FS, cfg config.MasterReplicaConfig, logger *observability.Logger, metrics *observability.Metrics) {
	handle.SetReadOnly(true)

	interval := time.Duration(cfg.SyncIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var current uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next, err := poll(ctx, ns, be, current, logger, metrics)
			if err != nil {
				logger.Error(err, "snapshot: replica poll failed")
				continue
			}
			if next > current {
				current = next
			}
			handle.SetReadOnly(true)
		}
	}
}

// poll fetches the newest manifest-typed object with a version greater
// than current, applies it, and returns the version now current (unchanged
// if nothing newer was found).
func poll(ctx context.Context, ns *namespace.Namespace, be backend.Backend, current uint64, logger *observability.Logger, metrics *observability.Metrics) (uint64, error) {
	entries, err := be.Enumerate(ctx, ns.TelegramPrefix, "")
	if err != nil {
		return current, fmt.Errorf("snapshot: enumerate: %w", err)
	}

	var best *backend.Entry
	var bestVersion uint64
	for i := range entries {
		e := entries[i]
		if e.Type != backend.TypeManifest {
			continue
		}
		v, err := strconv.ParseUint(e.ID, 10, 64)
		if err != nil {
			continue
		}
		if v > current && v > bestVersion {
			bestVersion = v
			best = &entries[i]
		}
	}
	if best == nil {
		return current, nil
	}

	sealed, err := be.Get(ctx, best.Locator)
	if err != nil {
		return current, fmt.Errorf("snapshot: download %s: %w", best.Locator, err)
	}
	snap, err := open(ns.NamespaceKey, sealed)
	metrics.RecordSnapshot("apply", bestVersion, err)
	if err != nil {
		return current, err
	}

	zeroed, missing, err := ns.Store.ReplaceAll(snap.Inodes)
	if err != nil {
		return current, fmt.Errorf("snapshot: replace metadata tree: %w", err)
	}
	for _, id := range missing {
		logger.Warn(fmt.Sprintf("snapshot: restored manifest references chunk %x absent from local chunk index", id))
	}
	for _, locator := range zeroed {
		if err := be.Delete(ctx, locator); err != nil {
			logger.Error(err, "snapshot: delete chunk orphaned by snapshot apply")
		}
	}
	logger.SnapshotApplied(snap.Version, len(snap.Inodes), len(zeroed))
	return snap.Version, nil
}
