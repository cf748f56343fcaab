package oplog

import (
	"encoding/binary"
	"fmt"

	"github.com/dlvargas/tgcryptfs/internal/chunk"
	"github.com/dlvargas/tgcryptfs/internal/config"
	"github.com/dlvargas/tgcryptfs/internal/observability"
	"github.com/dlvargas/tgcryptfs/internal/store"
)

// SweepFunc enqueues a zero-refcount chunk for eventual backend deletion,
// matching the fs package's own sweep queue so CRDT-driven deletions feed
// the same periodic pass as locally-driven ones.
type SweepFunc func(chunkID [32]byte, locator string)

// Applier applies received Operations to a namespace's metadata store,
// implementing spec.md §4.7's per-kind merge semantics. It assumes the
// caller (the sync cycle) has already verified the operation's signature
// and ordered it causally-safely relative to what's already applied.
type Applier struct {
	Store    *store.Store
	Strategy config.ConflictResolution
	Sweep    SweepFunc

	logger        *observability.Logger
	metrics       *observability.Metrics
	conflictCount int
}

// ConflictCount returns the number of conflicts detected since the last
// call to ResetConflictCount, for the sync cycle's per-run reporting.
func (a *Applier) ConflictCount() int { return a.conflictCount }

// ResetConflictCount zeroes the running conflict counter.
func (a *Applier) ResetConflictCount() { a.conflictCount = 0 }

// NewApplier constructs an Applier for one namespace.
func NewApplier(st *store.Store, strategy config.ConflictResolution, sweep SweepFunc, logger *observability.Logger, metrics *observability.Metrics) *Applier {
	return &Applier{Store: st, Strategy: strategy, Sweep: sweep, logger: logger, metrics: metrics}
}

func tombstoneKey(path string) string { return "tombstone:" + path }

// tombstoneTime returns the recorded delete time for path, or (0, false) if
// path was never tombstoned.
func (a *Applier) tombstoneTime(path string) (int64, bool) {
	v, err := a.Store.GetMeta(tombstoneKey(path))
	if err != nil || len(v) != 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(v)), true
}

func (a *Applier) setTombstone(path string, t int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t))
	return a.Store.PutMeta(tombstoneKey(path), buf)
}

// Apply dispatches op to the handler for its Kind.
func (a *Applier) Apply(op Operation) error {
	switch op.Kind {
	case KindCreate:
		return a.applyCreate(op)
	case KindWrite:
		return a.applyWrite(op)
	case KindDelete:
		return a.applyDelete(op)
	case KindMove:
		return a.applyMove(op)
	case KindSetAttr:
		return a.applySetAttr(op)
	default:
		return fmt.Errorf("oplog: unknown operation kind %d", op.Kind)
	}
}

// applyCreate implements spec.md §4.7's Create semantics: on a name
// collision between two concurrent creates, the op carrying the
// lexicographically smallest op_id keeps the contested name; the loser is
// created (or renamed, if it already exists locally) under
// "name.conflict-<op_id>".
func (a *Applier) applyCreate(op Operation) error {
	p := op.Create
	if t, ok := a.tombstoneTime(p.ParentPath); ok && t >= op.EmittedAt {
		return nil
	}
	parentIno, err := a.Store.ResolvePath(p.ParentPath)
	if err != nil {
		return nil // parent gone or not yet synced; nothing to attach to
	}

	name := p.Name
	if existingIno, err := a.Store.Lookup(parentIno, p.Name); err == nil {
		existing, err := a.Store.GetInode(existingIno)
		if err != nil {
			return err
		}
		if existing.CreatedByOp != "" && existing.CreatedByOp < op.OpID.String() {
			// Existing entry wins; this op's create is relegated to a
			// conflict name instead.
			name = fmt.Sprintf("%s.conflict-%s", p.Name, op.OpID.String())
			a.logger.ConflictDetected(existingIno, string(config.LastWriteWins), "create: kept existing, renamed incoming")
			a.metrics.RecordConflict("create")
			a.conflictCount++
		} else {
			// This op wins; evict the existing entry to its own conflict
			// name before taking the contested name.
			conflictName := fmt.Sprintf("%s.conflict-%s", p.Name, existing.CreatedByOp)
			if _, err := a.Store.Rename(parentIno, p.Name, parentIno, conflictName); err != nil {
				return err
			}
			a.logger.ConflictDetected(existingIno, string(config.LastWriteWins), "create: renamed existing, kept incoming")
			a.metrics.RecordConflict("create")
			a.conflictCount++
		}
	} else if err != store.ErrNotFound {
		return err
	}

	_, err = a.Store.InsertInode(&store.Inode{
		ParentIno:   parentIno,
		Name:        name,
		Kind:        store.Kind(p.InodeKind),
		Mode:        p.InitialMode,
		UID:         p.InitialUID,
		GID:         p.InitialGID,
		Nlink:       1,
		CreatedByOp: op.OpID.String(),
	})
	if err == store.ErrNameExists {
		// Lost a race against a create that landed between our Lookup and
		// InsertInode (another apply pass, or a local op). Treat as no-op;
		// the next sync cycle will reconcile it as a fresh conflict.
		return nil
	}
	return err
}

// applyWrite implements spec.md §4.7's Write semantics. The replayed chunk
// is spliced into the target's manifest at the given offset; the conflict
// resolution strategy governs what happens when that range overlaps
// existing content.
func (a *Applier) applyWrite(op Operation) error {
	p := op.Write
	if t, ok := a.tombstoneTime(p.Path); ok && t >= op.EmittedAt {
		return nil
	}
	ino, err := a.Store.ResolvePath(p.Path)
	if err != nil {
		return nil
	}
	inode, err := a.Store.GetInode(ino)
	if err != nil {
		return err
	}
	if inode.Conflict {
		return nil // manual strategy: held until an operator clears it
	}

	var overlapping bool
	if inode.Manifest != nil {
		overlapping = len(inode.Manifest.Intersecting(p.Offset, p.Length)) > 0
	}
	if overlapping && a.Strategy == config.Manual {
		if err := a.Store.UpdateInode(ino, func(i *store.Inode) error {
			i.Conflict = true
			return nil
		}); err != nil {
			return err
		}
		a.logger.ConflictDetected(ino, string(config.Manual), "write: marked conflict, holding further ops")
		a.metrics.RecordConflict("write")
		a.conflictCount++
		return nil
	}

	ref := chunk.Ref{
		ChunkID: p.ChunkID, PlaintextOffset: p.Offset, PlaintextLength: p.Length,
		Compressed: p.Compressed, RemoteLocator: p.RemoteLocator,
	}
	if err := a.Store.RefChunk(p.ChunkID, p.RemoteLocator, p.Compressed); err != nil {
		return err
	}

	var droppedIDs [][32]byte
	newSize := inode.Size
	err = a.Store.UpdateInode(ino, func(i *store.Inode) error {
		refs := spliceRef(i.Manifest, ref, &droppedIDs)
		i.Manifest = &chunk.Manifest{Refs: refs}
		if end := ref.PlaintextOffset + ref.PlaintextLength; end > i.Size {
			i.Size = end
		}
		if i.Size > newSize {
			newSize = i.Size
		}
		i.Blocks = (i.Size + 511) / 512
		return nil
	})
	if err != nil {
		return err
	}

	for _, id := range droppedIDs {
		if locator, zero, uerr := a.Store.UnrefChunk(id); uerr == nil && zero && a.Sweep != nil {
			a.Sweep(id, locator)
		}
	}
	return nil
}

// spliceRef inserts ref into manifest's ref list, clipping or dropping any
// existing ref it fully or partially overlaps (mirroring the fs package's
// writeBuffer splice, at chunk-ref granularity instead of byte-range
// granularity). Fully superseded chunk ids are appended to *dropped for the
// caller to unref.
func spliceRef(manifest *chunk.Manifest, ref chunk.Ref, dropped *[][32]byte) []chunk.Ref {
	var existing []chunk.Ref
	if manifest != nil {
		existing = manifest.Refs
	}
	newEnd := ref.PlaintextOffset + ref.PlaintextLength

	out := make([]chunk.Ref, 0, len(existing)+1)
	inserted := false
	insert := func() {
		if !inserted {
			out = append(out, ref)
			inserted = true
		}
	}
	for _, r := range existing {
		rEnd := r.PlaintextOffset + r.PlaintextLength
		switch {
		case rEnd <= ref.PlaintextOffset:
			out = append(out, r)
		case r.PlaintextOffset >= newEnd:
			insert()
			out = append(out, r)
		default:
			*dropped = append(*dropped, r.ChunkID)
		}
	}
	insert()
	return out
}

// applyDelete implements spec.md §4.7's Delete semantics: forces nlink to
// zero and disposes of the inode, then records a tombstone so a
// reordered, earlier-emitted op against the same path is ignored rather
// than resurrecting it.
func (a *Applier) applyDelete(op Operation) error {
	p := op.Delete
	ino, err := a.Store.ResolvePath(p.Path)
	if err == nil {
		if uerr := a.Store.UpdateInode(ino, func(i *store.Inode) error {
			i.Nlink = 0
			return nil
		}); uerr != nil {
			return uerr
		}
		deletions, rerr := a.Store.RemoveInode(ino)
		if rerr != nil && rerr != store.ErrInUse && rerr != store.ErrNotEmpty {
			return rerr
		}
		for _, d := range deletions {
			if a.Sweep != nil {
				a.Sweep(d.ChunkID, d.Locator)
			}
		}
	} else if err != store.ErrNotFound {
		return err
	}
	return a.setTombstone(p.Path, p.TombstoneTime)
}

// applyMove implements spec.md §4.7's Move semantics: discarded as a no-op
// if the source doesn't exist (already applied, or tombstoned), otherwise
// resolved against a destination collision using the same tie-break rule
// as Create.
func (a *Applier) applyMove(op Operation) error {
	p := op.Move
	oldParentPath, oldName := store.SplitParent(p.OldPath)
	oldParentIno, err := a.Store.ResolvePath(oldParentPath)
	if err != nil {
		return nil
	}
	if _, err := a.Store.Lookup(oldParentIno, oldName); err != nil {
		return nil
	}

	newParentPath, newName := store.SplitParent(p.NewPath)
	newParentIno, err := a.Store.ResolvePath(newParentPath)
	if err != nil {
		return nil
	}

	if destIno, err := a.Store.Lookup(newParentIno, newName); err == nil {
		dest, err := a.Store.GetInode(destIno)
		if err != nil {
			return err
		}
		if dest.CreatedByOp != "" && dest.CreatedByOp < op.OpID.String() {
			newName = fmt.Sprintf("%s.conflict-%s", newName, op.OpID.String())
			a.logger.ConflictDetected(destIno, string(config.LastWriteWins), "move: kept existing destination")
			a.metrics.RecordConflict("move")
			a.conflictCount++
		} else {
			conflictName := fmt.Sprintf("%s.conflict-%s", newName, dest.CreatedByOp)
			if _, err := a.Store.Rename(newParentIno, newName, newParentIno, conflictName); err != nil {
				return err
			}
			a.logger.ConflictDetected(destIno, string(config.LastWriteWins), "move: evicted destination for incoming move")
			a.metrics.RecordConflict("move")
			a.conflictCount++
		}
	} else if err != store.ErrNotFound {
		return err
	}

	deletions, err := a.Store.Rename(oldParentIno, oldName, newParentIno, newName)
	if err != nil {
		return err
	}
	for _, d := range deletions {
		if a.Sweep != nil {
			a.Sweep(d.ChunkID, d.Locator)
		}
	}
	return nil
}

// applySetAttr implements spec.md §4.7's SetAttr semantics: ops are
// applied in the sync cycle's already-determined causal/tie-broken order,
// so simply overwriting each present field implements last-write-wins
// without needing a separate per-field clock comparison here.
func (a *Applier) applySetAttr(op Operation) error {
	p := op.SetAttr
	if t, ok := a.tombstoneTime(p.Path); ok && t >= op.EmittedAt {
		return nil
	}
	ino, err := a.Store.ResolvePath(p.Path)
	if err != nil {
		return nil
	}
	return a.Store.UpdateInode(ino, func(i *store.Inode) error {
		if p.Mode != nil {
			i.Mode = *p.Mode
		}
		if p.UID != nil {
			i.UID = *p.UID
		}
		if p.GID != nil {
			i.GID = *p.GID
		}
		if p.Size != nil {
			i.Size = *p.Size
			i.Blocks = (*p.Size + 511) / 512
		}
		return nil
	})
}
