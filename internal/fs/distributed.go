package fs

import (
	"crypto/ed25519"

	"github.com/google/uuid"

	"github.com/dlvargas/tgcryptfs/internal/chunk"
	"github.com/dlvargas/tgcryptfs/internal/observability"
	"github.com/dlvargas/tgcryptfs/internal/oplog"
	"github.com/dlvargas/tgcryptfs/internal/store"
)

// DistHooks turns local filesystem mutations into signed CRDT operations
// enqueued onto the namespace's operation log (spec.md §4.7). An FS with a
// nil Dist is a standalone, non-distributed namespace.
type DistHooks struct {
	MachineID uuid.UUID
	priv      ed25519.PrivateKey
	clockSt   *oplog.ClockState

	store   *store.Store
	log     *oplog.Log
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewDistHooks constructs a DistHooks around a shared ClockState — the same
// one the namespace's sync cycle merges remote clocks into.
func NewDistHooks(machineID uuid.UUID, priv ed25519.PrivateKey, clockSt *oplog.ClockState, st *store.Store, log *oplog.Log, logger *observability.Logger, metrics *observability.Metrics) *DistHooks {
	return &DistHooks{
		MachineID: machineID,
		priv:      priv,
		clockSt:   clockSt,
		store:     st,
		log:       log,
		logger:    logger,
		metrics:   metrics,
	}
}

// emit bumps the shared clock, builds and signs an Operation of kind with
// the given payload setter applied, and enqueues it to the pending log.
func (d *DistHooks) emit(kind oplog.Kind, set func(*oplog.Operation)) {
	snapshot := d.clockSt.Bump()

	op := oplog.NewOperation(d.MachineID, snapshot, kind)
	set(&op)

	so, err := oplog.Sign(d.priv, op)
	if err != nil {
		d.logger.Error(err, "sign operation")
		return
	}
	if err := d.log.Enqueue(so); err != nil {
		d.logger.Error(err, "enqueue operation")
	}
}

// pathOf resolves ino to its absolute path, logging and returning "" on
// failure (a best-effort lookup: the inode the caller just mutated should
// always resolve, but emit hooks never abort the filesystem call itself).
func (d *DistHooks) pathOf(ino uint64) string {
	p, err := d.store.PathOf(ino)
	if err != nil {
		d.logger.Error(err, "resolve path for distributed op")
		return ""
	}
	return p
}

// emitCreate records the creation of a new name in parentIno.
func (d *DistHooks) emitCreate(parentIno uint64, name string, kind store.Kind, mode, uid, gid uint32) {
	parentPath := d.pathOf(parentIno)
	d.emit(oplog.KindCreate, func(op *oplog.Operation) {
		op.Create = &oplog.CreatePayload{
			ParentPath:  parentPath,
			Name:        name,
			InodeKind:   uint8(kind),
			InitialMode: mode,
			InitialUID:  uid,
			InitialGID:  gid,
		}
	})
}

// emitWrite records one signed operation per new chunk reference produced
// by a flush. oldRefs is unused by the payload itself (content identity is
// carried entirely by the new chunk ids) but is accepted so callers don't
// need to special-case the no-op diff.
func (d *DistHooks) emitWrite(ino uint64, refs []chunk.Ref, oldRefs map[[32]byte]struct{}) {
	path := d.pathOf(ino)
	for _, ref := range refs {
		ref := ref
		d.emit(oplog.KindWrite, func(op *oplog.Operation) {
			op.Write = &oplog.WritePayload{
				Path:          path,
				Offset:        ref.PlaintextOffset,
				ChunkID:       ref.ChunkID,
				Length:        ref.PlaintextLength,
				RemoteLocator: ref.RemoteLocator,
				Compressed:    ref.Compressed,
			}
		})
	}
}

// emitDelete records the removal of path, tombstoned at tombstoneTimeNanos
// (spec.md §4.7's delete-vs-write tombstone comparison).
func (d *DistHooks) emitDelete(ino uint64, tombstoneTimeNanos int64) {
	path := d.pathOf(ino)
	d.emit(oplog.KindDelete, func(op *oplog.Operation) {
		op.Delete = &oplog.DeletePayload{Path: path, TombstoneTime: tombstoneTimeNanos}
	})
}

// emitMove records a rename/move from oldParent/oldName to newParent/newName.
// The paths are resolved before the store mutation by the caller, since
// afterward oldPath no longer exists.
func (d *DistHooks) emitMove(oldPath, newPath string) {
	d.emit(oplog.KindMove, func(op *oplog.Operation) {
		op.Move = &oplog.MovePayload{OldPath: oldPath, NewPath: newPath}
	})
}

// emitSetAttr records an attribute change against ino. Only non-nil fields
// were actually changed by the call that triggered this.
func (d *DistHooks) emitSetAttr(ino uint64, mode, uid, gid *uint32, size *int64) {
	path := d.pathOf(ino)
	d.emit(oplog.KindSetAttr, func(op *oplog.Operation) {
		op.SetAttr = &oplog.SetAttrPayload{Path: path, Mode: mode, UID: uid, GID: gid, Size: size}
	})
}
