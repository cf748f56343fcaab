// Package oplog implements the CRDT operation log (spec.md §4.7): the
// pending/applied/cursor bookkeeping persisted in SQLite, canonical
// signing, the sync cycle, and conflict resolution for concurrent
// operations on the same inode.
package oplog

import (
	"time"

	"github.com/google/uuid"

	"github.com/dlvargas/tgcryptfs/internal/clock"
)

// Kind tags which of the five mutating filesystem operations an Operation
// carries.
type Kind uint8

const (
	KindCreate Kind = iota
	KindWrite
	KindDelete
	KindMove
	KindSetAttr
)

// CreatePayload backs Kind == KindCreate.
type CreatePayload struct {
	ParentPath   string
	Name         string
	InodeKind    uint8
	InitialMode  uint32
	InitialUID   uint32
	InitialGID   uint32
}

// WritePayload backs Kind == KindWrite. RemoteLocator and Compressed ride
// along so a receiving machine can splice a usable chunk.Ref into its own
// manifest without a separate round trip to discover where the chunk
// landed or how it was sealed.
type WritePayload struct {
	Path          string
	Offset        int64
	ChunkID       [32]byte
	Length        int64
	RemoteLocator string
	Compressed    bool
}

// DeletePayload backs Kind == KindDelete.
type DeletePayload struct {
	Path          string
	TombstoneTime int64 // unix nanoseconds
}

// MovePayload backs Kind == KindMove.
type MovePayload struct {
	OldPath string
	NewPath string
}

// SetAttrPayload backs Kind == KindSetAttr.
type SetAttrPayload struct {
	Path  string
	Mode  *uint32
	UID   *uint32
	GID   *uint32
	Size  *int64
}

// Operation is one CRDT mutation, tagged by Kind, carrying the emitting
// machine's vector clock snapshot and exactly one payload (spec.md §3,
// §4.7).
type Operation struct {
	OpID        uuid.UUID
	MachineID   uuid.UUID
	VectorClock clock.Clock
	Kind        Kind
	EmittedAt   int64 // unix nanoseconds, informational only; ordering uses VectorClock

	Create  *CreatePayload  `cbor:",omitempty"`
	Write   *WritePayload   `cbor:",omitempty"`
	Delete  *DeletePayload  `cbor:",omitempty"`
	Move    *MovePayload    `cbor:",omitempty"`
	SetAttr *SetAttrPayload `cbor:",omitempty"`
}

// NewOperation mints an Operation with a fresh op id and the given clock
// snapshot (the caller bumps the local clock before calling this, per
// spec.md §4.7's "local event: bump local entry").
func NewOperation(machine uuid.UUID, vc clock.Clock, kind Kind) Operation {
	return Operation{
		OpID:        uuid.New(),
		MachineID:   machine,
		VectorClock: vc.Clone(),
		Kind:        kind,
		EmittedAt:   time.Now().UnixNano(),
	}
}
