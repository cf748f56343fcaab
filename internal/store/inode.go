// Package store implements the per-namespace encrypted metadata index: a
// single boltdb database with one bucket per logical sub-store (inodes,
// by_parent_name, chunks, meta), guarded by boltdb's own reader-writer
// transaction discipline and backed by a bounded in-memory hot set of
// decrypted inodes.
package store

import (
	"time"

	"github.com/dlvargas/tgcryptfs/internal/chunk"
)

// Kind distinguishes the three inode kinds the filesystem supports.
type Kind uint8

const (
	KindRegular Kind = iota
	KindDirectory
	KindSymlink
)

// RootIno is reserved for the root directory of every namespace.
const RootIno uint64 = 1

// Inode holds the POSIX attributes and content references for one
// filesystem object.
type Inode struct {
	Ino       uint64
	ParentIno uint64
	Name      string
	Kind      Kind
	Mode      uint32
	UID       uint32
	GID       uint32
	Size      int64
	Blocks    int64
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
	Crtime    time.Time
	Nlink     uint32
	Version   uint64

	Manifest      *chunk.Manifest   `cbor:",omitempty"`
	SymlinkTarget string            `cbor:",omitempty"`
	Children      map[uint64]string `cbor:",omitempty"` // child ino -> name
	Xattrs        map[string][]byte `cbor:",omitempty"`

	// CreatedByOp records the op_id (string form) of the CRDT Create
	// operation that produced this inode, empty for inodes created through
	// a local (non-distributed) filesystem call. It breaks ties between
	// two concurrent Create operations that raced to the same
	// (parent_ino, name): spec.md §4.7 keeps the lexicographically
	// smallest op_id.
	CreatedByOp string `cbor:",omitempty"`
	// Conflict is set by the "manual" conflict resolution strategy (spec.md
	// §4.7) when a Write op overlaps a concurrent write on this inode;
	// further ops against this inode are held back until an operator
	// clears it.
	Conflict bool `cbor:",omitempty"`
}

// IsDir reports whether the inode is a directory.
func (i *Inode) IsDir() bool { return i.Kind == KindDirectory }

// NewRootInode returns a freshly initialized root directory inode.
func NewRootInode(uid, gid uint32, mode uint32) *Inode {
	now := time.Now()
	return &Inode{
		Ino:       RootIno,
		ParentIno: RootIno,
		Name:      "",
		Kind:      KindDirectory,
		Mode:      mode,
		UID:       uid,
		GID:       gid,
		Nlink:     2,
		Atime:     now,
		Mtime:     now,
		Ctime:     now,
		Crtime:    now,
		Children:  make(map[uint64]string),
		Xattrs:    make(map[string][]byte),
	}
}
