package store

import (
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/dlvargas/tgcryptfs/internal/chunk"
)

// inodeWire is the on-disk shape of Inode: timestamps are carried as Unix
// nanoseconds rather than relying on the CBOR library's default time.Time
// encoding, so the sealed format stays stable across library versions.
type inodeWire struct {
	Ino       uint64
	ParentIno uint64
	Name      string
	Kind      Kind
	Mode      uint32
	UID       uint32
	GID       uint32
	Size      int64
	Blocks    int64
	AtimeNano int64
	MtimeNano int64
	CtimeNano int64
	CrtimeNano int64
	Nlink     uint32
	Version   uint64

	Manifest      *chunk.Manifest   `cbor:",omitempty"`
	SymlinkTarget string            `cbor:",omitempty"`
	Children      map[uint64]string `cbor:",omitempty"`
	Xattrs        map[string][]byte `cbor:",omitempty"`
	CreatedByOp   string            `cbor:",omitempty"`
	Conflict      bool              `cbor:",omitempty"`
}

func toWire(i *Inode) inodeWire {
	return inodeWire{
		Ino: i.Ino, ParentIno: i.ParentIno, Name: i.Name, Kind: i.Kind,
		Mode: i.Mode, UID: i.UID, GID: i.GID, Size: i.Size, Blocks: i.Blocks,
		AtimeNano: i.Atime.UnixNano(), MtimeNano: i.Mtime.UnixNano(),
		CtimeNano: i.Ctime.UnixNano(), CrtimeNano: i.Crtime.UnixNano(),
		Nlink: i.Nlink, Version: i.Version,
		Manifest: i.Manifest, SymlinkTarget: i.SymlinkTarget,
		Children: i.Children, Xattrs: i.Xattrs,
		CreatedByOp: i.CreatedByOp, Conflict: i.Conflict,
	}
}

func fromWire(w inodeWire) *Inode {
	return &Inode{
		Ino: w.Ino, ParentIno: w.ParentIno, Name: w.Name, Kind: w.Kind,
		Mode: w.Mode, UID: w.UID, GID: w.GID, Size: w.Size, Blocks: w.Blocks,
		Atime: time.Unix(0, w.AtimeNano), Mtime: time.Unix(0, w.MtimeNano),
		Ctime: time.Unix(0, w.CtimeNano), Crtime: time.Unix(0, w.CrtimeNano),
		Nlink: w.Nlink, Version: w.Version,
		Manifest: w.Manifest, SymlinkTarget: w.SymlinkTarget,
		Children: w.Children, Xattrs: w.Xattrs,
		CreatedByOp: w.CreatedByOp, Conflict: w.Conflict,
	}
}

// MarshalCBOR implements cbor.Marshaler, carrying timestamps as Unix
// nanoseconds instead of the library's default time.Time encoding.
func (i *Inode) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(toWire(i))
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (i *Inode) UnmarshalCBOR(data []byte) error {
	var w inodeWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return err
	}
	*i = *fromWire(w)
	return nil
}
