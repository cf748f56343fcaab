package fs

import (
	"fmt"
	"sort"

	"github.com/dlvargas/tgcryptfs/internal/fserr"
	"github.com/dlvargas/tgcryptfs/internal/store"
)

// Attr is the subset of POSIX attributes GetAttr/SetAttr exchange with the
// caller. It mirrors store.Inode's fields rather than aliasing the type
// directly, so a kernel-interface adapter never has to reach into the
// metadata store's package.
type Attr struct {
	Ino    uint64
	Kind   store.Kind
	Mode   uint32
	UID    uint32
	GID    uint32
	Size   int64
	Nlink  uint32
	Atime  int64
	Mtime  int64
	Ctime  int64
	Crtime int64
}

func attrOf(inode *store.Inode) Attr {
	return Attr{
		Ino: inode.Ino, Kind: inode.Kind, Mode: inode.Mode,
		UID: inode.UID, GID: inode.GID, Size: inode.Size, Nlink: inode.Nlink,
		Atime: inode.Atime.UnixNano(), Mtime: inode.Mtime.UnixNano(),
		Ctime: inode.Ctime.UnixNano(), Crtime: inode.Crtime.UnixNano(),
	}
}

// Lookup resolves a (parent, name) pair to a child ino.
func (f *FS) Lookup(parent uint64, name string) (uint64, error) {
	ino, err := f.Store.Lookup(parent, name)
	if err != nil {
		return 0, translateStoreErr(err)
	}
	return ino, nil
}

// GetAttr returns ino's current attributes.
func (f *FS) GetAttr(ino uint64) (Attr, error) {
	inode, err := f.Store.GetInode(ino)
	if err != nil {
		return Attr{}, translateStoreErr(err)
	}
	return attrOf(inode), nil
}

// SetAttrRequest carries the subset of attributes the caller wants changed;
// a nil field is left untouched.
type SetAttrRequest struct {
	Mode *uint32
	UID  *uint32
	GID  *uint32
	Size *int64
}

// SetAttr applies req to ino. A Size change that shrinks the file drops the
// manifest refs past the new size and unrefs their chunks; a Size change
// that grows the file is a sparse extension materialized at the next write
// or read (spec.md §4.5, §9: reads past EOF within the new size return
// zeros via the normal read path's bounds check).
func (f *FS) SetAttr(ino uint64, req SetAttrRequest) (Attr, error) {
	if f.readOnly {
		return Attr{}, fserr.New(fserr.KindReadOnly, "fs.SetAttr", "namespace is read-only")
	}
	release := f.inodeLock.acquire(ino)
	defer release()

	var droppedIDs [][32]byte
	var result Attr
	err := f.Store.UpdateInode(ino, func(inode *store.Inode) error {
		if req.Mode != nil {
			inode.Mode = *req.Mode
		}
		if req.UID != nil {
			inode.UID = *req.UID
		}
		if req.GID != nil {
			inode.GID = *req.GID
		}
		if req.Size != nil && *req.Size != inode.Size {
			if *req.Size < inode.Size && inode.Manifest != nil {
				kept := inode.Manifest.Refs[:0]
				for _, ref := range inode.Manifest.Refs {
					if ref.PlaintextOffset >= *req.Size {
						droppedIDs = append(droppedIDs, ref.ChunkID)
						continue
					}
					if refEnd := ref.PlaintextOffset + ref.PlaintextLength; refEnd > *req.Size {
						ref.PlaintextLength = *req.Size - ref.PlaintextOffset
					}
					kept = append(kept, ref)
				}
				inode.Manifest.Refs = kept
			}
			inode.Size = *req.Size
			inode.Blocks = (*req.Size + 511) / 512
		}
		inode.Mtime = now()
		result = attrOf(inode)
		return nil
	})
	if err != nil {
		return Attr{}, translateStoreErr(err)
	}

	for _, id := range droppedIDs {
		locator, zero, uerr := f.Store.UnrefChunk(id)
		if uerr != nil && uerr != store.ErrChunkNotFound {
			continue
		}
		if zero {
			f.enqueueSweep(id, locator)
		}
	}

	if f.Dist != nil {
		f.Dist.emitSetAttr(ino, req.Mode, req.UID, req.GID, req.Size)
	}
	return result, nil
}

// Mkdir creates a new directory named name under parent.
func (f *FS) Mkdir(parent uint64, name string, mode, uid, gid uint32) (uint64, error) {
	if f.readOnly {
		return 0, fserr.New(fserr.KindReadOnly, "fs.Mkdir", "namespace is read-only")
	}
	ino, err := f.Store.InsertInode(&store.Inode{
		ParentIno: parent, Name: name, Kind: store.KindDirectory,
		Mode: mode, UID: uid, GID: gid, Nlink: 2,
		Children: make(map[uint64]string),
	})
	if err != nil {
		return 0, translateStoreErr(err)
	}
	if f.Dist != nil {
		f.Dist.emitCreate(parent, name, store.KindDirectory, mode, uid, gid)
	}
	return ino, nil
}

// Create creates a new, empty regular file named name under parent and
// returns both its ino and a handle already open against it.
func (f *FS) Create(parent uint64, name string, mode, uid, gid uint32, flags int) (uint64, *Handle, error) {
	if f.readOnly {
		return 0, nil, fserr.New(fserr.KindReadOnly, "fs.Create", "namespace is read-only")
	}
	ino, err := f.Store.InsertInode(&store.Inode{
		ParentIno: parent, Name: name, Kind: store.KindRegular,
		Mode: mode, UID: uid, GID: gid, Nlink: 1,
	})
	if err != nil {
		return 0, nil, translateStoreErr(err)
	}
	if f.Dist != nil {
		f.Dist.emitCreate(parent, name, store.KindRegular, mode, uid, gid)
	}
	return ino, f.handles.create(ino, flags), nil
}

// Symlink creates a symlink named name under parent pointing at target.
func (f *FS) Symlink(parent uint64, name, target string, uid, gid uint32) (uint64, error) {
	if f.readOnly {
		return 0, fserr.New(fserr.KindReadOnly, "fs.Symlink", "namespace is read-only")
	}
	ino, err := f.Store.InsertInode(&store.Inode{
		ParentIno: parent, Name: name, Kind: store.KindSymlink,
		Mode: 0o777, UID: uid, GID: gid, Nlink: 1,
		SymlinkTarget: target,
	})
	if err != nil {
		return 0, translateStoreErr(err)
	}
	if f.Dist != nil {
		f.Dist.emitCreate(parent, name, store.KindSymlink, 0o777, uid, gid)
	}
	return ino, nil
}

// Readlink returns a symlink's target.
func (f *FS) Readlink(ino uint64) (string, error) {
	inode, err := f.Store.GetInode(ino)
	if err != nil {
		return "", translateStoreErr(err)
	}
	if inode.Kind != store.KindSymlink {
		return "", fserr.New(fserr.KindInvalidArgument, "fs.Readlink", "not a symlink")
	}
	return inode.SymlinkTarget, nil
}

// DirEntry is one entry returned by ReadDir.
type DirEntry struct {
	Ino  uint64
	Name string
	Kind store.Kind
}

// ReadDir lists dir's children plus the synthetic "." and ".." entries
// (spec.md §4.5).
func (f *FS) ReadDir(dir uint64) ([]DirEntry, error) {
	inode, err := f.Store.GetInode(dir)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	if !inode.IsDir() {
		return nil, fserr.New(fserr.KindNotADirectory, "fs.ReadDir", "not a directory")
	}

	entries := make([]DirEntry, 0, len(inode.Children)+2)
	entries = append(entries, DirEntry{Ino: dir, Name: ".", Kind: store.KindDirectory})
	entries = append(entries, DirEntry{Ino: inode.ParentIno, Name: "..", Kind: store.KindDirectory})

	type child struct {
		ino  uint64
		name string
	}
	children := make([]child, 0, len(inode.Children))
	for ino, name := range inode.Children {
		children = append(children, child{ino, name})
	}
	sort.Slice(children, func(i, j int) bool { return children[i].name < children[j].name })

	for _, c := range children {
		childInode, err := f.Store.GetInode(c.ino)
		if err != nil {
			return nil, translateStoreErr(err)
		}
		entries = append(entries, DirEntry{Ino: c.ino, Name: c.name, Kind: childInode.Kind})
	}
	return entries, nil
}

// Unlink removes name from parent, disposing of the inode once its nlink
// reaches zero and no handle remains open against it (spec.md §4.3, §4.5).
func (f *FS) Unlink(parent uint64, name string) error {
	if f.readOnly {
		return fserr.New(fserr.KindReadOnly, "fs.Unlink", "namespace is read-only")
	}
	ino, err := f.Store.Lookup(parent, name)
	if err != nil {
		return translateStoreErr(err)
	}
	return f.unlinkIno(ino, false)
}

// Rmdir removes the empty directory named name from parent.
func (f *FS) Rmdir(parent uint64, name string) error {
	if f.readOnly {
		return fserr.New(fserr.KindReadOnly, "fs.Rmdir", "namespace is read-only")
	}
	ino, err := f.Store.Lookup(parent, name)
	if err != nil {
		return translateStoreErr(err)
	}
	return f.unlinkIno(ino, true)
}

func (f *FS) unlinkIno(ino uint64, wantDir bool) error {
	release := f.inodeLock.acquire(ino)
	defer release()

	inode, err := f.Store.GetInode(ino)
	if err != nil {
		return translateStoreErr(err)
	}
	if wantDir && !inode.IsDir() {
		return fserr.New(fserr.KindNotADirectory, "fs.Rmdir", "not a directory")
	}
	if !wantDir && inode.IsDir() {
		return fserr.New(fserr.KindIsADirectory, "fs.Unlink", "is a directory")
	}

	var tombstone int64
	err = f.Store.UpdateInode(ino, func(i *store.Inode) error {
		if i.Nlink > 0 {
			i.Nlink--
		}
		tombstone = now().UnixNano()
		return nil
	})
	if err != nil {
		return translateStoreErr(err)
	}

	if f.Dist != nil {
		f.Dist.emitDelete(ino, tombstone)
	}

	if inode.Nlink > 1 || f.handles.openHandleCount(ino) > 0 {
		// Other links or handles keep the inode alive; disposal happens
		// when the last one drops (spec.md §4.3's lifecycle rule).
		return nil
	}

	deletions, err := f.Store.RemoveInode(ino)
	if err != nil {
		if err == store.ErrInUse || err == store.ErrNotEmpty {
			return translateStoreErr(err)
		}
		return translateStoreErr(err)
	}
	for _, d := range deletions {
		f.enqueueSweep(d.ChunkID, d.Locator)
	}
	return nil
}

// Rename moves (oldParent, oldName) to (newParent, newName), rejecting an
// attempt to move a directory into its own subtree before delegating to
// the store's atomic rename (spec.md §4.5).
func (f *FS) Rename(oldParent uint64, oldName string, newParent uint64, newName string) error {
	if f.readOnly {
		return fserr.New(fserr.KindReadOnly, "fs.Rename", "namespace is read-only")
	}
	movedIno, err := f.Store.Lookup(oldParent, oldName)
	if err != nil {
		return translateStoreErr(err)
	}
	movedInode, err := f.Store.GetInode(movedIno)
	if err != nil {
		return translateStoreErr(err)
	}
	if movedInode.IsDir() {
		if err := f.rejectSubtreeMove(movedIno, newParent); err != nil {
			return err
		}
	}

	var oldPath, newPath string
	if f.Dist != nil {
		oldPath, _ = f.Store.PathOf(movedIno)
	}

	deletions, err := f.Store.Rename(oldParent, oldName, newParent, newName)
	if err != nil {
		return translateStoreErr(err)
	}
	for _, d := range deletions {
		f.enqueueSweep(d.ChunkID, d.Locator)
	}

	if f.Dist != nil {
		newPath, _ = f.Store.PathOf(movedIno)
		if oldPath != "" && newPath != "" {
			f.Dist.emitMove(oldPath, newPath)
		}
	}
	return nil
}

// rejectSubtreeMove walks newParent's ancestor chain back to the root,
// failing if it passes through dirIno — renaming a directory into its own
// subtree would disconnect the tree (spec.md §4.5's note that the fs layer,
// not the store, enforces this).
func (f *FS) rejectSubtreeMove(dirIno, newParent uint64) error {
	cur := newParent
	for {
		if cur == dirIno {
			return fserr.New(fserr.KindInvalidArgument, "fs.Rename", "cannot move a directory into its own subtree")
		}
		if cur == store.RootIno {
			return nil
		}
		inode, err := f.Store.GetInode(cur)
		if err != nil {
			return translateStoreErr(err)
		}
		cur = inode.ParentIno
	}
}

// Statfs reports filesystem-wide usage figures for the statfs(2) adapter.
// Block counts are synthetic (this filesystem has no fixed device size);
// FreeBlocks always reports a large headroom since the backend is the real
// capacity constraint, not local disk.
type Statfs struct {
	BlockSize  uint32
	TotalBlocks uint64
	FreeBlocks  uint64
	Files       uint64
}

func (f *FS) Statfs() Statfs {
	return Statfs{
		BlockSize:   4096,
		TotalBlocks: 1 << 40,
		FreeBlocks:  1 << 39,
		Files:       1 << 32,
	}
}

const maxXattrSize = 64 * 1024

// XattrGet returns the value stored for name against ino.
func (f *FS) XattrGet(ino uint64, name string) ([]byte, error) {
	inode, err := f.Store.GetInode(ino)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	v, ok := inode.Xattrs[name]
	if !ok {
		return nil, fserr.New(fserr.KindNotFound, "fs.XattrGet", "no such attribute")
	}
	return v, nil
}

// XattrSet stores value under name against ino, bumping ctime
// (spec.md §4.5's "modification bumps ctime").
func (f *FS) XattrSet(ino uint64, name string, value []byte) error {
	if f.readOnly {
		return fserr.New(fserr.KindReadOnly, "fs.XattrSet", "namespace is read-only")
	}
	if len(value) > maxXattrSize {
		return fserr.New(fserr.KindInvalidArgument, "fs.XattrSet", fmt.Sprintf("attribute value exceeds %d bytes", maxXattrSize))
	}
	return translateStoreErr(f.Store.UpdateInode(ino, func(inode *store.Inode) error {
		if inode.Xattrs == nil {
			inode.Xattrs = make(map[string][]byte)
		}
		inode.Xattrs[name] = append([]byte(nil), value...)
		return nil
	}))
}

// XattrList returns the names of every extended attribute stored on ino.
func (f *FS) XattrList(ino uint64) ([]string, error) {
	inode, err := f.Store.GetInode(ino)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	names := make([]string, 0, len(inode.Xattrs))
	for name := range inode.Xattrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// XattrRemove deletes name from ino's extended attributes.
func (f *FS) XattrRemove(ino uint64, name string) error {
	if f.readOnly {
		return fserr.New(fserr.KindReadOnly, "fs.XattrRemove", "namespace is read-only")
	}
	return translateStoreErr(f.Store.UpdateInode(ino, func(inode *store.Inode) error {
		if _, ok := inode.Xattrs[name]; !ok {
			return fserr.New(fserr.KindNotFound, "fs.XattrRemove", "no such attribute")
		}
		delete(inode.Xattrs, name)
		return nil
	}))
}
