package store

import (
	"path/filepath"
	"testing"

	"github.com/dlvargas/tgcryptfs/internal/chunk"
	tgcrypto "github.com/dlvargas/tgcryptfs/internal/crypto"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	var key tgcrypto.SubKey
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	path := filepath.Join(t.TempDir(), "meta.db")
	s, err := Open(path, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesRootInode(t *testing.T) {
	s := newTestStore(t)
	root, err := s.GetInode(RootIno)
	if err != nil {
		t.Fatalf("GetInode(root): %v", err)
	}
	if !root.IsDir() {
		t.Fatal("expected root to be a directory")
	}
}

func TestInsertLookupGetInode(t *testing.T) {
	s := newTestStore(t)

	ino, err := s.InsertInode(&Inode{ParentIno: RootIno, Name: "foo.txt", Kind: KindRegular, Mode: 0644, Nlink: 1})
	if err != nil {
		t.Fatalf("InsertInode: %v", err)
	}

	got, err := s.Lookup(RootIno, "foo.txt")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != ino {
		t.Fatalf("expected lookup to resolve to %d, got %d", ino, got)
	}

	inode, err := s.GetInode(ino)
	if err != nil {
		t.Fatalf("GetInode: %v", err)
	}
	if inode.Name != "foo.txt" || inode.Mode != 0644 {
		t.Fatalf("unexpected inode: %+v", inode)
	}

	root, err := s.GetInode(RootIno)
	if err != nil {
		t.Fatalf("GetInode(root): %v", err)
	}
	if root.Children[ino] != "foo.txt" {
		t.Fatalf("expected root children to include %d, got %+v", ino, root.Children)
	}
}

func TestInsertInodeDuplicateNameFails(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.InsertInode(&Inode{ParentIno: RootIno, Name: "dup", Kind: KindRegular, Nlink: 1}); err != nil {
		t.Fatalf("InsertInode: %v", err)
	}
	if _, err := s.InsertInode(&Inode{ParentIno: RootIno, Name: "dup", Kind: KindRegular, Nlink: 1}); err != ErrNameExists {
		t.Fatalf("expected ErrNameExists, got %v", err)
	}
}

func TestUpdateInodeReadModifyWrite(t *testing.T) {
	s := newTestStore(t)
	ino, err := s.InsertInode(&Inode{ParentIno: RootIno, Name: "file", Kind: KindRegular, Nlink: 1})
	if err != nil {
		t.Fatalf("InsertInode: %v", err)
	}

	err = s.UpdateInode(ino, func(inode *Inode) error {
		inode.Size = 1024
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateInode: %v", err)
	}

	got, err := s.GetInode(ino)
	if err != nil {
		t.Fatalf("GetInode: %v", err)
	}
	if got.Size != 1024 {
		t.Fatalf("expected size 1024, got %d", got.Size)
	}
	if got.Version != 1 {
		t.Fatalf("expected version bumped to 1, got %d", got.Version)
	}
}

func TestUpdateInodeRename(t *testing.T) {
	s := newTestStore(t)
	ino, err := s.InsertInode(&Inode{ParentIno: RootIno, Name: "old", Kind: KindRegular, Nlink: 1})
	if err != nil {
		t.Fatalf("InsertInode: %v", err)
	}

	if err := s.UpdateInode(ino, func(inode *Inode) error {
		inode.Name = "new"
		return nil
	}); err != nil {
		t.Fatalf("UpdateInode: %v", err)
	}

	if _, err := s.Lookup(RootIno, "old"); err != ErrNotFound {
		t.Fatalf("expected old name to be gone, got %v", err)
	}
	got, err := s.Lookup(RootIno, "new")
	if err != nil || got != ino {
		t.Fatalf("expected new name to resolve to %d, got %d, err %v", ino, got, err)
	}
}

func TestRemoveInodeRequiresZeroNlink(t *testing.T) {
	s := newTestStore(t)
	ino, err := s.InsertInode(&Inode{ParentIno: RootIno, Name: "file", Kind: KindRegular, Nlink: 1})
	if err != nil {
		t.Fatalf("InsertInode: %v", err)
	}
	if _, err := s.RemoveInode(ino); err != ErrInUse {
		t.Fatalf("expected ErrInUse, got %v", err)
	}

	if err := s.UpdateInode(ino, func(inode *Inode) error {
		inode.Nlink = 0
		return nil
	}); err != nil {
		t.Fatalf("UpdateInode: %v", err)
	}
	if _, err := s.RemoveInode(ino); err != nil {
		t.Fatalf("RemoveInode: %v", err)
	}
	if _, err := s.GetInode(ino); err != ErrNotFound {
		t.Fatalf("expected inode to be gone, got %v", err)
	}
}

func TestRemoveInodeDecrementsChunkRefcounts(t *testing.T) {
	s := newTestStore(t)
	var chunkID [32]byte
	copy(chunkID[:], []byte("chunk-one"))

	if err := s.RefChunk(chunkID, "locator-1", false); err != nil {
		t.Fatalf("RefChunk: %v", err)
	}

	ino, err := s.InsertInode(&Inode{
		ParentIno: RootIno, Name: "file", Kind: KindRegular, Nlink: 0,
	})
	if err != nil {
		t.Fatalf("InsertInode: %v", err)
	}
	if err := s.UpdateInode(ino, func(inode *Inode) error {
		inode.Manifest = &chunk.Manifest{Refs: []chunk.Ref{
			{ChunkID: chunkID, PlaintextOffset: 0, PlaintextLength: 10},
		}}
		return nil
	}); err != nil {
		t.Fatalf("UpdateInode: %v", err)
	}

	deletions, err := s.RemoveInode(ino)
	if err != nil {
		t.Fatalf("RemoveInode: %v", err)
	}
	if len(deletions) != 1 || deletions[0].ChunkID != chunkID || deletions[0].Locator != "locator-1" {
		t.Fatalf("expected one zeroed chunk deletion for locator-1, got %+v", deletions)
	}
	if _, err := s.ChunkRefcount(chunkID); err != ErrChunkNotFound {
		t.Fatalf("expected chunk refcount to reach zero and be removed, got err %v", err)
	}
}

func TestRefUnrefChunk(t *testing.T) {
	s := newTestStore(t)
	var chunkID [32]byte
	copy(chunkID[:], []byte("chunk-two"))

	if err := s.RefChunk(chunkID, "locator", false); err != nil {
		t.Fatalf("RefChunk: %v", err)
	}
	if err := s.RefChunk(chunkID, "locator", false); err != nil {
		t.Fatalf("RefChunk: %v", err)
	}
	count, err := s.ChunkRefcount(chunkID)
	if err != nil {
		t.Fatalf("ChunkRefcount: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected refcount 2, got %d", count)
	}

	locator, zero, err := s.UnrefChunk(chunkID)
	if err != nil {
		t.Fatalf("UnrefChunk: %v", err)
	}
	if zero || locator != "locator" {
		t.Fatalf("expected non-zero refcount after first unref, got zero=%v locator=%q", zero, locator)
	}

	locator, zero, err = s.UnrefChunk(chunkID)
	if err != nil {
		t.Fatalf("UnrefChunk: %v", err)
	}
	if !zero || locator != "locator" {
		t.Fatalf("expected zero refcount and locator returned on final unref, got zero=%v locator=%q", zero, locator)
	}

	if _, err := s.ChunkRefcount(chunkID); err != ErrChunkNotFound {
		t.Fatalf("expected chunk entry removed, got %v", err)
	}
}

func TestMetaRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if err := s.PutMeta("free_ino_counter", []byte("42")); err != nil {
		t.Fatalf("PutMeta: %v", err)
	}
	got, err := s.GetMeta("free_ino_counter")
	if err != nil {
		t.Fatalf("GetMeta: %v", err)
	}
	if string(got) != "42" {
		t.Fatalf("unexpected meta value: %q", got)
	}
}

func TestHotCacheInvalidatedOnWrite(t *testing.T) {
	s := newTestStore(t)
	ino, err := s.InsertInode(&Inode{ParentIno: RootIno, Name: "cached", Kind: KindRegular, Nlink: 1})
	if err != nil {
		t.Fatalf("InsertInode: %v", err)
	}

	if _, err := s.GetInode(ino); err != nil {
		t.Fatalf("GetInode: %v", err)
	}

	if err := s.UpdateInode(ino, func(inode *Inode) error {
		inode.Size = 99
		return nil
	}); err != nil {
		t.Fatalf("UpdateInode: %v", err)
	}

	got, err := s.GetInode(ino)
	if err != nil {
		t.Fatalf("GetInode: %v", err)
	}
	if got.Size != 99 {
		t.Fatalf("expected hot cache to reflect update, got size %d", got.Size)
	}
}
