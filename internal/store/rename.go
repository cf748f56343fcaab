package store

import (
	"encoding/binary"
	"time"

	"github.com/boltdb/bolt"
)

func beUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// Rename atomically moves the entry (oldParent, oldName) to
// (newParent, newName), updating both parents' children sets and the
// by_parent_name index in one transaction (spec.md §4.5). If an entry
// already exists at the destination it is unlinked per POSIX semantics
// first: a regular file's chunk refcounts are decremented, a directory
// must be empty. Renaming a directory onto itself or into its own
// subtree is rejected by the caller (the fs layer walks ParentIno chains
// before calling Rename); this method only enforces the destination-entry
// rules a single bolt transaction can see.
func (s *Store) Rename(oldParent uint64, oldName string, newParent uint64, newName string) ([]ChunkDeletion, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var movedIno, replacedIno uint64
	var deletions []ChunkDeletion
	err := s.db.Update(func(tx *bolt.Tx) error {
		movedV := tx.Bucket(bucketByParentName).Get(parentNameKey(oldParent, oldName))
		if movedV == nil {
			return ErrNotFound
		}
		movedIno = beUint64(movedV)

		movedSealed := tx.Bucket(bucketInodes).Get(inoKey(movedIno))
		if movedSealed == nil {
			return ErrNotFound
		}
		moved, err := s.openInode(movedIno, movedSealed)
		if err != nil {
			return err
		}

		if destV := tx.Bucket(bucketByParentName).Get(parentNameKey(newParent, newName)); destV != nil {
			destIno := beUint64(destV)
			replacedIno = destIno
			destSealed := tx.Bucket(bucketInodes).Get(inoKey(destIno))
			if destSealed == nil {
				return ErrNotFound
			}
			dest, err := s.openInode(destIno, destSealed)
			if err != nil {
				return err
			}
			if dest.IsDir() {
				if len(dest.Children) != 0 {
					return ErrNotEmpty
				}
			} else if dest.Manifest != nil {
				for _, ref := range dest.Manifest.Refs {
					locator, zero, err := unrefChunkTx(tx, ref.ChunkID)
					if err != nil && err != ErrChunkNotFound {
						return err
					}
					if zero {
						deletions = append(deletions, ChunkDeletion{ChunkID: ref.ChunkID, Locator: locator})
					}
				}
			}
			if err := tx.Bucket(bucketInodes).Delete(inoKey(destIno)); err != nil {
				return err
			}
			if err := tx.Bucket(bucketByParentName).Delete(parentNameKey(newParent, newName)); err != nil {
				return err
			}
			s.hot.invalidate(destIno)
		}

		if err := tx.Bucket(bucketByParentName).Delete(parentNameKey(oldParent, oldName)); err != nil {
			return err
		}

		oldParentInode, err := s.loadTx(tx, oldParent)
		if err != nil {
			return err
		}
		delete(oldParentInode.Children, movedIno)
		oldParentInode.Mtime = time.Now()
		oldParentInode.Version++
		if err := s.putInodeTx(tx, oldParentInode); err != nil {
			return err
		}

		var newParentInode *Inode
		if newParent == oldParent {
			newParentInode = oldParentInode
		} else {
			newParentInode, err = s.loadTx(tx, newParent)
			if err != nil {
				return err
			}
		}
		if newParentInode.Children == nil {
			newParentInode.Children = make(map[uint64]string)
		}
		if replacedIno != 0 {
			delete(newParentInode.Children, replacedIno)
		}
		newParentInode.Children[movedIno] = newName
		newParentInode.Mtime = time.Now()
		newParentInode.Version++
		if err := s.putInodeTx(tx, newParentInode); err != nil {
			return err
		}

		moved.ParentIno = newParent
		moved.Name = newName
		moved.Ctime = time.Now()
		moved.Version++
		if err := s.putInodeTx(tx, moved); err != nil {
			return err
		}

		s.hot.put(oldParentInode.Ino, oldParentInode)
		s.hot.put(newParentInode.Ino, newParentInode)
		s.hot.put(moved.Ino, moved)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deletions, nil
}

func (s *Store) loadTx(tx *bolt.Tx, ino uint64) (*Inode, error) {
	sealed := tx.Bucket(bucketInodes).Get(inoKey(ino))
	if sealed == nil {
		return nil, ErrNotFound
	}
	return s.openInode(ino, sealed)
}
