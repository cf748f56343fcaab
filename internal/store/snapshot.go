package store

import (
	"github.com/boltdb/bolt"
	"github.com/fxamacker/cbor/v2"
)

// AllInodes decrypts and returns every inode in the store, keyed by ino —
// the view a local snapshot (spec.md §4.8) or a master-replica full-table
// snapshot (spec.md §4.7) freezes.
func (s *Store) AllInodes() (map[uint64]*Inode, error) {
	out := make(map[uint64]*Inode)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInodes).ForEach(func(k, v []byte) error {
			ino := beUint64(k)
			inode, err := s.openInode(ino, v)
			if err != nil {
				return err
			}
			out[ino] = inode
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReplaceAll atomically replaces the live inode table and by_parent_name
// index with inodes, then recomputes every chunk's refcount from the new
// manifests (spec.md §4.8's restore_snapshot contract). Chunk index
// entries whose recomputed refcount is zero are removed and returned so
// the caller can schedule their remote deletion; entries for chunk ids
// referenced by the new state but absent from the existing chunk index
// (a manifest pointing at content this store never uploaded) are reported
// via missingLocators rather than silently fabricated.
func (s *Store) ReplaceAll(inodes map[uint64]*Inode) (zeroed []string, missingLocators [][32]byte, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	counts := make(map[[32]byte]uint64)
	for _, inode := range inodes {
		if inode.Manifest == nil {
			continue
		}
		for _, ref := range inode.Manifest.Refs {
			counts[ref.ChunkID]++
		}
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketInodes, bucketByParentName} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}

		inodesBucket := tx.Bucket(bucketInodes)
		byParentName := tx.Bucket(bucketByParentName)
		for ino, inode := range inodes {
			sealed, sealErr := s.sealInode(inode)
			if sealErr != nil {
				return sealErr
			}
			if err := inodesBucket.Put(inoKey(ino), sealed); err != nil {
				return err
			}
			if ino != RootIno {
				if err := byParentName.Put(parentNameKey(inode.ParentIno, inode.Name), inoKey(ino)); err != nil {
					return err
				}
			}
		}

		chunks := tx.Bucket(bucketChunks)
		existing := make(map[[32]byte]chunkIndexEntry)
		if err := chunks.ForEach(func(k, v []byte) error {
			var id [32]byte
			copy(id[:], k)
			var entry chunkIndexEntry
			if err := cbor.Unmarshal(v, &entry); err != nil {
				return err
			}
			existing[id] = entry
			return nil
		}); err != nil {
			return err
		}

		for id, want := range counts {
			entry, ok := existing[id]
			if !ok {
				missingLocators = append(missingLocators, id)
				continue
			}
			entry.Refcount = want
			encoded, err := cbor.Marshal(entry)
			if err != nil {
				return err
			}
			if err := chunks.Put(id[:], encoded); err != nil {
				return err
			}
		}
		for id, entry := range existing {
			if _, live := counts[id]; live {
				continue
			}
			zeroed = append(zeroed, entry.Locator)
			if err := chunks.Delete(id[:]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.hot.clear()
	return zeroed, missingLocators, nil
}
