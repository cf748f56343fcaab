package store

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	"github.com/fxamacker/cbor/v2"

	tgcrypto "github.com/dlvargas/tgcryptfs/internal/crypto"
	"github.com/dlvargas/tgcryptfs/internal/fserr"
)

var (
	bucketInodes       = []byte("inodes")
	bucketByParentName = []byte("by_parent_name")
	bucketChunks       = []byte("chunks")
	bucketMeta         = []byte("meta")
)

const metaKeyNextIno = "next_ino"

// DefaultHotCacheSize bounds the in-memory decrypted-inode cache.
const DefaultHotCacheSize = 4096

// Store is the authoritative local encrypted metadata index for one
// namespace: a boltdb database with one bucket per sub-store, a
// purpose-separated metadata key for sealing inode and meta blobs, and a
// bounded hot cache of decrypted inodes.
type Store struct {
	db  *bolt.DB
	key tgcrypto.SubKey

	// writeMu serializes the logical write path above boltdb's own
	// transaction locking so multi-bucket mutations (e.g. insert_inode,
	// which touches inodes, by_parent_name, and the parent's children) are
	// observed atomically by readers going through the hot cache.
	writeMu sync.Mutex

	hot *hotCache
}

// Open opens (creating if absent) the metadata database at path, ensuring
// all four sub-store buckets exist and a root inode is present.
func Open(path string, metadataKey tgcrypto.SubKey) (*Store, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fserr.Wrap(fserr.KindIO, "store.Open", "open database", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketInodes, bucketByParentName, bucketChunks, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fserr.Wrap(fserr.KindIO, "store.Open", "create buckets", err)
	}

	s := &Store{db: db, key: metadataKey, hot: newHotCache(DefaultHotCacheSize)}

	if err := s.ensureRoot(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the store can still service a read transaction,
// for health checking.
func (s *Store) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

func (s *Store) ensureRoot() error {
	_, err := s.GetInode(RootIno)
	if err == nil {
		return nil
	}
	if err != ErrNotFound {
		return err
	}
	root := NewRootInode(0, 0, 0755)
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putInodeTx(tx, root)
	})
}

func inoKey(ino uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, ino)
	return b
}

func parentNameKey(parent uint64, name string) []byte {
	b := make([]byte, 8+len(name))
	binary.BigEndian.PutUint64(b, parent)
	copy(b[8:], name)
	return b
}

func (s *Store) sealInode(inode *Inode) ([]byte, error) {
	plain, err := cbor.Marshal(inode)
	if err != nil {
		return nil, fmt.Errorf("store: marshal inode: %w", err)
	}
	return tgcrypto.Seal(s.key, inoKey(inode.Ino), plain)
}

func (s *Store) openInode(ino uint64, sealed []byte) (*Inode, error) {
	plain, err := tgcrypto.Open(s.key, inoKey(ino), sealed)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindIntegrityFailure, "store.openInode", "authenticate inode", err)
	}
	var inode Inode
	if err := cbor.Unmarshal(plain, &inode); err != nil {
		return nil, fmt.Errorf("store: unmarshal inode: %w", err)
	}
	return &inode, nil
}

func (s *Store) putInodeTx(tx *bolt.Tx, inode *Inode) error {
	sealed, err := s.sealInode(inode)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketInodes).Put(inoKey(inode.Ino), sealed); err != nil {
		return err
	}
	if inode.Ino != RootIno {
		if err := tx.Bucket(bucketByParentName).Put(parentNameKey(inode.ParentIno, inode.Name), inoKey(inode.Ino)); err != nil {
			return err
		}
	}
	return nil
}

// Lookup resolves (parent_ino, name) to a child ino. O(1) index probe; does
// not load the inode body.
func (s *Store) Lookup(parent uint64, name string) (uint64, error) {
	var ino uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketByParentName).Get(parentNameKey(parent, name))
		if v == nil {
			return ErrNotFound
		}
		ino = binary.BigEndian.Uint64(v)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return ino, nil
}

// GetInode decrypts and returns the inode for ino, consulting the hot cache
// first.
func (s *Store) GetInode(ino uint64) (*Inode, error) {
	if cached, ok := s.hot.get(ino); ok {
		return cached, nil
	}

	var sealed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketInodes).Get(inoKey(ino))
		if v == nil {
			return ErrNotFound
		}
		sealed = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	inode, err := s.openInode(ino, sealed)
	if err != nil {
		return nil, err
	}
	s.hot.put(ino, inode)
	return inode, nil
}

// allocateIno returns the next unused inode number and persists the
// counter, must be called with writeMu held and inside tx.
func (s *Store) allocateIno(tx *bolt.Tx) (uint64, error) {
	meta := tx.Bucket(bucketMeta)
	v := meta.Get([]byte(metaKeyNextIno))
	var next uint64 = RootIno + 1
	if v != nil {
		plain, err := tgcrypto.Open(s.key, []byte(metaKeyNextIno), v)
		if err != nil {
			return 0, fserr.Wrap(fserr.KindIntegrityFailure, "store.allocateIno", "authenticate counter", err)
		}
		next = binary.BigEndian.Uint64(plain)
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next+1)
	sealed, err := tgcrypto.Seal(s.key, []byte(metaKeyNextIno), buf)
	if err != nil {
		return 0, err
	}
	if err := meta.Put([]byte(metaKeyNextIno), sealed); err != nil {
		return 0, err
	}
	return next, nil
}

// InsertInode allocates a fresh ino for attrs, inserts the inode, the
// (parent, name) index entry, and updates the parent's children set, all
// under one exclusive transaction.
func (s *Store) InsertInode(attrs *Inode) (uint64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if attrs.ParentIno != 0 {
		if _, err := s.Lookup(attrs.ParentIno, attrs.Name); err == nil {
			return 0, ErrNameExists
		} else if err != ErrNotFound {
			return 0, err
		}
	}

	var ino uint64
	var parent *Inode
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		ino, err = s.allocateIno(tx)
		if err != nil {
			return err
		}
		attrs.Ino = ino

		if attrs.ParentIno != 0 {
			sealed := tx.Bucket(bucketInodes).Get(inoKey(attrs.ParentIno))
			if sealed == nil {
				return ErrNotFound
			}
			parent, err = s.openInode(attrs.ParentIno, sealed)
			if err != nil {
				return err
			}
			if parent.Children == nil {
				parent.Children = make(map[uint64]string)
			}
			parent.Children[ino] = attrs.Name
			parent.Mtime = time.Now()
			parent.Version++
			if err := s.putInodeTx(tx, parent); err != nil {
				return err
			}
		}

		return s.putInodeTx(tx, attrs)
	})
	if err != nil {
		return 0, err
	}

	s.hot.put(ino, attrs)
	if parent != nil {
		s.hot.put(parent.Ino, parent)
	}
	return ino, nil
}

// UpdateInode performs a read-modify-write of ino under the exclusive lock.
// mutator may mutate the inode in place; returning an error aborts the
// write and leaves the stored inode unchanged.
func (s *Store) UpdateInode(ino uint64, mutator func(*Inode) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var updated *Inode
	err := s.db.Update(func(tx *bolt.Tx) error {
		sealed := tx.Bucket(bucketInodes).Get(inoKey(ino))
		if sealed == nil {
			return ErrNotFound
		}
		inode, err := s.openInode(ino, sealed)
		if err != nil {
			return err
		}
		oldName, oldParent := inode.Name, inode.ParentIno

		if err := mutator(inode); err != nil {
			return err
		}
		inode.Version++
		inode.Ctime = time.Now()

		if inode.Ino != RootIno && (inode.Name != oldName || inode.ParentIno != oldParent) {
			if err := tx.Bucket(bucketByParentName).Delete(parentNameKey(oldParent, oldName)); err != nil {
				return err
			}
		}
		if err := s.putInodeTx(tx, inode); err != nil {
			return err
		}
		updated = inode
		return nil
	})
	if err != nil {
		return err
	}
	s.hot.put(ino, updated)
	return nil
}

// ChunkDeletion is a chunk whose refcount reached zero as a side effect of
// removing an inode, paired with the locator it had at that moment so the
// caller can ask the backend to delete the remote object.
type ChunkDeletion struct {
	ChunkID [32]byte
	Locator string
}

// RemoveInode deletes ino from all sub-stores after verifying nlink is zero,
// decrementing the refcount of every chunk referenced by its manifest and
// reporting any that dropped to zero as a result. Callers must ensure no
// handle is open against ino before calling this; the store itself tracks
// no handle table.
func (s *Store) RemoveInode(ino uint64) ([]ChunkDeletion, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var parent *Inode
	var deletions []ChunkDeletion
	err := s.db.Update(func(tx *bolt.Tx) error {
		sealed := tx.Bucket(bucketInodes).Get(inoKey(ino))
		if sealed == nil {
			return ErrNotFound
		}
		inode, err := s.openInode(ino, sealed)
		if err != nil {
			return err
		}
		if inode.Nlink != 0 {
			return ErrInUse
		}
		if inode.IsDir() && len(inode.Children) != 0 {
			return ErrNotEmpty
		}

		if inode.Manifest != nil {
			for _, ref := range inode.Manifest.Refs {
				locator, zero, err := unrefChunkTx(tx, ref.ChunkID)
				if err != nil && err != ErrChunkNotFound {
					return err
				}
				if zero {
					deletions = append(deletions, ChunkDeletion{ChunkID: ref.ChunkID, Locator: locator})
				}
			}
		}

		if err := tx.Bucket(bucketInodes).Delete(inoKey(ino)); err != nil {
			return err
		}
		if inode.Ino != RootIno {
			if err := tx.Bucket(bucketByParentName).Delete(parentNameKey(inode.ParentIno, inode.Name)); err != nil {
				return err
			}

			parentSealed := tx.Bucket(bucketInodes).Get(inoKey(inode.ParentIno))
			if parentSealed != nil {
				parent, err = s.openInode(inode.ParentIno, parentSealed)
				if err != nil {
					return err
				}
				delete(parent.Children, inode.Ino)
				parent.Mtime = time.Now()
				parent.Version++
				if err := s.putInodeTx(tx, parent); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.hot.invalidate(ino)
	if parent != nil {
		s.hot.put(parent.Ino, parent)
	}
	return deletions, nil
}

// chunkIndexEntry is the chunks sub-store's value shape: remote locator,
// refcount, and whether the stored representation is LZ4-compressed (so a
// reused chunk's ChunkRef can carry the right Compressed flag without
// re-deriving it from the plaintext).
type chunkIndexEntry struct {
	Locator    string
	Refcount   uint64
	Compressed bool
}

// RefChunk atomically increments chunk_id's refcount, creating the entry
// with the given locator and compression flag if it doesn't already
// exist. An existing entry's locator/compressed flag are left untouched —
// spec.md §4.5's dedup path only increments refcount on reuse.
func (s *Store) RefChunk(chunkID [32]byte, locator string, compressed bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketChunks)
		key := chunkID[:]
		entry := chunkIndexEntry{Locator: locator, Refcount: 1, Compressed: compressed}
		if v := bucket.Get(key); v != nil {
			if err := cbor.Unmarshal(v, &entry); err != nil {
				return err
			}
			entry.Refcount++
		}
		encoded, err := cbor.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put(key, encoded)
	})
}

// ChunkEntry returns chunk_id's current locator and compressed flag without
// mutating its refcount — used by the write-flush path to detect an
// existing chunk before deciding whether sealing/uploading is needed.
func (s *Store) ChunkEntry(chunkID [32]byte) (locator string, compressed bool, err error) {
	var entry chunkIndexEntry
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketChunks).Get(chunkID[:])
		if v == nil {
			return ErrChunkNotFound
		}
		return cbor.Unmarshal(v, &entry)
	})
	if err != nil {
		return "", false, err
	}
	return entry.Locator, entry.Compressed, nil
}

// UnrefChunk atomically decrements chunk_id's refcount. When the refcount
// reaches zero the entry is deleted and zero is true, with locator set so
// the caller can ask the backend to delete the remote object.
func (s *Store) UnrefChunk(chunkID [32]byte) (locator string, zero bool, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = s.db.Update(func(tx *bolt.Tx) error {
		var uerr error
		locator, zero, uerr = unrefChunkTx(tx, chunkID)
		return uerr
	})
	return locator, zero, err
}

// unrefChunkTx is UnrefChunk's body without the writeMu acquisition, for
// callers that are already running inside a db.Update closure under
// writeMu (RemoveInode, Rename) — sync.Mutex isn't reentrant, so those
// callers must decrement refcounts against the tx they already hold
// rather than calling the locking UnrefChunk from within themselves.
func unrefChunkTx(tx *bolt.Tx, chunkID [32]byte) (locator string, zero bool, err error) {
	bucket := tx.Bucket(bucketChunks)
	key := chunkID[:]
	v := bucket.Get(key)
	if v == nil {
		return "", false, ErrChunkNotFound
	}
	var entry chunkIndexEntry
	if err := cbor.Unmarshal(v, &entry); err != nil {
		return "", false, err
	}
	if entry.Refcount == 0 {
		return "", false, fmt.Errorf("store: chunk %x has zero refcount before unref", chunkID)
	}
	entry.Refcount--
	locator = entry.Locator
	if entry.Refcount == 0 {
		zero = true
		return locator, zero, bucket.Delete(key)
	}
	encoded, err := cbor.Marshal(entry)
	if err != nil {
		return "", false, err
	}
	return locator, zero, bucket.Put(key, encoded)
}

// ChunkRefcount returns the current refcount for chunk_id, for diagnostics
// and tests.
func (s *Store) ChunkRefcount(chunkID [32]byte) (uint64, error) {
	var entry chunkIndexEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketChunks).Get(chunkID[:])
		if v == nil {
			return ErrChunkNotFound
		}
		return cbor.Unmarshal(v, &entry)
	})
	if err != nil {
		return 0, err
	}
	return entry.Refcount, nil
}

// PutMeta seals and stores an arbitrary key/value pair in the meta
// sub-store (free-ino counter, root bootstrap markers, and similar).
func (s *Store) PutMeta(key string, value []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	sealed, err := tgcrypto.Seal(s.key, []byte(key), value)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), sealed)
	})
}

// GetMeta opens and returns the value stored under key.
func (s *Store) GetMeta(key string) ([]byte, error) {
	var sealed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		sealed = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	plain, err := tgcrypto.Open(s.key, []byte(key), sealed)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindIntegrityFailure, "store.GetMeta", "authenticate meta entry", err)
	}
	return plain, nil
}
