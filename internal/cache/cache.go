// Package cache implements the disk-backed LRU cache of decrypted,
// decompressed chunks keyed by chunk id (spec.md §4.4): get/put/remove with
// size-bounded eviction, pin-during-read via a refcount, and a background
// prefetch worker pool.
package cache

import (
	"container/list"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	tgcrypto "github.com/dlvargas/tgcryptfs/internal/crypto"
)

// FetchFunc retrieves and decrypts a chunk's plaintext from the backend on
// a cache miss, used by the prefetch worker pool.
type FetchFunc func(ctx context.Context, chunkID [32]byte) ([]byte, error)

type entry struct {
	chunkID [32]byte
	size    int64
}

// Cache is a size-bounded LRU of plaintext chunk bytes, persisted under dir
// as one file per chunk id (named by its hex id, written via a
// write-temp-then-rename so a crash mid-write never leaves a corrupt entry
// visible to Get).
type Cache struct {
	dir     string
	maxSize int64

	mu          sync.Mutex
	currentSize int64
	order       *list.List
	elements    map[[32]byte]*list.Element

	pins sync.Map // [32]byte -> *int32

	prefetchCh      chan [32]byte
	fetch           FetchFunc
	wg              sync.WaitGroup
	closeCh         chan struct{}
	prefetchEnabled bool
	workersStarted  bool
}

// Option configures New.
type Option func(*Cache)

// WithPrefetchWorkers sets how many concurrent prefetch fetches run; the
// spec's prefetch_count default is 8.
func WithPrefetchWorkers(n int) Option {
	return func(c *Cache) { c.startWorkers(n) }
}

// WithPrefetchDisabled turns PrefetchEnqueue into a no-op (spec.md §6's
// cache.prefetch_enabled = false) without tearing down the worker pool
// started by WithPrefetchWorkers/the default — there's simply never
// anything to dequeue.
func WithPrefetchDisabled() Option {
	return func(c *Cache) { c.prefetchEnabled = false }
}

// New creates a cache rooted at dir with the given byte capacity. fetch may
// be nil if the cache is never asked to prefetch. With fetch set and no
// WithPrefetchWorkers option given, New starts DefaultPrefetchWorkers
// workers.
func New(dir string, maxSize int64, fetch FetchFunc, opts ...Option) (*Cache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("cache: create dir: %w", err)
	}
	c := &Cache{
		dir:             dir,
		maxSize:         maxSize,
		order:           list.New(),
		elements:        make(map[[32]byte]*list.Element),
		prefetchCh:      make(chan [32]byte, 256),
		fetch:           fetch,
		closeCh:         make(chan struct{}),
		prefetchEnabled: true,
	}

	for _, opt := range opts {
		opt(c)
	}
	if !c.workersStarted && fetch != nil {
		c.startWorkers(DefaultPrefetchWorkers)
	}
	return c, nil
}

func (c *Cache) path(chunkID [32]byte) string {
	return filepath.Join(c.dir, hex.EncodeToString(chunkID[:]))
}

func (c *Cache) pinCounter(chunkID [32]byte) *int32 {
	v, _ := c.pins.LoadOrStore(chunkID, new(int32))
	return v.(*int32)
}

// Get returns a chunk's cached plaintext, promoting it to most-recently-used
// on a hit. A corrupt on-disk entry (content hash mismatch) is treated as a
// miss and removed.
func (c *Cache) Get(chunkID [32]byte) ([]byte, bool) {
	c.mu.Lock()
	el, ok := c.elements[chunkID]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	c.order.MoveToFront(el)
	c.mu.Unlock()

	pin := c.pinCounter(chunkID)
	atomic.AddInt32(pin, 1)
	defer atomic.AddInt32(pin, -1)

	data, err := os.ReadFile(c.path(chunkID))
	if err != nil {
		c.Remove(chunkID)
		return nil, false
	}
	if tgcrypto.ContentHash(data) != chunkID {
		c.Remove(chunkID)
		return nil, false
	}
	return data, true
}

// Put inserts a chunk's plaintext, evicting least-recently-used entries
// until there is room. If the entry still doesn't fit after evicting every
// unpinned entry, Put silently skips caching — the read that produced data
// still completes, per spec.md §4.4.
func (c *Cache) Put(chunkID [32]byte, data []byte) {
	size := int64(len(data))
	if size > c.maxSize {
		return
	}

	c.mu.Lock()
	if el, ok := c.elements[chunkID]; ok {
		c.order.MoveToFront(el)
		c.mu.Unlock()
		return
	}
	for c.currentSize+size > c.maxSize {
		victim := c.evictOneLocked()
		if victim == nil {
			c.mu.Unlock()
			return
		}
	}
	el := c.order.PushFront(&entry{chunkID: chunkID, size: size})
	c.elements[chunkID] = el
	c.currentSize += size
	c.mu.Unlock()

	tmp := c.path(chunkID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		c.Remove(chunkID)
		return
	}
	if err := os.Rename(tmp, c.path(chunkID)); err != nil {
		os.Remove(tmp)
		c.Remove(chunkID)
	}
}

// evictOneLocked removes the least-recently-used unpinned entry and returns
// it, or nil if every entry is pinned (an active reader holds it).
// Must be called with c.mu held.
func (c *Cache) evictOneLocked() *entry {
	for el := c.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if v, ok := c.pins.Load(e.chunkID); ok && atomic.LoadInt32(v.(*int32)) > 0 {
			continue
		}
		c.order.Remove(el)
		delete(c.elements, e.chunkID)
		c.currentSize -= e.size
		os.Remove(c.path(e.chunkID))
		return e
	}
	return nil
}

// Remove explicitly deletes a chunk, e.g. when its refcount in the
// metadata store reaches zero.
func (c *Cache) Remove(chunkID [32]byte) {
	c.mu.Lock()
	if el, ok := c.elements[chunkID]; ok {
		e := el.Value.(*entry)
		c.order.Remove(el)
		delete(c.elements, chunkID)
		c.currentSize -= e.size
	}
	c.mu.Unlock()
	os.Remove(c.path(chunkID))
}

// Size returns the current total bytes occupied by cache entries.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// Close stops any running prefetch workers.
func (c *Cache) Close() {
	select {
	case <-c.closeCh:
	default:
		close(c.closeCh)
	}
	c.wg.Wait()
}
