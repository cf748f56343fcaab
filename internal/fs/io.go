package fs

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/dlvargas/tgcryptfs/internal/backend"
	"github.com/dlvargas/tgcryptfs/internal/chunk"
	"github.com/dlvargas/tgcryptfs/internal/fserr"
	"github.com/dlvargas/tgcryptfs/internal/store"
)

// Open returns a fresh handle against ino. flags follows the conventional
// O_RDONLY/O_WRONLY/O_RDWR encoding; the core itself does not enforce
// access mode (the kernel-interface adapter does that before calling in).
func (f *FS) Open(ino uint64, flags int) (*Handle, error) {
	if _, err := f.Store.GetInode(ino); err != nil {
		return nil, translateStoreErr(err)
	}
	return f.handles.create(ino, flags), nil
}

// Read assembles [offset, offset+length) from ino's manifest, fetching any
// chunk not already cached and enqueueing the next prefetch window past
// the read (spec.md §4.5's read path).
func (f *FS) Read(ctx context.Context, ino uint64, offset, length int64) ([]byte, error) {
	inode, err := f.Store.GetInode(ino)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	if inode.IsDir() {
		return nil, fserr.New(fserr.KindIsADirectory, "fs.Read", "cannot read a directory")
	}
	if offset >= inode.Size {
		return nil, nil
	}
	if offset+length > inode.Size {
		length = inode.Size - offset
	}

	var refs []chunk.Ref
	if inode.Manifest != nil {
		refs = inode.Manifest.Intersecting(offset, length)
	}
	out := make([]byte, 0, length)
	for _, ref := range refs {
		plain, err := f.fetchChunk(ctx, ref)
		if err != nil {
			return nil, err
		}
		lo := int64(0)
		hi := int64(len(plain))
		if ref.PlaintextLength < hi {
			hi = ref.PlaintextLength
		}
		if ref.PlaintextOffset < offset {
			lo = offset - ref.PlaintextOffset
		}
		refEnd := ref.PlaintextOffset + ref.PlaintextLength
		if refEnd > offset+length {
			hi -= refEnd - (offset + length)
		}
		out = append(out, plain[lo:hi]...)
	}
	if int64(len(out)) < length {
		// Past the manifest's end but within Size (a SetAttr extension):
		// the unwritten tail reads as zeros.
		out = append(out, make([]byte, length-int64(len(out)))...)
	}

	f.enqueuePrefetch(inode, offset+length)
	return out, nil
}

// fetchChunk returns a ChunkRef's plaintext, consulting the cache before
// falling back to a backend fetch + decrypt + decompress.
func (f *FS) fetchChunk(ctx context.Context, ref chunk.Ref) ([]byte, error) {
	if plain, ok := f.Cache.Get(ref.ChunkID); ok {
		f.metrics.RecordCacheLookup(true)
		return plain, nil
	}
	f.metrics.RecordCacheLookup(false)

	blob, err := f.Backend.Get(ctx, ref.RemoteLocator)
	if err != nil {
		return nil, fserr.Wrap(fserr.KindBackendUnavailable, "fs.fetchChunk", "fetch chunk from backend", err)
	}
	key, err := f.chunkKey(ref.ChunkID)
	if err != nil {
		return nil, err
	}
	plain, err := chunk.OpenChunk(key, ref.ChunkID, chunk.Sealed{Blob: blob, Compressed: ref.Compressed})
	if err != nil {
		f.logger.ChunkOpenFailed(hex.EncodeToString(ref.ChunkID[:]), err)
		return nil, fserr.Wrap(fserr.KindIntegrityFailure, "fs.fetchChunk", "open chunk", err)
	}
	f.metrics.RecordChunkDownload(len(blob))
	f.Cache.Put(ref.ChunkID, plain)
	return plain, nil
}

// enqueuePrefetch schedules the chunks covering the prefetchCount window
// past readEnd for background fetch (spec.md §4.5 step 5).
func (f *FS) enqueuePrefetch(inode *store.Inode, readEnd int64) {
	if inode.Manifest == nil {
		return
	}
	const prefetchWindowChunks = 8
	var ids [][32]byte
	for _, ref := range inode.Manifest.Refs {
		if ref.PlaintextOffset < readEnd {
			continue
		}
		ids = append(ids, ref.ChunkID)
		if len(ids) >= prefetchWindowChunks {
			break
		}
	}
	if len(ids) > 0 {
		f.Cache.PrefetchEnqueue(ids)
	}
}

// Write buffers p at offset against handle, marking it dirty. Nothing is
// sealed, uploaded, or committed to the metadata store until Flush runs
// (spec.md §4.5 step 1).
func (f *FS) Write(h *Handle, offset int64, p []byte) (int, error) {
	if f.readOnly {
		return 0, fserr.New(fserr.KindReadOnly, "fs.Write", "namespace is read-only")
	}
	return h.Write(offset, p), nil
}

// Release flushes a dirty handle and removes it from the handle table
// (spec.md §4.5 step 2). A clean handle is simply dropped. When this was
// the last open handle on an inode that Unlink already took to nlink 0,
// the inode is disposed here.
func (f *FS) Release(ctx context.Context, h *Handle) error {
	err := f.Flush(ctx, h)
	f.handles.remove(h.ID)
	if err != nil {
		return err
	}
	if f.handles.openHandleCount(h.Ino) > 0 {
		return nil
	}
	if inode, gerr := f.Store.GetInode(h.Ino); gerr != nil || inode.Nlink != 0 {
		return nil
	}
	deletions, err := f.Store.RemoveInode(h.Ino)
	if err != nil {
		return translateStoreErr(err)
	}
	for _, d := range deletions {
		f.enqueueSweep(d.ChunkID, d.Locator)
	}
	return nil
}

// Flush is the write-path's commit point: it splices the handle's buffered
// writes over the file's existing content, re-chunks the result, dedups
// and uploads new chunks, updates refcounts, and atomically rewrites the
// inode's manifest.
func (f *FS) Flush(ctx context.Context, h *Handle) error {
	h.mu.Lock()
	if !h.dirty {
		h.mu.Unlock()
		return nil
	}
	buf := h.buf
	h.buf = newWriteBuffer()
	h.dirty = false
	h.mu.Unlock()

	release := f.inodeLock.acquire(h.Ino)
	defer release()

	inode, err := f.Store.GetInode(h.Ino)
	if err != nil {
		return translateStoreErr(err)
	}
	if inode.Conflict {
		return fserr.New(fserr.KindConflict, "fs.Flush", "inode has an unresolved CRDT conflict")
	}

	newSize := inode.Size
	if e := buf.maxExtent(); e > newSize {
		newSize = e
	}

	view := make([]byte, newSize)
	if inode.Manifest != nil {
		for _, ref := range inode.Manifest.Refs {
			plain, err := f.fetchChunk(ctx, ref)
			if err != nil {
				return err
			}
			if int64(len(plain)) > ref.PlaintextLength {
				plain = plain[:ref.PlaintextLength]
			}
			copy(view[ref.PlaintextOffset:], plain)
		}
	}
	buf.applyOver(view)

	oldRefs := map[[32]byte]struct{}{}
	if inode.Manifest != nil {
		for _, ref := range inode.Manifest.Refs {
			oldRefs[ref.ChunkID] = struct{}{}
		}
	}

	slices, err := chunk.Split(sliceReader(view), int(f.chunkSize()))
	if err != nil {
		return fmt.Errorf("fs: split written view: %w", err)
	}

	var refs []chunk.Ref
	newRefs := map[[32]byte]struct{}{}
	for _, s := range slices {
		ref, err := f.commitChunk(ctx, s)
		if err != nil {
			return err
		}
		refs = append(refs, ref)
		newRefs[ref.ChunkID] = struct{}{}
	}

	for id := range oldRefs {
		if _, stillLive := newRefs[id]; stillLive {
			continue
		}
		locator, zero, err := f.Store.UnrefChunk(id)
		if err != nil && err != store.ErrChunkNotFound {
			return err
		}
		if zero {
			f.enqueueSweep(id, locator)
		}
	}

	manifest := &chunk.Manifest{Refs: refs}
	err = f.Store.UpdateInode(h.Ino, func(i *store.Inode) error {
		i.Manifest = manifest
		i.Size = newSize
		i.Blocks = (newSize + 511) / 512
		i.Mtime = now()
		return nil
	})
	if err != nil {
		return translateStoreErr(err)
	}

	if f.Dist != nil {
		f.Dist.emitWrite(h.Ino, refs, oldRefs)
	}
	return nil
}

// commitChunk dedups s against the chunk index: a known chunk id only gets
// its refcount bumped, otherwise it is compressed-if-beneficial, sealed,
// uploaded, and inserted into both the chunk index and the local cache
// (spec.md §4.5 step 2, bullet list).
func (f *FS) commitChunk(ctx context.Context, s chunk.Slice) (chunk.Ref, error) {
	id := s.ID()
	if f.chunkCfg.DedupEnabled {
		if locator, compressed, err := f.Store.ChunkEntry(id); err == nil {
			if err := f.Store.RefChunk(id, locator, compressed); err != nil {
				return chunk.Ref{}, err
			}
			f.Cache.Put(id, s.Data)
			return chunk.Ref{ChunkID: id, PlaintextOffset: s.Offset, PlaintextLength: int64(len(s.Data)), Compressed: compressed, RemoteLocator: locator}, nil
		} else if err != store.ErrChunkNotFound {
			return chunk.Ref{}, err
		}
	}

	key, err := f.chunkKey(id)
	if err != nil {
		return chunk.Ref{}, err
	}
	sealed, err := chunk.SealChunk(key, id, s.Data, f.chunkCfg.CompressionEnabled)
	if err != nil {
		return chunk.Ref{}, fserr.Wrap(fserr.KindIO, "fs.commitChunk", "seal chunk", err)
	}
	locator, err := f.Backend.Put(ctx, f.prefix, backend.TypeChunk, hex.EncodeToString(id[:]), sealed.Blob)
	if err != nil {
		return chunk.Ref{}, fserr.Wrap(fserr.KindBackendUnavailable, "fs.commitChunk", "upload chunk", err)
	}
	if err := f.Store.RefChunk(id, locator, sealed.Compressed); err != nil {
		return chunk.Ref{}, err
	}
	f.Cache.Put(id, s.Data)
	f.metrics.RecordChunkUpload(len(sealed.Blob))
	f.logger.ChunkSealed(hex.EncodeToString(id[:]), len(s.Data), sealed.Compressed)

	return chunk.Ref{ChunkID: id, PlaintextOffset: s.Offset, PlaintextLength: int64(len(s.Data)), Compressed: sealed.Compressed, RemoteLocator: locator}, nil
}

func (f *FS) chunkSize() int64 {
	if f.chunkCfg.ChunkSize > 0 {
		return f.chunkCfg.ChunkSize
	}
	return chunk.DefaultSize
}

// EnqueueSweep schedules a zero-refcount chunk for the periodic backend
// deletion pass. It is exported so collaborators outside this package that
// also drive chunks to zero refcount — namely the CRDT applier's Delete/
// Move/Write handling — feed the same queue RunRefcountSweeper drains,
// rather than running a second sweep path.
func (f *FS) EnqueueSweep(id [32]byte, locator string) {
	f.enqueueSweep(id, locator)
}

// enqueueSweep schedules a zero-refcount chunk for the periodic backend
// deletion pass (spec.md §9: deletion latency is unspecified, a periodic
// sweep is allowed).
func (f *FS) enqueueSweep(id [32]byte, locator string) {
	select {
	case f.sweep <- sweepEntry{id: id, locator: locator}:
	default:
		f.logger.Warn("refcount sweep queue full, dropping chunk deletion")
	}
}

func sliceReader(b []byte) io.Reader { return &byteSliceReader{b: b} }

type byteSliceReader struct {
	b   []byte
	pos int
}

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

func translateStoreErr(err error) error {
	switch err {
	case store.ErrNotFound:
		return fserr.Wrap(fserr.KindNotFound, "fs", "not found", err)
	case store.ErrNotEmpty:
		return fserr.Wrap(fserr.KindNotEmpty, "fs", "not empty", err)
	case store.ErrInUse:
		return fserr.Wrap(fserr.KindInvalidArgument, "fs", "inode in use", err)
	case store.ErrNameExists:
		return fserr.Wrap(fserr.KindAlreadyExists, "fs", "name already exists", err)
	case store.ErrChunkNotFound:
		return fserr.Wrap(fserr.KindNotFound, "fs", "chunk not found", err)
	default:
		return err
	}
}
