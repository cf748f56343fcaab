// Package backend defines the capability interface the core consumes to
// reach the remote blob service (spec.md §6). The real transport is an
// external collaborator; this package only specifies the interface and
// provides an in-process reference implementation used by tests and by
// components (such as the sync cycle) that need a concrete backend to
// exercise.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ObjectType is one of the four remote object kinds named in spec.md §6.
type ObjectType string

const (
	TypeChunk    ObjectType = "chunk"
	TypeMeta     ObjectType = "meta"
	TypeOp       ObjectType = "op"
	TypeManifest ObjectType = "manifest"
)

// ErrNotFound is returned by Get/Delete when locator is unknown.
var ErrNotFound = errors.New("backend: locator not found")

// Entry is one object returned by Enumerate.
type Entry struct {
	Locator string
	Type    ObjectType
	ID      string
	Cursor  string
}

// Backend is the capability interface consumed by the core: put/get/delete
// of opaque encrypted blobs, plus cursor-based enumeration scoped to a
// namespace prefix.
type Backend interface {
	Put(ctx context.Context, prefix string, typ ObjectType, id string, data []byte) (locator string, err error)
	Get(ctx context.Context, locator string) ([]byte, error)
	Delete(ctx context.Context, locator string) error
	Enumerate(ctx context.Context, prefix string, sinceCursor string) ([]Entry, error)
}

// Caption builds the `<prefix>:<type>:<id>` identifying caption spec.md §6
// requires for every remote object.
func Caption(prefix string, typ ObjectType, id string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, typ, id)
}

type memObject struct {
	typ    ObjectType
	id     string
	prefix string
	data   []byte
	seq    uint64
}

// MemBackend is an in-process reference implementation of Backend, keyed by
// an opaque monotonically-increasing locator. It is not the remote
// transport (which is out of scope per spec.md §1); it exists so the core's
// upload/download/enumerate/delete paths are exercisable without a network
// dependency.
type MemBackend struct {
	mu      sync.RWMutex
	objects map[string]memObject
	seq     uint64
}

// NewMemBackend returns an empty in-memory backend.
func NewMemBackend() *MemBackend {
	return &MemBackend{objects: make(map[string]memObject)}
}

func (b *MemBackend) Put(_ context.Context, prefix string, typ ObjectType, id string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	locator := fmt.Sprintf("mem:%d", b.seq)
	cp := make([]byte, len(data))
	copy(cp, data)
	b.objects[locator] = memObject{typ: typ, id: id, prefix: prefix, data: cp, seq: b.seq}
	return locator, nil
}

func (b *MemBackend) Get(_ context.Context, locator string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[locator]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

func (b *MemBackend) Delete(_ context.Context, locator string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[locator]; !ok {
		return ErrNotFound
	}
	delete(b.objects, locator)
	return nil
}

func (b *MemBackend) Enumerate(_ context.Context, prefix string, sinceCursor string) ([]Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var since uint64
	if sinceCursor != "" {
		if _, err := fmt.Sscanf(sinceCursor, "%d", &since); err != nil {
			return nil, fmt.Errorf("backend: invalid cursor %q: %w", sinceCursor, err)
		}
	}

	type withSeq struct {
		Entry
		seq uint64
	}
	var out []withSeq
	for locator, obj := range b.objects {
		if obj.prefix != prefix || obj.seq <= since {
			continue
		}
		out = append(out, withSeq{
			Entry: Entry{
				Locator: locator,
				Type:    obj.typ,
				ID:      obj.id,
				Cursor:  fmt.Sprintf("%d", obj.seq),
			},
			seq: obj.seq,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })

	entries := make([]Entry, len(out))
	for i, o := range out {
		entries[i] = o.Entry
	}
	return entries, nil
}
