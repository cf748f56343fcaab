package store

import "errors"

var (
	// ErrNotFound is returned by lookup and get when the entry does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrNotEmpty is returned by RemoveInode when a directory still has
	// children.
	ErrNotEmpty = errors.New("store: directory not empty")
	// ErrInUse is returned by RemoveInode when the inode still has a
	// positive link count. Open handles are tracked by the fs layer, not
	// here.
	ErrInUse = errors.New("store: inode in use")
	// ErrNameExists is returned by InsertInode when the parent already has
	// an entry with that name.
	ErrNameExists = errors.New("store: name already exists")
	// ErrChunkNotFound is returned by UnrefChunk for an unknown chunk id.
	ErrChunkNotFound = errors.New("store: chunk not found")
)
