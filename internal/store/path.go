package store

import "strings"

// ResolvePath walks path ("/" or "/a/b/c") from the root inode through
// successive Lookup calls, returning the ino of the final component. Used
// by the CRDT apply path (spec.md §4.7 operations carry paths, not inos)
// and by snapshot/debug tooling.
func (s *Store) ResolvePath(path string) (uint64, error) {
	ino := RootIno
	for _, part := range splitPath(path) {
		next, err := s.Lookup(ino, part)
		if err != nil {
			return 0, err
		}
		ino = next
	}
	return ino, nil
}

// splitPath breaks a slash-separated absolute path into its non-empty
// components.
func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// PathOf walks an inode's ParentIno chain back to the root, returning its
// absolute path. Used to translate a local mutation (which only knows an
// ino) into the path-addressed form CRDT operations carry (spec.md §4.7).
func (s *Store) PathOf(ino uint64) (string, error) {
	if ino == RootIno {
		return "/", nil
	}
	var parts []string
	for ino != RootIno {
		inode, err := s.GetInode(ino)
		if err != nil {
			return "", err
		}
		parts = append(parts, inode.Name)
		ino = inode.ParentIno
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/"), nil
}

// SplitParent returns a path's parent path and final component name, e.g.
// "/a/b/c" -> ("/a/b", "c"); the root itself has no parent.
func SplitParent(path string) (parent string, name string) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return "", ""
	}
	name = parts[len(parts)-1]
	parent = "/" + strings.Join(parts[:len(parts)-1], "/")
	return parent, name
}
