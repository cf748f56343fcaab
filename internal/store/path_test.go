package store

import "testing"

func TestPathOfAndResolvePathRoundTrip(t *testing.T) {
	s := newTestStore(t)
	dirIno, err := s.InsertInode(&Inode{ParentIno: RootIno, Name: "a", Kind: KindDirectory, Nlink: 2, Children: make(map[uint64]string)})
	if err != nil {
		t.Fatalf("InsertInode(a): %v", err)
	}
	fileIno, err := s.InsertInode(&Inode{ParentIno: dirIno, Name: "b.txt", Kind: KindRegular, Nlink: 1})
	if err != nil {
		t.Fatalf("InsertInode(b.txt): %v", err)
	}

	path, err := s.PathOf(fileIno)
	if err != nil {
		t.Fatalf("PathOf: %v", err)
	}
	if path != "/a/b.txt" {
		t.Fatalf("expected /a/b.txt, got %q", path)
	}

	resolved, err := s.ResolvePath(path)
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	if resolved != fileIno {
		t.Fatalf("expected ResolvePath to round-trip to %d, got %d", fileIno, resolved)
	}
}

func TestPathOfRoot(t *testing.T) {
	s := newTestStore(t)
	path, err := s.PathOf(RootIno)
	if err != nil || path != "/" {
		t.Fatalf("expected root path \"/\", got %q, err %v", path, err)
	}
}

func TestResolvePathMissingComponentFails(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.ResolvePath("/does/not/exist"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSplitParent(t *testing.T) {
	cases := []struct {
		path       string
		wantParent string
		wantName   string
	}{
		{"/a/b/c", "/a/b", "c"},
		{"/file", "/", "file"},
	}
	for _, c := range cases {
		gotParent, gotName := SplitParent(c.path)
		if gotParent != c.wantParent || gotName != c.wantName {
			t.Fatalf("SplitParent(%q) = (%q, %q), want (%q, %q)", c.path, gotParent, gotName, c.wantParent, c.wantName)
		}
	}
}
