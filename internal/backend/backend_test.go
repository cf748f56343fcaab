package backend

import (
	"context"
	"testing"
)

func TestMemBackendPutGetDelete(t *testing.T) {
	b := NewMemBackend()
	ctx := context.Background()

	locator, err := b.Put(ctx, "ns1", TypeChunk, "abc", []byte("payload"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := b.Get(ctx, locator)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("unexpected payload: %q", got)
	}
	if err := b.Delete(ctx, locator); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := b.Get(ctx, locator); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemBackendEnumerateOrderedByInsertion(t *testing.T) {
	b := NewMemBackend()
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		if _, err := b.Put(ctx, "ns1", TypeChunk, "id", []byte("x")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	entries, err := b.Enumerate(ctx, "ns1", "")
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(entries) != 15 {
		t.Fatalf("expected 15 entries, got %d", len(entries))
	}

	half, err := b.Enumerate(ctx, "ns1", entries[9].Cursor)
	if err != nil {
		t.Fatalf("Enumerate since cursor: %v", err)
	}
	if len(half) != 5 {
		t.Fatalf("expected 5 entries after cursor, got %d", len(half))
	}
}

func TestMemBackendNamespaceIsolation(t *testing.T) {
	b := NewMemBackend()
	ctx := context.Background()
	if _, err := b.Put(ctx, "ns1", TypeChunk, "a", []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := b.Put(ctx, "ns2", TypeChunk, "b", []byte("y")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entries, err := b.Enumerate(ctx, "ns1", "")
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected namespace isolation to yield 1 entry, got %d", len(entries))
	}
}

func TestCaptionFormat(t *testing.T) {
	got := Caption("ns1", TypeChunk, "abc123")
	if got != "ns1:chunk:abc123" {
		t.Fatalf("unexpected caption: %q", got)
	}
}
