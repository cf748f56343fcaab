package cache

import (
	"context"
	"os"
	"testing"
	"time"

	tgcrypto "github.com/dlvargas/tgcryptfs/internal/crypto"
)

func idFor(data []byte) [32]byte {
	return tgcrypto.ContentHash(data)
}

func TestPutGetRoundTrip(t *testing.T) {
	c, err := New(t.TempDir(), 1024*1024, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	data := []byte("hello chunk")
	id := idFor(data)
	c.Put(id, data)

	got, ok := c.Get(id)
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if string(got) != string(data) {
		t.Fatalf("unexpected data: %q", got)
	}
}

func TestGetMissReturnsFalse(t *testing.T) {
	c, err := New(t.TempDir(), 1024*1024, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	var id [32]byte
	if _, ok := c.Get(id); ok {
		t.Fatal("expected miss for unknown chunk id")
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := New(t.TempDir(), 20, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	a := []byte("aaaaaaaaaa")
	b := []byte("bbbbbbbbbb")
	idA, idB := idFor(a), idFor(b)
	c.Put(idA, a)
	c.Put(idB, b)

	if _, ok := c.Get(idA); !ok {
		t.Fatal("expected a to still be cached")
	}

	cc := []byte("cccccccccc")
	idC := idFor(cc)
	c.Put(idC, cc)

	if _, ok := c.Get(idB); ok {
		t.Fatal("expected b to have been evicted as least-recently-used")
	}
	if _, ok := c.Get(idA); !ok {
		t.Fatal("expected a to remain cached after being touched")
	}
	if _, ok := c.Get(idC); !ok {
		t.Fatal("expected c to be cached")
	}
}

func TestRemoveDeletesEntry(t *testing.T) {
	c, err := New(t.TempDir(), 1024, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	data := []byte("removable")
	id := idFor(data)
	c.Put(id, data)
	c.Remove(id)

	if _, ok := c.Get(id); ok {
		t.Fatal("expected entry to be gone after Remove")
	}
}

func TestPutSkipsWhenOversized(t *testing.T) {
	c, err := New(t.TempDir(), 4, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	data := []byte("this is definitely too big")
	id := idFor(data)
	c.Put(id, data)

	if _, ok := c.Get(id); ok {
		t.Fatal("expected put to skip caching an oversized entry")
	}
	if c.Size() != 0 {
		t.Fatalf("expected size 0 after skipped put, got %d", c.Size())
	}
}

func TestPrefetchEnqueueFetchesAndCaches(t *testing.T) {
	data := []byte("prefetched content")
	id := idFor(data)

	fetch := func(ctx context.Context, chunkID [32]byte) ([]byte, error) {
		return data, nil
	}

	c, err := New(t.TempDir(), 1024*1024, fetch, WithPrefetchWorkers(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	c.PrefetchEnqueue([][32]byte{id})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.Get(id); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected prefetch to populate cache within 1s")
}

func TestPrefetchDisabledNeverFetches(t *testing.T) {
	data := []byte("should not be fetched")
	id := idFor(data)

	fetched := false
	fetch := func(ctx context.Context, chunkID [32]byte) ([]byte, error) {
		fetched = true
		return data, nil
	}

	c, err := New(t.TempDir(), 1024*1024, fetch, WithPrefetchWorkers(2), WithPrefetchDisabled())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	c.PrefetchEnqueue([][32]byte{id})
	time.Sleep(50 * time.Millisecond)

	if fetched {
		t.Fatal("expected PrefetchEnqueue to be a no-op when prefetch is disabled")
	}
	if _, ok := c.Get(id); ok {
		t.Fatal("expected nothing to have been cached")
	}
}

func TestContentHashMismatchTreatedAsMiss(t *testing.T) {
	c, err := New(t.TempDir(), 1024*1024, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	data := []byte("original content")
	id := idFor(data)
	c.Put(id, data)

	if err := os.WriteFile(c.path(id), []byte("tampered"), 0600); err != nil {
		t.Fatalf("corrupting entry: %v", err)
	}

	if _, ok := c.Get(id); ok {
		t.Fatal("expected corrupted entry to be treated as a miss")
	}
}
