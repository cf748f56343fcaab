package identity

import (
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"crypto/ed25519"

	"github.com/google/uuid"
)

func writeIdentityFile(t *testing.T, dir, filename string, id uuid.UUID, pub ed25519.PublicKey) {
	t.Helper()
	rec := record{MachineID: id.String(), MachineName: "peer", PublicKey: pub}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, filename), data, 0o644); err != nil {
		t.Fatalf("write identity file: %v", err)
	}
}

func TestKeyringAddLookup(t *testing.T) {
	k := NewKeyring()
	id := uuid.New()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	if _, ok := k.Lookup(id); ok {
		t.Fatal("expected no entry before Add")
	}
	k.Add(id, pub)
	got, ok := k.Lookup(id)
	if !ok {
		t.Fatal("expected entry after Add")
	}
	if !got.Equal(pub) {
		t.Fatal("looked up key does not match added key")
	}
}

func TestKeyringLoadDir(t *testing.T) {
	dir := t.TempDir()
	id1, id2 := uuid.New(), uuid.New()
	pub1, _, _ := ed25519.GenerateKey(rand.Reader)
	pub2, _, _ := ed25519.GenerateKey(rand.Reader)
	writeIdentityFile(t, dir, "peer1.json", id1, pub1)
	writeIdentityFile(t, dir, "peer2.json", id2, pub2)
	if err := os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("not json"), 0o644); err != nil {
		t.Fatalf("write garbage file: %v", err)
	}

	k := NewKeyring()
	if err := k.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	got1, ok := k.Lookup(id1)
	if !ok || !got1.Equal(pub1) {
		t.Fatal("expected peer1's key to be loaded")
	}
	got2, ok := k.Lookup(id2)
	if !ok || !got2.Equal(pub2) {
		t.Fatal("expected peer2's key to be loaded")
	}
}

func TestKeyringLoadDirMissingReturnsError(t *testing.T) {
	k := NewKeyring()
	if err := k.LoadDir(filepath.Join(t.TempDir(), "does-not-exist")); err == nil {
		t.Fatal("expected an error loading a nonexistent directory")
	}
}
