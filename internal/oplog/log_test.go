package oplog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	log, err := Open(filepath.Join(t.TempDir(), "oplog.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log
}

func signedOp(t *testing.T) SignedOperation {
	t.Helper()
	op := baseOp(uuid.New(), KindCreate)
	op.Create = &CreatePayload{ParentPath: "/", Name: "a.txt"}
	return SignedOperation{Operation: op, Signature: []byte("sig")}
}

func TestEnqueueDrainRemovePending(t *testing.T) {
	log := newTestLog(t)
	so := signedOp(t)

	if err := log.Enqueue(so); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	n, err := log.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pending op, got %d", n)
	}

	pending, err := log.DrainPending()
	if err != nil {
		t.Fatalf("DrainPending: %v", err)
	}
	if len(pending) != 1 || pending[0].Operation.OpID != so.Operation.OpID {
		t.Fatalf("expected the enqueued op back out, got %+v", pending)
	}

	if err := log.RemovePending(so.Operation.OpID); err != nil {
		t.Fatalf("RemovePending: %v", err)
	}
	n, err = log.PendingCount()
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected pending_ops empty after RemovePending, got %d", n)
	}
}

func TestDrainPendingOrdersOldestFirst(t *testing.T) {
	log := newTestLog(t)
	first := signedOp(t)
	if err := log.Enqueue(first); err != nil {
		t.Fatalf("Enqueue(first): %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	second := signedOp(t)
	if err := log.Enqueue(second); err != nil {
		t.Fatalf("Enqueue(second): %v", err)
	}

	pending, err := log.DrainPending()
	if err != nil {
		t.Fatalf("DrainPending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending ops, got %d", len(pending))
	}
	if pending[0].Operation.OpID != first.Operation.OpID || pending[1].Operation.OpID != second.Operation.OpID {
		t.Fatal("expected DrainPending to return ops oldest-created first")
	}
}

func TestMarkAppliedIsApplied(t *testing.T) {
	log := newTestLog(t)
	opID := uuid.New()

	applied, err := log.IsApplied(opID)
	if err != nil {
		t.Fatalf("IsApplied: %v", err)
	}
	if applied {
		t.Fatal("expected an unknown op id to not be marked applied")
	}

	if err := log.MarkApplied(opID); err != nil {
		t.Fatalf("MarkApplied: %v", err)
	}
	applied, err = log.IsApplied(opID)
	if err != nil {
		t.Fatalf("IsApplied: %v", err)
	}
	if !applied {
		t.Fatal("expected op id to be marked applied")
	}

	// Re-marking must not error; it is the idempotency gate for redelivery.
	if err := log.MarkApplied(opID); err != nil {
		t.Fatalf("MarkApplied (second time): %v", err)
	}
}

func TestPruneAppliedDeletesOnlyOlderThanRetention(t *testing.T) {
	log := newTestLog(t)
	oldID := uuid.New()
	newID := uuid.New()

	if err := log.MarkApplied(oldID); err != nil {
		t.Fatalf("MarkApplied(old): %v", err)
	}
	// Age the old entry out from under the retention window directly,
	// since MarkApplied always stamps the current time.
	if _, err := log.db.Exec(`UPDATE applied_ops SET applied_at = ? WHERE op_id = ?`,
		time.Now().Add(-48*time.Hour), oldID.String()); err != nil {
		t.Fatalf("backdate applied_at: %v", err)
	}
	if err := log.MarkApplied(newID); err != nil {
		t.Fatalf("MarkApplied(new): %v", err)
	}

	n, err := log.PruneApplied(24 * time.Hour)
	if err != nil {
		t.Fatalf("PruneApplied: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 pruned row, got %d", n)
	}

	oldApplied, err := log.IsApplied(oldID)
	if err != nil {
		t.Fatalf("IsApplied(old): %v", err)
	}
	if oldApplied {
		t.Fatal("expected the old entry to have been pruned")
	}
	newApplied, err := log.IsApplied(newID)
	if err != nil {
		t.Fatalf("IsApplied(new): %v", err)
	}
	if !newApplied {
		t.Fatal("expected the recent entry to survive pruning")
	}
}

func TestSetCursorGetCursorRoundTrip(t *testing.T) {
	log := newTestLog(t)
	peer := uuid.New()

	got, err := log.GetCursor(peer)
	if err != nil {
		t.Fatalf("GetCursor (unset): %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty cursor for an unseen peer, got %q", got)
	}

	if err := log.SetCursor(peer, "mem:5"); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	got, err = log.GetCursor(peer)
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if got != "mem:5" {
		t.Fatalf("expected cursor %q, got %q", "mem:5", got)
	}

	if err := log.SetCursor(peer, "mem:9"); err != nil {
		t.Fatalf("SetCursor (advance): %v", err)
	}
	got, err = log.GetCursor(peer)
	if err != nil {
		t.Fatalf("GetCursor (advanced): %v", err)
	}
	if got != "mem:9" {
		t.Fatalf("expected advanced cursor %q, got %q", "mem:9", got)
	}
}
