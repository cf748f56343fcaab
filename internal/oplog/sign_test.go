package oplog

import (
	"crypto/ed25519"
	"testing"

	"github.com/google/uuid"

	"github.com/dlvargas/tgcryptfs/internal/clock"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	op := baseOp(uuid.New(), KindCreate)
	op.Create = &CreatePayload{ParentPath: "/", Name: "a.txt", InodeKind: 0}

	so, err := Sign(priv, op)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := Verify(pub, so)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("expected a freshly-signed operation to verify")
	}
}

func TestVerifyDetectsTamperedOperation(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	op := baseOp(uuid.New(), KindMove)
	op.Move = &MovePayload{OldPath: "/a.txt", NewPath: "/b.txt"}

	so, err := Sign(priv, op)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	tampered := so
	movedPayload := *tampered.Operation.Move
	movedPayload.NewPath = "/c.txt"
	tampered.Operation.Move = &movedPayload

	ok, err := Verify(pub, tampered)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("expected a tampered operation to fail verification")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	otherPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	op := baseOp(uuid.New(), KindDelete)
	op.Delete = &DeletePayload{Path: "/a.txt", TombstoneTime: 1}

	so, err := Sign(priv, op)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := Verify(otherPub, so)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Fatal("expected verification against an unrelated public key to fail")
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	op := baseOp(uuid.New(), KindSetAttr)
	size := int64(42)
	op.SetAttr = &SetAttrPayload{Path: "/a.txt", Size: &size}
	op.VectorClock = clock.New()

	so, err := Sign(priv, op)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	data, err := Marshal(so)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Operation.OpID != so.Operation.OpID {
		t.Fatalf("expected OpID to round-trip, got %v want %v", got.Operation.OpID, so.Operation.OpID)
	}
	if got.Operation.SetAttr == nil || got.Operation.SetAttr.Path != "/a.txt" {
		t.Fatalf("expected SetAttr payload to round-trip, got %+v", got.Operation.SetAttr)
	}
	if got.Operation.SetAttr.Size == nil || *got.Operation.SetAttr.Size != 42 {
		t.Fatalf("expected SetAttr.Size to round-trip, got %+v", got.Operation.SetAttr.Size)
	}
	if string(got.Signature) != string(so.Signature) {
		t.Fatal("expected signature bytes to round-trip unchanged")
	}
}

func TestCanonicalBytesDeterministic(t *testing.T) {
	op := baseOp(uuid.New(), KindCreate)
	op.Create = &CreatePayload{ParentPath: "/", Name: "a.txt"}

	a, err := CanonicalBytes(op)
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	b, err := CanonicalBytes(op)
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	if string(a) != string(b) {
		t.Fatal("expected canonical encoding of the same operation to be byte-identical across calls")
	}
}
