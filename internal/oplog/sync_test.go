package oplog

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"

	"crypto/ed25519"

	"github.com/google/uuid"

	"github.com/dlvargas/tgcryptfs/internal/backend"
	"github.com/dlvargas/tgcryptfs/internal/config"
	tgcrypto "github.com/dlvargas/tgcryptfs/internal/crypto"
	"github.com/dlvargas/tgcryptfs/internal/identity"
	"github.com/dlvargas/tgcryptfs/internal/observability"
	"github.com/dlvargas/tgcryptfs/internal/store"
)

type syncerFixture struct {
	syncer  *Syncer
	log     *Log
	store   *store.Store
	clockSt *ClockState
	machine uuid.UUID
}

func newSyncerFixture(t *testing.T, be backend.Backend, kr *identity.Keyring, prefix string) syncerFixture {
	t.Helper()
	var key tgcrypto.SubKey
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	st, err := store.Open(filepath.Join(t.TempDir(), "meta.db"), key)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log, err := Open(filepath.Join(t.TempDir(), "oplog.db"))
	if err != nil {
		t.Fatalf("oplog.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	machine := uuid.New()
	clockSt := NewClockState(machine, nil)
	applier := NewApplier(st, config.LastWriteWins, func([32]byte, string) {}, observability.NewLogger("test", "m", nil), testMetricsFor(t))
	syncer := NewSyncer(log, be, applier, clockSt, kr, prefix, machine, observability.NewLogger("test", "m", nil), testMetricsFor(t))

	return syncerFixture{syncer: syncer, log: log, store: st, clockSt: clockSt, machine: machine}
}

func TestSyncUploadDrainsPendingAndRemovesThem(t *testing.T) {
	be := backend.NewMemBackend()
	kr := identity.NewKeyring()
	fx := newSyncerFixture(t, be, kr, "ns")

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	kr.Add(fx.machine, pub)

	op := baseOp(fx.machine, KindCreate)
	op.Create = &CreatePayload{ParentPath: "/", Name: "a", InodeKind: uint8(store.KindRegular), InitialMode: 0644}
	so, err := Sign(priv, op)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := fx.log.Enqueue(so); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	n, err := fx.syncer.upload(context.Background())
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 op uploaded, got %d", n)
	}
	pending, err := fx.log.DrainPending()
	if err != nil {
		t.Fatalf("DrainPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected pending_ops drained after upload, found %d", len(pending))
	}
}

func TestSyncFetchNewSkipsOwnAndUnverifiable(t *testing.T) {
	be := backend.NewMemBackend()
	kr := identity.NewKeyring()
	fx := newSyncerFixture(t, be, kr, "ns")

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	peer := uuid.New()
	kr.Add(peer, pub)

	ctx := context.Background()

	// Own op: present in the backend but must be skipped.
	ownOp := baseOp(fx.machine, KindCreate)
	ownOp.Create = &CreatePayload{ParentPath: "/", Name: "own", InodeKind: uint8(store.KindRegular), InitialMode: 0644}
	ownSigned, err := Sign(priv, ownOp)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ownBytes, err := Marshal(ownSigned)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := be.Put(ctx, "ns", backend.TypeOp, ownOp.OpID.String(), ownBytes); err != nil {
		t.Fatalf("Put(own): %v", err)
	}

	// Peer op, correctly signed: must be fetched.
	peerOp := baseOp(peer, KindCreate)
	peerOp.Create = &CreatePayload{ParentPath: "/", Name: "peer", InodeKind: uint8(store.KindRegular), InitialMode: 0644}
	peerSigned, err := Sign(priv, peerOp)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	peerBytes, err := Marshal(peerSigned)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := be.Put(ctx, "ns", backend.TypeOp, peerOp.OpID.String(), peerBytes); err != nil {
		t.Fatalf("Put(peer): %v", err)
	}

	// Unknown-peer op: no public key registered, must be skipped.
	strangerOp := baseOp(uuid.New(), KindCreate)
	strangerOp.Create = &CreatePayload{ParentPath: "/", Name: "stranger", InodeKind: uint8(store.KindRegular), InitialMode: 0644}
	strangerSigned, err := Sign(priv, strangerOp)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	strangerBytes, err := Marshal(strangerSigned)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := be.Put(ctx, "ns", backend.TypeOp, strangerOp.OpID.String(), strangerBytes); err != nil {
		t.Fatalf("Put(stranger): %v", err)
	}

	fetched, err := fx.syncer.fetchNew(ctx)
	if err != nil {
		t.Fatalf("fetchNew: %v", err)
	}
	if len(fetched) != 1 {
		t.Fatalf("expected exactly the peer op to be fetched, got %d", len(fetched))
	}
	if fetched[0].Operation.OpID != peerOp.OpID {
		t.Fatalf("expected the peer op, got %s", fetched[0].Operation.OpID)
	}
}

func TestSyncRunEndToEnd(t *testing.T) {
	be := backend.NewMemBackend()
	krA := identity.NewKeyring()
	krB := identity.NewKeyring()

	pubA, privA, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	fxA := newSyncerFixture(t, be, krA, "ns")
	fxB := newSyncerFixture(t, be, krB, "ns")
	krB.Add(fxA.machine, pubA)

	// Machine A locally creates a file and enqueues the signed op.
	op := baseOp(fxA.machine, KindCreate)
	op.VectorClock = fxA.clockSt.Bump()
	op.Create = &CreatePayload{ParentPath: "/", Name: "shared.txt", InodeKind: uint8(store.KindRegular), InitialMode: 0644}
	so, err := Sign(privA, op)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := fxA.log.Enqueue(so); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx := context.Background()
	if _, _, err := fxA.syncer.Run(ctx); err != nil {
		t.Fatalf("A.Run: %v", err)
	}

	uploaded, applied, err := fxB.syncer.Run(ctx)
	if err != nil {
		t.Fatalf("B.Run: %v", err)
	}
	if uploaded != 0 {
		t.Fatalf("expected B to have nothing to upload, got %d", uploaded)
	}
	if applied != 1 {
		t.Fatalf("expected B to apply A's op, got %d", applied)
	}

	if _, err := fxB.store.Lookup(store.RootIno, "shared.txt"); err != nil {
		t.Fatalf("expected B to have applied the create: %v", err)
	}

	// Running again finds nothing new.
	_, applied2, err := fxB.syncer.Run(ctx)
	if err != nil {
		t.Fatalf("B.Run (2nd): %v", err)
	}
	if applied2 != 0 {
		t.Fatalf("expected no further ops applied on the second cycle, got %d", applied2)
	}
}
