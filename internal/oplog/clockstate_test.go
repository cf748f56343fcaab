package oplog

import (
	"testing"

	"github.com/google/uuid"

	"github.com/dlvargas/tgcryptfs/internal/clock"
)

func TestClockStateBumpIncrementsOwnEntry(t *testing.T) {
	machine := uuid.New()
	cs := NewClockState(machine, nil)

	first := cs.Bump()
	if first[machine] != 1 {
		t.Fatalf("expected first bump to set entry to 1, got %d", first[machine])
	}
	second := cs.Bump()
	if second[machine] != 2 {
		t.Fatalf("expected second bump to set entry to 2, got %d", second[machine])
	}
	if cs.Snapshot()[machine] != 2 {
		t.Fatalf("expected snapshot to reflect the latest bump")
	}
}

func TestClockStateBumpReturnsIndependentSnapshot(t *testing.T) {
	machine := uuid.New()
	cs := NewClockState(machine, nil)

	snap := cs.Bump()
	snap[machine] = 99 // mutating the returned snapshot must not affect internal state
	if cs.Snapshot()[machine] == 99 {
		t.Fatal("Bump's returned snapshot aliased internal state")
	}
}

func TestClockStateMerge(t *testing.T) {
	machine := uuid.New()
	peer := uuid.New()
	cs := NewClockState(machine, nil)
	cs.Bump()

	remote := clock.New()
	remote[peer] = 5
	cs.Merge(remote)

	snap := cs.Snapshot()
	if snap[machine] != 1 || snap[peer] != 5 {
		t.Fatalf("expected merged clock to carry both entries, got %+v", snap)
	}
}

func TestClockStateApplicable(t *testing.T) {
	machine := uuid.New()
	peer := uuid.New()
	cs := NewClockState(machine, nil)

	opClock := clock.New()
	opClock[peer] = 1
	if !cs.Applicable(opClock, peer) {
		t.Fatal("expected a peer's first op to be immediately applicable")
	}

	opClock2 := clock.New()
	opClock2[peer] = 2
	opClock2[uuid.New()] = 1 // a causal dependency we haven't seen yet
	if cs.Applicable(opClock2, peer) {
		t.Fatal("expected an op depending on an unseen machine to be blocked")
	}
}
