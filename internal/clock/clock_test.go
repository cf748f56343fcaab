package clock

import (
	"testing"

	"github.com/google/uuid"
)

func TestLessAntisymmetric(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	c1 := Clock{a: 1, b: 1}
	c2 := Clock{a: 2, b: 1}

	if !Less(c1, c2) {
		t.Fatal("expected c1 < c2")
	}
	if Less(c2, c1) {
		t.Fatal("antisymmetry violated: c2 < c1 should be false when c1 < c2")
	}
	if Concurrent(c1, c2) {
		t.Fatal("c1 < c2 implies not concurrent")
	}
}

func TestConcurrentClocks(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	c1 := Clock{a: 1}
	c2 := Clock{b: 1}
	if !Concurrent(c1, c2) {
		t.Fatal("expected disjoint single-entry clocks to be concurrent")
	}
	if Less(c1, c2) || Less(c2, c1) {
		t.Fatal("concurrent clocks must not compare as less-than in either direction")
	}
}

func TestMergeIsComponentwiseMax(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	c1 := Clock{a: 3, b: 1}
	c2 := Clock{a: 1, b: 5}
	merged := Merge(c1, c2)
	if merged[a] != 3 || merged[b] != 5 {
		t.Fatalf("unexpected merge result: %v", merged)
	}
}

func TestReceiveBumpsLocalAfterMerge(t *testing.T) {
	self, peer := uuid.New(), uuid.New()
	local := Clock{self: 2}
	remote := Clock{peer: 4}
	result := Receive(local, remote, self)
	if result[self] != 3 {
		t.Fatalf("expected local entry bumped to 3, got %d", result[self])
	}
	if result[peer] != 4 {
		t.Fatalf("expected peer entry merged to 4, got %d", result[peer])
	}
}

func TestApplicableCausalGate(t *testing.T) {
	self, peer := uuid.New(), uuid.New()
	local := Clock{self: 1, peer: 2}

	// Op from peer with peer's next sequence number: applicable.
	opFromPeer := Clock{peer: 3}
	if !Applicable(opFromPeer, peer, local) {
		t.Fatal("expected next-in-sequence peer op to be applicable")
	}

	// Op from peer skipping ahead: not applicable yet.
	opSkipped := Clock{peer: 5}
	if Applicable(opSkipped, peer, local) {
		t.Fatal("expected out-of-order peer op to be deferred")
	}
}
