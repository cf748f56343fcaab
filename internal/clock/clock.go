// Package clock implements per-namespace vector clocks for causal ordering
// across machines (spec.md §3, §4.7).
package clock

import "github.com/google/uuid"

// Clock maps a machine id to its logical counter.
type Clock map[uuid.UUID]uint64

// New returns an empty clock.
func New() Clock {
	return make(Clock)
}

// Clone returns an independent copy of c.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Bump increments the local machine's entry in place and returns the clock
// for chaining, matching spec.md §4.7 ("Local event: bump local entry").
func (c Clock) Bump(machine uuid.UUID) Clock {
	c[machine]++
	return c
}

// LessEq reports a ≤ b: every entry of a is ≤ the corresponding entry of b
// (missing entries are treated as zero).
func LessEq(a, b Clock) bool {
	for k, av := range a {
		if av > b[k] {
			return false
		}
	}
	return true
}

// Less reports a < b: a ≤ b and a ≠ b.
func Less(a, b Clock) bool {
	return LessEq(a, b) && !Equal(a, b)
}

// Concurrent reports a ∥ b: neither a ≤ b nor b ≤ a.
func Concurrent(a, b Clock) bool {
	return !LessEq(a, b) && !LessEq(b, a)
}

// Equal reports whether a and b have identical (non-zero) entries.
func Equal(a, b Clock) bool {
	for k, av := range a {
		if av != 0 && b[k] != av {
			return false
		}
	}
	for k, bv := range b {
		if bv != 0 && a[k] != bv {
			return false
		}
	}
	return true
}

// Merge returns the componentwise max of a and b (spec.md §3).
func Merge(a, b Clock) Clock {
	out := a.Clone()
	for k, bv := range b {
		if bv > out[k] {
			out[k] = bv
		}
	}
	return out
}

// Receive applies spec.md §4.7's receive rule: set local to merge(local,
// remote), then bump local's own entry once.
func Receive(local Clock, remote Clock, machine uuid.UUID) Clock {
	merged := Merge(local, remote)
	merged.Bump(machine)
	return merged
}

// Applicable implements the causal-safety gate from spec.md §9: an op is
// applicable only if, for every machine m, op.vc[m] <= local.vc[m] + (1 if m
// == op.machine else 0).
func Applicable(opClock Clock, opMachine uuid.UUID, local Clock) bool {
	for m, v := range opClock {
		bound := local[m]
		if m == opMachine {
			bound++
		}
		if v > bound {
			return false
		}
	}
	return true
}
