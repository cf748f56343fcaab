package oplog

import (
	"sync"

	"github.com/google/uuid"

	"github.com/dlvargas/tgcryptfs/internal/clock"
)

// ClockState is a namespace's live vector clock, mutated both by locally
// emitted operations (ClockState.Bump) and by the sync cycle folding in a
// remote clock (ClockState.Merge) — spec.md §4.7's "Local event" and
// "Receive remote op" rules share one clock, so both paths go through
// this type rather than each keeping their own copy.
type ClockState struct {
	mu      sync.Mutex
	machine uuid.UUID
	vc      clock.Clock
}

// NewClockState seeds a ClockState with initial (loaded from durable
// storage by the caller), defaulting to an empty clock.
func NewClockState(machine uuid.UUID, initial clock.Clock) *ClockState {
	if initial == nil {
		initial = clock.New()
	}
	return &ClockState{machine: machine, vc: initial}
}

// Bump increments the local machine's entry and returns the resulting
// snapshot, for stamping a freshly emitted Operation.
func (c *ClockState) Bump() clock.Clock {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vc.Bump(c.machine)
	return c.vc.Clone()
}

// Snapshot returns the current clock without mutating it.
func (c *ClockState) Snapshot() clock.Clock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vc.Clone()
}

// Merge folds remote into the local clock without bumping the local entry
// (used once per sync cycle after every fetched op in the batch has been
// applied, per spec.md §4.7's "merge clock" step).
func (c *ClockState) Merge(remote clock.Clock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vc = clock.Merge(c.vc, remote)
}

// Applicable reports whether opClock is safe to apply against the current
// local clock, per spec.md §9's causal-safety gate.
func (c *ClockState) Applicable(opClock clock.Clock, opMachine uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clock.Applicable(opClock, opMachine, c.vc)
}
