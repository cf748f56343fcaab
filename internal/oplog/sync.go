package oplog

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dlvargas/tgcryptfs/internal/backend"
	"github.com/dlvargas/tgcryptfs/internal/clock"
	"github.com/dlvargas/tgcryptfs/internal/identity"
	"github.com/dlvargas/tgcryptfs/internal/observability"
)

// sharedCursorKey is the peer-id slot used for the single enumeration
// cursor over a namespace's whole operation prefix. The backend's
// Enumerate is scoped by prefix, not by individual peer, so there is one
// cursor per namespace rather than one per remote machine (spec.md §6's
// enumerate contract takes a single since_cursor).
var sharedCursorKey = uuid.Nil

// Syncer drives one namespace's sync cycle (spec.md §4.7): upload pending
// local operations, fetch and verify remote operations, apply them in
// causal order, and merge clocks.
type Syncer struct {
	Log     *Log
	Backend backend.Backend
	Applier *Applier
	Clock   *ClockState
	Keyring *identity.Keyring
	Prefix  string
	Self    uuid.UUID

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewSyncer constructs a Syncer for one namespace.
func NewSyncer(log *Log, be backend.Backend, applier *Applier, clockSt *ClockState, keyring *identity.Keyring, prefix string, self uuid.UUID, logger *observability.Logger, metrics *observability.Metrics) *Syncer {
	return &Syncer{
		Log: log, Backend: be, Applier: applier, Clock: clockSt, Keyring: keyring,
		Prefix: prefix, Self: self, logger: logger, metrics: metrics,
	}
}

// Run executes one sync cycle's four steps (spec.md §4.7). It returns the
// number of operations uploaded and the number applied (the applier's
// conflict count is logged with the cycle's completion, not returned), or
// an error if a step that isn't individually recoverable failed.
func (s *Syncer) Run(ctx context.Context) (uploaded, applied int, err error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordSyncCycle(err, time.Since(start).Seconds())
	}()

	uploaded, err = s.upload(ctx)
	if err != nil {
		return uploaded, 0, fmt.Errorf("oplog: upload pending operations: %w", err)
	}

	fetched, err := s.fetchNew(ctx)
	if err != nil {
		return uploaded, 0, fmt.Errorf("oplog: fetch remote operations: %w", err)
	}

	s.Applier.ResetConflictCount()
	applied = s.applyInOrder(fetched)
	s.logger.SyncCycleCompleted(uploaded, applied, s.Applier.ConflictCount(), time.Since(start))
	return uploaded, applied, nil
}

// upload drains pending_ops, uploading each signed operation's CBOR
// encoding under the operation prefix, then removes it from pending_ops
// once confirmed. The uploaded blob is signed but not encrypted.
func (s *Syncer) upload(ctx context.Context) (int, error) {
	pending, err := s.Log.DrainPending()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, so := range pending {
		payload, err := Marshal(so)
		if err != nil {
			return n, err
		}
		if _, err := s.Backend.Put(ctx, s.Prefix, backend.TypeOp, so.Operation.OpID.String(), payload); err != nil {
			return n, err
		}
		if err := s.Log.RemovePending(so.Operation.OpID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// fetchNew enumerates operations uploaded since the namespace's cursor,
// opens and signature-verifies each, and drops any already in
// applied_ops. The enumeration cursor only advances past entries that were
// at least fetched (even if discarded as a duplicate or unverifiable), so
// a bad signature never wedges the cycle.
func (s *Syncer) fetchNew(ctx context.Context) ([]SignedOperation, error) {
	cursor, err := s.Log.GetCursor(sharedCursorKey)
	if err != nil {
		return nil, err
	}

	entries, err := s.Backend.Enumerate(ctx, s.Prefix, cursor)
	if err != nil {
		return nil, err
	}

	var out []SignedOperation
	for _, e := range entries {
		if e.Type != backend.TypeOp {
			continue
		}
		blob, err := s.Backend.Get(ctx, e.Locator)
		if err != nil {
			s.logger.Error(err, "fetch remote operation")
			continue
		}
		cursor = e.Cursor
		so, err := Unmarshal(blob)
		if err != nil {
			s.logger.Error(err, "unmarshal remote operation")
			continue
		}
		if so.Operation.MachineID == s.Self {
			continue // our own op, already applied locally when produced
		}
		if applied, _ := s.Log.IsApplied(so.Operation.OpID); applied {
			continue
		}
		pub, ok := s.Keyring.Lookup(so.Operation.MachineID)
		if !ok {
			s.logger.Error(fmt.Errorf("no public key for machine %s", so.Operation.MachineID), "verify remote operation")
			continue
		}
		ok, err = Verify(pub, so)
		if err != nil || !ok {
			s.logger.Error(fmt.Errorf("signature verification failed for op %s", so.Operation.OpID), "verify remote operation")
			continue
		}
		out = append(out, so)
	}
	if err := s.Log.SetCursor(sharedCursorKey, cursor); err != nil {
		return nil, err
	}
	return out, nil
}

// applyInOrder topologically sorts fetched by happened-before (vector
// clock), breaking ties between concurrent operations by (machine_id,
// op_id), and applies each under the causal-safety gate. An op that isn't
// yet applicable is deferred to the next call (spec.md §9); this
// implementation makes repeated passes over the remaining set until no
// further progress is possible within this cycle, rather than blocking.
func (s *Syncer) applyInOrder(fetched []SignedOperation) (applied int) {
	sort.SliceStable(fetched, func(i, j int) bool {
		a, b := fetched[i].Operation, fetched[j].Operation
		switch {
		case clock.Less(a.VectorClock, b.VectorClock):
			return true
		case clock.Less(b.VectorClock, a.VectorClock):
			return false
		default:
			if a.MachineID != b.MachineID {
				return a.MachineID.String() < b.MachineID.String()
			}
			return a.OpID.String() < b.OpID.String()
		}
	})

	remaining := fetched
	for len(remaining) > 0 {
		progressed := false
		var deferred []SignedOperation
		for _, so := range remaining {
			op := so.Operation
			if !s.Clock.Applicable(op.VectorClock, op.MachineID) {
				deferred = append(deferred, so)
				continue
			}
			if err := s.Applier.Apply(op); err != nil {
				s.logger.Error(err, "apply operation "+hex.EncodeToString(op.OpID[:]))
			} else {
				applied++
			}
			if err := s.Log.MarkApplied(op.OpID); err != nil {
				s.logger.Error(err, "mark operation applied")
			}
			s.Clock.Merge(op.VectorClock)
			progressed = true
		}
		if !progressed {
			// Every remaining op is still causally blocked; leave it for
			// the next sync cycle rather than spinning.
			break
		}
		remaining = deferred
	}
	return applied
}
