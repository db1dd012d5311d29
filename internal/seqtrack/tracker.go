package seqtrack

import (
	"sort"

	"github.com/tabrelay/tabrelay/internal/protocol"
)

// DefaultMaxGap is the largest gap worth recovering. Anything wider almost
// certainly means the backend restarted and lost its replay buffer.
const DefaultMaxGap = 50

// Span is an inclusive sequence range to request from the backend.
type Span struct {
	From int64
	To   int64
}

// Result describes what the caller must do after feeding the tracker.
type Result struct {
	// Dispatch holds payloads now deliverable, in ascending sequence order.
	Dispatch [][]byte

	// RequestGap, when non-nil, is a recovery span to send to the backend.
	RequestGap *Span

	// Skipped is the number of sequences abandoned by the gap-too-large
	// policy (zero otherwise). Exposed so callers can count the loss.
	Skipped int64
}

// Tracker is the per-connection ordering and gap-detection state machine.
// It is not safe for concurrent use; each connection owns exactly one and
// drives it from its event loop.
type Tracker struct {
	maxGap  int64
	last    int64
	pending bool

	// buffered holds received-but-not-yet-deliverable payloads keyed by
	// sequence. Entries are at most maxGap ahead of last, so the map is
	// naturally bounded.
	buffered map[int64][]byte
}

// New creates a tracker resuming from the persisted lastSequence.
// maxGap <= 0 selects DefaultMaxGap.
func New(lastSequence int64, maxGap int64) *Tracker {
	if maxGap <= 0 {
		maxGap = DefaultMaxGap
	}
	return &Tracker{
		maxGap:   maxGap,
		last:     lastSequence,
		buffered: make(map[int64][]byte),
	}
}

// LastSequence returns the highest dispatched sequence. Never decreases.
func (t *Tracker) LastSequence() int64 { return t.last }

// PendingRecovery reports whether a gap-recovery request is outstanding.
func (t *Tracker) PendingRecovery() bool { return t.pending }

// BufferedCount returns the number of out-of-order payloads held.
func (t *Tracker) BufferedCount() int { return len(t.buffered) }

// Reset drops in-memory out-of-order state after a socket close. The
// lastSequence watermark survives; it is the persisted resume point.
func (t *Tracker) Reset() {
	t.pending = false
	t.buffered = make(map[int64][]byte)
}

// Observe feeds one inbound sequenced payload. Messages without a sequence
// must never reach the tracker; the connection dispatches those directly.
func (t *Tracker) Observe(seq int64, raw []byte) Result {
	expected := t.last + 1

	switch {
	case seq <= t.last:
		// Duplicate. Discard silently.
		return Result{}

	case seq == expected:
		t.last = seq
		res := Result{Dispatch: [][]byte{raw}}
		res.Dispatch = append(res.Dispatch, t.release()...)
		return res

	case seq-expected > t.maxGap:
		// Too far ahead to recover economically. Favor liveness: adopt the
		// new watermark and report how much was abandoned.
		skipped := seq - expected
		t.last = seq
		t.pending = false
		res := Result{Dispatch: [][]byte{raw}, Skipped: skipped}
		t.prune()
		res.Dispatch = append(res.Dispatch, t.release()...)
		return res

	default:
		// Recoverable gap: hold the payload and ask for the missing span
		// once. Further out-of-order arrivals just join the buffer.
		t.buffered[seq] = raw
		if t.pending {
			return Result{}
		}
		t.pending = true
		return Result{RequestGap: &Span{From: expected, To: seq - 1}}
	}
}

// ApplyRecovery consumes a gap_recovery_response. Recovered messages are
// dispatched in order, the watermark advances, and any buffered payloads
// that became contiguous are released. Strictly-future payloads stay put.
func (t *Tracker) ApplyRecovery(records []protocol.SequencedRecord) Result {
	t.pending = false

	var res Result
	for _, rec := range records {
		if rec.Sequence <= t.last {
			continue
		}
		t.last = rec.Sequence
		res.Dispatch = append(res.Dispatch, rec.Raw)
	}

	t.prune()
	res.Dispatch = append(res.Dispatch, t.release()...)
	return res
}

// MergeReplay applies the handshake replay list plus the backend's view of
// its current sequence. Entries the client already has are skipped; the
// watermark never regresses.
func (t *Tracker) MergeReplay(records []protocol.SequencedRecord, currentSequence int64) Result {
	sorted := make([]protocol.SequencedRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	var res Result
	for _, rec := range sorted {
		if rec.Sequence <= t.last {
			continue
		}
		t.last = rec.Sequence
		res.Dispatch = append(res.Dispatch, rec.Raw)
	}

	// The backend is authoritative about where its stream stands. Adopting
	// its watermark avoids recovery requests for history that predates the
	// replay buffer.
	if currentSequence > t.last {
		t.last = currentSequence
	}

	t.prune()
	res.Dispatch = append(res.Dispatch, t.release()...)
	return res
}

// release drains buffered payloads that are now exactly next in line.
func (t *Tracker) release() [][]byte {
	var out [][]byte
	for {
		raw, ok := t.buffered[t.last+1]
		if !ok {
			return out
		}
		delete(t.buffered, t.last+1)
		t.last++
		out = append(out, raw)
	}
}

// prune discards buffered payloads at or below the watermark (duplicates
// after a jump or a recovery pass).
func (t *Tracker) prune() {
	for seq := range t.buffered {
		if seq <= t.last {
			delete(t.buffered, seq)
		}
	}
}
