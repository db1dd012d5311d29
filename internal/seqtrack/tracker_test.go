package seqtrack

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/tabrelay/tabrelay/internal/protocol"
)

func payload(seq int64) []byte {
	return []byte(fmt.Sprintf(`{"type":"batch","sequence":%d}`, seq))
}

func record(seq int64) protocol.SequencedRecord {
	return protocol.SequencedRecord{Sequence: seq, Raw: json.RawMessage(payload(seq))}
}

func seqsOf(t *testing.T, dispatched [][]byte) []int64 {
	t.Helper()
	var out []int64
	for _, raw := range dispatched {
		var env struct {
			Sequence int64 `json:"sequence"`
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("bad dispatched payload %s: %v", raw, err)
		}
		out = append(out, env.Sequence)
	}
	return out
}

func TestObserve_InOrder(t *testing.T) {
	tr := New(10, 50)

	res := tr.Observe(11, payload(11))
	if got := seqsOf(t, res.Dispatch); len(got) != 1 || got[0] != 11 {
		t.Fatalf("dispatch = %v, want [11]", got)
	}
	if tr.LastSequence() != 11 {
		t.Errorf("lastSequence = %d, want 11", tr.LastSequence())
	}
	if res.RequestGap != nil || res.Skipped != 0 {
		t.Errorf("unexpected side effects: %+v", res)
	}
}

func TestObserve_Duplicate(t *testing.T) {
	tr := New(10, 50)

	for _, seq := range []int64{10, 5, 1} {
		res := tr.Observe(seq, payload(seq))
		if len(res.Dispatch) != 0 {
			t.Errorf("duplicate %d dispatched", seq)
		}
	}
	if tr.LastSequence() != 10 {
		t.Errorf("lastSequence regressed to %d", tr.LastSequence())
	}
}

func TestObserve_GapTooLarge(t *testing.T) {
	tr := New(10, 50)

	res := tr.Observe(5000, payload(5000))
	if got := seqsOf(t, res.Dispatch); len(got) != 1 || got[0] != 5000 {
		t.Fatalf("dispatch = %v, want [5000]", got)
	}
	if tr.LastSequence() != 5000 {
		t.Errorf("lastSequence = %d, want 5000", tr.LastSequence())
	}
	if res.Skipped != 4989 {
		t.Errorf("Skipped = %d, want 4989", res.Skipped)
	}
	if res.RequestGap != nil {
		t.Error("gap-too-large must not request recovery")
	}
}

func TestObserve_RecoverableGapBuffersOnce(t *testing.T) {
	tr := New(10, 50)

	res := tr.Observe(15, payload(15))
	if len(res.Dispatch) != 0 {
		t.Fatal("gapped message dispatched early")
	}
	if res.RequestGap == nil || res.RequestGap.From != 11 || res.RequestGap.To != 14 {
		t.Fatalf("RequestGap = %+v, want [11,14]", res.RequestGap)
	}
	if !tr.PendingRecovery() {
		t.Error("PendingRecovery = false")
	}

	// A second out-of-order arrival joins the buffer without a new request.
	res = tr.Observe(17, payload(17))
	if res.RequestGap != nil {
		t.Error("second gap request emitted while one is outstanding")
	}
	if tr.BufferedCount() != 2 {
		t.Errorf("buffered = %d, want 2", tr.BufferedCount())
	}
	if tr.LastSequence() != 10 {
		t.Errorf("lastSequence = %d, want 10", tr.LastSequence())
	}
}

func TestApplyRecovery_RoundTrip(t *testing.T) {
	tr := New(10, 50)

	if res := tr.Observe(15, payload(15)); res.RequestGap == nil {
		t.Fatal("expected gap request")
	}

	res := tr.ApplyRecovery([]protocol.SequencedRecord{
		record(11), record(12), record(13), record(14),
	})

	want := []int64{11, 12, 13, 14, 15}
	got := seqsOf(t, res.Dispatch)
	if len(got) != len(want) {
		t.Fatalf("dispatch = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch = %v, want %v", got, want)
		}
	}
	if tr.LastSequence() != 15 {
		t.Errorf("lastSequence = %d, want 15", tr.LastSequence())
	}
	if tr.PendingRecovery() {
		t.Error("PendingRecovery still set")
	}
	if tr.BufferedCount() != 0 {
		t.Errorf("buffer not drained: %d", tr.BufferedCount())
	}
}

func TestApplyRecovery_LeavesFutureBuffered(t *testing.T) {
	tr := New(10, 50)

	tr.Observe(12, payload(12))
	tr.Observe(20, payload(20))

	res := tr.ApplyRecovery([]protocol.SequencedRecord{record(11)})

	// 11 recovered, 12 released; 20 still waits for 13..19.
	got := seqsOf(t, res.Dispatch)
	if len(got) != 2 || got[0] != 11 || got[1] != 12 {
		t.Fatalf("dispatch = %v, want [11 12]", got)
	}
	if tr.LastSequence() != 12 {
		t.Errorf("lastSequence = %d, want 12", tr.LastSequence())
	}
	if tr.BufferedCount() != 1 {
		t.Errorf("buffered = %d, want 1", tr.BufferedCount())
	}
}

func TestApplyRecovery_SkipsStaleRecords(t *testing.T) {
	tr := New(10, 50)
	tr.Observe(12, payload(12))

	res := tr.ApplyRecovery([]protocol.SequencedRecord{record(9), record(10), record(11)})
	got := seqsOf(t, res.Dispatch)
	if len(got) != 2 || got[0] != 11 || got[1] != 12 {
		t.Fatalf("dispatch = %v, want [11 12]", got)
	}
}

func TestMergeReplay(t *testing.T) {
	tr := New(5, 50)

	// Out-of-order replay list; 4 is stale.
	res := tr.MergeReplay([]protocol.SequencedRecord{
		record(8), record(6), record(4), record(7),
	}, 10)

	got := seqsOf(t, res.Dispatch)
	want := []int64{6, 7, 8}
	if len(got) != len(want) {
		t.Fatalf("dispatch = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch = %v, want %v", got, want)
		}
	}

	// currentSequence is authoritative past the replay tail.
	if tr.LastSequence() != 10 {
		t.Errorf("lastSequence = %d, want 10", tr.LastSequence())
	}
}

func TestMergeReplay_NeverRegresses(t *testing.T) {
	tr := New(100, 50)
	tr.MergeReplay([]protocol.SequencedRecord{record(3)}, 7)
	if tr.LastSequence() != 100 {
		t.Errorf("lastSequence = %d, want 100", tr.LastSequence())
	}
}

func TestReset_KeepsWatermark(t *testing.T) {
	tr := New(10, 50)
	tr.Observe(15, payload(15))

	tr.Reset()
	if tr.BufferedCount() != 0 || tr.PendingRecovery() {
		t.Error("Reset left out-of-order state behind")
	}
	if tr.LastSequence() != 10 {
		t.Errorf("lastSequence = %d, want 10", tr.LastSequence())
	}
}

func TestLastSequence_MonotonicUnderNoise(t *testing.T) {
	tr := New(0, 50)

	seqs := []int64{1, 2, 2, 1, 5, 3, 4, 5, 200, 150, 201, 201, 203, 202}
	prev := tr.LastSequence()
	for _, s := range seqs {
		tr.Observe(s, payload(s))
		if tr.LastSequence() < prev {
			t.Fatalf("lastSequence regressed: %d -> %d after seq %d", prev, tr.LastSequence(), s)
		}
		prev = tr.LastSequence()
	}
}
