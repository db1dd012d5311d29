package batcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/tabrelay/tabrelay/internal/protocol"
)

// captureSink records every payload it receives.
type captureSink struct {
	mu       sync.Mutex
	payloads map[int][][]byte
	deliver  bool
}

func newCaptureSink(deliver bool) *captureSink {
	return &captureSink{payloads: make(map[int][][]byte), deliver: deliver}
}

func (s *captureSink) SendToTab(tabID int, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads[tabID] = append(s.payloads[tabID], payload)
	return s.deliver
}

func (s *captureSink) batches(tabID int) []protocol.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Batch
	for _, p := range s.payloads[tabID] {
		var b protocol.Batch
		if json.Unmarshal(p, &b) == nil {
			out = append(out, b)
		}
	}
	return out
}

func entry(s string) json.RawMessage {
	return json.RawMessage(`{"level":"info","text":"` + s + `"}`)
}

func TestBatcher_SizeFlush(t *testing.T) {
	sink := newCaptureSink(true)
	b := New(Config{MaxEntries: 3, FlushInterval: time.Hour}, sink, nil)

	b.Add(1, entry("a"))
	b.Add(1, entry("b"))
	if got := len(sink.batches(1)); got != 0 {
		t.Fatalf("flushed %d batches below threshold, want 0", got)
	}

	b.Add(1, entry("c"))

	batches := sink.batches(1)
	if len(batches) != 1 {
		t.Fatalf("flushed %d batches, want 1", len(batches))
	}
	got := batches[0]
	if got.Type != protocol.TypeBatch || got.TabID != 1 {
		t.Errorf("batch = %+v, want type batch for tab 1", got)
	}
	if len(got.Entries) != 3 {
		t.Errorf("batch holds %d entries, want 3", len(got.Entries))
	}
	if b.Pending(1) != 0 {
		t.Errorf("Pending = %d after flush, want 0", b.Pending(1))
	}
}

func TestBatcher_IntervalFlush(t *testing.T) {
	sink := newCaptureSink(true)
	b := New(Config{MaxEntries: 1000, FlushInterval: 10 * time.Millisecond}, sink, nil)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop(context.Background())

	b.Add(7, entry("x"))

	deadline := time.Now().Add(time.Second)
	for len(sink.batches(7)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(sink.batches(7)) == 0 {
		t.Fatal("interval flush never fired")
	}
}

func TestBatcher_PerTabIsolation(t *testing.T) {
	sink := newCaptureSink(true)
	b := New(Config{MaxEntries: 2, FlushInterval: time.Hour}, sink, nil)

	b.Add(1, entry("a"))
	b.Add(2, entry("b"))
	b.Add(1, entry("c")) // tab 1 crosses the threshold, tab 2 does not

	if got := len(sink.batches(1)); got != 1 {
		t.Errorf("tab 1 flushed %d batches, want 1", got)
	}
	if got := len(sink.batches(2)); got != 0 {
		t.Errorf("tab 2 flushed %d batches, want 0", got)
	}
	if b.Pending(2) != 1 {
		t.Errorf("tab 2 Pending = %d, want 1", b.Pending(2))
	}
}

func TestBatcher_StopFlushesPending(t *testing.T) {
	sink := newCaptureSink(true)
	b := New(Config{MaxEntries: 1000, FlushInterval: time.Hour}, sink, nil)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	b.Add(3, entry("last words"))
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if got := len(sink.batches(3)); got != 1 {
		t.Errorf("flushed %d batches on stop, want 1", got)
	}
}

func TestBatcher_Stats(t *testing.T) {
	sink := newCaptureSink(false) // sink queues everything
	b := New(Config{MaxEntries: 2, FlushInterval: time.Hour}, sink, nil)

	b.Add(1, entry("a"))
	b.Add(1, entry("b"))

	st := b.Stats()
	if st.Entries != 2 || st.Batches != 1 {
		t.Errorf("stats = %+v, want 2 entries in 1 batch", st)
	}
	if st.Queued != 1 || st.Delivered != 0 {
		t.Errorf("stats = %+v, want the batch counted as queued", st)
	}
}
