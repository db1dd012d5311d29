package storage

import (
	"path/filepath"
	"testing"
	"time"
)

// storeUnderTest exercises every Store implementation through one suite.
func storeUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	mem := NewMemory()
	t.Cleanup(func() { mem.Close() })

	return map[string]Store{
		"memory": mem,
		"sqlite": sqlite,
	}
}

func TestSequenceRoundTrip(t *testing.T) {
	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			seq, err := store.LoadSequence(8875)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if seq != 0 {
				t.Errorf("fresh sequence = %d, want 0", seq)
			}

			if err := store.SaveSequence(8875, 42); err != nil {
				t.Fatalf("save: %v", err)
			}
			if err := store.SaveSequence(8875, 99); err != nil {
				t.Fatalf("overwrite: %v", err)
			}

			seq, err = store.LoadSequence(8875)
			if err != nil {
				t.Fatalf("reload: %v", err)
			}
			if seq != 99 {
				t.Errorf("sequence = %d, want 99", seq)
			}

			// Other ports are unaffected.
			if seq, _ := store.LoadSequence(8876); seq != 0 {
				t.Errorf("port 8876 sequence = %d, want 0", seq)
			}
		})
	}
}

func TestQueueRoundTrip(t *testing.T) {
	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			payloads := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
			if err := store.SaveQueue(8880, payloads); err != nil {
				t.Fatalf("save: %v", err)
			}

			got, err := store.LoadQueue(8880)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("loaded %d payloads, want 3", len(got))
			}
			for i, want := range []string{"first", "second", "third"} {
				if string(got[i]) != want {
					t.Errorf("payload[%d] = %s, want %s", i, got[i], want)
				}
			}

			// SaveQueue replaces, not appends.
			if err := store.SaveQueue(8880, [][]byte{[]byte("only")}); err != nil {
				t.Fatalf("replace: %v", err)
			}
			got, _ = store.LoadQueue(8880)
			if len(got) != 1 || string(got[0]) != "only" {
				t.Errorf("after replace: %q", got)
			}

			if err := store.ClearQueue(8880); err != nil {
				t.Fatalf("clear: %v", err)
			}
			got, _ = store.LoadQueue(8880)
			if len(got) != 0 {
				t.Errorf("queue not cleared: %d entries", len(got))
			}
		})
	}
}

func TestIdentityCache(t *testing.T) {
	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			seen := time.Now().Truncate(time.Millisecond)
			id := Identity{
				BackendID:   "proj-1",
				BackendName: "demo",
				BackendPath: "/home/dev/demo",
				LastSeen:    seen,
			}
			if err := store.SaveIdentity(8875, id); err != nil {
				t.Fatalf("save: %v", err)
			}

			all, err := store.Identities()
			if err != nil {
				t.Fatalf("identities: %v", err)
			}
			got, ok := all[8875]
			if !ok {
				t.Fatal("identity for 8875 missing")
			}
			if got.BackendID != "proj-1" || got.BackendName != "demo" {
				t.Errorf("identity = %+v", got)
			}
			if !got.LastSeen.Equal(seen) {
				t.Errorf("LastSeen = %v, want %v", got.LastSeen, seen)
			}
		})
	}
}

func TestIdentitySurvivesSequenceWrites(t *testing.T) {
	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.SaveIdentity(9000, Identity{BackendID: "x", LastSeen: time.Now()}); err != nil {
				t.Fatalf("save identity: %v", err)
			}
			if err := store.SaveSequence(9000, 7); err != nil {
				t.Fatalf("save sequence: %v", err)
			}

			all, err := store.Identities()
			if err != nil {
				t.Fatalf("identities: %v", err)
			}
			if all[9000].BackendID != "x" {
				t.Error("identity clobbered by sequence write")
			}
			seq, _ := store.LoadSequence(9000)
			if seq != 7 {
				t.Errorf("sequence = %d, want 7", seq)
			}
		})
	}
}

func TestMemoryClose(t *testing.T) {
	mem := NewMemory()
	mem.Close()
	if err := mem.SaveSequence(1, 1); err != ErrClosed {
		t.Errorf("SaveSequence after close = %v, want ErrClosed", err)
	}
}
