package backoff

import (
	"math/rand"
	"testing"
	"time"
)

func TestDelay_NoJitter(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 60 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second}, // 64s clamped
		{10, 60 * time.Second},
		{63, 60 * time.Second}, // would overflow without the guard
		{100, 60 * time.Second},
		{-1, time.Second}, // treated as attempt 0
	}

	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelay_JitterStaysInBounds(t *testing.T) {
	b := Backoff{
		Base:   time.Second,
		Max:    60 * time.Second,
		Jitter: 0.25,
		Rand:   rand.New(rand.NewSource(1)),
	}

	for attempt := 0; attempt < 20; attempt++ {
		for i := 0; i < 200; i++ {
			d := b.Delay(attempt)
			if d < b.Base || d > b.Max {
				t.Fatalf("Delay(%d) = %v outside [%v, %v]", attempt, d, b.Base, b.Max)
			}
		}
	}
}

func TestDelay_NonDecreasingEnvelope(t *testing.T) {
	b := Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second}

	prev := time.Duration(0)
	for attempt := 0; attempt < 16; attempt++ {
		d := b.Delay(attempt)
		if d < prev {
			t.Fatalf("Delay(%d) = %v decreased from %v", attempt, d, prev)
		}
		prev = d
	}
	if prev != b.Max {
		t.Errorf("envelope never saturated: final %v, max %v", prev, b.Max)
	}
}

func TestDefault(t *testing.T) {
	b := Default()
	if b.Base != time.Second || b.Max != 60*time.Second {
		t.Errorf("unexpected defaults: %+v", b)
	}
	if b.Jitter != 0.25 {
		t.Errorf("Jitter = %v, want 0.25", b.Jitter)
	}
}
