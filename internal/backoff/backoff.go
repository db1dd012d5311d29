// Package backoff computes reconnection delays: capped exponential growth
// with symmetric jitter, floored at the base delay.
package backoff

import (
	"math/rand"
	"time"
)

// Backoff computes the delay before reconnect attempt n.
type Backoff struct {
	Base time.Duration // delay for attempt 0, also the floor
	Max  time.Duration // saturation cap

	// Jitter is the symmetric perturbation fraction applied to the
	// exponential value (0.25 means ±25%). Zero disables jitter, which
	// tests rely on for determinism.
	Jitter float64

	// Rand supplies the jitter randomness. Nil uses the global source.
	Rand *rand.Rand
}

// Default matches the reconnect envelope used against local backends:
// 1s, 2s, 4s, ... capped at 60s, ±25% jitter.
func Default() Backoff {
	return Backoff{
		Base:   time.Second,
		Max:    60 * time.Second,
		Jitter: 0.25,
	}
}

// Delay returns the wait before attempt n (n starts at 0). The result is
// always within [Base, Max] regardless of jitter.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := b.Base
	// Shift with overflow guard; past the cap the exact value is irrelevant.
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max || d < 0 {
			d = b.Max
			break
		}
	}
	if d > b.Max {
		d = b.Max
	}

	if b.Jitter > 0 {
		span := float64(d) * b.Jitter
		d += time.Duration((b.float64()*2 - 1) * span)
	}

	if d < b.Base {
		d = b.Base
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

func (b Backoff) float64() float64 {
	if b.Rand != nil {
		return b.Rand.Float64()
	}
	return rand.Float64()
}
