// Package seqtrack implements per-connection sequence bookkeeping: duplicate
// suppression, in-order dispatch, bounded out-of-order buffering, and the
// gap-recovery handoff. Delivery is at-least-once with dedup; for gaps wider
// than MaxGap the tracker deliberately skips ahead rather than stall.
package seqtrack
