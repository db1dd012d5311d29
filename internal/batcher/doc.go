// Package batcher coalesces captured page events into per-tab batch
// payloads, flushed by size threshold or interval.
package batcher
