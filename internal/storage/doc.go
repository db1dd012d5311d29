// Package storage persists per-port session state: sequence watermarks,
// pending outbound queues, and the port-to-backend-identity cache.
//
// Three implementations share the Store interface: Memory (tests, ephemeral
// runs), SQLite (default single-file store for a localhost daemon), and
// Postgres (shared store for state that must outlive the local disk).
// Everything is keyed by port; backend identity is advisory only.
package storage
