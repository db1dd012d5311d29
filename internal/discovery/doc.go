// Package discovery implements the backend discovery component.
//
// The discovery sweeper:
//   - Probes the candidate port range (8875-8895 by default) on an interval
//   - Uses one short-lived server_info round trip per probe
//   - Prioritizes ports with a cached backend identity
//   - Reports live backends to a handler, typically the connection manager
package discovery
