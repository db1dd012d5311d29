// Package metrics exposes Prometheus collectors for connection health and
// message-loss accounting. Gap skip-ahead losses are counted here rather
// than dropped silently.
package metrics
