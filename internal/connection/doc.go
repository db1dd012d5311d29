// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Maintains up to 8 concurrent WebSocket sessions, one per backend port
//   - Runs the handshake (connection_init / connection_ack) with replay merge
//   - Tracks per-session sequence numbers and recovers gaps
//   - Queues outbound messages while a session is down and flushes in order
//   - Detects dead peers via heartbeats and reconnects with exponential backoff
//   - Routes tab traffic to bound connections and maintains a primary
package connection
