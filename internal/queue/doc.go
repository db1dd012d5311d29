// Package queue buffers outbound payloads while a connection is down.
//
// The queue is capacity-bounded with a drop-oldest overflow policy: under
// sustained disconnection producers keep the newest N messages and tolerate
// silent drops. Contents persist across process restarts and are cleared
// from storage only after a fully successful flush.
package queue
