// Package protocol defines the JSON wire messages exchanged with backends.
//
// Every message carries a "type" field used for dispatch. Application
// payloads additionally carry a monotonically increasing "sequence" assigned
// by the sender; protocol-control messages (connection_ack, pong,
// gap_recovery_response, server_info_response) never do and bypass sequence
// tracking.
package protocol
