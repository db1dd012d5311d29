package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Message types on the wire. The type field dispatches everything.
const (
	TypeConnectionInit     = "connection_init"
	TypeConnectionAck      = "connection_ack"
	TypeHeartbeat          = "heartbeat"
	TypePong               = "pong"
	TypeGapRecovery        = "gap_recovery"
	TypeGapRecoveryResp    = "gap_recovery_response"
	TypeBatch              = "batch"
	TypeServerInfo         = "server_info"
	TypeServerInfoResponse = "server_info_response"
)

// Envelope is the minimal decode of any inbound message: the type tag plus
// the optional sequence number. Control messages (handshake ack, pong, gap
// recovery) never carry a sequence; application payloads usually do.
type Envelope struct {
	Type     string `json:"type"`
	Sequence int64  `json:"sequence,omitempty"`

	// Raw holds the full original bytes for dispatch after sequencing.
	Raw json.RawMessage `json:"-"`
}

// Decode parses the envelope of an inbound message. The raw bytes are
// retained so sequenced payloads can be dispatched without re-encoding.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type field")
	}
	env.Raw = data
	return env, nil
}

// IsControl reports whether a message type belongs to the session protocol
// itself. Control messages bypass sequence tracking entirely.
func IsControl(msgType string) bool {
	switch msgType {
	case TypeConnectionAck, TypePong, TypeGapRecoveryResp, TypeServerInfoResponse:
		return true
	}
	return false
}

// ConnectionInit is the client's handshake request, sent on socket open.
type ConnectionInit struct {
	Type         string   `json:"type"`
	LastSequence int64    `json:"lastSequence"`
	ClientID     string   `json:"clientId,omitempty"`
	Version      string   `json:"extensionVersion"`
	Capabilities []string `json:"capabilities"`
}

// ConnectionAck is the backend's handshake acknowledgment. Replay holds
// messages the backend buffered past the client's lastSequence (capped
// server-side, typically at 100 entries).
type ConnectionAck struct {
	Type            string            `json:"type"`
	BackendID       string            `json:"project_id,omitempty"`
	BackendName     string            `json:"project_name,omitempty"`
	BackendPath     string            `json:"project_path,omitempty"`
	ServerVersion   string            `json:"serverVersion,omitempty"`
	CurrentSequence int64             `json:"currentSequence,omitempty"`
	Replay          []SequencedRecord `json:"replay,omitempty"`
}

// SequencedRecord is one replayed or recovered message.
type SequencedRecord struct {
	Sequence int64           `json:"sequence"`
	Raw      json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps both the sequence and the complete original object,
// so recovered messages can be dispatched verbatim.
func (r *SequencedRecord) UnmarshalJSON(data []byte) error {
	var seq struct {
		Sequence int64 `json:"sequence"`
	}
	if err := json.Unmarshal(data, &seq); err != nil {
		return err
	}
	r.Sequence = seq.Sequence
	r.Raw = append(r.Raw[:0], data...)
	return nil
}

// MarshalJSON emits the original object when present (round trips test
// fixtures), otherwise just the sequence.
func (r SequencedRecord) MarshalJSON() ([]byte, error) {
	if len(r.Raw) > 0 {
		return r.Raw, nil
	}
	return json.Marshal(struct {
		Sequence int64 `json:"sequence"`
	}{r.Sequence})
}

// Heartbeat is the client liveness ping.
type Heartbeat struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Pong is the backend's heartbeat reply. Correlation is by recency, not id.
type Pong struct {
	Type      string    `json:"type"`
	Timestamp FlexInt64 `json:"timestamp,omitempty"`
}

// GapRecovery asks the backend to resend the inclusive sequence span
// [FromSequence, ToSequence].
type GapRecovery struct {
	Type         string `json:"type"`
	FromSequence int64  `json:"fromSequence"`
	ToSequence   int64  `json:"toSequence"`
}

// GapRecoveryResponse carries the missed messages, in sequence order.
type GapRecoveryResponse struct {
	Type     string            `json:"type"`
	Messages []SequencedRecord `json:"messages"`
}

// ServerInfoRequest probes a candidate port before committing to a session.
type ServerInfoRequest struct {
	Type string `json:"type"`
}

// ServerInfoResponse identifies the backend listening on a probed port.
type ServerInfoResponse struct {
	Type        string `json:"type"`
	Port        int    `json:"port"`
	ProjectName string `json:"project_name"`
	ProjectPath string `json:"project_path"`
	Version     string `json:"version"`
}

// Batch is an application payload: captured page events for one tab.
type Batch struct {
	Type      string            `json:"type"`
	Sequence  int64             `json:"sequence,omitempty"`
	TabID     int               `json:"tabId"`
	Entries   []json.RawMessage `json:"entries"`
	Timestamp int64             `json:"timestamp,omitempty"`
}

// FlexInt64 unmarshals from a JSON number, an integer string, or an RFC 3339
// timestamp string. Backends are inconsistent about how they encode
// timestamps, so the decoder tolerates all three.
type FlexInt64 int64

func (f *FlexInt64) UnmarshalJSON(data []byte) error {
	var i int64
	if err := json.Unmarshal(data, &i); err == nil {
		*f = FlexInt64(i)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	i, err := strconv.ParseInt(s, 10, 64)
	if err == nil {
		*f = FlexInt64(i)
		return nil
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	*f = FlexInt64(t.UnixMilli())
	return nil
}
