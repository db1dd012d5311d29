package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantType string
		wantSeq  int64
		wantErr  bool
	}{
		{
			name:     "batch with sequence",
			input:    `{"type":"batch","sequence":42,"tabId":7,"entries":[]}`,
			wantType: TypeBatch,
			wantSeq:  42,
		},
		{
			name:     "pong without sequence",
			input:    `{"type":"pong"}`,
			wantType: TypePong,
			wantSeq:  0,
		},
		{
			name:    "missing type",
			input:   `{"sequence":1}`,
			wantErr: true,
		},
		{
			name:    "not json",
			input:   `garbage`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if env.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", env.Type, tt.wantType)
			}
			if env.Sequence != tt.wantSeq {
				t.Errorf("Sequence = %d, want %d", env.Sequence, tt.wantSeq)
			}
			if string(env.Raw) != tt.input {
				t.Errorf("Raw not preserved: %s", env.Raw)
			}
		})
	}
}

func TestIsControl(t *testing.T) {
	control := []string{TypeConnectionAck, TypePong, TypeGapRecoveryResp, TypeServerInfoResponse}
	for _, typ := range control {
		if !IsControl(typ) {
			t.Errorf("IsControl(%q) = false, want true", typ)
		}
	}

	application := []string{TypeBatch, TypeHeartbeat, TypeConnectionInit, "console_log", ""}
	for _, typ := range application {
		if IsControl(typ) {
			t.Errorf("IsControl(%q) = true, want false", typ)
		}
	}
}

func TestConnectionAck_ReplayKeepsRawBytes(t *testing.T) {
	input := `{
		"type": "connection_ack",
		"project_id": "abc-123",
		"project_name": "demo",
		"currentSequence": 10,
		"replay": [
			{"type":"batch","sequence":9,"tabId":1,"entries":[{"level":"warn"}]},
			{"type":"batch","sequence":10,"tabId":1,"entries":[]}
		]
	}`

	var ack ConnectionAck
	if err := json.Unmarshal([]byte(input), &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}

	if ack.BackendID != "abc-123" {
		t.Errorf("BackendID = %q", ack.BackendID)
	}
	if ack.CurrentSequence != 10 {
		t.Errorf("CurrentSequence = %d", ack.CurrentSequence)
	}
	if len(ack.Replay) != 2 {
		t.Fatalf("replay length = %d, want 2", len(ack.Replay))
	}
	if ack.Replay[0].Sequence != 9 || ack.Replay[1].Sequence != 10 {
		t.Errorf("replay sequences = %d,%d", ack.Replay[0].Sequence, ack.Replay[1].Sequence)
	}

	// The raw bytes must survive so recovered messages dispatch verbatim.
	var entry struct {
		TabID int `json:"tabId"`
	}
	if err := json.Unmarshal(ack.Replay[0].Raw, &entry); err != nil {
		t.Fatalf("raw replay entry not preserved: %v", err)
	}
	if entry.TabID != 1 {
		t.Errorf("tabId = %d, want 1", entry.TabID)
	}
}

func TestFlexInt64(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int64
		wantErr bool
	}{
		{"number", `1700000000000`, 1700000000000, false},
		{"integer string", `"1700000000000"`, 1700000000000, false},
		{"rfc3339", `"2026-01-06T15:24:59.504Z"`, 1767713099504, false},
		{"garbage string", `"not-a-time"`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f FlexInt64
			err := json.Unmarshal([]byte(tt.input), &f)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if int64(f) != tt.want {
				t.Errorf("got %d, want %d", int64(f), tt.want)
			}
		})
	}
}
