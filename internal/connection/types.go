package connection

import (
	"context"
	"errors"
	"time"

	"github.com/tabrelay/tabrelay/internal/backoff"
	"github.com/tabrelay/tabrelay/internal/queue"
	"github.com/tabrelay/tabrelay/internal/seqtrack"
)

// Errors surfaced by Manager operations. Transport-level failures are never
// propagated here; the reconnection machinery absorbs them.
var (
	ErrConnectTimeout    = errors.New("socket did not open in time")
	ErrHandshakeFailed   = errors.New("no handshake acknowledgment")
	ErrCapacityExceeded  = errors.New("connection capacity exceeded")
	ErrUnknownConnection = errors.New("no connection for port")
	ErrNotConnected      = errors.New("not connected")
)

// State is a connection's position in its lifecycle.
type State int

const (
	StateConnecting State = iota
	StateAwaitingAck
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Socket is one live transport session. The gorilla-backed Client implements
// it; tests substitute fakes.
type Socket interface {
	// Send writes one message. Serialized internally.
	Send(data []byte) error

	// Messages yields inbound messages. Closed when the socket dies.
	Messages() <-chan []byte

	// Errors yields at most one transport error.
	Errors() <-chan error

	// Close tears the socket down. Idempotent.
	Close() error
}

// Dialer opens sockets to backend ports.
type Dialer interface {
	Dial(ctx context.Context, port int) (Socket, error)
}

// DispatchFunc receives inbound application payloads that passed sequence
// checking, plus the port they arrived on.
type DispatchFunc func(port int, payload []byte)

// Config controls a single connection's behavior.
type Config struct {
	// ConnectTimeout bounds the socket open.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// AckTimeout bounds the wait for connection_ack after open, and is
	// also the slack allowed on heartbeat replies.
	AckTimeout time.Duration `yaml:"ack_timeout"`

	// HeartbeatInterval is the fixed ping period while Ready.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MaxGap is the widest inbound sequence gap worth recovering.
	MaxGap int64 `yaml:"max_gap"`

	// ClientVersion and Capabilities are advertised in connection_init.
	ClientVersion string   `yaml:"client_version"`
	Capabilities  []string `yaml:"capabilities"`

	Queue queue.Config `yaml:"queue"`
}

// DefaultConfig returns sensible defaults for localhost backends.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		AckTimeout:        5 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		MaxGap:            seqtrack.DefaultMaxGap,
		ClientVersion:     "dev",
		Capabilities:      []string{"logs", "batch", "gap_recovery"},
		Queue:             queue.DefaultConfig(),
	}
}

// ManagerConfig controls the connection set as a whole.
type ManagerConfig struct {
	// MaxConnections bounds concurrent live connections.
	MaxConnections int `yaml:"max_connections"`

	Conn    Config          `yaml:"conn"`
	Backoff backoff.Backoff `yaml:"-"`

	// ReconnectBase and ReconnectMax feed the backoff calculator when the
	// manager is built from YAML.
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxConnections: 8,
		Conn:           DefaultConfig(),
		Backoff:        backoff.Default(),
		ReconnectBase:  time.Second,
		ReconnectMax:   60 * time.Second,
	}
}

// Info is a read-only snapshot of one connection, safe to call anytime.
type Info struct {
	Port        int    `json:"port"`
	BackendID   string `json:"backendId,omitempty"`
	BackendName string `json:"backendName,omitempty"`
	BackendPath string `json:"backendPath,omitempty"`
	TabCount    int    `json:"tabCount"`
	QueueSize   int    `json:"queueSize"`
	Ready       bool   `json:"ready"`
	IsPrimary   bool   `json:"isPrimary"`
}

// Status aggregates manager-level health for the host UI.
type Status struct {
	TotalConnections int    `json:"totalConnections"`
	ReadyConnections int    `json:"readyConnections"`
	PrimaryPort      int    `json:"primaryPort,omitempty"`
	QueuedMessages   int    `json:"queuedMessages"`
	LastError        string `json:"lastError,omitempty"`
}

// Hint carries optional backend identity known before connecting (from the
// discovery probe), recorded in the identity cache on handshake.
type Hint struct {
	BackendName string
	BackendPath string
}
