package storage

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Identity is the last-known identity of the backend seen on a port. It is
// advisory: used to prioritize reconnect candidates, never as the durable
// key for sequence or queue state (the port is).
type Identity struct {
	BackendID   string
	BackendName string
	BackendPath string
	LastSeen    time.Time
}

// Store persists per-port session state across process restarts: the
// sequence watermark, pending outbound payloads, and the port-to-identity
// cache. Implementations must be safe for concurrent use.
type Store interface {
	// LoadSequence returns the persisted watermark for port, zero if none.
	LoadSequence(port int) (int64, error)

	// SaveSequence records the watermark for port.
	SaveSequence(port int, seq int64) error

	// LoadQueue returns pending payloads for port in enqueue order.
	LoadQueue(port int) ([][]byte, error)

	// SaveQueue replaces the pending payloads for port.
	SaveQueue(port int, payloads [][]byte) error

	// ClearQueue removes all pending payloads for port.
	ClearQueue(port int) error

	// SaveIdentity records the backend identity observed on port.
	SaveIdentity(port int, id Identity) error

	// Identities returns the full port-to-identity cache.
	Identities() (map[int]Identity, error)

	// Close releases underlying resources.
	Close() error
}

// Memory is an in-process Store for tests and ephemeral runs.
type Memory struct {
	mu         sync.Mutex
	closed     bool
	sequences  map[int]int64
	queues     map[int][][]byte
	identities map[int]Identity
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sequences:  make(map[int]int64),
		queues:     make(map[int][][]byte),
		identities: make(map[int]Identity),
	}
}

func (m *Memory) LoadSequence(port int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.sequences[port], nil
}

func (m *Memory) SaveSequence(port int, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.sequences[port] = seq
	return nil
}

func (m *Memory) LoadQueue(port int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	stored := m.queues[port]
	out := make([][]byte, len(stored))
	for i, p := range stored {
		out[i] = append([]byte(nil), p...)
	}
	return out, nil
}

func (m *Memory) SaveQueue(port int, payloads [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := make([][]byte, len(payloads))
	for i, p := range payloads {
		cp[i] = append([]byte(nil), p...)
	}
	m.queues[port] = cp
	return nil
}

func (m *Memory) ClearQueue(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.queues, port)
	return nil
}

func (m *Memory) SaveIdentity(port int, id Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.identities[port] = id
	return nil
}

func (m *Memory) Identities() (map[int]Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[int]Identity, len(m.identities))
	for k, v := range m.identities {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
