package connection

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tabrelay/tabrelay/internal/metrics"
	"github.com/tabrelay/tabrelay/internal/storage"
)

// Manager owns the connection set: at most MaxConnections live sessions
// keyed by backend port, the tab-to-port routing map, primary-connection
// selection, and reconnection scheduling.
type Manager struct {
	cfg      ManagerConfig
	dialer   Dialer
	store    storage.Store
	met      *metrics.Metrics
	logger   *slog.Logger
	dispatch DispatchFunc

	mu    sync.Mutex
	conns map[int]*Conn
	// wanted marks ports that should exist: set on successful connect,
	// cleared on explicit disconnect. A scheduled reconnect that fires
	// after its port left this set does nothing.
	wanted   map[int]bool
	tabs     map[int]int // tab id -> port
	attempts map[int]int // reconnect attempts per port, reset on success
	timers   map[int]*time.Timer
	// inflight deduplicates concurrent connect calls per port.
	inflight map[int]*connectCall
	primary  int
	lastErr  string
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
}

type connectCall struct {
	done chan struct{}
	conn *Conn
	err  error
}

// NewManager creates a connection manager with injected dependencies. A nil
// metrics is valid; a nil logger falls back to slog.Default().
func NewManager(cfg ManagerConfig, dialer Dialer, store storage.Store, dispatch DispatchFunc, met *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultManagerConfig().MaxConnections
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = cfg.ReconnectBase
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = cfg.ReconnectMax
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		store:    store,
		met:      met,
		logger:   logger,
		dispatch: dispatch,
		conns:    make(map[int]*Conn),
		wanted:   make(map[int]bool),
		tabs:     make(map[int]int),
		attempts: make(map[int]int),
		timers:   make(map[int]*time.Timer),
		inflight: make(map[int]*connectCall),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect returns the existing ready connection for port, or establishes a
// new one: dial, handshake, register, primary assignment. Concurrent calls
// for the same port share one attempt. Fails with ErrCapacityExceeded when
// the set is full, ErrConnectTimeout or ErrHandshakeFailed from the
// handshake path.
func (m *Manager) Connect(ctx context.Context, port int, hint *Hint) (*Conn, error) {
	m.mu.Lock()
	if existing, ok := m.conns[port]; ok && existing.Ready() {
		m.mu.Unlock()
		return existing, nil
	}

	if call, ok := m.inflight[port]; ok {
		m.mu.Unlock()
		<-call.done
		return call.conn, call.err
	}

	if m.liveCountLocked() >= m.cfg.MaxConnections {
		if _, already := m.conns[port]; !already {
			m.mu.Unlock()
			return nil, ErrCapacityExceeded
		}
	}

	call := &connectCall{done: make(chan struct{})}
	m.inflight[port] = call
	m.mu.Unlock()

	conn, err := m.establish(ctx, port, hint)

	m.mu.Lock()
	delete(m.inflight, port)
	call.conn, call.err = conn, err
	if err != nil {
		m.lastErr = err.Error()
	}
	m.mu.Unlock()
	close(call.done)

	return conn, err
}

// establish dials and registers a connection for port.
func (m *Manager) establish(ctx context.Context, port int, hint *Hint) (*Conn, error) {
	m.mu.Lock()
	conn, ok := m.conns[port]
	m.mu.Unlock()

	if !ok {
		var err error
		conn, err = newConn(port, m.cfg.Conn, m.store, m.met, m.dispatch, m.scheduleReconnect, m.logger)
		if err != nil {
			return nil, err
		}
		if hint != nil {
			conn.backendName = hint.BackendName
			conn.backendPath = hint.BackendPath
		}
	}

	if err := conn.Open(ctx, m.dialer); err != nil {
		// A socket that opened but never acked is treated as a close:
		// the port is kept wanted and retried on the backoff schedule.
		// A socket that never opened is left to the caller's policy.
		if errors.Is(err, ErrHandshakeFailed) {
			m.mu.Lock()
			m.conns[port] = conn
			m.wanted[port] = true
			m.mu.Unlock()
			m.scheduleReconnect(port)
		}
		return nil, err
	}

	m.mu.Lock()
	m.conns[port] = conn
	m.wanted[port] = true
	m.attempts[port] = 0
	if m.primary == 0 {
		m.primary = port
	}
	m.mu.Unlock()

	m.logger.Info("connection registered", "port", port, "primary", m.Primary() == port)
	return conn, nil
}

// Disconnect tears down the connection for port: heartbeat stopped, socket
// closed, state persisted, tab bindings removed, primary reassigned, and
// any pending reconnect for the port cancelled. Unknown ports are a no-op.
func (m *Manager) Disconnect(port int) {
	m.mu.Lock()
	conn, ok := m.conns[port]
	if !ok {
		// Still clear wanted state so a pending reconnect cannot
		// resurrect a port removed mid-backoff.
		delete(m.wanted, port)
		m.cancelTimerLocked(port)
		m.mu.Unlock()
		return
	}

	delete(m.conns, port)
	delete(m.wanted, port)
	delete(m.attempts, port)
	m.cancelTimerLocked(port)

	for tab, p := range m.tabs {
		if p == port {
			delete(m.tabs, tab)
		}
	}

	if m.primary == port {
		m.primary = 0
		for p := range m.conns {
			m.primary = p
			break
		}
	}
	m.mu.Unlock()

	conn.Close()
	m.logger.Info("disconnected", "port", port)
}

// DisconnectAll disconnects every live connection and clears routing state.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	ports := make([]int, 0, len(m.conns))
	for p := range m.conns {
		ports = append(ports, p)
	}
	m.mu.Unlock()

	for _, p := range ports {
		m.Disconnect(p)
	}

	m.mu.Lock()
	m.tabs = make(map[int]int)
	m.primary = 0
	m.lastErr = ""
	m.mu.Unlock()
}

// Close shuts the manager down: no further reconnects, all connections
// closed with state persisted.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.DisconnectAll()
}

// AssignTab binds a tab to a connection's port, replacing any prior
// binding. Fails with ErrUnknownConnection if no live connection exists.
func (m *Manager) AssignTab(tabID, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conns[port]; !ok {
		return ErrUnknownConnection
	}
	m.tabs[tabID] = port
	return nil
}

// RemoveTab unbinds a tab. Unbound tabs are a no-op.
func (m *Manager) RemoveTab(tabID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tabs, tabID)
}

// SendToTab routes a payload to the tab's bound connection. Returns true
// only when the payload went straight to a live socket; false means it was
// queued, or the tab is unbound.
func (m *Manager) SendToTab(tabID int, payload []byte) bool {
	m.mu.Lock()
	port, bound := m.tabs[tabID]
	conn := m.conns[port]
	m.mu.Unlock()

	if !bound || conn == nil {
		return false
	}
	return conn.Send(payload)
}

// Broadcast sends a payload to every connection, returning the count of
// immediate (non-queued) deliveries.
func (m *Manager) Broadcast(payload []byte) int {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	delivered := 0
	for _, c := range conns {
		if c.Send(payload) {
			delivered++
		}
	}
	return delivered
}

// ListConnections returns a snapshot of every connection, ordered by port.
func (m *Manager) ListConnections() []Info {
	m.mu.Lock()
	tabCounts := make(map[int]int)
	for _, port := range m.tabs {
		tabCounts[port]++
	}
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	primary := m.primary
	m.mu.Unlock()

	infos := make([]Info, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.info(tabCounts[c.port], c.port == primary))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Port < infos[j].Port })
	return infos
}

// GetStatus aggregates manager health.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	st := Status{
		TotalConnections: len(conns),
		PrimaryPort:      m.primary,
		LastError:        m.lastErr,
	}
	m.mu.Unlock()

	for _, c := range conns {
		if c.Ready() {
			st.ReadyConnections++
		}
		st.QueuedMessages += c.QueueSize()
	}
	return st
}

// Primary returns the primary connection's port, zero if none.
func (m *Manager) Primary() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary
}

// TabPort returns the port a tab is bound to, false if unbound.
func (m *Manager) TabPort(tabID int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	port, ok := m.tabs[tabID]
	return port, ok
}

// Resume reconnects to previously known backends after a host restart or
// suspension, most recently seen first, up to capacity. Failures are
// logged, not returned; the reconnect machinery keeps trying.
func (m *Manager) Resume(ctx context.Context) {
	ids, err := m.store.Identities()
	if err != nil {
		m.logger.Warn("failed to load identity cache", "error", err)
		return
	}

	type candidate struct {
		port int
		seen time.Time
	}
	cands := make([]candidate, 0, len(ids))
	for port, id := range ids {
		cands = append(cands, candidate{port: port, seen: id.LastSeen})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].seen.After(cands[j].seen) })

	for _, cand := range cands {
		if _, err := m.Connect(ctx, cand.port, nil); err != nil {
			m.logger.Info("resume connect failed", "port", cand.port, "error", err)
		}
	}
}

// scheduleReconnect is invoked by a Conn when an established session drops.
// The delay follows the capped exponential backoff; attempts are unbounded.
// The fired timer re-checks that the port is still wanted, so an explicit
// Disconnect during the backoff window wins.
func (m *Manager) scheduleReconnect(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || !m.wanted[port] {
		return
	}
	if _, pending := m.timers[port]; pending {
		return
	}

	attempt := m.attempts[port]
	m.attempts[port] = attempt + 1
	delay := m.cfg.Backoff.Delay(attempt)
	m.met.IncReconnects()

	m.logger.Info("scheduling reconnect",
		"port", port,
		"attempt", attempt,
		"delay", delay,
	)

	m.timers[port] = time.AfterFunc(delay, func() {
		m.reconnect(port)
	})
}

// reconnect runs one reconnection attempt for port.
func (m *Manager) reconnect(port int) {
	m.mu.Lock()
	delete(m.timers, port)
	if m.closed || !m.wanted[port] {
		m.mu.Unlock()
		return
	}
	conn := m.conns[port]
	m.mu.Unlock()

	if conn == nil {
		return
	}
	if conn.Ready() {
		return
	}

	err := conn.Open(m.ctx, m.dialer)
	if err == nil {
		m.mu.Lock()
		m.attempts[port] = 0
		m.lastErr = ""
		if m.primary == 0 {
			m.primary = port
		}
		m.mu.Unlock()
		m.logger.Info("reconnected", "port", port)
		return
	}

	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
	m.logger.Warn("reconnect failed", "port", port, "error", err)

	// Keep trying; the backoff keeps growing until it saturates.
	m.scheduleReconnect(port)
}

func (m *Manager) cancelTimerLocked(port int) {
	if t, ok := m.timers[port]; ok {
		t.Stop()
		delete(m.timers, port)
	}
}

// liveCountLocked counts registered connections plus connect attempts still
// in flight for unregistered ports, so concurrent connects cannot slip past
// the capacity bound before the first one lands. Callers hold m.mu.
func (m *Manager) liveCountLocked() int {
	n := len(m.conns)
	for p := range m.inflight {
		if _, ok := m.conns[p]; !ok {
			n++
		}
	}
	return n
}
