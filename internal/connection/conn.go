package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tabrelay/tabrelay/internal/metrics"
	"github.com/tabrelay/tabrelay/internal/protocol"
	"github.com/tabrelay/tabrelay/internal/queue"
	"github.com/tabrelay/tabrelay/internal/seqtrack"
	"github.com/tabrelay/tabrelay/internal/storage"
)

// Conn is one logical session to the backend on a single port. The object
// survives socket loss: Open may be called again after a close, resuming
// with the same sequence watermark and outbound queue.
type Conn struct {
	port     int
	cfg      Config
	logger   *slog.Logger
	store    storage.Store
	met      *metrics.Metrics
	dispatch DispatchFunc

	// onDown fires exactly once per socket loss that was not an explicit
	// Close. The manager uses it to schedule reconnection.
	onDown func(port int)

	// clientID identifies this relay instance across reconnects.
	clientID string

	now func() time.Time

	mu            sync.Mutex
	state         State
	sock          Socket
	tracker       *seqtrack.Tracker
	sendq         *queue.Queue
	backendID     string
	backendName   string
	backendPath   string
	lastPongAt    time.Time
	heartbeatDone chan struct{}
	ackCh         chan protocol.ConnectionAck

	// abortCh is closed when the pending Open must fail immediately
	// instead of waiting out the ack timer: the socket died
	// mid-handshake, or Close was called. abortErr is set before the
	// close and carries the reason.
	abortCh  chan struct{}
	abortErr error
}

// newConn restores a connection's persisted state. It does not dial.
func newConn(port int, cfg Config, store storage.Store, met *metrics.Metrics, dispatch DispatchFunc, onDown func(int), logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("port", port)

	seq, err := store.LoadSequence(port)
	if err != nil {
		return nil, fmt.Errorf("restore sequence: %w", err)
	}
	pending, err := store.LoadQueue(port)
	if err != nil {
		return nil, fmt.Errorf("restore queue: %w", err)
	}

	c := &Conn{
		port:     port,
		cfg:      cfg,
		logger:   logger,
		store:    store,
		met:      met,
		dispatch: dispatch,
		onDown:   onDown,
		clientID: uuid.NewString(),
		now:      time.Now,
		state:    StateClosed,
		tracker:  seqtrack.New(seq, cfg.MaxGap),
		sendq:    queue.New(port, cfg.Queue, store, logger),
	}
	c.sendq.Restore(pending)
	return c, nil
}

// Port returns the backend port this connection is keyed by.
func (c *Conn) Port() int { return c.port }

// Ready reports whether the handshake completed and traffic may flow.
func (c *Conn) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateReady
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastSequence returns the sequence watermark.
func (c *Conn) LastSequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.LastSequence()
}

// QueueSize returns the number of pending outbound messages.
func (c *Conn) QueueSize() int { return c.sendq.Len() }

// Identity returns the backend identity learned in the handshake.
func (c *Conn) Identity() (id, name, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backendID, c.backendName, c.backendPath
}

// Open dials the backend and runs the handshake: send connection_init with
// the persisted watermark, await connection_ack, merge its replay, start the
// heartbeat, flush the queue, and enter Ready. Fails with ErrConnectTimeout
// if the socket never opens, ErrHandshakeFailed if it opens but the ack
// never arrives, and the context's own error when the caller cancelled.
func (c *Conn) Open(ctx context.Context, dialer Dialer) error {
	c.mu.Lock()
	if c.state == StateReady {
		c.mu.Unlock()
		return nil
	}
	if c.state != StateClosed {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("open port %d: connection is %s", c.port, st)
	}
	c.state = StateConnecting
	c.ackCh = make(chan protocol.ConnectionAck, 1)
	c.abortCh = make(chan struct{})
	ackCh := c.ackCh
	abort := c.abortCh
	lastSeq := c.tracker.LastSequence()
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	sock, err := dialer.Dial(dialCtx, c.port)
	if err != nil {
		c.setState(StateClosed)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if dialCtx.Err() != nil {
			return fmt.Errorf("%w: port %d", ErrConnectTimeout, c.port)
		}
		return fmt.Errorf("dial port %d: %w", c.port, err)
	}

	init := protocol.ConnectionInit{
		Type:         protocol.TypeConnectionInit,
		LastSequence: lastSeq,
		ClientID:     c.clientID,
		Version:      c.cfg.ClientVersion,
		Capabilities: c.cfg.Capabilities,
	}
	data, _ := json.Marshal(init)
	if err := sock.Send(data); err != nil {
		sock.Close()
		c.setState(StateClosed)
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	c.mu.Lock()
	// Close may have run while the dial was in flight.
	if c.state != StateConnecting {
		c.mu.Unlock()
		sock.Close()
		return fmt.Errorf("open port %d: closed while connecting", c.port)
	}
	c.state = StateAwaitingAck
	c.sock = sock
	c.mu.Unlock()

	go c.readLoop(sock)

	select {
	case ack := <-ackCh:
		return c.completeHandshake(ctx, sock, ack)

	case <-abort:
		c.mu.Lock()
		abortErr := c.abortErr
		c.mu.Unlock()
		return abortErr

	case <-time.After(c.cfg.AckTimeout):
		c.abortHandshake(sock)
		return fmt.Errorf("%w: port %d", ErrHandshakeFailed, c.port)

	case <-ctx.Done():
		c.abortHandshake(sock)
		return ctx.Err()
	}
}

// completeHandshake transitions AwaitingAck -> Ready. The state check
// covers the race where the socket died between ack receipt and this call.
func (c *Conn) completeHandshake(ctx context.Context, sock Socket, ack protocol.ConnectionAck) error {
	c.mu.Lock()
	if c.state != StateAwaitingAck {
		c.mu.Unlock()
		return fmt.Errorf("%w: port %d: socket closed during handshake", ErrHandshakeFailed, c.port)
	}
	res := c.tracker.MergeReplay(ack.Replay, ack.CurrentSequence)
	seq := c.tracker.LastSequence()
	if ack.BackendID != "" {
		c.backendID = ack.BackendID
	}
	if ack.BackendName != "" {
		c.backendName = ack.BackendName
	}
	if ack.BackendPath != "" {
		c.backendPath = ack.BackendPath
	}
	identity := storage.Identity{
		BackendID:   c.backendID,
		BackendName: c.backendName,
		BackendPath: c.backendPath,
		LastSeen:    c.now(),
	}
	c.lastPongAt = c.now()
	c.state = StateReady
	done := make(chan struct{})
	c.heartbeatDone = done
	c.mu.Unlock()

	c.persistSequence(seq)
	if identity.BackendID != "" {
		if err := c.store.SaveIdentity(c.port, identity); err != nil {
			c.logger.Warn("failed to cache backend identity", "error", err)
		}
	}

	c.deliver(res)

	go c.heartbeatLoop(sock, done)

	sent, err := c.sendq.Flush(ctx, sock.Send)
	if err != nil {
		c.logger.Warn("queue flush interrupted", "sent", sent, "error", err)
	} else if sent > 0 {
		c.logger.Info("flushed queued messages", "count", sent)
	}

	c.met.IncLive()
	c.logger.Info("connection ready",
		"backend_id", identity.BackendID,
		"backend_name", identity.BackendName,
		"replayed", len(ack.Replay),
		"last_sequence", seq,
	)
	return nil
}

// abortHandshake tears down a socket whose ack never arrived. No reconnect
// is scheduled from here; the caller owns the retry decision.
func (c *Conn) abortHandshake(sock Socket) {
	c.mu.Lock()
	c.state = StateClosing
	c.sock = nil
	c.mu.Unlock()

	sock.Close()
	c.setState(StateClosed)
}

// Send delivers an application payload: straight to the socket when Ready,
// otherwise onto the bounded queue. Returns true only for immediate
// delivery. A failed write requeues the payload without tearing the
// connection down; if the socket actually died, the read loop notices.
func (c *Conn) Send(payload []byte) bool {
	c.mu.Lock()
	sock := c.sock
	ready := c.state == StateReady
	c.mu.Unlock()

	if !ready || sock == nil {
		c.enqueue(payload)
		return false
	}
	if err := sock.Send(payload); err != nil {
		c.logger.Debug("send failed, queuing", "error", err)
		c.enqueue(payload)
		return false
	}
	c.met.IncDelivered()
	return true
}

func (c *Conn) enqueue(payload []byte) {
	before := c.sendq.Dropped()
	c.sendq.Enqueue(payload)
	c.met.IncQueued()
	c.met.AddQueueDrops(c.sendq.Dropped() - before)
}

// Close tears the connection down deliberately: heartbeat stopped, socket
// closed, final sequence and queue persisted. It never triggers onDown.
// Safe to call from any state, repeatedly.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	wasReady := c.state == StateReady
	c.state = StateClosing
	sock := c.sock
	c.sock = nil
	c.stopHeartbeatLocked()
	if c.abortCh != nil {
		c.abortErr = fmt.Errorf("open port %d: closed while connecting", c.port)
		close(c.abortCh)
		c.abortCh = nil
	}
	c.tracker.Reset()
	seq := c.tracker.LastSequence()
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	c.persistSequence(seq)
	c.sendq.Persist()
	if wasReady {
		c.met.DecLive()
	}
	c.setState(StateClosed)

	c.logger.Info("connection closed", "last_sequence", seq)
}

// handleDown runs exactly once per unexpected socket loss: transport close,
// transport error, or the heartbeat watchdog force-closing the socket. The
// guard against Closing/Closed keeps a deliberate Close (and the double
// event from a force-close racing the transport close) from re-entering.
func (c *Conn) handleDown(sock Socket, cause error) {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	// A read loop from an earlier socket must not tear down a newer
	// attempt on the same port. During Connecting the current socket is
	// nil, so any lingering loop is stale by definition.
	if c.sock != sock {
		c.mu.Unlock()
		return
	}
	wasReady := c.state == StateReady
	c.state = StateClosed
	c.sock = nil
	c.stopHeartbeatLocked()
	if c.abortCh != nil {
		c.abortErr = fmt.Errorf("%w: port %d: socket closed during handshake", ErrHandshakeFailed, c.port)
		close(c.abortCh)
		c.abortCh = nil
	}
	c.tracker.Reset()
	seq := c.tracker.LastSequence()
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	c.persistSequence(seq)
	c.sendq.Persist()

	// Loss during the handshake is reported through the failed Open;
	// only an established session enters reconnection scheduling here.
	if !wasReady {
		return
	}
	c.met.DecLive()

	c.logger.Warn("connection lost",
		"cause", cause,
		"last_sequence", seq,
		"queued", c.sendq.Len(),
	)

	if c.onDown != nil {
		c.onDown(c.port)
	}
}

// readLoop pumps socket events until the socket dies.
func (c *Conn) readLoop(sock Socket) {
	for {
		select {
		case err := <-sock.Errors():
			c.handleDown(sock, err)
			return

		case data, ok := <-sock.Messages():
			if !ok {
				c.handleDown(sock, nil)
				return
			}
			c.handleMessage(sock, data)
		}
	}
}

// handleMessage routes one inbound message by type. Only application
// payloads carrying a sequence enter the tracker; protocol-control messages
// and unsequenced payloads dispatch directly.
func (c *Conn) handleMessage(sock Socket, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn("undecodable message", "error", err)
		return
	}

	if !protocol.IsControl(env.Type) {
		c.handlePayload(sock, env)
		return
	}

	switch env.Type {
	case protocol.TypeConnectionAck:
		var ack protocol.ConnectionAck
		if err := json.Unmarshal(data, &ack); err != nil {
			c.logger.Warn("bad connection_ack", "error", err)
			return
		}
		// Snapshot under the lock: a re-Open replaces the channel while
		// a prior socket may still be draining buffered frames.
		c.mu.Lock()
		ackCh := c.ackCh
		c.mu.Unlock()
		if ackCh == nil {
			return
		}
		select {
		case ackCh <- ack:
		default:
		}

	case protocol.TypePong:
		c.mu.Lock()
		c.lastPongAt = c.now()
		c.mu.Unlock()

	case protocol.TypeGapRecoveryResp:
		var resp protocol.GapRecoveryResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Warn("bad gap_recovery_response", "error", err)
			return
		}
		c.mu.Lock()
		res := c.tracker.ApplyRecovery(resp.Messages)
		seq := c.tracker.LastSequence()
		c.mu.Unlock()

		c.persistSequence(seq)
		c.deliver(res)
		c.logger.Debug("gap recovery applied",
			"recovered", len(resp.Messages),
			"last_sequence", seq,
		)

	case protocol.TypeServerInfoResponse:
		// Discovery probes use their own sockets; stray responses here
		// carry nothing a live session needs.
	}
}

// handlePayload runs an application payload through the sequence tracker and
// dispatches whatever becomes deliverable. Unsequenced payloads bypass the
// tracker.
func (c *Conn) handlePayload(sock Socket, env protocol.Envelope) {
	if env.Sequence == 0 {
		c.dispatch(c.port, env.Raw)
		return
	}

	c.mu.Lock()
	res := c.tracker.Observe(env.Sequence, env.Raw)
	seq := c.tracker.LastSequence()
	c.mu.Unlock()

	if res.Skipped > 0 {
		c.met.AddGapSkipped(res.Skipped)
		c.logger.Warn("sequence gap too large, skipped ahead",
			"skipped", res.Skipped,
			"last_sequence", seq,
		)
	}
	if len(res.Dispatch) > 0 {
		c.persistSequence(seq)
	}
	c.deliver(res)

	if res.RequestGap != nil {
		c.met.IncGapRequests()
		req := protocol.GapRecovery{
			Type:         protocol.TypeGapRecovery,
			FromSequence: res.RequestGap.From,
			ToSequence:   res.RequestGap.To,
		}
		reqData, _ := json.Marshal(req)
		if err := sock.Send(reqData); err != nil {
			c.logger.Warn("failed to send gap_recovery", "error", err)
		} else {
			c.logger.Debug("gap recovery requested",
				"from", req.FromSequence,
				"to", req.ToSequence,
			)
		}
	}
}

// heartbeatLoop pings on a fixed interval while Ready. Each tick first
// checks liveness: no pong within interval+ackTimeout means the backend is
// gone, so the socket is force-closed instead of waiting for TCP to notice.
func (c *Conn) heartbeatLoop(sock Socket, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	cutoff := c.cfg.HeartbeatInterval + c.cfg.AckTimeout

	for {
		select {
		case <-done:
			return

		case <-ticker.C:
			c.mu.Lock()
			lastPong := c.lastPongAt
			ready := c.state == StateReady
			c.mu.Unlock()

			if !ready {
				return
			}

			if c.now().Sub(lastPong) > cutoff {
				c.met.IncHeartbeatTimeouts()
				c.logger.Warn("heartbeat timeout, forcing close",
					"last_pong", lastPong,
					"cutoff", cutoff,
				)
				// The read loop observes the close and runs the one
				// teardown path.
				sock.Close()
				return
			}

			hb := protocol.Heartbeat{
				Type:      protocol.TypeHeartbeat,
				Timestamp: c.now().UnixMilli(),
			}
			data, _ := json.Marshal(hb)
			if err := sock.Send(data); err != nil {
				c.logger.Debug("heartbeat send failed", "error", err)
			}
		}
	}
}

func (c *Conn) deliver(res seqtrack.Result) {
	for _, raw := range res.Dispatch {
		c.dispatch(c.port, raw)
	}
}

func (c *Conn) persistSequence(seq int64) {
	if err := c.store.SaveSequence(c.port, seq); err != nil {
		c.logger.Warn("failed to persist sequence", "error", err)
	}
}

func (c *Conn) stopHeartbeatLocked() {
	if c.heartbeatDone != nil {
		close(c.heartbeatDone)
		c.heartbeatDone = nil
	}
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// info snapshots the connection for listConnections.
func (c *Conn) info(tabCount int, isPrimary bool) Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		Port:        c.port,
		BackendID:   c.backendID,
		BackendName: c.backendName,
		BackendPath: c.backendPath,
		TabCount:    tabCount,
		QueueSize:   c.sendq.Len(),
		Ready:       c.state == StateReady,
		IsPrimary:   isPrimary,
	}
}
