package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSDialer opens real WebSocket connections to localhost backends.
type WSDialer struct {
	// Host defaults to "localhost"; tests point it at a fake server.
	Host string

	// URLOverride, when set, is dialed verbatim and the port is ignored.
	// Used by tests against httptest servers.
	URLOverride string

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	BufferSize       int

	Logger *slog.Logger
}

// Dial opens a socket to the backend on port.
func (d *WSDialer) Dial(ctx context.Context, port int) (Socket, error) {
	url := d.URLOverride
	if url == "" {
		host := d.Host
		if host == "" {
			host = "localhost"
		}
		url = fmt.Sprintf("ws://%s:%d/", host, port)
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	bufSize := d.BufferSize
	if bufSize <= 0 {
		bufSize = 256
	}

	c := &wsSocket{
		conn:         conn,
		writeTimeout: writeTimeout,
		logger:       logger.With("port", port),
		messages:     make(chan []byte, bufSize),
		errors:       make(chan error, 1),
		done:         make(chan struct{}),
	}
	go c.readLoop()

	c.logger.Debug("websocket connected", "url", url)
	return c, nil
}

// wsSocket wraps one gorilla connection behind the Socket interface.
type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	messages chan []byte
	errors   chan error
	done     chan struct{}

	// Write serialization
	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func (c *wsSocket) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsSocket) Messages() <-chan []byte { return c.messages }

func (c *wsSocket) Errors() <-chan error { return c.errors }

func (c *wsSocket) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)

	c.writeMu.Lock()
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()

	return c.conn.Close()
}

// readLoop pumps inbound messages until the socket dies. The messages
// channel is closed on exit so consumers observe the teardown exactly once.
func (c *wsSocket) readLoop() {
	defer close(c.messages)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			// Errors after Close are expected noise.
			select {
			case <-c.done:
			default:
				select {
				case c.errors <- err:
				default:
				}
			}
			return
		}

		select {
		case c.messages <- data:
		case <-c.done:
			return
		default:
			c.logger.Warn("socket buffer full, dropping inbound message")
		}
	}
}
