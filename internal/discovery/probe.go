package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tabrelay/tabrelay/internal/protocol"
)

// Backend is one discovered backend.
type Backend struct {
	Port    int
	Name    string
	Path    string
	Version string
}

// Prober checks whether a backend is listening on a port. Implementations
// must be safe for concurrent use.
type Prober interface {
	Probe(ctx context.Context, port int) (Backend, error)
}

// WSProber probes by opening a short-lived WebSocket, sending server_info,
// and reading the response. The socket is closed immediately after; probe
// traffic never turns into a session.
type WSProber struct {
	// Host defaults to "localhost".
	Host string

	// URLOverride, when set, builds the dial URL from the port. Tests
	// point it at httptest servers.
	URLOverride func(port int) string

	Timeout time.Duration
	Logger  *slog.Logger
}

func (p *WSProber) Probe(ctx context.Context, port int) (Backend, error) {
	url := ""
	if p.URLOverride != nil {
		url = p.URLOverride(port)
	} else {
		host := p.Host
		if host == "" {
			host = "localhost"
		}
		url = fmt.Sprintf("ws://%s:%d/", host, port)
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return Backend{}, err
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)

	req, _ := json.Marshal(protocol.ServerInfoRequest{Type: protocol.TypeServerInfo})
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return Backend{}, fmt.Errorf("send server_info: %w", err)
	}

	// A chatty backend may push other frames first; scan for the response.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return Backend{}, fmt.Errorf("await server_info_response: %w", err)
		}
		var resp protocol.ServerInfoResponse
		if json.Unmarshal(data, &resp) != nil || resp.Type != protocol.TypeServerInfoResponse {
			continue
		}

		b := Backend{
			Port:    resp.Port,
			Name:    resp.ProjectName,
			Path:    resp.ProjectPath,
			Version: resp.Version,
		}
		if b.Port == 0 {
			b.Port = port
		}
		return b, nil
	}
}
