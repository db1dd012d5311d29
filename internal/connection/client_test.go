package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tabrelay/tabrelay/internal/protocol"
	"github.com/tabrelay/tabrelay/internal/storage"
)

// mockWSServer creates a test WebSocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testDialer(server *httptest.Server) *WSDialer {
	return &WSDialer{
		URLOverride:      wsURL(server),
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
		BufferSize:       64,
	}
}

func TestWSDialer_Dial(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	sock, err := testDialer(server).Dial(context.Background(), 8875)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	if err := sock.Send([]byte(`{"type":"heartbeat"}`)); err != nil {
		t.Errorf("Send failed: %v", err)
	}

	if err := sock.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := sock.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	if err := sock.Send([]byte("x")); err != ErrNotConnected {
		t.Errorf("Send after Close = %v, want ErrNotConnected", err)
	}
}

func TestWSDialer_DialRefused(t *testing.T) {
	d := &WSDialer{
		URLOverride:      "ws://127.0.0.1:1/",
		HandshakeTimeout: 200 * time.Millisecond,
	}
	if _, err := d.Dial(context.Background(), 8875); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestWSSocket_Messages(t *testing.T) {
	frames := []string{
		`{"type":"batch","sequence":1}`,
		`{"type":"batch","sequence":2}`,
	}

	server := mockWSServer(t, func(conn *websocket.Conn) {
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		time.Sleep(time.Second)
	})
	defer server.Close()

	sock, err := testDialer(server).Dial(context.Background(), 8875)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer sock.Close()

	timeout := time.After(time.Second)
	for i, want := range frames {
		select {
		case got := <-sock.Messages():
			if string(got) != want {
				t.Errorf("message %d = %q, want %q", i, got, want)
			}
		case <-timeout:
			t.Fatalf("timeout waiting for message %d", i)
		}
	}
}

func TestWSSocket_ServerCloseEndsMessages(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		// Close immediately; the client must observe the teardown.
	})
	defer server.Close()

	sock, err := testDialer(server).Dial(context.Background(), 8875)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer sock.Close()

	select {
	case _, ok := <-sock.Messages():
		if ok {
			t.Error("expected closed messages channel, got a message")
		}
	case err := <-sock.Errors():
		_ = err // transport error is an equally valid teardown signal
	case <-time.After(time.Second):
		t.Fatal("socket never reported the server close")
	}
}

// backendServer speaks enough of the session protocol to drive a full Conn
// over a real WebSocket.
func backendServer(t *testing.T, ack protocol.ConnectionAck) *httptest.Server {
	ack.Type = protocol.TypeConnectionAck
	return mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &env) != nil {
				continue
			}
			switch env.Type {
			case protocol.TypeConnectionInit:
				out, _ := json.Marshal(ack)
				if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
					return
				}
			case protocol.TypeHeartbeat:
				out, _ := json.Marshal(protocol.Pong{Type: protocol.TypePong})
				if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
					return
				}
			}
		}
	})
}

func TestConn_OverRealWebSocket(t *testing.T) {
	server := backendServer(t, protocol.ConnectionAck{
		BackendID:   "b-ws",
		BackendName: "live",
	})
	defer server.Close()

	cfg := testConnConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.AckTimeout = time.Second

	conn, err := newConn(8875, cfg, storage.NewMemory(), nil, (&recorder{}).dispatch, nil, nil)
	if err != nil {
		t.Fatalf("newConn failed: %v", err)
	}
	if err := conn.Open(context.Background(), testDialer(server)); err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if id, name, _ := conn.Identity(); id != "b-ws" || name != "live" {
		t.Errorf("identity = (%q, %q), want (b-ws, live)", id, name)
	}

	if !conn.Send([]byte(`{"type":"batch","tabId":1,"entries":[]}`)) {
		t.Error("Send over a live websocket must deliver immediately")
	}

	// A few heartbeat cycles with pongs flowing must keep it alive.
	time.Sleep(100 * time.Millisecond)
	if !conn.Ready() {
		t.Error("session dropped despite pongs")
	}

	conn.Close()
	if conn.State() != StateClosed {
		t.Errorf("state = %v, want closed", conn.State())
	}
}
