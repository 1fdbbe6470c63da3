// Package testhelpers provides shared utilities for the chat relay's
// integration tests: spinning up a relay over an in-memory store, dialing
// WebSocket clients with a chosen origin, and reading protocol frames.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/store"
)

// Relay bundles a running relay with its backing store and base URLs.
type Relay struct {
	Server *server.Server
	Store  *store.MemoryStore
	HTTP   *httptest.Server
	WSURL  string
}

// NewConfig returns a config suitable for fast tests: generous rate limits
// and hour-long heartbeat cadences so sweeps never interfere unless a test
// shortens them.
func NewConfig() *server.Config {
	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{"http://allowed.example.com"}
	cfg.PingInterval = time.Hour
	cfg.EvictionInterval = 2 * time.Hour
	cfg.StoreWriteTimeout = time.Second
	cfg.RateLimitBurst = 10000
	return cfg
}

// StartRelay runs a relay over an in-memory store and registers cleanup.
func StartRelay(t *testing.T, cfg *server.Config, st *store.MemoryStore) *Relay {
	t.Helper()

	if cfg == nil {
		cfg = NewConfig()
	}
	if st == nil {
		st = store.NewMemoryStore()
	}

	srv := server.NewServer(cfg, st, zerolog.Nop())
	srv.Start()

	ts := httptest.NewServer(srv.Routes())

	t.Cleanup(func() {
		ts.Close()
		_ = srv.Shutdown(2 * time.Second)
	})

	return &Relay{
		Server: srv,
		Store:  st,
		HTTP:   ts,
		WSURL:  strings.Replace(ts.URL, "http://", "ws://", 1) + "/ws",
	}
}

// Dial opens a WebSocket connection with the given Origin header (empty
// means no header) and registers cleanup.
func Dial(t *testing.T, r *Relay, origin string) *websocket.Conn {
	t.Helper()

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(r.WSURL, header)
	require.NoError(t, err, "websocket dial failed")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// ReadFrame reads and decodes the next JSON frame, failing after timeout.
func ReadFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err, "expected a frame")

	var frame map[string]any
	require.NoError(t, json.Unmarshal(payload, &frame))
	return frame
}

// ReadFrameOfType reads frames until one with the wanted type arrives,
// skipping interleaved frames (a sender may see its own broadcast before
// its acknowledgment).
func ReadFrameOfType(t *testing.T, conn *websocket.Conn, frameType string, timeout time.Duration) map[string]any {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		frame := ReadFrame(t, conn, time.Until(deadline))
		if frame["type"] == frameType {
			return frame
		}
	}
	t.Fatalf("no %q frame within %s", frameType, timeout)
	return nil
}

// ExpectNoFrame asserts that no frame arrives within the window.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(window)))
	_, payload, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no frame, got %s", payload)
	}
	netErr, ok := err.(interface{ Timeout() bool })
	require.True(t, ok && netErr.Timeout(), "unexpected error while asserting frame absence: %v", err)
}

// SendJSON marshals and writes one frame.
func SendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}
