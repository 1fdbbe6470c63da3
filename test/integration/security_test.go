package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/test/testhelpers"
)

// A connection from a disallowed origin is closed with a policy-violation
// code before any application frame is exchanged.
func TestDisallowedOriginIsRejectedWithPolicyViolation(t *testing.T) {
	relay := testhelpers.StartRelay(t, nil, nil)

	header := http.Header{}
	header.Set("Origin", "http://evil.example.com")
	conn, resp, err := websocket.DefaultDialer.Dial(relay.WSURL, header)
	require.NoError(t, err, "gate rejects after the upgrade so the close code is observable")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		"expected policy violation close, got: %v", err)
}

func TestAllowedOriginIsAccepted(t *testing.T) {
	relay := testhelpers.StartRelay(t, nil, nil)

	conn := testhelpers.Dial(t, relay, allowedOrigin)
	frame := testhelpers.ReadFrame(t, conn, time.Second)
	assert.Equal(t, "history", frame["type"])
}

// Same-origin and server-to-server clients send no Origin header; they pass
// the gate.
func TestAbsentOriginIsAccepted(t *testing.T) {
	relay := testhelpers.StartRelay(t, nil, nil)

	conn := testhelpers.Dial(t, relay, "")
	frame := testhelpers.ReadFrame(t, conn, time.Second)
	assert.Equal(t, "history", frame["type"])
}

func TestWildcardAllowsAnyOrigin(t *testing.T) {
	cfg := testhelpers.NewConfig()
	cfg.AllowedOrigins = []string{"*"}
	relay := testhelpers.StartRelay(t, cfg, nil)

	conn := testhelpers.Dial(t, relay, "http://anywhere.example.com")
	frame := testhelpers.ReadFrame(t, conn, time.Second)
	assert.Equal(t, "history", frame["type"])
}

// The per-connection rate limiter answers excess frames with an error reply
// while keeping the connection open.
func TestRateLimitRepliesWithError(t *testing.T) {
	cfg := testhelpers.NewConfig()
	cfg.RateLimitBurst = 2
	cfg.RateLimitRefillInterval = time.Minute
	relay := testhelpers.StartRelay(t, cfg, nil)

	conn := testhelpers.Dial(t, relay, allowedOrigin)
	testhelpers.ReadFrame(t, conn, time.Second) // history

	for i := 0; i < 3; i++ {
		testhelpers.SendJSON(t, conn, usernameFrame("alice"))
	}

	sawRateLimit := false
	for i := 0; i < 3; i++ {
		frame := testhelpers.ReadFrame(t, conn, time.Second)
		if frame["type"] == "error" {
			sawRateLimit = true
		}
	}
	assert.True(t, sawRateLimit, "third frame should exceed the burst of 2")
}
