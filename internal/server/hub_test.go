package server

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/store"
)

func newHubClient(t *testing.T, hub *Hub) *Client {
	t.Helper()
	cfg := testConfig()
	proc := newProcessor(store.NewMemoryStore(), hub, cfg.StoreWriteTimeout, zerolog.Nop())
	return newClient(nil, hub, proc, cfg, zerolog.Nop())
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHubRegisterAndUnregister(t *testing.T) {
	hub := NewHub(time.Hour, 2*time.Hour, zerolog.Nop())
	go hub.Run()
	defer func() { require.NoError(t, hub.Shutdown(time.Second)) }()

	c1 := newHubClient(t, hub)
	c2 := newHubClient(t, hub)
	hub.register <- c1
	hub.register <- c2
	waitFor(t, func() bool { return hub.ClientCount() == 2 }, "clients not registered")

	c1.inbox.push(InboundFrame{Type: frameTypeUsername, Username: "alice"})
	hub.unregister <- c1
	waitFor(t, func() bool { return hub.ClientCount() == 1 }, "client not unregistered")

	assert.Equal(t, 0, c1.inbox.len(), "pending inbox must be discarded on removal")
	assert.True(t, c1.closing.Load())
}

func TestBroadcastReachesEveryOpenConnection(t *testing.T) {
	hub := NewHub(time.Hour, 2*time.Hour, zerolog.Nop())
	go hub.Run()
	defer func() { require.NoError(t, hub.Shutdown(time.Second)) }()

	c1 := newHubClient(t, hub)
	c2 := newHubClient(t, hub)
	hub.register <- c1
	hub.register <- c2

	hub.Broadcast(store.StoredMessage{ID: "abc123", Username: "alice", Body: "hi", Timestamp: time.Now()})

	for _, c := range []*Client{c1, c2} {
		frame := readFrame(t, c)
		assert.Equal(t, "message", frame["type"])
	}
}

func TestBroadcastSkipsAndRemovesClosingClient(t *testing.T) {
	hub := NewHub(time.Hour, 2*time.Hour, zerolog.Nop())
	go hub.Run()
	defer func() { require.NoError(t, hub.Shutdown(time.Second)) }()

	open := newHubClient(t, hub)
	closing := newHubClient(t, hub)
	hub.register <- open
	hub.register <- closing
	waitFor(t, func() bool { return hub.ClientCount() == 2 }, "clients not registered")

	closing.closing.Store(true)

	hub.Broadcast(store.StoredMessage{ID: "abc123", Username: "alice", Body: "hi", Timestamp: time.Now()})

	frame := readFrame(t, open)
	assert.Equal(t, "message", frame["type"])

	// A skipped recipient is dropped from the broadcast domain entirely.
	waitFor(t, func() bool { return hub.ClientCount() == 1 }, "closing client not removed")
}

func TestBroadcastSurvivesFullSendBuffer(t *testing.T) {
	hub := NewHub(time.Hour, 2*time.Hour, zerolog.Nop())
	go hub.Run()
	defer func() { require.NoError(t, hub.Shutdown(time.Second)) }()

	slow := newHubClient(t, hub)
	healthy := newHubClient(t, hub)
	hub.register <- slow
	hub.register <- healthy
	waitFor(t, func() bool { return hub.ClientCount() == 2 }, "clients not registered")

	for i := 0; i < cap(slow.send); i++ {
		slow.send <- []byte("{}")
	}

	hub.Broadcast(store.StoredMessage{ID: "abc123", Username: "alice", Body: "hi", Timestamp: time.Now()})

	frame := readFrame(t, healthy)
	assert.Equal(t, "message", frame["type"])
	waitFor(t, func() bool { return hub.ClientCount() == 1 }, "saturated client not removed")
}

func TestSafeSendOnClosingClient(t *testing.T) {
	hub := NewHub(time.Hour, 2*time.Hour, zerolog.Nop())
	c := newHubClient(t, hub)

	c.closing.Store(true)
	close(c.send)

	assert.False(t, hub.safeSend(c, []byte("{}")))
}

// A connection that never answers a probe is terminated by the eviction
// sweep; one that stays alive is not.
func TestEvictionRemovesUnresponsiveClient(t *testing.T) {
	hub := NewHub(10*time.Millisecond, 25*time.Millisecond, zerolog.Nop())
	go hub.Run()
	defer func() { require.NoError(t, hub.Shutdown(time.Second)) }()

	c := newHubClient(t, hub)
	hub.register <- c
	waitFor(t, func() bool { return hub.ClientCount() == 1 }, "client not registered")

	// No transport, so no pong ever arrives after the first probe flips
	// isAlive to false.
	waitFor(t, func() bool { return hub.ClientCount() == 0 }, "unresponsive client not evicted")
	assert.True(t, c.closing.Load())
}

// Walks the two sweeps by hand: a fresh client survives an eviction sweep
// before any probe, a ponging client survives a full probe round trip, and
// only a silent client is terminated.
func TestSweepSemantics(t *testing.T) {
	hub := NewHub(time.Hour, 2*time.Hour, zerolog.Nop())
	go hub.Run()
	defer func() { require.NoError(t, hub.Shutdown(time.Second)) }()

	c := newHubClient(t, hub)
	hub.register <- c
	waitFor(t, func() bool { return hub.ClientCount() == 1 }, "client not registered")

	// No probe yet: a fresh client must not be judged dead.
	hub.evictionSweep()
	require.Equal(t, 1, hub.ClientCount())

	// Probe marks the client suspect until its pong arrives.
	hub.probeSweep()
	require.False(t, c.isAlive.Load())

	// An eviction sweep arriving right behind the probe must spare the
	// client; its pong has had no time to arrive.
	hub.evictionSweep()
	require.Equal(t, 1, hub.ClientCount(), "a just-probed client must not be judged dead")

	c.isAlive.Store(true) // the pong handler's effect
	hub.evictionSweep()
	require.Equal(t, 1, hub.ClientCount(), "a ponging client must survive")

	// A silent client fails the next full round trip and is terminated.
	hub.probeSweep()
	c.suspectAt.Store(time.Now().Add(-hub.pingInterval).UnixNano())
	hub.evictionSweep()
	assert.Equal(t, 0, hub.ClientCount())
	assert.True(t, c.closing.Load())
}

func TestShutdownClosesAllClients(t *testing.T) {
	hub := NewHub(time.Hour, 2*time.Hour, zerolog.Nop())
	go hub.Run()

	c1 := newHubClient(t, hub)
	c2 := newHubClient(t, hub)
	hub.register <- c1
	hub.register <- c2
	waitFor(t, func() bool { return hub.ClientCount() == 2 }, "clients not registered")

	require.NoError(t, hub.Shutdown(time.Second))
	assert.Equal(t, 0, hub.ClientCount())
	assert.True(t, c1.closing.Load())
	assert.True(t, c2.closing.Load())
}
