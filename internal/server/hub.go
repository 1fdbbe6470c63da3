// Package server coordinates client registration, message broadcast,
// heartbeat sweeps and connection cleanup via the Hub type.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/store"
)

// Hub owns the registry of open connections: the broadcast domain. All
// add/remove/iterate operations are serialized through its event loop, with
// a mutex guarding the map for the send path.
type Hub struct {
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	pingInterval     time.Duration
	evictionInterval time.Duration

	mutex  sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	logger zerolog.Logger
}

// NewHub creates a Hub with the given heartbeat cadences. The probe cadence
// and the eviction cadence are distinct on purpose: a connection must
// survive at least one full probe-response round trip before being judged
// dead.
func NewHub(pingInterval, evictionInterval time.Duration, logger zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:          make(map[string]*Client),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		broadcast:        make(chan []byte, 256),
		pingInterval:     pingInterval,
		evictionInterval: evictionInterval,
		ctx:              ctx,
		cancel:           cancel,
		done:             make(chan struct{}),
		logger:           logger,
	}
}

// Attach registers the client and starts its read/write pumps. A client
// arriving after shutdown is closed immediately.
func (h *Hub) Attach(c *Client) {
	select {
	case h.register <- c:
	case <-h.ctx.Done():
		if c.conn != nil {
			_ = c.conn.Close()
		}
		return
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

// Broadcast encodes the stored message once and fans the canonical payload
// out to every currently-open connection. Only durably committed messages
// may pass through here.
func (h *Hub) Broadcast(msg store.StoredMessage) {
	payload, err := encodeMessage(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("message_id", msg.ID).Msg("failed to encode broadcast frame")
		return
	}

	select {
	case h.broadcast <- payload:
	case <-h.ctx.Done():
	}
}

// ClientCount returns the current size of the broadcast domain.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Run starts the hub's event loop: registration, unregistration, broadcast
// fan-out and the two heartbeat sweeps. Call in a goroutine; it runs until
// Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	probe := time.NewTicker(h.pingInterval)
	evict := time.NewTicker(h.evictionInterval)
	defer probe.Stop()
	defer evict.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case payload := <-h.broadcast:
			h.fanOut(payload)

		case <-probe.C:
			h.probeSweep()

		case <-evict.C:
			h.evictionSweep()
		}
	}
}

func (h *Hub) addClient(c *Client) {
	if c == nil {
		h.logger.Warn().Msg("nil client registration skipped")
		return
	}

	h.mutex.Lock()
	h.clients[c.id] = c
	count := len(h.clients)
	h.mutex.Unlock()

	incr("websockets", 1)
	h.logger.Info().Str("client_id", c.id).Str("addr", c.addr).Int("clients", count).Msg("client registered")
}

// removeClient unregisters the client and discards its pending inbox.
// Idempotent: eviction and the read pump's own cleanup may race here.
func (h *Hub) removeClient(c *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, c.id)
	count := len(h.clients)
	c.closing.Store(true)
	h.mutex.Unlock()

	// Close the channel after releasing the lock; safeSend checks closing
	// before touching it.
	close(c.send)

	if dropped := c.inbox.discard(); dropped > 0 {
		h.logger.Debug().Str("client_id", c.id).Int("dropped", dropped).Msg("discarded pending inbox frames")
	}

	decr("websockets", 1)
	h.logger.Info().Str("client_id", c.id).Int("clients", count).Msg("client unregistered")
}

// fanOut pushes one already-encoded payload to every open connection.
// Delivery is best-effort and non-durable per recipient: a client with a
// full buffer is removed, and one failure never blocks the others.
func (h *Hub) fanOut(payload []byte) {
	clients := h.snapshot()

	var failed []*Client
	for _, c := range clients {
		if h.safeSend(c, payload) {
			continue
		}
		incr("drops", 1)
		failed = append(failed, c)
	}
	incr("broadcasts", 1)

	for _, c := range failed {
		h.logger.Warn().Str("client_id", c.id).Msg("removing client with full send buffer")
		h.removeClient(c)
	}
}

// probeSweep sends a liveness probe to every open connection and marks each
// suspect until its pong arrives.
func (h *Hub) probeSweep() {
	for _, c := range h.snapshot() {
		c.probe()
	}
}

// evictionSweep forcibly terminates connections that never answered the
// preceding probe. No error is reported to the peer; it is presumed gone.
//
// A suspect client is granted half a probe interval to answer before it can
// be judged dead. The two tickers fire together whenever the eviction
// cadence is a multiple of the probe cadence (it is, under the defaults),
// and a sweep ordered after the probe would otherwise see every responsive
// peer as suspect with zero time to pong.
func (h *Hub) evictionSweep() {
	cutoff := time.Now().Add(-h.pingInterval / 2).UnixNano()

	for _, c := range h.snapshot() {
		if c.isAlive.Load() {
			continue
		}
		if c.suspectAt.Load() > cutoff {
			continue
		}
		incr("evictions", 1)
		h.logger.Warn().Str("client_id", c.id).Msg("terminating unresponsive connection")
		c.terminate()
		h.removeClient(c)
	}
}

// snapshot returns the current clients so sweeps and fan-out can iterate
// without holding the lock across sends.
func (h *Hub) snapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}

// safeSend queues a payload for one client without ever blocking. It
// reports false when the client is closing or its buffer is full. The
// recover guards the narrow race between the closing check and channel
// close during unregistration.
func (h *Hub) safeSend(c *Client, payload []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if c.closing.Load() {
		return false
	}

	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// closeAll closes every client transport during shutdown.
func (h *Hub) closeAll() {
	clients := h.snapshot()
	h.logger.Info().Int("clients", len(clients)).Msg("closing all client connections")

	for _, c := range clients {
		h.removeClient(c)
		if c.conn != nil {
			if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.logger.Debug().Err(err).Str("client_id", c.id).Msg("error closing client connection")
			}
		}
	}
}

// Shutdown stops the event loop and waits for client goroutines to finish,
// or gives up when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info().Msg("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn().Msg("hub shutdown timeout reached")
		return context.DeadlineExceeded
	}
}
