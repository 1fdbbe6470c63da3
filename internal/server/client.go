// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, liveness and lifecycle control for each connection.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// writeWait is the time allowed to write a frame or control message to the peer.
const writeWait = 10 * time.Second

// Client represents one live chat session. Its identity is a generated
// connection ID; the declared display name is set by username frames and is
// unverified. The registry owns the Client for its lifetime.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	addr string

	send chan []byte

	// closing is set before the send channel is closed so concurrent sends
	// can bail out instead of panicking.
	closing atomic.Bool

	// isAlive is flipped false by each liveness probe and true by the pong
	// handler. The eviction sweep terminates clients still false.
	isAlive atomic.Bool

	// suspectAt is the wall time, in nanoseconds, of the oldest probe this
	// client has not answered. The eviction sweep only judges clients whose
	// probe has had time to be answered; without it, an eviction tick
	// landing together with a probe tick would terminate responsive peers.
	suspectAt atomic.Int64

	nameMu sync.RWMutex
	name   string

	inbox   inbox
	proc    *processor
	limiter *tokenBucket

	maxMessageSize int64
	logger         zerolog.Logger
}

// newClient creates a Client for an upgraded connection. The send channel is
// buffered so broadcasts never block on a slow peer.
func newClient(conn *websocket.Conn, hub *Hub, proc *processor, cfg *Config, logger zerolog.Logger) *Client {
	id := uuid.NewString()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	rl := cfg.RateLimit()

	c := &Client{
		id:             id,
		conn:           conn,
		hub:            hub,
		send:           make(chan []byte, 256),
		proc:           proc,
		limiter:        newTokenBucket(rl.Burst, rl.RefillInterval),
		maxMessageSize: cfg.MaxMessageSize,
		logger:         logger.With().Str("client_id", id).Logger(),
	}
	c.isAlive.Store(true)
	return c
}

// ID returns the connection identity.
func (c *Client) ID() string { return c.id }

// DisplayName returns the currently declared display name, if any.
func (c *Client) DisplayName() string {
	c.nameMu.RLock()
	defer c.nameMu.RUnlock()
	return c.name
}

func (c *Client) setDisplayName(name string) {
	c.nameMu.Lock()
	c.name = name
	c.nameMu.Unlock()
}

// reply queues a frame for this client only. Failures are local: a reply
// that cannot be delivered is dropped, never retried.
func (c *Client) reply(payload []byte, err error) {
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to encode reply frame")
		return
	}
	if !c.hub.safeSend(c, payload) {
		incr("drops", 1)
		c.logger.Debug().Msg("reply dropped, connection closing or buffer full")
	}
}

// probe sends a liveness ping and marks the client suspect. The pong handler
// clears the suspicion; the eviction sweep acts on it.
func (c *Client) probe() {
	// Keep the timestamp of the oldest unanswered probe: a client that
	// already failed one round trip must not have its clock reset.
	if c.isAlive.CompareAndSwap(true, false) {
		c.suspectAt.Store(time.Now().UnixNano())
	}
	if c.conn == nil {
		return
	}
	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		c.logger.Debug().Err(err).Msg("liveness probe write failed")
	}
}

// terminate forcibly closes the transport without a close handshake. Used by
// the eviction sweep; the peer is presumed gone.
func (c *Client) terminate() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug().Err(err).Msg("error terminating connection")
	}
}

// maybeDrain starts a drain of the inbox unless one is already in flight.
// The drain goroutine processes frames strictly in arrival order, one at a
// time, including each frame's persistence side effect.
func (c *Client) maybeDrain() {
	if !c.inbox.tryClaim() {
		return
	}
	go func() {
		for {
			f, ok := c.inbox.next()
			if !ok {
				return
			}
			c.proc.process(c, f)
		}
	}()
}

// readPump reads frames from the connection until it dies. Parse failures
// are reported to this client only and never enqueued; parsed frames go
// through the inbox so the read loop never blocks on processing.
func (c *Client) readPump() {
	defer func() {
		// The hub may already be shut down; don't block on a loop that
		// will never receive.
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug().Err(err).Msg("error closing connection in readPump")
		}
	}()

	c.conn.SetPongHandler(func(string) error {
		c.isAlive.Store(true)
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		incr("conn.recv", 1)

		if !c.limiter.allow() {
			c.logger.Warn().Msg("rate limit exceeded, discarding frame")
			c.reply(encodeError("rate limit exceeded"))
			continue
		}

		var frame InboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			incr("frames.invalid", 1)
			c.logger.Debug().Err(err).Msg("unparsable frame")
			c.reply(encodeError("invalid frame: expected a JSON object"))
			continue
		}

		c.inbox.push(frame)
		c.maybeDrain()
	}
}

// writePump writes queued frames to the connection. When the registry closes
// the send channel it writes a close message and exits.
func (c *Client) writePump() {
	defer func() {
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.logger.Debug().Err(err).Msg("error closing connection in writePump")
		}
	}()

	for message := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			c.logger.Debug().Err(err).Msg("error setting write deadline")
			return
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			if !isExpectedCloseError(err) {
				c.logger.Debug().Err(err).Msg("write failed")
			}
			return
		}
		incr("conn.send", 1)
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// logReadError classifies read-loop termination causes so expected
// disconnects stay quiet and real faults surface.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn().Int64("limit", c.maxMessageSize).Msg("frame exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info().Msg("client disconnected")
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.logger.Info().Msg("connection closed")
	default:
		c.logger.Warn().Err(err).Msg("websocket read error")
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
