// Package server validates inbound frames, persists accepted chat messages
// and drives acknowledgment replies back to the originating connection.
package server

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/chatrelay/internal/store"
)

// processor handles one inbound frame at a time per connection; the inbox's
// single-flight guard enforces that. All failures it produces are local to
// the originating connection.
type processor struct {
	store        store.MessageStore
	hub          *Hub
	writeTimeout time.Duration
	logger       zerolog.Logger
}

func newProcessor(st store.MessageStore, hub *Hub, writeTimeout time.Duration, logger zerolog.Logger) *processor {
	return &processor{
		store:        st,
		hub:          hub,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

func (p *processor) process(c *Client, f InboundFrame) {
	switch f.Type {
	case frameTypeUsername:
		p.processUsername(c, f)
	case frameTypeMessage:
		p.processMessage(c, f)
	default:
		incr("frames.invalid", 1)
		c.reply(encodeError("unknown frame type"))
	}
}

// processUsername sets the connection's declared display name. Renames are
// allowed at any time: the name is unverified, so rejecting a second write
// would add state without adding security. No persistence, no broadcast.
func (p *processor) processUsername(c *Client, f InboundFrame) {
	name := strings.TrimSpace(f.Username)
	if name == "" {
		c.reply(encodeError("username is required"))
		return
	}

	c.setDisplayName(name)
	p.logger.Debug().Str("client_id", c.id).Str("username", name).Msg("display name set")
	c.reply(encodeAck(ackUsernameSet, ""))
}

// processMessage validates, persists and broadcasts one chat message. The
// write is majority-acknowledged and bounded by the configured timeout; on
// failure the message is reported lost to the sender and never broadcast.
func (p *processor) processMessage(c *Client, f InboundFrame) {
	username := strings.TrimSpace(f.Username)
	body := f.Message
	if username == "" || body == "" {
		c.reply(encodeError("username and message are required"))
		return
	}

	clientTS, err := time.Parse(time.RFC3339, f.Timestamp)
	if err != nil {
		c.reply(encodeError("timestamp must be an RFC 3339 string"))
		return
	}

	msg := store.ChatMessage{
		Username:        username,
		Body:            body,
		ClientTimestamp: clientTS,
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.writeTimeout)
	defer cancel()

	stored, err := p.store.Insert(ctx, msg)
	if err != nil {
		incr("store.errors", 1)
		p.logger.Error().Err(err).Str("client_id", c.id).Msg("message persistence failed")
		c.reply(encodeError("failed to persist message"))
		return
	}

	// Broadcast before acknowledging the sender. If the sender vanished
	// while the write was in flight, the reply is dropped but every other
	// open connection still sees the message.
	p.hub.Broadcast(stored)
	c.reply(encodeAck(ackMessageSent, stored.ID))
}
