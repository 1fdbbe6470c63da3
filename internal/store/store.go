// Package store persists chat messages and serves the recent-history query.
//
// The relay treats the store as an external collaborator with an
// acknowledged-write contract: a message is only considered sent once the
// store has durably committed it and assigned an identifier.
package store

import (
	"context"
	"time"
)

// ChatMessage is a validated inbound message that has not been persisted yet.
// The client timestamp is advisory only; the store records its own time.
type ChatMessage struct {
	Username        string
	Body            string
	ClientTimestamp time.Time
}

// StoredMessage is a durably committed message. The ID is assigned by the
// store exactly once on acknowledged write; a message without an ID has never
// been committed and must never be broadcast.
//
// The JSON field names are the wire format shared by the broadcast frame and
// the history API.
type StoredMessage struct {
	ID        string    `json:"_id"`
	Username  string    `json:"username"`
	Body      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageStore is the persistence contract used by the message processor and
// the history handlers.
type MessageStore interface {
	// Insert durably commits the message and returns the stored record with
	// its assigned identifier. The write is bounded by ctx.
	Insert(ctx context.Context, msg ChatMessage) (StoredMessage, error)

	// Recent returns up to limit messages in ascending chronological order.
	Recent(ctx context.Context, limit int) ([]StoredMessage, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying client resources.
	Close(ctx context.Context) error
}
