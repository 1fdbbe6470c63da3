package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryStore is an in-process MessageStore used when no MongoDB URI is
// configured and throughout the test suite. It assigns ObjectID-shaped
// identifiers so wire payloads match the MongoDB-backed store.
type MemoryStore struct {
	mu       sync.Mutex
	messages []StoredMessage

	// Latency delays each Insert, honoring context cancellation. Tests use
	// it to exercise the write-timeout path. Set before first use.
	Latency time.Duration

	// FailWith, when non-nil, makes every Insert fail with this error.
	// Set before first use.
	FailWith error

	// PingWith, when non-nil, makes Ping report this error. Tests use it
	// to exercise the degraded health path. Set before first use.
	PingWith error
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Insert appends the message, assigning an identifier and server-recorded
// timestamp. It fails when ctx expires before the configured latency has
// elapsed, mimicking a write that misses its acknowledgment window.
func (s *MemoryStore) Insert(ctx context.Context, msg ChatMessage) (StoredMessage, error) {
	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return StoredMessage{}, fmt.Errorf("store: insert: %w", ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, fmt.Errorf("store: insert: %w", err)
	}
	if s.FailWith != nil {
		return StoredMessage{}, fmt.Errorf("store: insert: %w", s.FailWith)
	}

	stored := StoredMessage{
		ID:        primitive.NewObjectID().Hex(),
		Username:  msg.Username,
		Body:      msg.Body,
		Timestamp: time.Now().UTC(),
	}

	s.mu.Lock()
	s.messages = append(s.messages, stored)
	s.mu.Unlock()

	return stored, nil
}

// Recent returns the limit most recent messages in ascending order.
func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := len(s.messages) - limit
	if start < 0 {
		start = 0
	}
	out := make([]StoredMessage, len(s.messages)-start)
	copy(out, s.messages[start:])
	return out, nil
}

// All returns every stored message in insertion order. Test helper.
func (s *MemoryStore) All() []StoredMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StoredMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Ping succeeds unless a failure has been injected.
func (s *MemoryStore) Ping(ctx context.Context) error {
	if s.PingWith != nil {
		return s.PingWith
	}
	return ctx.Err()
}

// Close is a no-op.
func (s *MemoryStore) Close(context.Context) error {
	return nil
}
