// Package server implements the per-connection inbox: an ordered queue of
// inbound frames with single-flight draining.
package server

import "sync"

// inbox holds a connection's unprocessed frames. The processing flag
// guarantees at most one frame from this connection is being validated,
// persisted and acknowledged at a time, so submission order is preserved
// without ever blocking the connection's read loop.
type inbox struct {
	mu         sync.Mutex
	frames     []InboundFrame
	processing bool
}

// push appends a parsed frame in arrival order.
func (q *inbox) push(f InboundFrame) {
	q.mu.Lock()
	q.frames = append(q.frames, f)
	q.mu.Unlock()
}

// tryClaim attempts to take ownership of draining. It returns false when a
// drain is already in flight or there is nothing to drain, making the drain
// trigger idempotent.
func (q *inbox) tryClaim() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.processing || len(q.frames) == 0 {
		return false
	}
	q.processing = true
	return true
}

// next pops the oldest frame. When the queue is empty it releases the
// processing claim and reports false; the next push restarts draining.
func (q *inbox) next() (InboundFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		q.processing = false
		return InboundFrame{}, false
	}

	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

// discard drops all pending frames and reports how many were dropped.
// Termination cleanup: discarded frames are never retried.
func (q *inbox) discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.frames)
	q.frames = nil
	return n
}

func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
