// Package server implements the per-connection token bucket that throttles
// inbound frames before they are parsed.
package server

import (
	"sync"
	"time"
)

// tokenBucket refills continuously at burst tokens per refill interval.
// Parameters are assumed positive; the config sanitize pass clamps them.
type tokenBucket struct {
	mu     sync.Mutex
	tokens float64
	burst  float64
	perSec float64
	last   time.Time
}

func newTokenBucket(burst int, refill time.Duration) *tokenBucket {
	return &tokenBucket{
		tokens: float64(burst),
		burst:  float64(burst),
		perSec: float64(burst) / refill.Seconds(),
		last:   time.Now(),
	}
}

// allow consumes one token if any is available.
func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.perSec
	b.last = now
	if b.tokens > b.burst {
		b.tokens = b.burst
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
