// Package ratelimit provides a deterministic token bucket used to bound the
// rate of inbound signaling messages per connection.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time.Now so limiter behavior is deterministic in tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// nanoPerToken is the fixed-point scale: one token is 1e9 nano-tokens, so a
// fill rate of X tokens/sec adds exactly X nano-tokens per elapsed nanosecond
// with no float rounding.
const nanoPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer tokens/sec rate against an injected
// Clock. A zero capacity or fill rate yields a bucket that never allows.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // tokens
	fillRate int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacity, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		fillRate:  fillRate,
		available: scale(capacity),
		last:      clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := scale(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; re-anchor without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.fillRate <= 0 || b.capacity <= 0 {
		return
	}

	capNano := scale(b.capacity)
	if b.available >= capNano {
		b.available = capNano
		return
	}

	// fillRate tokens/sec equals fillRate nano-tokens/ns at this fixed-point
	// scale. Clamp to capacity before multiplying to avoid overflow on long
	// idle gaps.
	need := capNano - b.available
	if elapsed >= need/b.fillRate {
		b.available = capNano
		return
	}
	b.available += elapsed * b.fillRate
}

func scale(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
