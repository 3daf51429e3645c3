// Package ratelimit implements the per-key token buckets and the API key
// pool that throttle calls to external embedding and generation APIs.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// tokenScale converts whole tokens to fixed-point milli-tokens. Integer
// accounting avoids float drift under contention.
const tokenScale = 1000

// maxSleepPerIteration keeps Acquire responsive to cancellation.
const maxSleepPerIteration = time.Second

// TokenBucket is a thread-safe rate limiter refilling at a constant rate up
// to a fixed capacity.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64 // milli-tokens
	available  int64 // milli-tokens
	refillRate float64
	lastRefill time.Time
}

// NewTokenBucket creates a full bucket with the given capacity (tokens) and
// refill rate (tokens per second).
func NewTokenBucket(capacity int, refillPerSecond float64) *TokenBucket {
	return &TokenBucket{
		capacity:   int64(capacity) * tokenScale,
		available:  int64(capacity) * tokenScale,
		refillRate: refillPerSecond,
		lastRefill: time.Now(),
	}
}

// refillLocked adds tokens for the elapsed interval, capped at capacity.
// Caller holds mu.
func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	added := int64(elapsed.Seconds() * b.refillRate * tokenScale)
	if added > 0 {
		b.available += added
		if b.available > b.capacity {
			b.available = b.capacity
		}
		b.lastRefill = now
	}
}

// TryAcquire refills, then atomically debits n tokens if available.
func (b *TokenBucket) TryAcquire(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())

	need := int64(n) * tokenScale
	if b.available >= need {
		b.available -= need
		return true
	}
	return false
}

// Acquire blocks until n tokens are available or the deadline passes.
// Each sleep is capped at one second so cancellation is observed promptly.
func (b *TokenBucket) Acquire(ctx context.Context, n int, maxWait time.Duration) bool {
	deadline := time.Now().Add(maxWait)

	for {
		if b.TryAcquire(n) {
			return true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}

		sleep := b.WaitTime()
		if sleep > remaining {
			sleep = remaining
		}
		if sleep > maxSleepPerIteration {
			sleep = maxSleepPerIteration
		}
		if sleep <= 0 {
			sleep = time.Millisecond
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(sleep):
		}
	}
}

// WaitTime estimates how long until one full token is available.
func (b *TokenBucket) WaitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())

	missing := int64(tokenScale) - b.available
	if missing <= 0 {
		return 0
	}
	if b.refillRate <= 0 {
		return time.Hour
	}
	seconds := float64(missing) / (b.refillRate * tokenScale)
	return time.Duration(seconds * float64(time.Second))
}

// MarkDepleted zeroes the bucket. Used when the upstream reports a 429 so
// the local view matches the remote quota.
func (b *TokenBucket) MarkDepleted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = 0
	b.lastRefill = time.Now()
}

// Reset restores the bucket to full capacity.
func (b *TokenBucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = b.capacity
	b.lastRefill = time.Now()
}

// Available returns the current whole-token balance after refill.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return float64(b.available) / tokenScale
}

// Capacity returns the bucket capacity in whole tokens.
func (b *TokenBucket) Capacity() int {
	return int(b.capacity / tokenScale)
}
