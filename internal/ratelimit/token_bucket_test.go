package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket_TryAcquire(t *testing.T) {
	bucket := NewTokenBucket(5, 1)

	for i := 0; i < 5; i++ {
		assert.True(t, bucket.TryAcquire(1), "token %d should be available", i)
	}
	assert.False(t, bucket.TryAcquire(1), "bucket should be empty")
}

func TestTokenBucket_Refill(t *testing.T) {
	// 100 tokens/s so the test refills quickly
	bucket := NewTokenBucket(10, 100)
	for i := 0; i < 10; i++ {
		require.True(t, bucket.TryAcquire(1))
	}
	require.False(t, bucket.TryAcquire(1))

	time.Sleep(50 * time.Millisecond)
	assert.True(t, bucket.TryAcquire(1), "refill should have produced tokens")
}

func TestTokenBucket_RefillCapsAtCapacity(t *testing.T) {
	bucket := NewTokenBucket(3, 1000)
	time.Sleep(20 * time.Millisecond)

	assert.InDelta(t, 3, bucket.Available(), 0.01)
	assert.Equal(t, 3, bucket.Capacity())
}

func TestTokenBucket_AcquireBlocksUntilRefill(t *testing.T) {
	bucket := NewTokenBucket(1, 50)
	require.True(t, bucket.TryAcquire(1))

	start := time.Now()
	ok := bucket.Acquire(context.Background(), 1, time.Second)
	assert.True(t, ok)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestTokenBucket_AcquireDeadline(t *testing.T) {
	bucket := NewTokenBucket(1, 0.1) // one token every 10s
	require.True(t, bucket.TryAcquire(1))

	ok := bucket.Acquire(context.Background(), 1, 50*time.Millisecond)
	assert.False(t, ok, "acquire should fail before the next refill")
}

func TestTokenBucket_AcquireCancellation(t *testing.T) {
	bucket := NewTokenBucket(1, 0.1)
	require.True(t, bucket.TryAcquire(1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		done <- bucket.Acquire(ctx, 1, time.Minute)
	}()
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not observe cancellation")
	}
}

func TestTokenBucket_MarkDepletedAndReset(t *testing.T) {
	bucket := NewTokenBucket(10, 0.001)

	bucket.MarkDepleted()
	assert.False(t, bucket.TryAcquire(1))
	assert.Greater(t, bucket.WaitTime(), time.Duration(0))

	bucket.Reset()
	assert.True(t, bucket.TryAcquire(10))
}

func TestTokenBucket_BoundsUnderConcurrency(t *testing.T) {
	bucket := NewTokenBucket(100, 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if bucket.TryAcquire(1) {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	// availableTokens stays within [0, capacity] at every observable instant
	avail := bucket.Available()
	assert.GreaterOrEqual(t, avail, 0.0)
	assert.LessOrEqual(t, avail, 100.0)
	assert.LessOrEqual(t, granted, 200)
}
