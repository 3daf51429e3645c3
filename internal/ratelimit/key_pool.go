package ratelimit

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/docuquery/backend/internal/observability"
)

// ErrNoAvailableKey is returned when every key stayed exhausted or disabled
// for the whole wait window.
var ErrNoAvailableKey = errors.New("no API key available within deadline")

// FailureKind classifies a reported key failure.
type FailureKind int

const (
	FailureOther FailureKind = iota
	FailureRateLimit
	FailureAuth
)

// KeyPoolConfig configures bucket sizing and health thresholds.
type KeyPoolConfig struct {
	// BucketCapacity and RefillPerSecond size each key's token bucket.
	// The embedding default is 15 requests per minute.
	BucketCapacity  int
	RefillPerSecond float64

	// MaxConsecutiveFailures disables a key once reached.
	MaxConsecutiveFailures int

	// DisableDuration is how long a tripped key stays out of rotation.
	DisableDuration time.Duration

	// MaxWait bounds Acquire.
	MaxWait time.Duration
}

// DefaultKeyPoolConfig matches the embedding API quota of 15 RPM per key.
func DefaultKeyPoolConfig() KeyPoolConfig {
	return KeyPoolConfig{
		BucketCapacity:         15,
		RefillPerSecond:        15.0 / 60.0,
		MaxConsecutiveFailures: 3,
		DisableDuration:        5 * time.Minute,
		MaxWait:                30 * time.Second,
	}
}

// KeyHealth tracks the rolling health of one API key.
type KeyHealth struct {
	ConsecutiveFailures int
	TotalRequests       int64
	TotalFailures       int64
	LastFailureTime     time.Time
	LastFailureMessage  string
	LastSuccessTime     time.Time
	DisabledUntil       time.Time
}

type keyState struct {
	key    string
	bucket *TokenBucket
	health KeyHealth
}

// disabledNow reports whether the key is out of rotation at t. A key whose
// DisabledUntil has passed auto-recovers; the caller resets its failures.
func (k *keyState) disabledNow(t time.Time) bool {
	return !k.health.DisabledUntil.IsZero() && t.Before(k.health.DisabledUntil)
}

// KeyPool manages an ordered set of API keys, each owning a token bucket and
// health state. Every selection debits the chosen key's bucket; callers must
// report exactly one success or failure per acquisition.
type KeyPool struct {
	mu     sync.Mutex
	config KeyPoolConfig
	keys   []*keyState
	index  map[string]*keyState
	logger observability.Logger
}

// KeySnapshot is a read-only view of one key's counters, consumed by the
// usage flush job.
type KeySnapshot struct {
	Key                 string
	Available           float64
	ConsecutiveFailures int
	TotalRequests       int64
	TotalFailures       int64
	LastSuccessTime     time.Time
	LastFailureTime     time.Time
	Disabled            bool
}

// NewKeyPool creates a pool for the given keys. Empty keys are skipped.
func NewKeyPool(keys []string, config KeyPoolConfig, logger observability.Logger) *KeyPool {
	p := &KeyPool{
		config: config,
		index:  make(map[string]*keyState),
		logger: logger.WithPrefix("key-pool"),
	}
	p.UpdateKeys(keys)
	return p
}

// UpdateKeys merges new keys into the pool without removing existing ones,
// allowing hot reload from configuration.
func (p *KeyPool) UpdateKeys(keys []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	added := 0
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, ok := p.index[key]; ok {
			continue
		}
		state := &keyState{
			key:    key,
			bucket: NewTokenBucket(p.config.BucketCapacity, p.config.RefillPerSecond),
		}
		p.keys = append(p.keys, state)
		p.index[key] = state
		added++
	}

	if added > 0 {
		p.logger.Info("API keys registered", map[string]interface{}{
			"added": added,
			"total": len(p.keys),
		})
	}
}

// Size returns the number of keys in the pool.
func (p *KeyPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Acquire picks the healthiest key with an available token, blocking up to
// the configured MaxWait. Candidates are tried in descending order of bucket
// balance; when every bucket is empty the caller sleeps the minimum refill
// wait across keys rather than failing fast.
func (p *KeyPool) Acquire(ctx context.Context) (string, error) {
	deadline := time.Now().Add(p.config.MaxWait)

	for {
		key, minWait, ok := p.tryAcquireAny()
		if ok {
			return key, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrNoAvailableKey
		}
		if minWait <= 0 {
			minWait = 50 * time.Millisecond
		}
		if minWait > remaining {
			minWait = remaining
		}
		if minWait > maxSleepPerIteration {
			minWait = maxSleepPerIteration
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(minWait):
		}
	}
}

// tryAcquireAny attempts one pass over non-disabled keys sorted by available
// tokens. Returns the minimum wait time across candidates on failure.
func (p *KeyPool) tryAcquireAny() (string, time.Duration, bool) {
	p.mu.Lock()
	now := time.Now()
	candidates := make([]*keyState, 0, len(p.keys))
	for _, k := range p.keys {
		if k.disabledNow(now) {
			continue
		}
		p.recoverLocked(k, now)
		candidates = append(candidates, k)
	}
	p.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].bucket.Available() > candidates[j].bucket.Available()
	})

	minWait := time.Duration(-1)
	for _, k := range candidates {
		if k.bucket.TryAcquire(1) {
			return k.key, 0, true
		}
		if w := k.bucket.WaitTime(); minWait < 0 || w < minWait {
			minWait = w
		}
	}
	return "", minWait, false
}

// AcquireFor deterministically assigns a key to a document so each document
// keeps a stable embedding key across its chunks. A disabled assigned key
// falls back to the regular healthiest-key path.
func (p *KeyPool) AcquireFor(ctx context.Context, docID string) (string, error) {
	p.mu.Lock()
	n := len(p.keys)
	if n == 0 {
		p.mu.Unlock()
		return "", ErrNoAvailableKey
	}
	state := p.keys[KeyIndexFor(docID, n)]
	now := time.Now()
	disabled := state.disabledNow(now)
	if !disabled {
		p.recoverLocked(state, now)
	}
	p.mu.Unlock()

	if !disabled {
		if state.bucket.TryAcquire(1) {
			return state.key, nil
		}
		if state.bucket.Acquire(ctx, 1, p.config.MaxWait) {
			return state.key, nil
		}
	}
	return p.Acquire(ctx)
}

// KeyIndexFor maps a document ID onto a key slot with FNV-1a.
func KeyIndexFor(docID string, keyCount int) int {
	if keyCount <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(docID))
	return int(h.Sum32() % uint32(keyCount))
}

// recoverLocked resets failure counts for a key whose disable window has
// elapsed. Caller holds mu.
func (p *KeyPool) recoverLocked(k *keyState, now time.Time) {
	if !k.health.DisabledUntil.IsZero() && !now.Before(k.health.DisabledUntil) {
		k.health.DisabledUntil = time.Time{}
		k.health.ConsecutiveFailures = 0
		p.logger.Info("API key recovered", map[string]interface{}{
			"key": redactKey(k.key),
		})
	}
}

// ReportSuccess records a successful call on the key.
func (p *KeyPool) ReportSuccess(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k, ok := p.index[key]
	if !ok {
		return
	}
	k.health.ConsecutiveFailures = 0
	k.health.TotalRequests++
	k.health.LastSuccessTime = time.Now()
}

// ReportFailure records a failed call. Rate-limit failures also drain the
// key's bucket; repeated failures disable the key for DisableDuration.
func (p *KeyPool) ReportFailure(key string, kind FailureKind, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k, ok := p.index[key]
	if !ok {
		return
	}
	now := time.Now()
	k.health.ConsecutiveFailures++
	k.health.TotalRequests++
	k.health.TotalFailures++
	k.health.LastFailureTime = now
	k.health.LastFailureMessage = message

	if kind == FailureRateLimit {
		k.bucket.MarkDepleted()
	}

	if k.health.ConsecutiveFailures >= p.config.MaxConsecutiveFailures {
		k.health.DisabledUntil = now.Add(p.config.DisableDuration)
		p.logger.Warn("API key disabled", map[string]interface{}{
			"key":                  redactKey(key),
			"consecutive_failures": k.health.ConsecutiveFailures,
			"disabled_until":       k.health.DisabledUntil.Format(time.RFC3339),
		})
	}
}

// Snapshot returns per-key counters for persistence.
func (p *KeyPool) Snapshot() []KeySnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	out := make([]KeySnapshot, 0, len(p.keys))
	for _, k := range p.keys {
		out = append(out, KeySnapshot{
			Key:                 redactKey(k.key),
			Available:           k.bucket.Available(),
			ConsecutiveFailures: k.health.ConsecutiveFailures,
			TotalRequests:       k.health.TotalRequests,
			TotalFailures:       k.health.TotalFailures,
			LastSuccessTime:     k.health.LastSuccessTime,
			LastFailureTime:     k.health.LastFailureTime,
			Disabled:            k.disabledNow(now),
		})
	}
	return out
}

// redactKey keeps only a short identifying suffix for logs and persistence.
func redactKey(key string) string {
	if len(key) <= 6 {
		return "key-****"
	}
	return "key-" + key[len(key)-6:]
}
