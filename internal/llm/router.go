package llm

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/docuquery/backend/internal/observability"
)

// ProviderConfig is one configured provider with its key and RPM budget.
type ProviderConfig struct {
	Name   ProviderName
	APIKey string
	Model  string // empty uses the client default
	RPM    int
}

// RouterConfig tunes the failover loop.
type RouterConfig struct {
	MaxRetries         int
	RetryDelay         time.Duration
	MaxBackoff         time.Duration
	FailureThreshold   int           // consecutive failures before cooldown
	Cooldown           time.Duration // unavailable window after threshold
	RateLimitSleep     time.Duration
	MinuteResetEnabled bool
}

// DefaultRouterConfig returns the production defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		MaxRetries:         3,
		RetryDelay:         time.Second,
		MaxBackoff:         30 * time.Second,
		FailureThreshold:   5,
		Cooldown:           2 * time.Minute,
		RateLimitSleep:     time.Second,
		MinuteResetEnabled: true,
	}
}

// providerState is the mutable per-provider routing state.
type providerState struct {
	config ProviderConfig
	client Client

	mu                 sync.Mutex
	requestsThisMinute int
	consecutiveFails   int
	lastFailure        time.Time
}

// available reports whether the provider may receive traffic now.
func (s *providerState) available(threshold int, cooldown time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consecutiveFails >= threshold && time.Since(s.lastFailure) < cooldown {
		return false
	}
	return s.requestsThisMinute < s.config.RPM
}

func (s *providerState) recordSuccess() {
	s.mu.Lock()
	s.consecutiveFails = 0
	s.mu.Unlock()
}

func (s *providerState) recordFailure(rateLimited bool) {
	s.mu.Lock()
	s.consecutiveFails++
	s.lastFailure = time.Now()
	if rateLimited {
		// Exhaust the minute budget so the slot walk skips this provider
		// until the next reset.
		s.requestsThisMinute = s.config.RPM
	}
	s.mu.Unlock()
}

func (s *providerState) take() {
	s.mu.Lock()
	s.requestsThisMinute++
	s.mu.Unlock()
}

func (s *providerState) resetMinute() {
	s.mu.Lock()
	s.requestsThisMinute = 0
	s.mu.Unlock()
}

// Router spreads generation calls across providers with weighted round-robin
// slots (one slot per provider per RPM) and fails over on classified errors.
type Router struct {
	config    RouterConfig
	providers map[ProviderName]*providerState
	slots     []ProviderName

	mu     sync.Mutex
	cursor int

	logger observability.Logger
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewRouter builds a router over the given providers. The slot array holds
// one entry per (provider, i < RPM), shuffled so a restart does not always
// favor the same provider first.
func NewRouter(configs []ProviderConfig, routerCfg RouterConfig, logger observability.Logger) (*Router, error) {
	if len(configs) == 0 {
		return nil, errors.New("no providers configured")
	}

	r := &Router{
		config:    routerCfg,
		providers: make(map[ProviderName]*providerState),
		logger:    logger.WithPrefix("llm-router"),
		stop:      make(chan struct{}),
	}

	for _, cfg := range configs {
		if cfg.RPM <= 0 {
			cfg.RPM = 30
		}
		client, err := NewClient(cfg.Name)
		if err != nil {
			return nil, err
		}
		r.providers[cfg.Name] = &providerState{config: cfg, client: client}
		for i := 0; i < cfg.RPM; i++ {
			r.slots = append(r.slots, cfg.Name)
		}
	}

	rand.Shuffle(len(r.slots), func(i, j int) {
		r.slots[i], r.slots[j] = r.slots[j], r.slots[i]
	})

	if routerCfg.MinuteResetEnabled {
		r.wg.Add(1)
		go r.minuteResetLoop()
	}

	return r, nil
}

// newRouterWithClients is the test seam: identical wiring but injected
// clients instead of live HTTP ones.
func newRouterWithClients(clients []Client, configs []ProviderConfig, routerCfg RouterConfig, logger observability.Logger) *Router {
	r := &Router{
		config:    routerCfg,
		providers: make(map[ProviderName]*providerState),
		logger:    logger.WithPrefix("llm-router"),
		stop:      make(chan struct{}),
	}
	for i, cfg := range configs {
		if cfg.RPM <= 0 {
			cfg.RPM = 30
		}
		r.providers[cfg.Name] = &providerState{config: cfg, client: clients[i]}
		for j := 0; j < cfg.RPM; j++ {
			r.slots = append(r.slots, cfg.Name)
		}
	}
	rand.Shuffle(len(r.slots), func(i, j int) {
		r.slots[i], r.slots[j] = r.slots[j], r.slots[i]
	})
	return r
}

// Close stops the background minute-reset loop.
func (r *Router) Close() {
	close(r.stop)
	r.wg.Wait()
}

func (r *Router) minuteResetLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			for _, p := range r.providers {
				p.resetMinute()
			}
		}
	}
}

// nextProvider walks the slot array from the shared cursor, skipping
// attempted and unavailable providers. Returns nil when no provider is
// currently eligible.
func (r *Router) nextProvider(attempted map[ProviderName]bool) *providerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := 0; i < len(r.slots); i++ {
		name := r.slots[r.cursor%len(r.slots)]
		r.cursor++
		if attempted[name] {
			continue
		}
		p := r.providers[name]
		if !p.available(r.config.FailureThreshold, r.config.Cooldown) {
			continue
		}
		return p
	}
	return nil
}

// Generate routes one prompt, failing over across providers. A provider that
// returns 410/413 stays excluded for the rest of the call; a rate-limited
// provider has its minute budget exhausted and the loop sleeps briefly.
func (r *Router) Generate(ctx context.Context, prompt, model string) (string, error) {
	attempted := make(map[ProviderName]bool)
	// 410/413 exclusions survive the backoff reset below; re-sending the
	// same prompt to those providers is futile.
	excluded := make(map[ProviderName]bool)
	var attemptedOrder []ProviderName
	var lastErr error

	for attempt := 0; attempt < r.config.MaxRetries && len(attempted) < len(r.providers); {
		p := r.nextProvider(attempted)
		if p == nil {
			// Every provider is cooling down or out of budget: back off and
			// open the attempted set back up.
			delay := r.config.RetryDelay << attempt
			if delay > r.config.MaxBackoff {
				delay = r.config.MaxBackoff
			}
			r.logger.Warn("no provider available, backing off", map[string]interface{}{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
			})
			select {
			case <-ctx.Done():
				return "", &RouterFailure{AttemptedProviders: attemptedOrder, LastError: ctx.Err()}
			case <-time.After(delay):
			}
			attempted = make(map[ProviderName]bool, len(excluded))
			for name := range excluded {
				attempted[name] = true
			}
			attempt++
			continue
		}

		name := p.client.Name()
		p.take()

		useModel := model
		if useModel == "" {
			useModel = p.config.Model
		}

		text, err := p.client.Generate(ctx, prompt, p.config.APIKey, useModel)
		if err == nil {
			p.recordSuccess()
			return text, nil
		}

		lastErr = err
		attempted[name] = true
		attemptedOrder = append(attemptedOrder, name)
		if IsNonRetryableContent(err) {
			excluded[name] = true
		}

		var pe *ProviderError
		rateLimited := errors.As(err, &pe) && pe.RateLimited
		p.recordFailure(rateLimited)

		r.logger.Warn("provider call failed", map[string]interface{}{
			"provider":     string(name),
			"rate_limited": rateLimited,
			"error":        err.Error(),
		})

		if rateLimited {
			select {
			case <-ctx.Done():
				return "", &RouterFailure{AttemptedProviders: attemptedOrder, LastError: ctx.Err()}
			case <-time.After(r.config.RateLimitSleep):
			}
		}
	}

	return "", &RouterFailure{AttemptedProviders: attemptedOrder, LastError: lastErr}
}

// ProviderCount reports how many providers are configured.
func (r *Router) ProviderCount() int {
	return len(r.providers)
}
