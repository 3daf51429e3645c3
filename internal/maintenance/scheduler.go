// Package maintenance runs the background housekeeping jobs: cache
// expiry sweeps, API key usage persistence and the keepalive ping.
package maintenance

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/docuquery/backend/internal/observability"
	"github.com/docuquery/backend/internal/ratelimit"
)

// CacheSweeper deletes expired cached answers.
type CacheSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// UsageRecorder persists per-key request counters.
type UsageRecorder interface {
	Record(ctx context.Context, keyIdentifier string, n int64, failed bool) error
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// KeySnapshotter exposes the key pool's counters.
type KeySnapshotter interface {
	Snapshot() []ratelimit.KeySnapshot
}

// Config tunes the scheduler.
type Config struct {
	SweepSchedule     string        // cron spec, default every 10 minutes
	UsageSchedule     string        // cron spec, default every minute
	UsageRetention    time.Duration // default 7 days
	KeepaliveURL      string        // empty disables the keepalive job
	KeepaliveInterval time.Duration // default 14 minutes
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SweepSchedule:     "@every 10m",
		UsageSchedule:     "@every 1m",
		UsageRetention:    7 * 24 * time.Hour,
		KeepaliveInterval: 14 * time.Minute,
	}
}

// Scheduler owns the cron instance and the keepalive loop.
type Scheduler struct {
	config  Config
	cache   CacheSweeper
	usage   UsageRecorder
	keys    KeySnapshotter
	client  *http.Client
	logger  observability.Logger
	cron    *cron.Cron
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup

	mu          sync.Mutex
	lastFlushed map[string]flushState
}

type flushState struct {
	requests int64
	failures int64
}

// New builds the scheduler. usage and keys may both be nil to disable
// usage persistence.
func New(cfg Config, cache CacheSweeper, usage UsageRecorder, keys KeySnapshotter, logger observability.Logger) *Scheduler {
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 10m"
	}
	if cfg.UsageSchedule == "" {
		cfg.UsageSchedule = "@every 1m"
	}
	if cfg.UsageRetention <= 0 {
		cfg.UsageRetention = 7 * 24 * time.Hour
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 14 * time.Minute
	}
	return &Scheduler{
		config:      cfg,
		cache:       cache,
		usage:       usage,
		keys:        keys,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      logger.WithPrefix("maintenance"),
		cron:        cron.New(),
		stop:        make(chan struct{}),
		lastFlushed: make(map[string]flushState),
	}
}

// Start registers and launches all jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cache != nil {
		if _, err := s.cron.AddFunc(s.config.SweepSchedule, func() { s.sweep(ctx) }); err != nil {
			return fmt.Errorf("registering sweep job: %w", err)
		}
	}
	if s.usage != nil && s.keys != nil {
		if _, err := s.cron.AddFunc(s.config.UsageSchedule, func() { s.flushUsage(ctx) }); err != nil {
			return fmt.Errorf("registering usage job: %w", err)
		}
	}
	s.cron.Start()

	if s.config.KeepaliveURL != "" {
		s.wg.Add(1)
		go s.keepaliveLoop(ctx)
	}
	return nil
}

// Stop halts cron and the keepalive loop, waiting for running jobs.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stop) })
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.client.CloseIdleConnections()
}

func (s *Scheduler) sweep(ctx context.Context) {
	n, err := s.cache.SweepExpired(ctx)
	if err != nil {
		s.logger.Warn("cache sweep failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if n > 0 {
		s.logger.Info("expired cache rows removed", map[string]interface{}{"count": n})
	}
}

// flushUsage writes the delta of each key's counters since the previous
// flush, then prunes old rows.
func (s *Scheduler) flushUsage(ctx context.Context) {
	snapshots := s.keys.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range snapshots {
		id := maskKey(snap.Key)
		prev := s.lastFlushed[snap.Key]

		requests := snap.TotalRequests - prev.requests
		failures := snap.TotalFailures - prev.failures
		if requests <= 0 && failures <= 0 {
			continue
		}

		if err := s.usage.Record(ctx, id, requests, failures > 0); err != nil {
			s.logger.Warn("usage record failed", map[string]interface{}{
				"key":   id,
				"error": err.Error(),
			})
			continue
		}
		s.lastFlushed[snap.Key] = flushState{
			requests: snap.TotalRequests,
			failures: snap.TotalFailures,
		}
	}

	if _, err := s.usage.PruneOlderThan(ctx, time.Now().Add(-s.config.UsageRetention)); err != nil {
		s.logger.Warn("usage prune failed", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Scheduler) keepaliveLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.ping(ctx)
		}
	}
}

// ping keeps free-tier hosts from idling the service out.
func (s *Scheduler) ping(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.KeepaliveURL, nil)
	if err != nil {
		s.logger.Warn("keepalive request build failed", map[string]interface{}{"error": err.Error()})
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("keepalive ping failed", map[string]interface{}{"error": err.Error()})
		return
	}
	_ = resp.Body.Close()
	s.logger.Debug("keepalive ping", map[string]interface{}{"status": resp.StatusCode})
}

// maskKey keeps enough of the key to correlate rows without persisting
// the secret itself.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "key-" + key
	}
	return key[:4] + "..." + key[len(key)-4:]
}
