// Package worker polls the job table and dispatches leased jobs to the
// processing pipeline. Leases with a lock window make crashed workers'
// jobs re-leasable without coordination.
package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docuquery/backend/internal/metrics"
	"github.com/docuquery/backend/internal/models"
	"github.com/docuquery/backend/internal/observability"
	"github.com/docuquery/backend/internal/repository"
)

// JobStore is the job persistence surface the worker needs.
type JobStore interface {
	LeaseBatch(ctx context.Context, workerID string, limit int, lockDuration time.Duration) ([]*models.ProcessingJob, error)
	Complete(ctx context.Context, jobID uuid.UUID, workerID string) error
	Fail(ctx context.Context, jobID uuid.UUID, workerID, lastError string) (*models.ProcessingJob, error)
}

// DocumentFailer finalizes a document whose job ran out of attempts.
type DocumentFailer interface {
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
}

// Processor runs one document through the pipeline.
type Processor interface {
	Process(ctx context.Context, docID uuid.UUID) error
}

// Config tunes the worker pool.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Stagger      time.Duration // delay between job starts within a tick
	LockDuration time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		BatchSize:    3,
		Stagger:      2 * time.Second,
		LockDuration: 300 * time.Second,
	}
}

// Pool leases and runs processing jobs until stopped.
type Pool struct {
	config    Config
	workerID  string
	jobs      JobStore
	documents DocumentFailer
	processor Processor
	metrics   *metrics.Metrics
	logger    observability.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New builds a pool with a fresh random worker identity.
func New(cfg Config, jobs JobStore, documents DocumentFailer, processor Processor, m *metrics.Metrics, logger observability.Logger) *Pool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 3
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = 300 * time.Second
	}
	id := newWorkerID()
	return &Pool{
		config:    cfg,
		workerID:  id,
		jobs:      jobs,
		documents: documents,
		processor: processor,
		metrics:   m,
		logger:    logger.WithPrefix(id),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// newWorkerID returns "worker-<rand8>".
func newWorkerID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("worker-%08x", time.Now().UnixNano()&0xffffffff)
	}
	return "worker-" + hex.EncodeToString(b)
}

// WorkerID exposes the pool's identity, mainly for logs and tests.
func (p *Pool) WorkerID() string { return p.workerID }

// Start launches the poll loop.
func (p *Pool) Start(ctx context.Context) {
	go p.loop(ctx)
}

// Stop signals the loop and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.stop) })
	<-p.done
}

func (p *Pool) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick leases one batch and runs it. Exported so tests (and manual
// triggers) can drive the pool without the timer.
func (p *Pool) Tick(ctx context.Context) {
	jobs, err := p.jobs.LeaseBatch(ctx, p.workerID, p.config.BatchSize, p.config.LockDuration)
	if err != nil {
		p.logger.Error("lease failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if len(jobs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for i, job := range jobs {
		if i > 0 && p.config.Stagger > 0 {
			select {
			case <-ctx.Done():
				wg.Wait()
				return
			case <-time.After(p.config.Stagger):
			}
		}
		wg.Add(1)
		go func(job *models.ProcessingJob) {
			defer wg.Done()
			p.runJob(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (p *Pool) runJob(ctx context.Context, job *models.ProcessingJob) {
	if p.metrics != nil {
		p.metrics.ActiveJobs.Inc()
		defer p.metrics.ActiveJobs.Dec()
	}

	p.logger.Info("job started", map[string]interface{}{
		"job_id":      job.ID.String(),
		"document_id": job.DocumentID.String(),
		"attempt":     job.Attempts,
	})

	err := p.processor.Process(ctx, job.DocumentID)
	if err == nil {
		if cErr := p.jobs.Complete(ctx, job.ID, p.workerID); cErr != nil {
			p.logger.Error("job completion failed", map[string]interface{}{
				"job_id": job.ID.String(),
				"error":  cErr.Error(),
			})
		}
		return
	}

	failed, fErr := p.jobs.Fail(ctx, job.ID, p.workerID, err.Error())
	if fErr != nil {
		p.logger.Error("job failure record failed", map[string]interface{}{
			"job_id": job.ID.String(),
			"error":  fErr.Error(),
		})
		return
	}

	if p.metrics != nil && failed.Status == models.JobStatusQueued {
		p.metrics.JobRetries.Inc()
	}

	// Terminal failure also finalizes the parent document. The pipeline
	// usually marked it FAILED already; the guarded update then matches no
	// row and reports an invalid transition, which is fine here.
	if failed.Status == models.JobStatusFailed {
		summary := fmt.Sprintf("processing failed after %d attempts: %s", failed.Attempts, err.Error())
		if dErr := p.documents.MarkFailed(ctx, job.DocumentID, summary); dErr != nil && !errors.Is(dErr, repository.ErrInvalidTransition) {
			p.logger.Error("document failure record failed", map[string]interface{}{
				"document_id": job.DocumentID.String(),
				"error":       dErr.Error(),
			})
		}
	}

	p.logger.Warn("job failed", map[string]interface{}{
		"job_id":   job.ID.String(),
		"attempt":  failed.Attempts,
		"terminal": failed.Status == models.JobStatusFailed,
		"error":    err.Error(),
	})
}
