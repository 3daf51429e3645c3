package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/docuquery/backend/internal/models"
	"github.com/docuquery/backend/internal/observability"
)

// memJobStore is an in-memory JobStore with lease semantics close enough
// to the SQL implementation for pool tests.
type memJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.ProcessingJob
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[uuid.UUID]*models.ProcessingJob)}
}

func (s *memJobStore) add(job *models.ProcessingJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *memJobStore) get(id uuid.UUID) models.ProcessingJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memJobStore) LeaseBatch(ctx context.Context, workerID string, limit int, lockDuration time.Duration) ([]*models.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var leased []*models.ProcessingJob
	for _, job := range s.jobs {
		if len(leased) >= limit {
			break
		}
		expired := job.Status == models.JobStatusProcessing &&
			job.LockedUntil != nil && job.LockedUntil.Before(now)
		if (job.Status == models.JobStatusQueued || expired) && job.Attempts < job.MaxAttempts {
			job.Status = models.JobStatusProcessing
			job.Attempts++
			job.LockedBy = &workerID
			until := now.Add(lockDuration)
			job.LockedUntil = &until
			cp := *job
			leased = append(leased, &cp)
		}
	}
	return leased, nil
}

func (s *memJobStore) Complete(ctx context.Context, jobID uuid.UUID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.LockedBy == nil || *job.LockedBy != workerID {
		return errors.New("not found")
	}
	job.Status = models.JobStatusCompleted
	job.LockedBy, job.LockedUntil = nil, nil
	return nil
}

func (s *memJobStore) Fail(ctx context.Context, jobID uuid.UUID, workerID, lastError string) (*models.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.LockedBy == nil || *job.LockedBy != workerID {
		return nil, errors.New("not found")
	}
	job.LastError = &lastError
	job.LockedBy, job.LockedUntil = nil, nil
	if job.Attempts >= job.MaxAttempts {
		job.Status = models.JobStatusFailed
	} else {
		job.Status = models.JobStatusQueued
	}
	cp := *job
	return &cp, nil
}

type memDocFailer struct {
	mu     sync.Mutex
	failed map[uuid.UUID]string
}

func newMemDocFailer() *memDocFailer {
	return &memDocFailer{failed: make(map[uuid.UUID]string)}
}

func (f *memDocFailer) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = errMsg
	return nil
}

type stubProcessor struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *stubProcessor) Process(ctx context.Context, docID uuid.UUID) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.err
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.Stagger = 0
	return cfg
}

func queuedJob(maxAttempts int) *models.ProcessingJob {
	return &models.ProcessingJob{
		ID:          uuid.New(),
		DocumentID:  uuid.New(),
		Status:      models.JobStatusQueued,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
	}
}

func TestPool_WorkerIDFormat(t *testing.T) {
	p := New(testConfig(), newMemJobStore(), newMemDocFailer(), &stubProcessor{},
		nil, observability.NewNoopLogger())
	assert.Regexp(t, `^worker-[0-9a-f]{8}$`, p.WorkerID())
}

func TestPool_TickCompletesJob(t *testing.T) {
	store := newMemJobStore()
	job := queuedJob(3)
	store.add(job)

	proc := &stubProcessor{}
	p := New(testConfig(), store, newMemDocFailer(), proc, nil, observability.NewNoopLogger())

	p.Tick(context.Background())

	got := store.get(job.ID)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 1, proc.calls)
}

func TestPool_RetryThenExhaustion(t *testing.T) {
	// Two ticks against a processor that always fails with maxAttempts=2:
	// first tick requeues, second tick fails terminally and the document
	// is finalized.
	store := newMemJobStore()
	job := queuedJob(2)
	store.add(job)

	docs := newMemDocFailer()
	proc := &stubProcessor{err: errors.New("File not found in storage: doc.pdf")}
	p := New(testConfig(), store, docs, proc, nil, observability.NewNoopLogger())

	ctx := context.Background()
	p.Tick(ctx)

	got := store.get(job.ID)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "File not found")

	p.Tick(ctx)

	got = store.get(job.ID)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)

	docs.mu.Lock()
	defer docs.mu.Unlock()
	assert.Contains(t, docs.failed[job.DocumentID], "File not found")
}

func TestPool_BatchSizeBoundsLeases(t *testing.T) {
	store := newMemJobStore()
	for i := 0; i < 10; i++ {
		store.add(queuedJob(3))
	}

	cfg := testConfig()
	cfg.BatchSize = 3
	proc := &stubProcessor{}
	p := New(cfg, store, newMemDocFailer(), proc, nil, observability.NewNoopLogger())

	p.Tick(context.Background())
	assert.Equal(t, 3, proc.calls)
}

func TestPool_StartStopDoesNotLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemJobStore()
	store.add(queuedJob(3))

	p := New(testConfig(), store, newMemDocFailer(), &stubProcessor{},
		nil, observability.NewNoopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	p.Stop()

	got := models.JobStatusQueued
	for _, job := range store.jobs {
		got = job.Status
	}
	assert.Equal(t, models.JobStatusCompleted, got)
}
