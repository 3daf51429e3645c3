package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/docuquery/backend/internal/models"
)

const jobColumns = `
	id, document_id, status, priority, attempts, max_attempts, last_error,
	locked_by, locked_until, created_at, started_at, completed_at`

// JobRepository handles processing job data access.
type JobRepository struct {
	db *sqlx.DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Enqueue inserts a QUEUED job for a document.
func (r *JobRepository) Enqueue(ctx context.Context, documentID uuid.UUID, priority, maxAttempts int) (*models.ProcessingJob, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	job := &models.ProcessingJob{
		ID:          uuid.New(),
		DocumentID:  documentID,
		Status:      models.JobStatusQueued,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO processing_jobs (
			id, document_id, status, priority, attempts, max_attempts, created_at
		) VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		job.ID, job.DocumentID, job.Status, job.Priority, job.MaxAttempts, job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// Requeue returns a FAILED job to QUEUED for another round of attempts.
func (r *JobRepository) Requeue(ctx context.Context, documentID uuid.UUID) (*models.ProcessingJob, error) {
	var job models.ProcessingJob
	err := r.db.QueryRowxContext(ctx, `
		UPDATE processing_jobs
		SET status = $1, attempts = 0, last_error = NULL,
		    locked_by = NULL, locked_until = NULL, completed_at = NULL
		WHERE document_id = $2 AND status = $3
		RETURNING `+jobColumns,
		models.JobStatusQueued, documentID, models.JobStatusFailed).StructScan(&job)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("requeue job: %w", err)
	}
	return &job, nil
}

// LeaseBatch claims up to limit runnable jobs for workerID. A job is
// runnable when QUEUED, or PROCESSING with an expired lease. SKIP LOCKED
// keeps concurrent pollers from blocking on each other's candidates.
func (r *JobRepository) LeaseBatch(ctx context.Context, workerID string, limit int, lockDuration time.Duration) ([]*models.ProcessingJob, error) {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now()
	lockedUntil := now.Add(lockDuration)

	query := `
		UPDATE processing_jobs
		SET status = $1, attempts = attempts + 1, locked_by = $2,
		    locked_until = $3, started_at = COALESCE(started_at, $4)
		WHERE id IN (
			SELECT id FROM processing_jobs
			WHERE (status = $5 OR (status = $1 AND locked_until < $4))
			  AND attempts < max_attempts
			ORDER BY priority ASC, created_at ASC
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var jobs []*models.ProcessingJob
	err := r.db.SelectContext(ctx, &jobs, query,
		models.JobStatusProcessing, workerID, lockedUntil, now,
		models.JobStatusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("lease jobs: %w", err)
	}
	return jobs, nil
}

// ExtendLease pushes a held lease forward.
func (r *JobRepository) ExtendLease(ctx context.Context, jobID uuid.UUID, workerID string, lockDuration time.Duration) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE processing_jobs
		SET locked_until = $1
		WHERE id = $2 AND locked_by = $3 AND status = $4`,
		time.Now().Add(lockDuration), jobID, workerID, models.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Complete marks a held job COMPLETED and releases the lock.
func (r *JobRepository) Complete(ctx context.Context, jobID uuid.UUID, workerID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE processing_jobs
		SET status = $1, completed_at = $2, locked_by = NULL, locked_until = NULL
		WHERE id = $3 AND locked_by = $4`,
		models.JobStatusCompleted, time.Now(), jobID, workerID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail records a failure. While attempts remain the job returns to QUEUED;
// once attempts reach max_attempts it becomes FAILED terminally.
func (r *JobRepository) Fail(ctx context.Context, jobID uuid.UUID, workerID, lastError string) (*models.ProcessingJob, error) {
	if len(lastError) > 2000 {
		lastError = lastError[:2000]
	}

	query := `
		UPDATE processing_jobs
		SET status = CASE WHEN attempts >= max_attempts THEN $1 ELSE $2 END,
		    completed_at = CASE WHEN attempts >= max_attempts THEN $3 ELSE NULL END,
		    last_error = $4, locked_by = NULL, locked_until = NULL
		WHERE id = $5 AND locked_by = $6
		RETURNING ` + jobColumns

	var job models.ProcessingJob
	err := r.db.GetContext(ctx, &job, query,
		models.JobStatusFailed, models.JobStatusQueued, time.Now(),
		lastError, jobID, workerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fail job: %w", err)
	}
	return &job, nil
}

// GetByDocument fetches the job for a document.
func (r *JobRepository) GetByDocument(ctx context.Context, documentID uuid.UUID) (*models.ProcessingJob, error) {
	var job models.ProcessingJob
	err := r.db.GetContext(ctx, &job,
		`SELECT `+jobColumns+` FROM processing_jobs WHERE document_id = $1`, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// CountByStatus reports queue depth per status.
func (r *JobRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT status, COUNT(*) AS n FROM processing_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
