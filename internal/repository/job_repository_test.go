package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuquery/backend/internal/models"
)

var jobRowColumns = []string{
	"id", "document_id", "status", "priority", "attempts", "max_attempts",
	"last_error", "locked_by", "locked_until", "created_at", "started_at",
	"completed_at",
}

func TestJobRepository_Enqueue(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobRepository(db)

	docID := uuid.New()
	mock.ExpectExec("INSERT INTO processing_jobs").
		WithArgs(sqlmock.AnyArg(), docID, models.JobStatusQueued, 5, 3, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	job, err := repo.Enqueue(context.Background(), docID, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, 3, job.MaxAttempts, "zero maxAttempts falls back to default")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepository_LeaseBatch(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobRepository(db)

	jobID := uuid.New()
	docID := uuid.New()
	now := time.Now()
	until := now.Add(300 * time.Second)

	rows := sqlmock.NewRows(jobRowColumns).AddRow(
		jobID, docID, models.JobStatusProcessing, 0, 1, 3,
		nil, "worker-abc12345", until, now, now, nil)

	mock.ExpectQuery("UPDATE processing_jobs").
		WithArgs(models.JobStatusProcessing, "worker-abc12345", sqlmock.AnyArg(),
			sqlmock.AnyArg(), models.JobStatusQueued, 3).
		WillReturnRows(rows)

	jobs, err := repo.LeaseBatch(context.Background(), "worker-abc12345", 3, 300*time.Second)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusProcessing, jobs[0].Status)
	assert.Equal(t, 1, jobs[0].Attempts)
	require.NotNil(t, jobs[0].LockedBy)
	assert.Equal(t, "worker-abc12345", *jobs[0].LockedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepository_Complete(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobRepository(db)

	jobID := uuid.New()
	mock.ExpectExec("UPDATE processing_jobs").
		WithArgs(models.JobStatusCompleted, sqlmock.AnyArg(), jobID, "w1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.Complete(context.Background(), jobID, "w1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRepository_CompleteWrongWorker(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobRepository(db)

	jobID := uuid.New()
	mock.ExpectExec("UPDATE processing_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Complete(context.Background(), jobID, "imposter")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobRepository_FailRequeuesWhileAttemptsRemain(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobRepository(db)

	jobID := uuid.New()
	docID := uuid.New()
	now := time.Now()
	lastErr := "File not found: doc.pdf"

	rows := sqlmock.NewRows(jobRowColumns).AddRow(
		jobID, docID, models.JobStatusQueued, 0, 1, 3,
		lastErr, nil, nil, now, now, nil)

	mock.ExpectQuery("UPDATE processing_jobs").
		WithArgs(models.JobStatusFailed, models.JobStatusQueued, sqlmock.AnyArg(),
			lastErr, jobID, "w1").
		WillReturnRows(rows)

	job, err := repo.Fail(context.Background(), jobID, "w1", lastErr)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "File not found")
}

func TestJobRepository_FailTerminalAtMaxAttempts(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobRepository(db)

	jobID := uuid.New()
	docID := uuid.New()
	now := time.Now()

	rows := sqlmock.NewRows(jobRowColumns).AddRow(
		jobID, docID, models.JobStatusFailed, 0, 2, 2,
		"File not found: doc.pdf", nil, nil, now, now, now)

	mock.ExpectQuery("UPDATE processing_jobs").
		WillReturnRows(rows)

	job, err := repo.Fail(context.Background(), jobID, "w1", "File not found: doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)
}

func TestJobRepository_CountByStatus(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewJobRepository(db)

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "n"}).
			AddRow(models.JobStatusQueued, 4).
			AddRow(models.JobStatusProcessing, 2))

	counts, err := repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, counts[models.JobStatusQueued])
	assert.Equal(t, 2, counts[models.JobStatusProcessing])
}
