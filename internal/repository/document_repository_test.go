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

func TestDocumentRepository_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDocumentRepository(db)

	doc := &models.Document{
		UserID:           uuid.New(),
		ChatID:           uuid.New(),
		FileName:         "abc.pdf",
		OriginalFileName: "lecture notes.pdf",
		FileType:         "pdf",
		FileSizeBytes:    1024,
		MimeType:         "application/pdf",
	}

	mock.ExpectExec("INSERT INTO documents").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.Create(context.Background(), doc))
	assert.NotEqual(t, uuid.Nil, doc.ID)
	assert.Equal(t, models.DocumentStatusPending, doc.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepository_GetForUserNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDocumentRepository(db)

	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetForUser(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDocumentRepository_MarkProcessing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDocumentRepository(db)

	id := uuid.New()
	mock.ExpectExec("UPDATE documents").
		WithArgs(models.DocumentStatusProcessing, sqlmock.AnyArg(), id,
			models.DocumentStatusPending, models.DocumentStatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.MarkProcessing(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepository_MarkProcessingFromCompletedRejected(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDocumentRepository(db)

	// The guarded UPDATE matches no row for a COMPLETED document.
	mock.ExpectExec("UPDATE documents").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkProcessing(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDocumentRepository_MarkCompleted(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDocumentRepository(db)

	id := uuid.New()
	mock.ExpectExec("UPDATE documents").
		WithArgs(models.DocumentStatusCompleted, 10, 42, sqlmock.AnyArg(), id,
			models.DocumentStatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.MarkCompleted(context.Background(), id, 10, 42))
}

func TestDocumentRepository_MarkFailedTruncatesError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDocumentRepository(db)

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'e'
	}

	id := uuid.New()
	mock.ExpectExec("UPDATE documents").
		WithArgs(models.DocumentStatusFailed, string(long[:2000]), sqlmock.AnyArg(),
			id, models.DocumentStatusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, repo.MarkFailed(context.Background(), id, string(long)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepository_DeleteCascades(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDocumentRepository(db)

	id := uuid.New()
	userID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM document_chunks").
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec("DELETE FROM processing_jobs").
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM documents").
		WithArgs(id, userID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	assert.NoError(t, repo.Delete(context.Background(), id, userID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepository_DeleteWrongOwnerRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDocumentRepository(db)

	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM document_chunks").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM processing_jobs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM documents").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Delete(context.Background(), id, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentRepository_ListByChat(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewDocumentRepository(db)

	chatID := uuid.New()
	userID := uuid.New()
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "chat_id", "file_name", "original_file_name",
		"file_type", "file_size_bytes", "mime_type", "total_pages",
		"total_chunks", "status", "processing_started_at",
		"processing_completed_at", "error_message", "created_at", "updated_at",
	}).AddRow(uuid.New(), userID, chatID, "a.pdf", "a.pdf", "pdf", 100,
		"application/pdf", nil, 0, models.DocumentStatusCompleted,
		nil, nil, nil, now, now)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs(chatID, userID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery("SELECT").
		WithArgs(chatID, userID, 20, 0).
		WillReturnRows(rows)

	docs, total, err := repo.ListByChat(context.Background(), chatID, userID, 0, 20)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 7, total)
	assert.Equal(t, models.DocumentStatusCompleted, docs[0].Status)
}
