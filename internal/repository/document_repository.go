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

// ErrNotFound is returned when a requested row does not exist or is not
// visible to the requesting user.
var ErrNotFound = errors.New("not found")

// ErrInvalidTransition is returned when a status update violates the
// document lifecycle.
var ErrInvalidTransition = errors.New("invalid status transition")

const documentColumns = `
	id, user_id, chat_id, file_name, original_file_name, file_type,
	file_size_bytes, mime_type, total_pages, total_chunks, status,
	processing_started_at, processing_completed_at, error_message,
	created_at, updated_at`

// DocumentRepository handles document data access.
type DocumentRepository struct {
	db *sqlx.DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db *sqlx.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create inserts a new document in PENDING status.
func (r *DocumentRepository) Create(ctx context.Context, doc *models.Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Status == "" {
		doc.Status = models.DocumentStatusPending
	}
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	query := `
		INSERT INTO documents (
			id, user_id, chat_id, file_name, original_file_name, file_type,
			file_size_bytes, mime_type, total_pages, total_chunks, status,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)`

	_, err := r.db.ExecContext(ctx, query,
		doc.ID, doc.UserID, doc.ChatID, doc.FileName, doc.OriginalFileName,
		doc.FileType, doc.FileSizeBytes, doc.MimeType, doc.TotalPages,
		doc.TotalChunks, doc.Status, doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

// GetByID retrieves a document by ID.
func (r *DocumentRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	var doc models.Document
	err := r.db.GetContext(ctx, &doc,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &doc, nil
}

// GetForUser retrieves a document only when owned by userID.
func (r *DocumentRepository) GetForUser(ctx context.Context, id, userID uuid.UUID) (*models.Document, error) {
	var doc models.Document
	err := r.db.GetContext(ctx, &doc,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get document for user: %w", err)
	}
	return &doc, nil
}

// ListByChat lists one page of a chat's documents newest first and
// reports the total count for paging.
func (r *DocumentRepository) ListByChat(ctx context.Context, chatID, userID uuid.UUID, offset, limit int) ([]*models.Document, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	err := r.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM documents WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}

	var docs []*models.Document
	err = r.db.SelectContext(ctx, &docs,
		`SELECT `+documentColumns+` FROM documents
		 WHERE chat_id = $1 AND user_id = $2
		 ORDER BY created_at DESC
		 LIMIT $3 OFFSET $4`, chatID, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}
	return docs, total, nil
}

// MarkProcessing transitions PENDING (or FAILED, for re-enqueues) to
// PROCESSING and stamps processing_started_at.
func (r *DocumentRepository) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE documents
		SET status = $1, processing_started_at = $2, error_message = NULL, updated_at = $2
		WHERE id = $3 AND status IN ($4, $5)`,
		models.DocumentStatusProcessing, time.Now(), id,
		models.DocumentStatusPending, models.DocumentStatusFailed)
	if err != nil {
		return fmt.Errorf("mark document processing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// MarkCompleted finalizes a PROCESSING document with its chunk and page
// counts.
func (r *DocumentRepository) MarkCompleted(ctx context.Context, id uuid.UUID, totalPages, totalChunks int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE documents
		SET status = $1, total_pages = $2, total_chunks = $3,
		    processing_completed_at = $4, updated_at = $4
		WHERE id = $5 AND status = $6`,
		models.DocumentStatusCompleted, totalPages, totalChunks,
		time.Now(), id, models.DocumentStatusProcessing)
	if err != nil {
		return fmt.Errorf("mark document completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// MarkFailed records a truncated error message on a PROCESSING document.
func (r *DocumentRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	if len(errMsg) > 2000 {
		errMsg = errMsg[:2000]
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE documents
		SET status = $1, error_message = $2, processing_completed_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5`,
		models.DocumentStatusFailed, errMsg, time.Now(), id,
		models.DocumentStatusProcessing)
	if err != nil {
		return fmt.Errorf("mark document failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// Delete removes a document and cascades its chunks and jobs in one
// transaction.
func (r *DocumentRepository) Delete(ctx context.Context, id, userID uuid.UUID) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin document delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM document_chunks WHERE document_id = $1`, id); err != nil {
		return fmt.Errorf("delete document chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM processing_jobs WHERE document_id = $1`, id); err != nil {
		return fmt.Errorf("delete document jobs: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM documents WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit document delete: %w", err)
	}
	return nil
}
