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

// ChatRepository handles chat data access.
type ChatRepository struct {
	db *sqlx.DB
}

// NewChatRepository creates a new chat repository.
func NewChatRepository(db *sqlx.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

// Create inserts a new chat.
func (r *ChatRepository) Create(ctx context.Context, chat *models.Chat) error {
	if chat.ID == uuid.Nil {
		chat.ID = uuid.New()
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chats (id, user_id, title, created_at)
		VALUES ($1, $2, $3, $4)`,
		chat.ID, chat.UserID, chat.Title, chat.CreatedAt)
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	return nil
}

// GetForUser fetches a chat only when owned by userID.
func (r *ChatRepository) GetForUser(ctx context.Context, id, userID uuid.UUID) (*models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, `
		SELECT id, user_id, title, created_at
		FROM chats WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return &chat, nil
}

// UpdateTitle renames a chat owned by userID and returns the updated row.
func (r *ChatRepository) UpdateTitle(ctx context.Context, id, userID uuid.UUID, title string) (*models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, `
		UPDATE chats SET title = $1
		WHERE id = $2 AND user_id = $3
		RETURNING id, user_id, title, created_at`, title, id, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update chat: %w", err)
	}
	return &chat, nil
}

// ListByUser lists a user's chats newest first.
func (r *ChatRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Chat, error) {
	var chats []*models.Chat
	err := r.db.SelectContext(ctx, &chats, `
		SELECT id, user_id, title, created_at
		FROM chats WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}

// Delete removes a chat and cascades its documents, chunks, jobs, cache
// rows and history in one transaction.
func (r *ChatRepository) Delete(ctx context.Context, id, userID uuid.UUID) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chat delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM document_chunks WHERE chat_id = $1`, id); err != nil {
		return fmt.Errorf("delete chat chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM processing_jobs
		WHERE document_id IN (SELECT id FROM documents WHERE chat_id = $1)`, id); err != nil {
		return fmt.Errorf("delete chat jobs: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM documents WHERE chat_id = $1`, id); err != nil {
		return fmt.Errorf("delete chat documents: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM query_cache WHERE chat_id = $1`, id); err != nil {
		return fmt.Errorf("delete chat cache: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM query_history WHERE chat_id = $1`, id); err != nil {
		return fmt.Errorf("delete chat history: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM chats WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chat delete: %w", err)
	}
	return nil
}
