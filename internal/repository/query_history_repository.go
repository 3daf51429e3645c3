package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/docuquery/backend/internal/embedding"
	"github.com/docuquery/backend/internal/models"
)

// QueryHistoryRepository records executed queries.
type QueryHistoryRepository struct {
	db *sqlx.DB
}

// NewQueryHistoryRepository creates a new query history repository.
func NewQueryHistoryRepository(db *sqlx.DB) *QueryHistoryRepository {
	return &QueryHistoryRepository{db: db}
}

// Insert appends one history row. The embedding may be nil for cache hits
// answered without embedding the query.
func (r *QueryHistoryRepository) Insert(ctx context.Context, entry *models.QueryHistoryEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	var vec interface{}
	if len(entry.QueryEmbedding) > 0 {
		if len(entry.QueryEmbedding) != models.EmbeddingDimensions {
			return fmt.Errorf("history embedding dimension %d, want %d",
				len(entry.QueryEmbedding), models.EmbeddingDimensions)
		}
		vec = embedding.VectorString(entry.QueryEmbedding)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO query_history (
			id, user_id, chat_id, query_text, query_embedding,
			marks_requested, answer_text, sources_used, retrieval_time_ms,
			generation_time_ms, total_time_ms, chunks_retrieved,
			llm_calls_used, created_at
		) VALUES ($1, $2, $3, $4, $5::vector, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		entry.ID, entry.UserID, entry.ChatID, entry.QueryText, vec,
		entry.MarksRequested, entry.AnswerText, entry.SourcesUsed,
		entry.RetrievalTimeMs, entry.GenerationTimeMs, entry.TotalTimeMs,
		entry.ChunksRetrieved, entry.LLMCallsUsed, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert query history: %w", err)
	}
	return nil
}

// ListByChat returns a chat's history newest first, capped at limit.
func (r *QueryHistoryRepository) ListByChat(ctx context.Context, chatID, userID uuid.UUID, limit int) ([]*models.QueryHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []*models.QueryHistoryEntry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT id, user_id, chat_id, query_text, marks_requested, answer_text,
		       sources_used, retrieval_time_ms, generation_time_ms,
		       total_time_ms, chunks_retrieved, llm_calls_used, created_at
		FROM query_history
		WHERE chat_id = $1 AND user_id = $2
		ORDER BY created_at DESC
		LIMIT $3`, chatID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list query history: %w", err)
	}
	return entries, nil
}
