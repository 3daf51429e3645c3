package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/docuquery/backend/internal/embedding"
	"github.com/docuquery/backend/internal/models"
)

// QueryCacheRepository handles the persisted layer of the query cache.
type QueryCacheRepository struct {
	db *sqlx.DB
}

// NewQueryCacheRepository creates a new query cache repository.
func NewQueryCacheRepository(db *sqlx.DB) *QueryCacheRepository {
	return &QueryCacheRepository{db: db}
}

const cacheColumns = `
	id, user_id, chat_id, query_text, query_hash, response_text,
	sources_used, created_at, expires_at, hit_count`

// Upsert stores an answer, replacing any previous row for the same
// (chat_id, query_hash).
func (r *QueryCacheRepository) Upsert(ctx context.Context, entry *models.QueryCacheEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if len(entry.QueryEmbedding) != models.EmbeddingDimensions {
		return fmt.Errorf("cache entry embedding dimension %d, want %d",
			len(entry.QueryEmbedding), models.EmbeddingDimensions)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO query_cache (
			id, user_id, chat_id, query_text, query_hash, query_embedding,
			response_text, sources_used, created_at, expires_at, hit_count
		) VALUES ($1, $2, $3, $4, $5, $6::vector, $7, $8, $9, $10, 0)
		ON CONFLICT (chat_id, query_hash) DO UPDATE SET
			query_text = EXCLUDED.query_text,
			query_embedding = EXCLUDED.query_embedding,
			response_text = EXCLUDED.response_text,
			sources_used = EXCLUDED.sources_used,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			hit_count = 0`,
		entry.ID, entry.UserID, entry.ChatID, entry.QueryText, entry.QueryHash,
		embedding.VectorString(entry.QueryEmbedding), entry.ResponseText,
		entry.SourcesUsed, entry.CreatedAt, entry.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// GetByHash fetches the non-expired entry for (chatID, queryHash) and
// increments its hit count in the same statement.
func (r *QueryCacheRepository) GetByHash(ctx context.Context, chatID uuid.UUID, queryHash string) (*models.QueryCacheEntry, error) {
	var entry models.QueryCacheEntry
	err := r.db.GetContext(ctx, &entry, `
		UPDATE query_cache
		SET hit_count = hit_count + 1
		WHERE chat_id = $1 AND query_hash = $2 AND expires_at > $3
		RETURNING `+cacheColumns,
		chatID, queryHash, time.Now())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("cache lookup by hash: %w", err)
	}
	return &entry, nil
}

// FindSemantic returns the closest non-expired entry in the chat whose
// cosine similarity to queryVec meets the threshold, incrementing its hit
// count. Cosine distance is 1 - similarity.
func (r *QueryCacheRepository) FindSemantic(ctx context.Context, chatID uuid.UUID, queryVec []float32, threshold float64) (*models.QueryCacheEntry, error) {
	maxDistance := 1 - threshold
	vec := embedding.VectorString(queryVec)

	var entry models.QueryCacheEntry
	err := r.db.GetContext(ctx, &entry, `
		UPDATE query_cache
		SET hit_count = hit_count + 1
		WHERE id = (
			SELECT id FROM query_cache
			WHERE chat_id = $1 AND expires_at > $2
			  AND query_embedding <=> $3::vector <= $4
			ORDER BY query_embedding <=> $3::vector ASC
			LIMIT 1
		)
		RETURNING `+cacheColumns,
		chatID, time.Now(), vec, maxDistance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("semantic cache lookup: %w", err)
	}
	return &entry, nil
}

// RecordHit bumps the hit counter for an entry that was answered from a
// hot layer without touching the database row.
func (r *QueryCacheRepository) RecordHit(ctx context.Context, chatID uuid.UUID, queryHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE query_cache SET hit_count = hit_count + 1
		WHERE chat_id = $1 AND query_hash = $2`, chatID, queryHash)
	if err != nil {
		return fmt.Errorf("record cache hit: %w", err)
	}
	return nil
}

// InvalidateChat drops every cache row of one chat, e.g. after the chat's
// document set changes.
func (r *QueryCacheRepository) InvalidateChat(ctx context.Context, chatID uuid.UUID) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM query_cache WHERE chat_id = $1`, chatID)
	if err != nil {
		return 0, fmt.Errorf("invalidate chat cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteExpired sweeps expired rows; run periodically by the maintenance
// scheduler.
func (r *QueryCacheRepository) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM query_cache WHERE expires_at <= $1`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("delete expired cache rows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
