// Package repository implements data access over sqlx/Postgres. Vector
// columns are written as their canonical string form and never read back
// in retrieval projections.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/docuquery/backend/internal/embedding"
	"github.com/docuquery/backend/internal/models"
)

// SearchScope bounds a kNN query. With AllowCrossChat false and no ChatID
// the search returns nothing rather than leak across chats.
type SearchScope struct {
	ChatID         *uuid.UUID
	DocumentIDs    []uuid.UUID
	AllowCrossChat bool
}

// ChunkRepository handles document chunk data access.
type ChunkRepository struct {
	db *sqlx.DB
}

// NewChunkRepository creates a new chunk repository.
func NewChunkRepository(db *sqlx.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

// BatchInsert persists all chunks of one document in a single transaction.
// Each chunk must carry a populated embedding of the schema dimension.
func (r *ChunkRepository) BatchInsert(ctx context.Context, chunks []*models.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	for i, c := range chunks {
		if len(c.Embedding) != models.EmbeddingDimensions {
			return fmt.Errorf("chunk %d has embedding dimension %d, want %d",
				i, len(c.Embedding), models.EmbeddingDimensions)
		}
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chunk insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO document_chunks (
			id, document_id, user_id, chat_id, chunk_index, content,
			content_hash, page_number, slide_number, section_title,
			embedding, token_count, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::vector, $12, $13
		)`

	now := time.Now()
	for _, c := range chunks {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		_, err := tx.ExecContext(ctx, query,
			c.ID, c.DocumentID, c.UserID, c.ChatID, c.ChunkIndex, c.Content,
			c.ContentHash, c.PageNumber, c.SlideNumber, c.SectionTitle,
			embedding.VectorString(c.Embedding), c.TokenCount, c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.ChunkIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chunk insert: %w", err)
	}
	return nil
}

// KNN returns the chunks nearest to queryVec by cosine distance within the
// given scope, joined with the parent document's file name. Only chunks of
// COMPLETED documents are eligible; the embedding column is not projected.
func (r *ChunkRepository) KNN(ctx context.Context, userID uuid.UUID, queryVec []float32, scope SearchScope, limit int) ([]*models.DocumentChunk, error) {
	if !scope.AllowCrossChat && scope.ChatID == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 8
	}

	query := `
		SELECT c.id, c.document_id, c.user_id, c.chat_id, c.chunk_index,
		       c.content, c.content_hash, c.page_number, c.slide_number,
		       c.section_title, c.token_count, c.created_at,
		       d.file_name
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.user_id = $1
		  AND d.status = $2`

	args := []interface{}{userID, models.DocumentStatusCompleted}
	argn := 3

	if !scope.AllowCrossChat {
		query += fmt.Sprintf(" AND c.chat_id = $%d", argn)
		args = append(args, *scope.ChatID)
		argn++
	}
	if len(scope.DocumentIDs) > 0 {
		query += fmt.Sprintf(" AND c.document_id = ANY($%d)", argn)
		ids := make([]string, len(scope.DocumentIDs))
		for i, id := range scope.DocumentIDs {
			ids[i] = id.String()
		}
		args = append(args, pq.Array(ids))
		argn++
	}

	// chunk_index breaks distance ties so equal-distance results keep a
	// stable order.
	query += fmt.Sprintf(" ORDER BY c.embedding <=> $%d::vector, c.chunk_index ASC LIMIT $%d", argn, argn+1)
	args = append(args, embedding.VectorString(queryVec), limit)

	var chunks []*models.DocumentChunk
	if err := r.db.SelectContext(ctx, &chunks, query, args...); err != nil {
		return nil, fmt.Errorf("knn query: %w", err)
	}
	return chunks, nil
}

// DeleteByDocument removes all chunks of one document without reading them.
func (r *ChunkRepository) DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM document_chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, fmt.Errorf("delete chunks by document: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteByChat removes all chunks of one chat without reading them.
func (r *ChunkRepository) DeleteByChat(ctx context.Context, chatID uuid.UUID) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM document_chunks WHERE chat_id = $1`, chatID)
	if err != nil {
		return 0, fmt.Errorf("delete chunks by chat: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountByDocument counts stored chunks for a document.
func (r *ChunkRepository) CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM document_chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}
