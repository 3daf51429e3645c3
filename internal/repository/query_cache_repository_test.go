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

var cacheRowColumns = []string{
	"id", "user_id", "chat_id", "query_text", "query_hash", "response_text",
	"sources_used", "created_at", "expires_at", "hit_count",
}

func TestQueryCacheRepository_Upsert(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewQueryCacheRepository(db)

	entry := &models.QueryCacheEntry{
		UserID:         uuid.New(),
		ChatID:         uuid.New(),
		QueryText:      "What is AES?",
		QueryHash:      "aGFzaA==",
		ResponseText:   "AES is a block cipher.",
		SourcesUsed:    []byte(`[]`),
		ExpiresAt:      time.Now().Add(24 * time.Hour),
		QueryEmbedding: testEmbedding(),
	}

	mock.ExpectExec("INSERT INTO query_cache").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.Upsert(context.Background(), entry))
	assert.NotEqual(t, uuid.Nil, entry.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryCacheRepository_UpsertRejectsBadDimension(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewQueryCacheRepository(db)

	entry := &models.QueryCacheEntry{QueryEmbedding: []float32{1}}
	err := repo.Upsert(context.Background(), entry)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension")
}

func TestQueryCacheRepository_GetByHashIncrementsHitCount(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewQueryCacheRepository(db)

	chatID := uuid.New()
	now := time.Now()

	rows := sqlmock.NewRows(cacheRowColumns).AddRow(
		uuid.New(), uuid.New(), chatID, "What is AES?", "aGFzaA==",
		"AES is a block cipher.", []byte(`[]`), now, now.Add(time.Hour), 3)

	mock.ExpectQuery("UPDATE query_cache").
		WithArgs(chatID, "aGFzaA==", sqlmock.AnyArg()).
		WillReturnRows(rows)

	entry, err := repo.GetByHash(context.Background(), chatID, "aGFzaA==")
	require.NoError(t, err)
	assert.Equal(t, "AES is a block cipher.", entry.ResponseText)
	assert.Equal(t, 3, entry.HitCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryCacheRepository_GetByHashMiss(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewQueryCacheRepository(db)

	mock.ExpectQuery("UPDATE query_cache").
		WillReturnRows(sqlmock.NewRows(cacheRowColumns))

	_, err := repo.GetByHash(context.Background(), uuid.New(), "bm9wZQ==")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueryCacheRepository_FindSemantic(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewQueryCacheRepository(db)

	chatID := uuid.New()
	now := time.Now()

	rows := sqlmock.NewRows(cacheRowColumns).AddRow(
		uuid.New(), uuid.New(), chatID, "Define symmetric encryption",
		"c2Vt", "Symmetric uses one shared key.", []byte(`[]`),
		now, now.Add(time.Hour), 1)

	// threshold 0.92 means max cosine distance 0.08
	mock.ExpectQuery("UPDATE query_cache").
		WithArgs(chatID, sqlmock.AnyArg(), sqlmock.AnyArg(), 1-0.92).
		WillReturnRows(rows)

	entry, err := repo.FindSemantic(context.Background(), chatID, testEmbedding(), 0.92)
	require.NoError(t, err)
	assert.Equal(t, "Symmetric uses one shared key.", entry.ResponseText)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryCacheRepository_RecordHit(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewQueryCacheRepository(db)

	chatID := uuid.New()
	mock.ExpectExec("UPDATE query_cache SET hit_count").
		WithArgs(chatID, "aGFzaA==").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.RecordHit(context.Background(), chatID, "aGFzaA=="))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryCacheRepository_InvalidateChat(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewQueryCacheRepository(db)

	chatID := uuid.New()
	mock.ExpectExec("DELETE FROM query_cache WHERE chat_id").
		WithArgs(chatID).
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := repo.InvalidateChat(context.Background(), chatID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestQueryCacheRepository_DeleteExpired(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewQueryCacheRepository(db)

	mock.ExpectExec("DELETE FROM query_cache WHERE expires_at").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := repo.DeleteExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
