package querycache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuquery/backend/internal/models"
	"github.com/docuquery/backend/internal/observability"
	"github.com/docuquery/backend/internal/repository"
)

// fakeStore keys entries by (chatID, hash) and supports one semantic
// match per chat.
type fakeStore struct {
	entries     map[string]*models.QueryCacheEntry
	semantic    map[uuid.UUID]*models.QueryCacheEntry
	upserts     int
	invalidates int
	sweeps      int
	hotHits     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries:  make(map[string]*models.QueryCacheEntry),
		semantic: make(map[uuid.UUID]*models.QueryCacheEntry),
	}
}

func storeKey(chatID uuid.UUID, hash string) string { return chatID.String() + ":" + hash }

func (s *fakeStore) Upsert(ctx context.Context, entry *models.QueryCacheEntry) error {
	s.upserts++
	s.entries[storeKey(entry.ChatID, entry.QueryHash)] = entry
	return nil
}

func (s *fakeStore) GetByHash(ctx context.Context, chatID uuid.UUID, queryHash string) (*models.QueryCacheEntry, error) {
	entry, ok := s.entries[storeKey(chatID, queryHash)]
	if !ok || entry.ExpiresAt.Before(time.Now()) {
		return nil, repository.ErrNotFound
	}
	entry.HitCount++
	return entry, nil
}

func (s *fakeStore) FindSemantic(ctx context.Context, chatID uuid.UUID, queryVec []float32, threshold float64) (*models.QueryCacheEntry, error) {
	entry, ok := s.semantic[chatID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	entry.HitCount++
	return entry, nil
}

func (s *fakeStore) RecordHit(ctx context.Context, chatID uuid.UUID, queryHash string) error {
	s.hotHits++
	if entry, ok := s.entries[storeKey(chatID, queryHash)]; ok {
		entry.HitCount++
	}
	return nil
}

func (s *fakeStore) InvalidateChat(ctx context.Context, chatID uuid.UUID) (int64, error) {
	s.invalidates++
	for k := range s.entries {
		if k[:36] == chatID.String() {
			delete(s.entries, k)
		}
	}
	delete(s.semantic, chatID)
	return 1, nil
}

func (s *fakeStore) DeleteExpired(ctx context.Context) (int64, error) {
	s.sweeps++
	return 0, nil
}

type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	return make([]float32, models.EmbeddingDimensions), nil
}

func newTestCache(t *testing.T, store Store) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := New(DefaultConfig(), rdb, store, &fakeEmbedder{}, nil, observability.NewNoopLogger())
	require.NoError(t, err)
	return c, mr
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "what is aes", Normalize("WHAT IS AES??"))
	assert.Equal(t, "what is aes", Normalize("  What, is... AES? "))
	// Idempotent.
	assert.Equal(t, Normalize("What is AES?"), Normalize(Normalize("What is AES?")))
}

func TestHash_MatchesNormalizedForm(t *testing.T) {
	assert.Equal(t, Hash("what is aes"), Hash("WHAT IS AES??"))
	assert.NotEqual(t, Hash("what is aes"), Hash("what is des"))
}

func TestCache_ExactHitFromDatabase(t *testing.T) {
	store := newFakeStore()
	chatID := uuid.New()

	store.entries[storeKey(chatID, Hash("What is AES?"))] = &models.QueryCacheEntry{
		ChatID:       chatID,
		QueryHash:    Hash("What is AES?"),
		ResponseText: "AES is a block cipher.",
		SourcesUsed:  []byte(`[]`),
		ExpiresAt:    time.Now().Add(time.Hour),
	}

	c, _ := newTestCache(t, store)
	answer, err := c.Find(context.Background(), chatID, "WHAT IS AES??")
	require.NoError(t, err)
	assert.Equal(t, "AES is a block cipher.", answer.ResponseText)
	assert.Equal(t, "exact", answer.Layer)

	// The DB layer incremented the hit counter.
	entry := store.entries[storeKey(chatID, Hash("What is AES?"))]
	assert.Equal(t, 1, entry.HitCount)
}

func TestCache_SecondHitServedFromHotLayer(t *testing.T) {
	store := newFakeStore()
	chatID := uuid.New()

	store.entries[storeKey(chatID, Hash("q"))] = &models.QueryCacheEntry{
		ChatID:       chatID,
		QueryHash:    Hash("q"),
		ResponseText: "a",
		SourcesUsed:  []byte(`[]`),
		ExpiresAt:    time.Now().Add(time.Hour),
	}

	c, _ := newTestCache(t, store)
	ctx := context.Background()

	first, err := c.Find(ctx, chatID, "q")
	require.NoError(t, err)
	assert.Equal(t, "exact", first.Layer)

	second, err := c.Find(ctx, chatID, "q")
	require.NoError(t, err)
	assert.Equal(t, "lru", second.Layer)

	// The hot-layer hit still lands in the persisted counter.
	assert.Equal(t, 1, store.hotHits)
	assert.Equal(t, 2, store.entries[storeKey(chatID, Hash("q"))].HitCount)
}

func TestCache_PromotionKeepsRowLifetime(t *testing.T) {
	store := newFakeStore()
	chatID := uuid.New()

	// The row expires well before the configured 24h cache TTL.
	store.entries[storeKey(chatID, Hash("q"))] = &models.QueryCacheEntry{
		ChatID:       chatID,
		QueryHash:    Hash("q"),
		ResponseText: "a",
		SourcesUsed:  []byte(`[]`),
		ExpiresAt:    time.Now().Add(time.Minute),
	}

	c, mr := newTestCache(t, store)
	_, err := c.Find(context.Background(), chatID, "q")
	require.NoError(t, err)

	key := cacheKey(chatID, Hash("q"))
	ttl := mr.TTL(key)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute, "promotion must not extend the row's lifetime")

	entry, ok := c.local.Get(key)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), entry.expiresAt, 5*time.Second)
}

func TestCache_RedisLayerSurvivesLocalEviction(t *testing.T) {
	store := newFakeStore()
	chatID := uuid.New()
	c, _ := newTestCache(t, store)
	ctx := context.Background()

	c.Store(ctx, uuid.New(), chatID, "question", "answer", []byte(`[]`))

	// Drop the local layer only; Redis still has it.
	c.local.Purge()

	answer, err := c.Find(ctx, chatID, "question")
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.ResponseText)
	assert.Equal(t, "redis", answer.Layer)
}

func TestCache_SemanticFallback(t *testing.T) {
	store := newFakeStore()
	chatID := uuid.New()

	store.semantic[chatID] = &models.QueryCacheEntry{
		ChatID:       chatID,
		ResponseText: "Symmetric uses one shared key.",
		SourcesUsed:  []byte(`[]`),
		ExpiresAt:    time.Now().Add(time.Hour),
	}

	c, _ := newTestCache(t, store)
	answer, err := c.Find(context.Background(), chatID, "explain symmetric encryption")
	require.NoError(t, err)
	assert.Equal(t, "Symmetric uses one shared key.", answer.ResponseText)
	assert.Equal(t, "semantic", answer.Layer)
}

func TestCache_MissWhenNothingMatches(t *testing.T) {
	c, _ := newTestCache(t, newFakeStore())
	_, err := c.Find(context.Background(), uuid.New(), "unknown question")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCache_FindSweepsExpiredRows(t *testing.T) {
	store := newFakeStore()
	c, _ := newTestCache(t, store)

	_, _ = c.Find(context.Background(), uuid.New(), "anything")
	assert.Equal(t, 1, store.sweeps)
}

func TestCache_InvalidateClearsAllLayers(t *testing.T) {
	store := newFakeStore()
	chatID := uuid.New()
	c, mr := newTestCache(t, store)
	ctx := context.Background()

	c.Store(ctx, uuid.New(), chatID, "question", "answer", []byte(`[]`))
	require.Equal(t, 1, store.upserts)

	c.Invalidate(ctx, chatID)
	assert.Equal(t, 1, store.invalidates)
	assert.Equal(t, 0, c.local.Len())
	assert.Empty(t, mr.Keys())

	_, err := c.Find(ctx, chatID, "question")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCache_StoreWritesSourcesJSON(t *testing.T) {
	store := newFakeStore()
	chatID := uuid.New()
	c, _ := newTestCache(t, store)

	sources := json.RawMessage(`[{"documentId":"d1","fileName":"a.pdf"}]`)
	c.Store(context.Background(), uuid.New(), chatID, "q", "a", sources)

	entry := store.entries[storeKey(chatID, Hash("q"))]
	require.NotNil(t, entry)
	assert.JSONEq(t, string(sources), string(entry.SourcesUsed))
	assert.Len(t, entry.QueryEmbedding, models.EmbeddingDimensions)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), entry.ExpiresAt, time.Minute)
}
