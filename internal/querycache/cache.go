// Package querycache answers repeated questions without touching the
// generator. Lookup layers, cheapest first: in-process LRU, Redis,
// database exact hash, database semantic similarity.
package querycache

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/docuquery/backend/internal/metrics"
	"github.com/docuquery/backend/internal/models"
	"github.com/docuquery/backend/internal/observability"
	"github.com/docuquery/backend/internal/repository"
)

// ErrMiss is returned when no layer has an answer.
var ErrMiss = errors.New("cache miss")

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Normalize lowercases, maps non-alphanumerics to spaces, collapses
// whitespace and trims. Idempotent.
func Normalize(question string) string {
	s := strings.ToLower(question)
	s = nonAlnum.ReplaceAllString(s, " ")
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}

// Hash returns base64(sha256(normalized)).
func Hash(question string) string {
	sum := sha256.Sum256([]byte(Normalize(question)))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Answer is a cache hit payload.
type Answer struct {
	ResponseText string          `json:"responseText"`
	SourcesUsed  json.RawMessage `json:"sourcesUsed"`
	Layer        string          `json:"-"` // lru, redis, exact, semantic
}

// QueryEmbedder embeds a question for the semantic layer.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store is the persisted cache surface (the database layer).
type Store interface {
	Upsert(ctx context.Context, entry *models.QueryCacheEntry) error
	GetByHash(ctx context.Context, chatID uuid.UUID, queryHash string) (*models.QueryCacheEntry, error)
	FindSemantic(ctx context.Context, chatID uuid.UUID, queryVec []float32, threshold float64) (*models.QueryCacheEntry, error)
	RecordHit(ctx context.Context, chatID uuid.UUID, queryHash string) error
	InvalidateChat(ctx context.Context, chatID uuid.UUID) (int64, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// Config tunes the cache.
type Config struct {
	TTL               time.Duration
	LRUSize           int
	SemanticThreshold float64
}

// DefaultConfig returns production defaults. The 0.92 threshold is a
// starting point, not a measured optimum; keep it configurable.
func DefaultConfig() Config {
	return Config{
		TTL:               24 * time.Hour,
		LRUSize:           256,
		SemanticThreshold: 0.92,
	}
}

type lruEntry struct {
	answer    Answer
	expiresAt time.Time
}

// Cache is the layered query cache. Redis may be nil (layer skipped);
// persistence errors are swallowed because the cache is best-effort, but
// retrieval errors from the database are surfaced.
type Cache struct {
	config   Config
	local    *lru.Cache[string, lruEntry]
	redis    *redis.Client
	store    Store
	embedder QueryEmbedder
	metrics  *metrics.Metrics
	logger   observability.Logger
}

// New builds the cache.
func New(cfg Config, rdb *redis.Client, store Store, embedder QueryEmbedder, m *metrics.Metrics, logger observability.Logger) (*Cache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.LRUSize <= 0 {
		cfg.LRUSize = 256
	}
	if cfg.SemanticThreshold <= 0 || cfg.SemanticThreshold > 1 {
		cfg.SemanticThreshold = 0.92
	}
	local, err := lru.New[string, lruEntry](cfg.LRUSize)
	if err != nil {
		return nil, err
	}
	return &Cache{
		config:   cfg,
		local:    local,
		redis:    rdb,
		store:    store,
		embedder: embedder,
		metrics:  m,
		logger:   logger.WithPrefix("querycache"),
	}, nil
}

func cacheKey(chatID uuid.UUID, hash string) string {
	return "qc:" + chatID.String() + ":" + hash
}

// Find looks the question up through all layers. Returns ErrMiss when no
// layer has it; database errors other than not-found are returned as-is.
func (c *Cache) Find(ctx context.Context, chatID uuid.UUID, question string) (*Answer, error) {
	// Amortized cleanup of expired rows.
	if _, err := c.store.DeleteExpired(ctx); err != nil {
		c.logger.Warn("expired sweep failed", map[string]interface{}{"error": err.Error()})
	}

	hash := Hash(question)
	key := cacheKey(chatID, hash)

	if entry, ok := c.local.Get(key); ok {
		if time.Now().Before(entry.expiresAt) {
			c.hit("lru")
			c.recordHotHit(ctx, chatID, hash)
			a := entry.answer
			a.Layer = "lru"
			return &a, nil
		}
		c.local.Remove(key)
	}

	if c.redis != nil {
		raw, err := c.redis.Get(ctx, key).Result()
		if err == nil {
			var a Answer
			if jsonErr := json.Unmarshal([]byte(raw), &a); jsonErr == nil {
				a.Layer = "redis"
				c.hit("redis")
				c.recordHotHit(ctx, chatID, hash)
				// Promote with the key's remaining Redis TTL, never a
				// fresh window.
				if ttl, ttlErr := c.redis.TTL(ctx, key).Result(); ttlErr == nil {
					c.storeLocal(key, a, ttl)
				}
				return &a, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis lookup failed", map[string]interface{}{"error": err.Error()})
		}
	}

	entry, err := c.store.GetByHash(ctx, chatID, hash)
	if err == nil {
		a := Answer{ResponseText: entry.ResponseText, SourcesUsed: entry.SourcesUsed, Layer: "exact"}
		c.hit("exact")
		c.storeHot(ctx, key, a, time.Until(entry.ExpiresAt))
		return &a, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	// Semantic layer: embed the question and search by similarity.
	qVec, err := c.embedder.Embed(ctx, question)
	if err != nil {
		// Without an embedding the semantic layer is unavailable; treat
		// as a miss rather than failing the query.
		c.logger.Warn("semantic lookup skipped", map[string]interface{}{"error": err.Error()})
		c.miss()
		return nil, ErrMiss
	}

	entry, err = c.store.FindSemantic(ctx, chatID, qVec, c.config.SemanticThreshold)
	if err == nil {
		a := Answer{ResponseText: entry.ResponseText, SourcesUsed: entry.SourcesUsed, Layer: "semantic"}
		c.hit("semantic")
		c.storeHot(ctx, key, a, time.Until(entry.ExpiresAt))
		return &a, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	c.miss()
	return nil, ErrMiss
}

// Store persists an answer through all layers. Errors are swallowed; a
// failed write only costs a future cache miss.
func (c *Cache) Store(ctx context.Context, userID, chatID uuid.UUID, question, answer string, sources json.RawMessage) {
	qVec, err := c.embedder.Embed(ctx, question)
	if err != nil {
		c.logger.Warn("cache store skipped, embedding failed", map[string]interface{}{"error": err.Error()})
		return
	}

	entry := &models.QueryCacheEntry{
		UserID:         userID,
		ChatID:         chatID,
		QueryText:      question,
		QueryHash:      Hash(question),
		ResponseText:   answer,
		SourcesUsed:    sources,
		ExpiresAt:      time.Now().Add(c.config.TTL),
		QueryEmbedding: qVec,
	}
	if err := c.store.Upsert(ctx, entry); err != nil {
		c.logger.Warn("cache upsert failed", map[string]interface{}{"error": err.Error()})
	}

	c.storeHot(ctx, cacheKey(chatID, entry.QueryHash),
		Answer{ResponseText: answer, SourcesUsed: sources}, c.config.TTL)
}

// Invalidate drops all layers for one chat.
func (c *Cache) Invalidate(ctx context.Context, chatID uuid.UUID) {
	prefix := "qc:" + chatID.String() + ":"
	for _, key := range c.local.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.local.Remove(key)
		}
	}

	if c.redis != nil {
		iter := c.redis.Scan(ctx, 0, prefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			c.redis.Del(ctx, iter.Val())
		}
		if err := iter.Err(); err != nil {
			c.logger.Warn("redis invalidate scan failed", map[string]interface{}{"error": err.Error()})
		}
	}

	if _, err := c.store.InvalidateChat(ctx, chatID); err != nil {
		c.logger.Warn("cache invalidate failed", map[string]interface{}{"error": err.Error()})
	}
}

// SweepExpired is the cron entry point for the persisted layer.
func (c *Cache) SweepExpired(ctx context.Context) (int64, error) {
	return c.store.DeleteExpired(ctx)
}

// recordHotHit keeps the persisted hit counter honest when a hot layer
// answered. Best-effort: a lost increment only skews the counter.
func (c *Cache) recordHotHit(ctx context.Context, chatID uuid.UUID, hash string) {
	if err := c.store.RecordHit(ctx, chatID, hash); err != nil {
		c.logger.Warn("hit count update failed", map[string]interface{}{"error": err.Error()})
	}
}

func (c *Cache) storeLocal(key string, a Answer, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.local.Add(key, lruEntry{answer: a, expiresAt: time.Now().Add(ttl)})
}

// storeHot writes through the hot layers with the entry's remaining
// lifetime, so promotion never outlives the persisted row.
func (c *Cache) storeHot(ctx context.Context, key string, a Answer, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.storeLocal(key, a, ttl)
	if c.redis != nil {
		if raw, err := json.Marshal(a); err == nil {
			if err := c.redis.Set(ctx, key, raw, ttl).Err(); err != nil {
				c.logger.Warn("redis set failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func (c *Cache) hit(layer string) {
	if c.metrics != nil {
		c.metrics.CacheHits.WithLabelValues(layer).Inc()
	}
}

func (c *Cache) miss() {
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}
}
