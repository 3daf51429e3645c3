// Command server runs the document QA backend: HTTP API, ingestion
// workers and background maintenance in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/docuquery/backend/internal/api"
	"github.com/docuquery/backend/internal/auth"
	"github.com/docuquery/backend/internal/chunker"
	"github.com/docuquery/backend/internal/config"
	"github.com/docuquery/backend/internal/database"
	"github.com/docuquery/backend/internal/embedding"
	"github.com/docuquery/backend/internal/extractor"
	"github.com/docuquery/backend/internal/llm"
	"github.com/docuquery/backend/internal/maintenance"
	"github.com/docuquery/backend/internal/metrics"
	"github.com/docuquery/backend/internal/observability"
	"github.com/docuquery/backend/internal/pipeline"
	"github.com/docuquery/backend/internal/querycache"
	"github.com/docuquery/backend/internal/queryexec"
	"github.com/docuquery/backend/internal/ratelimit"
	"github.com/docuquery/backend/internal/repository"
	"github.com/docuquery/backend/internal/storage"
	"github.com/docuquery/backend/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is a local development convenience; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := observability.NewStandardLoggerWithLevel("server", cfg.Service.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	db, err := database.Connect(ctx, cfg.Database.DSN(), database.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: 30 * time.Minute,
	}, logger)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := database.Migrate(db, logger); err != nil {
		return err
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.Database,
			DialTimeout: cfg.Redis.DialTimeout,
			PoolSize:    cfg.Redis.PoolSize,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			// Redis is an acceleration layer, not a dependency; run without it.
			logger.Warn("redis unavailable, hot cache layer disabled", map[string]interface{}{
				"addr":  cfg.Redis.Address,
				"error": err.Error(),
			})
			_ = redisClient.Close()
			redisClient = nil
		}
		defer func() {
			if redisClient != nil {
				_ = redisClient.Close()
			}
		}()
	}

	users := repository.NewUserRepository(db)
	chats := repository.NewChatRepository(db)
	documents := repository.NewDocumentRepository(db)
	chunks := repository.NewChunkRepository(db)
	jobs := repository.NewJobRepository(db)
	cacheRows := repository.NewQueryCacheRepository(db)
	history := repository.NewQueryHistoryRepository(db)
	keyUsage := repository.NewAPIKeyUsageRepository(db)

	if len(cfg.Embedding.APIKeys) == 0 {
		return errors.New("no embedding API keys configured (GEMINI_API_KEYS)")
	}
	poolCfg := ratelimit.DefaultKeyPoolConfig()
	if cfg.Embedding.KeyRPM > 0 {
		poolCfg.BucketCapacity = cfg.Embedding.KeyRPM
		poolCfg.RefillPerSecond = float64(cfg.Embedding.KeyRPM) / 60.0
	}
	keyPool := ratelimit.NewKeyPool(cfg.Embedding.APIKeys, poolCfg, logger)

	embedder := embedding.NewService(keyPool, embedding.Config{
		Model:          cfg.Embedding.Model,
		RetryAttempts:  cfg.Embedding.RetryAttempts,
		RetryDelay:     cfg.Embedding.RetryDelay,
		MinInterval:    cfg.Embedding.MinInterval,
		RequestTimeout: cfg.Embedding.RequestTimeout,
	}, logger)

	files, err := buildStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}

	cache, err := querycache.New(querycache.Config{
		TTL:               cfg.Query.CacheTTL,
		LRUSize:           cfg.Query.LRUSize,
		SemanticThreshold: cfg.Query.SemanticThreshold,
	}, redisClient, cacheRows, embedder, m, logger)
	if err != nil {
		return fmt.Errorf("building query cache: %w", err)
	}

	pipe := pipeline.New(pipeline.Config{
		EmbedConcurrency: cfg.Processing.EmbedConcurrency,
	}, documents, chunks, files, extractor.NewRegistry(),
		chunker.New(cfg.Processing.ChunkSize, cfg.Processing.ChunkOverlap),
		embedder, cache, m, logger)

	pool := worker.New(worker.Config{
		PollInterval: cfg.Processing.PollInterval,
		BatchSize:    cfg.Processing.BatchSize,
		Stagger:      cfg.Processing.WorkerStagger,
		LockDuration: cfg.Processing.LockDuration,
	}, jobs, documents, pipe, m, logger)
	pool.Start(ctx)
	defer pool.Stop()

	router, err := buildRouter(cfg.LLM, logger)
	if err != nil {
		return err
	}
	defer router.Close()

	executor := queryexec.New(queryexec.Config{
		TopK:            cfg.Query.TopK,
		MaxPromptTokens: cfg.Query.MaxPromptTokens,
	}, cache, embedder, chunks, router, history, m, logger)

	if cfg.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET must be set")
	}
	authSvc, err := auth.New(auth.Config{
		Secret:   []byte(cfg.Auth.JWTSecret),
		TokenTTL: cfg.Auth.TokenTTL,
	}, users, logger)
	if err != nil {
		return err
	}

	apiCfg := api.DefaultConfig()
	apiCfg.CORSAllowedOrigins = cfg.Service.CORSAllowedOrigins
	server := api.New(apiCfg, authSvc, chats, documents, jobs, history, executor, cache, files, registry, logger)

	maintCfg := maintenance.DefaultConfig()
	maintCfg.KeepaliveURL = cfg.Keepalive.URL
	maintCfg.KeepaliveInterval = cfg.Keepalive.Interval
	scheduler := maintenance.New(maintCfg, cache, keyUsage, keyPool, logger)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Service.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", map[string]interface{}{"port": cfg.Service.Port})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// buildStorage selects the configured file store backend.
func buildStorage(ctx context.Context, cfg config.StorageConfig, logger observability.Logger) (storage.Store, error) {
	switch cfg.Backend {
	case "s3":
		return storage.NewS3Store(ctx, storage.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Prefix:   cfg.S3Prefix,
			Endpoint: cfg.S3Endpoint,
		}, logger)
	default:
		return storage.NewLocalStore(cfg.LocalDir, logger)
	}
}

// buildRouter maps provider config entries onto the generation router.
func buildRouter(cfg config.LLMConfig, logger observability.Logger) (*llm.Router, error) {
	var providers []llm.ProviderConfig
	for _, p := range cfg.Providers {
		name, err := llm.ParseProviderName(p.Name)
		if err != nil {
			logger.Warn("skipping unknown provider", map[string]interface{}{"name": p.Name})
			continue
		}
		providers = append(providers, llm.ProviderConfig{
			Name:   name,
			APIKey: p.APIKey,
			Model:  p.Model,
			RPM:    p.RPM,
		})
	}
	if len(providers) == 0 {
		return nil, errors.New("no generation providers configured (set LLM_<PROVIDER>_API_KEY)")
	}

	routerCfg := llm.DefaultRouterConfig()
	if cfg.MaxRetries > 0 {
		routerCfg.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryDelay > 0 {
		routerCfg.RetryDelay = cfg.RetryDelay
	}
	if cfg.MaxBackoff > 0 {
		routerCfg.MaxBackoff = cfg.MaxBackoff
	}
	if cfg.FailureThreshold > 0 {
		routerCfg.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.Cooldown > 0 {
		routerCfg.Cooldown = cfg.Cooldown
	}
	return llm.NewRouter(providers, routerCfg, logger)
}
