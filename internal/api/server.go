// Package api implements the REST surface: auth, chats, documents,
// query execution and health.
package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docuquery/backend/internal/auth"
	"github.com/docuquery/backend/internal/models"
	"github.com/docuquery/backend/internal/observability"
	"github.com/docuquery/backend/internal/queryexec"
	"github.com/docuquery/backend/internal/storage"
)

// ChatStore is the chat persistence surface the handlers need.
type ChatStore interface {
	Create(ctx context.Context, chat *models.Chat) error
	GetForUser(ctx context.Context, id, userID uuid.UUID) (*models.Chat, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Chat, error)
	UpdateTitle(ctx context.Context, id, userID uuid.UUID, title string) (*models.Chat, error)
	Delete(ctx context.Context, id, userID uuid.UUID) error
}

// DocumentStore is the document persistence surface the handlers need.
type DocumentStore interface {
	Create(ctx context.Context, doc *models.Document) error
	GetForUser(ctx context.Context, id, userID uuid.UUID) (*models.Document, error)
	ListByChat(ctx context.Context, chatID, userID uuid.UUID, offset, limit int) ([]*models.Document, int, error)
	Delete(ctx context.Context, id, userID uuid.UUID) error
}

// JobStore enqueues processing work for uploaded documents.
type JobStore interface {
	Enqueue(ctx context.Context, documentID uuid.UUID, priority, maxAttempts int) (*models.ProcessingJob, error)
	Requeue(ctx context.Context, documentID uuid.UUID) (*models.ProcessingJob, error)
}

// HistoryStore lists past queries.
type HistoryStore interface {
	ListByChat(ctx context.Context, chatID, userID uuid.UUID, limit int) ([]*models.QueryHistoryEntry, error)
}

// Answerer runs one question end to end.
type Answerer interface {
	Answer(ctx context.Context, req queryexec.Request) (*queryexec.Response, error)
}

// CacheInvalidator drops cached answers when a chat's corpus changes.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, chatID uuid.UUID)
}

// Config tunes the HTTP server.
type Config struct {
	CORSAllowedOrigins []string
	MaxUploadBytes     int64
	DefaultPageSize    int
	MaxPageSize        int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxUploadBytes:  models.MaxFileSizeBytes,
		DefaultPageSize: 20,
		MaxPageSize:     100,
	}
}

// Server wires all handlers onto one gin engine.
type Server struct {
	config    Config
	auth      *auth.Service
	chats     ChatStore
	documents DocumentStore
	jobs      JobStore
	history   HistoryStore
	executor  Answerer
	cache     CacheInvalidator
	files     storage.Store
	registry  *prometheus.Registry
	logger    observability.Logger
}

// New builds the server.
func New(cfg Config, authSvc *auth.Service, chats ChatStore, documents DocumentStore, jobs JobStore, history HistoryStore, executor Answerer, cache CacheInvalidator, files storage.Store, registry *prometheus.Registry, logger observability.Logger) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = models.MaxFileSizeBytes
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 20
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 100
	}
	return &Server{
		config:    cfg,
		auth:      authSvc,
		chats:     chats,
		documents: documents,
		jobs:      jobs,
		history:   history,
		executor:  executor,
		cache:     cache,
		files:     files,
		registry:  registry,
		logger:    logger.WithPrefix("api"),
	}
}

// Router builds the engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	router.Use(corsMiddleware(s.config.CORSAllowedOrigins))

	s.registerHealthRoutes(router)

	if s.registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")

	authGroup := v1.Group("/auth")
	authGroup.POST("/register", s.register)
	authGroup.POST("/login", s.login)

	protected := v1.Group("")
	protected.Use(s.requireAuth())

	chats := protected.Group("/chats")
	chats.POST("", s.createChat)
	chats.GET("", s.listChats)
	chats.GET("/:id", s.getChat)
	chats.PUT("/:id", s.updateChat)
	chats.DELETE("/:id", s.deleteChat)

	documents := protected.Group("/documents")
	documents.POST("/upload", s.uploadDocument)
	documents.POST("/upload/bulk", s.uploadBulk)
	documents.GET("", s.listDocuments)
	documents.GET("/:id/status", s.documentStatus)
	documents.POST("/:id/retry", s.retryDocument)
	documents.DELETE("/:id", s.deleteDocument)

	query := protected.Group("/query")
	query.POST("", s.runQuery)
	query.GET("/history", s.queryHistory)

	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request", map[string]interface{}{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).String(),
		})
	}
}

// pageOf clamps page/size query params to sane bounds. Pages are
// zero-based.
func (s *Server) pageOf(page, size int) (int, int) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = s.config.DefaultPageSize
	}
	if size > s.config.MaxPageSize {
		size = s.config.MaxPageSize
	}
	return page, size
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage(`[]`)
	}
	return json.RawMessage(b)
}
