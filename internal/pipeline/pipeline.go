// Package pipeline runs the per-document ingestion flow: extract, chunk,
// embed in parallel, persist. Database transactions are kept short and are
// never held across embedding calls.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/docuquery/backend/internal/apperr"
	"github.com/docuquery/backend/internal/chunker"
	"github.com/docuquery/backend/internal/extractor"
	"github.com/docuquery/backend/internal/metrics"
	"github.com/docuquery/backend/internal/models"
	"github.com/docuquery/backend/internal/observability"
	"github.com/docuquery/backend/internal/storage"
)

// DocumentStore is the document persistence surface the pipeline needs.
type DocumentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Document, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	MarkCompleted(ctx context.Context, id uuid.UUID, totalPages, totalChunks int) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
}

// ChunkStore is the chunk persistence surface the pipeline needs.
type ChunkStore interface {
	BatchInsert(ctx context.Context, chunks []*models.DocumentChunk) error
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int64, error)
}

// Embedder generates one embedding using the key assigned to the document.
type Embedder interface {
	EmbedForDocument(ctx context.Context, docID, text string) ([]float32, error)
}

// CacheInvalidator drops cached answers for a chat whose corpus changed.
// A newly completed document makes earlier answers stale.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, chatID uuid.UUID)
}

// Config tunes the pipeline.
type Config struct {
	// FileWaitAttempts polls storage for the uploaded file before failing;
	// uploads and job processing race on slow object stores.
	FileWaitAttempts int
	FileWaitBase     time.Duration

	// EmbedConcurrency bounds parallel embedding calls per document.
	EmbedConcurrency int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FileWaitAttempts: 5,
		FileWaitBase:     time.Second,
		EmbedConcurrency: 20,
	}
}

// Pipeline processes one document end to end.
type Pipeline struct {
	config     Config
	documents  DocumentStore
	chunks     ChunkStore
	files      storage.Store
	extractors *extractor.Registry
	chunker    *chunker.Chunker
	embedder   Embedder
	cache      CacheInvalidator
	metrics    *metrics.Metrics
	logger     observability.Logger
}

// New wires the pipeline. cache and metrics may be nil in tests.
func New(
	cfg Config,
	documents DocumentStore,
	chunks ChunkStore,
	files storage.Store,
	extractors *extractor.Registry,
	ch *chunker.Chunker,
	embedder Embedder,
	cache CacheInvalidator,
	m *metrics.Metrics,
	logger observability.Logger,
) *Pipeline {
	if cfg.FileWaitAttempts <= 0 {
		cfg.FileWaitAttempts = 5
	}
	if cfg.FileWaitBase <= 0 {
		cfg.FileWaitBase = time.Second
	}
	if cfg.EmbedConcurrency <= 0 {
		cfg.EmbedConcurrency = 20
	}
	return &Pipeline{
		config:     cfg,
		documents:  documents,
		chunks:     chunks,
		files:      files,
		extractors: extractors,
		chunker:    ch,
		embedder:   embedder,
		cache:      cache,
		metrics:    m,
		logger:     logger.WithPrefix("pipeline"),
	}
}

// Process runs the ingestion flow for one document. Any failure marks the
// document FAILED with a truncated message and is returned to the worker
// for retry accounting.
func (p *Pipeline) Process(ctx context.Context, docID uuid.UUID) error {
	started := time.Now()

	doc, err := p.documents.GetByID(ctx, docID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}

	if err := p.run(ctx, doc); err != nil {
		if markErr := p.documents.MarkFailed(ctx, docID, err.Error()); markErr != nil {
			p.logger.Error("failed to mark document failed", map[string]interface{}{
				"document_id": docID.String(),
				"error":       markErr.Error(),
			})
		}
		if p.metrics != nil {
			p.metrics.DocumentsFailed.Inc()
		}
		return err
	}

	if p.metrics != nil {
		p.metrics.DocumentsProcessed.Inc()
		p.metrics.PipelineDuration.Observe(time.Since(started).Seconds())
	}
	return nil
}

func (p *Pipeline) run(ctx context.Context, doc *models.Document) error {
	// Initialize: clear any chunks from a previous attempt, claim the
	// document.
	if _, err := p.chunks.DeleteByDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("clear previous chunks: %w", err)
	}
	if err := p.documents.MarkProcessing(ctx, doc.ID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	data, err := p.loadFile(ctx, doc)
	if err != nil {
		return err
	}

	ext, err := p.extractors.ForType(doc.FileType)
	if err != nil {
		return err
	}
	result, err := ext.Extract(ctx, data)
	if err != nil {
		return fmt.Errorf("extract %s: %w", doc.FileType, err)
	}
	if result.TotalPages == 0 {
		return apperr.Validation("document %s produced zero pages", doc.ID)
	}

	chunks := p.chunker.ChunkPages(result.PageContents, result.PageTitles)

	// Empty extraction (e.g. image with no recognizable text) completes
	// with zero chunks.
	if len(chunks) == 0 {
		if err := p.documents.MarkCompleted(ctx, doc.ID, result.TotalPages, 0); err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		p.invalidateChat(ctx, doc.ChatID)
		return nil
	}

	rows := p.toRows(doc, chunks)
	if err := p.embedAll(ctx, doc.ID, rows); err != nil {
		return err
	}

	// Persist: one short transaction, then finalize status.
	if err := p.chunks.BatchInsert(ctx, rows); err != nil {
		return fmt.Errorf("persist chunks: %w", err)
	}
	if err := p.documents.MarkCompleted(ctx, doc.ID, result.TotalPages, len(rows)); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	p.invalidateChat(ctx, doc.ChatID)

	if p.metrics != nil {
		p.metrics.ChunksCreated.Add(float64(len(rows)))
	}

	p.logger.Info("document processed", map[string]interface{}{
		"document_id": doc.ID.String(),
		"pages":       result.TotalPages,
		"chunks":      len(rows),
	})
	return nil
}

// invalidateChat drops the chat's cached answers once the corpus grew.
func (p *Pipeline) invalidateChat(ctx context.Context, chatID uuid.UUID) {
	if p.cache != nil {
		p.cache.Invalidate(ctx, chatID)
	}
}

// loadFile polls storage until the uploaded file materializes, backing off
// linearly per attempt.
func (p *Pipeline) loadFile(ctx context.Context, doc *models.Document) ([]byte, error) {
	key := storage.Key(doc.ID.String(), doc.FileType)

	for attempt := 1; attempt <= p.config.FileWaitAttempts; attempt++ {
		ok, err := p.files.Exists(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("check file %s: %w", key, err)
		}
		if ok {
			return p.files.Read(ctx, key)
		}
		if attempt == p.config.FileWaitAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.config.FileWaitBase * time.Duration(attempt)):
		}
	}
	return nil, fmt.Errorf("File not found in storage: %s", key)
}

// toRows converts chunker output to persistable rows scoped to the
// document's owner and chat.
func (p *Pipeline) toRows(doc *models.Document, chunks []chunker.Chunk) []*models.DocumentChunk {
	isSlides := doc.FileType == "ppt" || doc.FileType == "pptx"

	rows := make([]*models.DocumentChunk, len(chunks))
	for i, c := range chunks {
		row := &models.DocumentChunk{
			ID:          uuid.New(),
			DocumentID:  doc.ID,
			UserID:      doc.UserID,
			ChatID:      doc.ChatID,
			ChunkIndex:  c.ChunkIndex,
			Content:     c.Content,
			ContentHash: c.ContentHash,
			TokenCount:  c.TokenCount,
		}
		page := c.PageNumber
		if isSlides {
			row.SlideNumber = &page
		} else {
			row.PageNumber = &page
		}
		if c.SectionTitle != "" {
			title := c.SectionTitle
			row.SectionTitle = &title
		}
		rows[i] = row
	}
	return rows
}

// embedAll fans embedding calls out over a bounded group; the first failure
// cancels the siblings and fails the document.
func (p *Pipeline) embedAll(ctx context.Context, docID uuid.UUID, rows []*models.DocumentChunk) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.EmbedConcurrency)

	for _, row := range rows {
		row := row
		g.Go(func() error {
			vec, err := p.embedder.EmbedForDocument(gctx, docID.String(), row.Content)
			if err != nil {
				return fmt.Errorf("embed chunk %d: %w", row.ChunkIndex, err)
			}
			row.Embedding = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.EmbeddingsGenerated.Add(float64(len(rows)))
	}
	return nil
}
