package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuquery/backend/internal/chunker"
	"github.com/docuquery/backend/internal/extractor"
	"github.com/docuquery/backend/internal/models"
	"github.com/docuquery/backend/internal/observability"
	"github.com/docuquery/backend/internal/storage"
)

type fakeDocStore struct {
	mu   sync.Mutex
	doc  *models.Document
	errs []string // transition log
}

func (f *fakeDocStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Document, error) {
	if f.doc == nil || f.doc.ID != id {
		return nil, errors.New("not found")
	}
	return f.doc, nil
}

func (f *fakeDocStore) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doc.Status = models.DocumentStatusProcessing
	f.errs = append(f.errs, "processing")
	return nil
}

func (f *fakeDocStore) MarkCompleted(ctx context.Context, id uuid.UUID, totalPages, totalChunks int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doc.Status = models.DocumentStatusCompleted
	f.doc.TotalPages = &totalPages
	f.doc.TotalChunks = totalChunks
	f.errs = append(f.errs, "completed")
	return nil
}

func (f *fakeDocStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doc.Status = models.DocumentStatusFailed
	f.doc.ErrorMessage = &errMsg
	f.errs = append(f.errs, "failed")
	return nil
}

type fakeChunkStore struct {
	mu       sync.Mutex
	inserted []*models.DocumentChunk
	deletes  int
}

func (f *fakeChunkStore) BatchInsert(ctx context.Context, chunks []*models.DocumentChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, chunks...)
	return nil
}

func (f *fakeChunkStore) DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return 0, nil
}

type fakeInvalidator struct {
	mu      sync.Mutex
	chatIDs []uuid.UUID
}

func (f *fakeInvalidator) Invalidate(ctx context.Context, chatID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatIDs = append(f.chatIDs, chatID)
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *fakeEmbedder) EmbedForDocument(ctx context.Context, docID, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail {
		return nil, errors.New("embedding API error (status 429)")
	}
	return make([]float32, models.EmbeddingDimensions), nil
}

func testDoc(t *testing.T) *models.Document {
	t.Helper()
	return &models.Document{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		ChatID:   uuid.New(),
		FileType: "txt",
		FileName: "notes.txt",
		Status:   models.DocumentStatusPending,
	}
}

func testPipeline(t *testing.T, docs *fakeDocStore, chunks *fakeChunkStore, files storage.Store, emb Embedder) *Pipeline {
	t.Helper()
	cfg := DefaultConfig()
	cfg.FileWaitBase = time.Millisecond
	return New(cfg, docs, chunks, files, extractor.NewRegistry(),
		chunker.New(512, 50), emb, nil, nil, observability.NewNoopLogger())
}

func newLocalFiles(t *testing.T) *storage.LocalStore {
	t.Helper()
	s, err := storage.NewLocalStore(t.TempDir(), observability.NewNoopLogger())
	require.NoError(t, err)
	return s
}

func TestPipeline_ProcessHappyPath(t *testing.T) {
	doc := testDoc(t)
	docs := &fakeDocStore{doc: doc}
	chunks := &fakeChunkStore{}
	files := newLocalFiles(t)
	emb := &fakeEmbedder{}

	ctx := context.Background()
	require.NoError(t, files.Save(ctx, storage.Key(doc.ID.String(), "txt"),
		strings.NewReader("First page text.\fSecond page text.")))

	p := testPipeline(t, docs, chunks, files, emb)
	require.NoError(t, p.Process(ctx, doc.ID))

	assert.Equal(t, models.DocumentStatusCompleted, doc.Status)
	assert.Equal(t, 2, doc.TotalChunks)
	require.NotNil(t, doc.TotalPages)
	assert.Equal(t, 2, *doc.TotalPages)

	require.Len(t, chunks.inserted, 2)
	for _, c := range chunks.inserted {
		assert.Equal(t, doc.ChatID, c.ChatID)
		assert.Len(t, c.Embedding, models.EmbeddingDimensions)
		require.NotNil(t, c.PageNumber)
	}
	assert.Equal(t, 2, emb.calls)
	assert.Equal(t, 1, chunks.deletes, "previous chunks cleared before processing")
}

func TestPipeline_MissingFileFailsWithFileNotFound(t *testing.T) {
	doc := testDoc(t)
	docs := &fakeDocStore{doc: doc}
	p := testPipeline(t, docs, &fakeChunkStore{}, newLocalFiles(t), &fakeEmbedder{})

	err := p.Process(context.Background(), doc.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "File not found")
	assert.Equal(t, models.DocumentStatusFailed, doc.Status)
	require.NotNil(t, doc.ErrorMessage)
	assert.Contains(t, *doc.ErrorMessage, "File not found")
}

func TestPipeline_EmptyExtractionCompletesWithZeroChunks(t *testing.T) {
	doc := testDoc(t)
	docs := &fakeDocStore{doc: doc}
	chunks := &fakeChunkStore{}
	files := newLocalFiles(t)

	ctx := context.Background()
	require.NoError(t, files.Save(ctx, storage.Key(doc.ID.String(), "txt"),
		strings.NewReader("   \n  ")))

	p := testPipeline(t, docs, chunks, files, &fakeEmbedder{})
	require.NoError(t, p.Process(ctx, doc.ID))

	assert.Equal(t, models.DocumentStatusCompleted, doc.Status)
	assert.Equal(t, 0, doc.TotalChunks)
	assert.Empty(t, chunks.inserted)
}

func TestPipeline_EmbeddingFailureFailsDocument(t *testing.T) {
	doc := testDoc(t)
	docs := &fakeDocStore{doc: doc}
	chunks := &fakeChunkStore{}
	files := newLocalFiles(t)

	ctx := context.Background()
	require.NoError(t, files.Save(ctx, storage.Key(doc.ID.String(), "txt"),
		strings.NewReader("Some content worth chunking.")))

	p := testPipeline(t, docs, chunks, files, &fakeEmbedder{fail: true})
	err := p.Process(ctx, doc.ID)
	require.Error(t, err)
	assert.Equal(t, models.DocumentStatusFailed, doc.Status)
	assert.Empty(t, chunks.inserted, "no chunks persisted on embedding failure")
}

func TestPipeline_CompletionInvalidatesChatCache(t *testing.T) {
	doc := testDoc(t)
	docs := &fakeDocStore{doc: doc}
	files := newLocalFiles(t)
	inv := &fakeInvalidator{}

	ctx := context.Background()
	require.NoError(t, files.Save(ctx, storage.Key(doc.ID.String(), "txt"),
		strings.NewReader("Fresh content the chat can now answer from.")))

	cfg := DefaultConfig()
	cfg.FileWaitBase = time.Millisecond
	p := New(cfg, docs, &fakeChunkStore{}, files, extractor.NewRegistry(),
		chunker.New(512, 50), &fakeEmbedder{}, inv, nil, observability.NewNoopLogger())

	require.NoError(t, p.Process(ctx, doc.ID))
	assert.Equal(t, []uuid.UUID{doc.ChatID}, inv.chatIDs,
		"cached answers for the chat are stale once a document completes")
}

func TestPipeline_FailureDoesNotInvalidateCache(t *testing.T) {
	doc := testDoc(t)
	docs := &fakeDocStore{doc: doc}
	inv := &fakeInvalidator{}

	cfg := DefaultConfig()
	cfg.FileWaitBase = time.Millisecond
	p := New(cfg, docs, &fakeChunkStore{}, newLocalFiles(t), extractor.NewRegistry(),
		chunker.New(512, 50), &fakeEmbedder{}, inv, nil, observability.NewNoopLogger())

	require.Error(t, p.Process(context.Background(), doc.ID))
	assert.Empty(t, inv.chatIDs)
}

func TestPipeline_SlidesGetSlideNumbers(t *testing.T) {
	doc := testDoc(t)
	doc.FileType = "pptx"
	docs := &fakeDocStore{doc: doc}
	chunks := &fakeChunkStore{}
	files := newLocalFiles(t)

	// Register a pptx extractor that reuses the text extractor.
	reg := extractor.NewRegistry()
	reg.Register("pptx", &extractor.TextExtractor{})

	ctx := context.Background()
	require.NoError(t, files.Save(ctx, storage.Key(doc.ID.String(), "pptx"),
		strings.NewReader("Slide one.\fSlide two.")))

	cfg := DefaultConfig()
	cfg.FileWaitBase = time.Millisecond
	p := New(cfg, docs, chunks, files, reg, chunker.New(512, 50),
		&fakeEmbedder{}, nil, nil, observability.NewNoopLogger())

	require.NoError(t, p.Process(ctx, doc.ID))
	require.Len(t, chunks.inserted, 2)
	for i, c := range chunks.inserted {
		require.NotNil(t, c.SlideNumber)
		assert.Equal(t, i+1, *c.SlideNumber)
		assert.Nil(t, c.PageNumber)
	}
}

func TestPipeline_LargeDocumentEmbedsAllChunks(t *testing.T) {
	doc := testDoc(t)
	docs := &fakeDocStore{doc: doc}
	chunks := &fakeChunkStore{}
	files := newLocalFiles(t)
	emb := &fakeEmbedder{}

	var sb strings.Builder
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&sb, "Page %d body with enough words to matter.", i)
		if i < 39 {
			sb.WriteByte('\f')
		}
	}

	ctx := context.Background()
	require.NoError(t, files.Save(ctx, storage.Key(doc.ID.String(), "txt"),
		strings.NewReader(sb.String())))

	p := testPipeline(t, docs, chunks, files, emb)
	require.NoError(t, p.Process(ctx, doc.ID))

	assert.Equal(t, 40, emb.calls)
	assert.Len(t, chunks.inserted, 40)
	assert.Equal(t, 40, doc.TotalChunks)
}
