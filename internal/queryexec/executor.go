// Package queryexec runs end-to-end question answering: cache check,
// retrieval, prompt assembly, generation, history.
package queryexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docuquery/backend/internal/apperr"
	"github.com/docuquery/backend/internal/llm"
	"github.com/docuquery/backend/internal/metrics"
	"github.com/docuquery/backend/internal/models"
	"github.com/docuquery/backend/internal/observability"
	"github.com/docuquery/backend/internal/querycache"
	"github.com/docuquery/backend/internal/repository"
)

// systemInstruction is the constant generator-facing preamble.
const systemInstruction = `You are a study assistant answering strictly from the provided context.
Rules:
- Use ONLY the information in the numbered context sources below. If the context does not contain the answer, say so explicitly.
- Cite sources inline as [Source N] wherever you use them.
- Structure the answer to the requested marks when given:
  1-2 marks: a brief answer of one or two sentences.
  3-5 marks: a short answer with the key points.
  6-10 marks: a detailed answer with explanations and examples.
  More than 10 marks: an essay-style answer with introduction, body and conclusion.`

// sourceMarker matches [Source N] citations in generated text.
var sourceMarker = regexp.MustCompile(`\[Source (\d+)\]`)

// Request is one answer invocation.
type Request struct {
	UserID       uuid.UUID
	ChatID       uuid.UUID
	Question     string
	Marks        *int
	FormatHint   string
	DocumentIDs  []uuid.UUID
	UseCrossChat bool
	ChatHistory  []HistoryTurn
}

// HistoryTurn is one prior exchange supplied by the client.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Source maps a citation back to its document location.
type Source struct {
	DocumentID  uuid.UUID `json:"documentId"`
	FileName    string    `json:"fileName"`
	PageNumber  *int      `json:"pageNumber,omitempty"`
	SlideNumber *int      `json:"slideNumber,omitempty"`
	Excerpt     string    `json:"excerpt"`
}

// Metadata carries the timing breakdown of one response.
type Metadata struct {
	RetrievalTimeMs  int64 `json:"retrievalTimeMs"`
	GenerationTimeMs int64 `json:"generationTimeMs"`
	TotalTimeMs      int64 `json:"totalTimeMs"`
	ChunksUsed       int   `json:"chunksUsed"`
	TokensUsed       int   `json:"tokensUsed"`
}

// Response is the answer payload.
type Response struct {
	Answer         string   `json:"answer"`
	Sources        []Source `json:"sources"`
	Metadata       Metadata `json:"metadata"`
	ProcessingMode string   `json:"processingMode"` // cached, single, map_reduce
	CacheHit       bool     `json:"cacheHit"`
	LLMCallsUsed   int      `json:"llmCallsUsed"`
}

// Embedder embeds the question for retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever is the kNN surface of the vector store.
type Retriever interface {
	KNN(ctx context.Context, userID uuid.UUID, queryVec []float32, scope repository.SearchScope, limit int) ([]*models.DocumentChunk, error)
}

// Generator routes one prompt across providers.
type Generator interface {
	Generate(ctx context.Context, prompt, model string) (string, error)
}

// HistoryStore records executed queries.
type HistoryStore interface {
	Insert(ctx context.Context, entry *models.QueryHistoryEntry) error
}

// Config tunes the executor.
type Config struct {
	TopK             int
	MaxContextChunks int
	// MaxPromptTokens switches to map-reduce when the assembled context
	// would exceed it.
	MaxPromptTokens int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TopK:             8,
		MaxContextChunks: 150,
		MaxPromptTokens:  6000,
	}
}

// Executor answers questions against a chat's documents.
type Executor struct {
	config    Config
	cache     *querycache.Cache
	embedder  Embedder
	retriever Retriever
	generator Generator
	history   HistoryStore
	metrics   *metrics.Metrics
	logger    observability.Logger
}

// New wires the executor. metrics may be nil in tests.
func New(cfg Config, cache *querycache.Cache, embedder Embedder, retriever Retriever, generator Generator, history HistoryStore, m *metrics.Metrics, logger observability.Logger) *Executor {
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	if cfg.MaxContextChunks <= 0 {
		cfg.MaxContextChunks = 150
	}
	if cfg.TopK > cfg.MaxContextChunks {
		cfg.TopK = cfg.MaxContextChunks
	}
	if cfg.MaxPromptTokens <= 0 {
		cfg.MaxPromptTokens = 6000
	}
	return &Executor{
		config:    cfg,
		cache:     cache,
		embedder:  embedder,
		retriever: retriever,
		generator: generator,
		history:   history,
		metrics:   m,
		logger:    logger.WithPrefix("queryexec"),
	}
}

// Answer runs the full query flow.
func (e *Executor) Answer(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()
	if e.metrics != nil {
		e.metrics.QueryRequests.Inc()
	}

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, apperr.Validation("question must not be empty")
	}

	if hit, err := e.cache.Find(ctx, req.ChatID, question); err == nil {
		resp := &Response{
			Answer:         hit.ResponseText,
			Sources:        decodeSources(hit.SourcesUsed),
			ProcessingMode: "cached",
			CacheHit:       true,
		}
		resp.Metadata.TotalTimeMs = time.Since(started).Milliseconds()
		e.recordHistory(ctx, req, resp, nil)
		return resp, nil
	} else if !errors.Is(err, querycache.ErrMiss) {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}

	retrievalStart := time.Now()
	qVec, err := e.embedder.Embed(ctx, question)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamFailure, "embedding the question failed", err)
	}

	scope := repository.SearchScope{
		DocumentIDs:    req.DocumentIDs,
		AllowCrossChat: req.UseCrossChat,
	}
	if !req.UseCrossChat {
		chatID := req.ChatID
		scope.ChatID = &chatID
	}

	chunks, err := e.retriever.KNN(ctx, req.UserID, qVec, scope, e.config.TopK)
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	retrievalMs := time.Since(retrievalStart).Milliseconds()

	if len(chunks) == 0 {
		return nil, apperr.NotFound("no processed documents matched this question")
	}

	prompt, mode := e.assemble(question, req, chunks)

	generationStart := time.Now()
	answerText, llmCalls, err := e.generate(ctx, prompt, mode, question, req, chunks)
	if err != nil {
		if e.metrics != nil {
			e.metrics.QueryErrors.Inc()
		}
		return nil, classifyGeneration(err)
	}
	generationMs := time.Since(generationStart).Milliseconds()

	resp := &Response{
		Answer:         answerText,
		Sources:        citedSources(answerText, chunks),
		ProcessingMode: mode,
		LLMCallsUsed:   llmCalls,
	}
	resp.Metadata = Metadata{
		RetrievalTimeMs:  retrievalMs,
		GenerationTimeMs: generationMs,
		TotalTimeMs:      time.Since(started).Milliseconds(),
		ChunksUsed:       len(chunks),
		TokensUsed:       approxTokens(prompt) + approxTokens(answerText),
	}

	e.recordHistory(ctx, req, resp, qVec)

	sources, _ := json.Marshal(resp.Sources)
	e.cache.Store(ctx, req.UserID, req.ChatID, question, answerText, sources)

	if e.metrics != nil {
		e.metrics.QueryDuration.Observe(time.Since(started).Seconds())
	}
	return resp, nil
}

// assemble builds the single-call prompt and decides the processing mode.
func (e *Executor) assemble(question string, req Request, chunks []*models.DocumentChunk) (string, string) {
	var b strings.Builder
	b.WriteString(systemInstruction)
	b.WriteString("\n\nContext sources:\n")
	for i, c := range chunks {
		fmt.Fprintf(&b, "\n[Source %d] (%s%s)\n%s\n", i+1, c.FileName, locationOf(c), c.Content)
	}

	if len(req.ChatHistory) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, turn := range req.ChatHistory {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
		}
	}

	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	if req.Marks != nil {
		fmt.Fprintf(&b, "\nThis question is worth %d marks.", *req.Marks)
	}
	if req.FormatHint != "" {
		fmt.Fprintf(&b, "\nFormat instructions: %s", req.FormatHint)
	}

	prompt := b.String()
	mode := "single"
	if approxTokens(prompt) > e.config.MaxPromptTokens {
		mode = "map_reduce"
	}
	return prompt, mode
}

// generate runs either a single call or the map-reduce shape: summarize
// chunk groups, then answer from the summaries.
func (e *Executor) generate(ctx context.Context, prompt, mode, question string, req Request, chunks []*models.DocumentChunk) (string, int, error) {
	if mode == "single" {
		text, err := e.generator.Generate(ctx, prompt, "")
		if err != nil {
			return "", 1, err
		}
		return text, 1, nil
	}

	// Map: summarize chunk groups relative to the question.
	const groupSize = 10
	calls := 0
	var summaries []string
	for start := 0; start < len(chunks); start += groupSize {
		end := start + groupSize
		if end > len(chunks) {
			end = len(chunks)
		}

		var b strings.Builder
		b.WriteString("Summarize the parts of the following sources relevant to the question. Keep [Source N] markers.\n")
		for i := start; i < end; i++ {
			c := chunks[i]
			fmt.Fprintf(&b, "\n[Source %d] (%s%s)\n%s\n", i+1, c.FileName, locationOf(c), c.Content)
		}
		b.WriteString("\nQuestion: ")
		b.WriteString(question)

		summary, err := e.generator.Generate(ctx, b.String(), "")
		calls++
		if err != nil {
			return "", calls, err
		}
		summaries = append(summaries, summary)
	}

	// Reduce: answer from the summaries under the standard instruction.
	var b strings.Builder
	b.WriteString(systemInstruction)
	b.WriteString("\n\nContext sources (summarized):\n")
	for _, s := range summaries {
		b.WriteString("\n")
		b.WriteString(s)
		b.WriteString("\n")
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	if req.Marks != nil {
		fmt.Fprintf(&b, "\nThis question is worth %d marks.", *req.Marks)
	}

	text, err := e.generator.Generate(ctx, b.String(), "")
	calls++
	if err != nil {
		return "", calls, err
	}
	return text, calls, nil
}

// recordHistory appends a QueryHistory row; failures only log.
func (e *Executor) recordHistory(ctx context.Context, req Request, resp *Response, qVec []float32) {
	sources, _ := json.Marshal(resp.Sources)
	entry := &models.QueryHistoryEntry{
		UserID:           req.UserID,
		ChatID:           req.ChatID,
		QueryText:        req.Question,
		MarksRequested:   req.Marks,
		AnswerText:       resp.Answer,
		SourcesUsed:      sources,
		RetrievalTimeMs:  resp.Metadata.RetrievalTimeMs,
		GenerationTimeMs: resp.Metadata.GenerationTimeMs,
		TotalTimeMs:      resp.Metadata.TotalTimeMs,
		ChunksRetrieved:  resp.Metadata.ChunksUsed,
		LLMCallsUsed:     resp.LLMCallsUsed,
		QueryEmbedding:   qVec,
	}
	if err := e.history.Insert(ctx, entry); err != nil {
		e.logger.Warn("history insert failed", map[string]interface{}{"error": err.Error()})
	}
}

// citedSources pairs [Source N] mentions in the answer with the Nth
// retrieved chunk. Without any marker, all supplied chunks are returned.
func citedSources(answer string, chunks []*models.DocumentChunk) []Source {
	matches := sourceMarker.FindAllStringSubmatch(answer, -1)

	seen := make(map[int]bool)
	var indices []int
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(chunks) {
			continue
		}
		if !seen[n] {
			seen[n] = true
			indices = append(indices, n)
		}
	}

	if len(indices) == 0 {
		indices = make([]int, len(chunks))
		for i := range chunks {
			indices[i] = i + 1
		}
	}

	sources := make([]Source, 0, len(indices))
	for _, n := range indices {
		c := chunks[n-1]
		sources = append(sources, Source{
			DocumentID:  c.DocumentID,
			FileName:    c.FileName,
			PageNumber:  c.PageNumber,
			SlideNumber: c.SlideNumber,
			Excerpt:     excerpt(c.Content),
		})
	}
	return sources
}

func locationOf(c *models.DocumentChunk) string {
	if c.SlideNumber != nil {
		return fmt.Sprintf(", slide %d", *c.SlideNumber)
	}
	if c.PageNumber != nil {
		return fmt.Sprintf(", page %d", *c.PageNumber)
	}
	return ""
}

func excerpt(content string) string {
	const max = 200
	if len(content) > max {
		return content[:max] + "..."
	}
	return content
}

func approxTokens(s string) int {
	return (len(s) + 3) / 4
}

func decodeSources(raw json.RawMessage) []Source {
	var sources []Source
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &sources)
	}
	return sources
}

// classifyGeneration maps router failures to upstream error kinds.
func classifyGeneration(err error) error {
	var rf *llm.RouterFailure
	if errors.As(err, &rf) {
		if rf.AllRateLimited() {
			return apperr.Wrap(apperr.KindUpstreamRateLimit, "all providers are rate limited", err)
		}
		return apperr.Wrap(apperr.KindUpstreamFailure, "all providers failed", err)
	}
	return apperr.Wrap(apperr.KindUpstreamFailure, "generation failed", err)
}
