// Package embedding wraps the Gemini embedding API behind the key pool,
// with global request pacing and retry on transient failures.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/docuquery/backend/internal/models"
	"github.com/docuquery/backend/internal/observability"
	"github.com/docuquery/backend/internal/ratelimit"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"
	defaultModel   = "text-embedding-004"

	// The batch endpoint accepts at most 100 contents per request.
	maxBatchSize = 100

	// Global floor between embedding requests, sized for ~100 RPM.
	minRequestInterval = 600 * time.Millisecond

	maxResponseBytes = 8 << 20
)

// Config tunes the embedding client.
type Config struct {
	BaseURL        string
	Model          string
	RetryAttempts  int
	RetryDelay     time.Duration
	MinInterval    time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:        defaultBaseURL,
		Model:          defaultModel,
		RetryAttempts:  3,
		RetryDelay:     time.Second,
		MinInterval:    minRequestInterval,
		RequestTimeout: 30 * time.Second,
	}
}

// Service generates embeddings, taking one API key from the pool per request
// and reporting the outcome back so key health tracking stays accurate.
type Service struct {
	config     Config
	pool       *ratelimit.KeyPool
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     observability.Logger
}

// NewService builds the embedding service over a key pool.
func NewService(pool *ratelimit.KeyPool, cfg Config, logger observability.Logger) *Service {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = minRequestInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Service{
		config:     cfg,
		pool:       pool,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		limiter:    rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		logger:     logger.WithPrefix("embedding"),
	}
}

// Embed generates one embedding vector for the given text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.embedWithRetry(ctx, "", []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedForDocument embeds text with the key deterministically assigned to
// docID, so one document's chunks all burn the same key's budget.
func (s *Service) EmbedForDocument(ctx context.Context, docID, text string) ([]float32, error) {
	vecs, err := s.embedWithRetry(ctx, docID, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in sub-batches of at most 100, preserving order.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := s.embedWithRetry(ctx, "", texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", start, end, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// embedWithRetry runs one embedding request with up to RetryAttempts tries,
// backing off exponentially on retryable statuses.
func (s *Service) embedWithRetry(ctx context.Context, docID string, texts []string) ([][]float32, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.config.RetryDelay
	policy.MaxElapsedTime = 0

	var result [][]float32
	operation := func() error {
		vecs, err := s.embedOnce(ctx, docID, texts)
		if err != nil {
			var ae *apiError
			if errors.As(err, &ae) && !ae.retryable() {
				return backoff.Permanent(err)
			}
			return err
		}
		result = vecs
		return nil
	}

	retries := uint64(s.config.RetryAttempts - 1)
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// embedOnce performs a single paced request against the embedding API.
func (s *Service) embedOnce(ctx context.Context, docID string, texts []string) ([][]float32, error) {
	var key string
	var err error
	if docID != "" {
		key, err = s.pool.AcquireFor(ctx, docID)
	} else {
		key, err = s.pool.Acquire(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire embedding key: %w", err)
	}

	// The pool expects exactly one report per acquisition, so an aborted
	// pacing wait is still accounted against the key.
	if err := s.limiter.Wait(ctx); err != nil {
		s.pool.ReportFailure(key, ratelimit.FailureOther, err.Error())
		return nil, err
	}

	vecs, err := s.post(ctx, key, texts)
	if err != nil {
		var ae *apiError
		if errors.As(err, &ae) {
			s.pool.ReportFailure(key, ae.failureKind(), ae.Error())
		} else {
			s.pool.ReportFailure(key, ratelimit.FailureOther, err.Error())
		}
		return nil, err
	}

	s.pool.ReportSuccess(key)
	return vecs, nil
}

type embedContentPart struct {
	Text string `json:"text"`
}

type embedContent struct {
	Parts []embedContentPart `json:"parts"`
}

type embedRequest struct {
	Model   string       `json:"model"`
	Content embedContent `json:"content"`
}

type batchEmbedRequest struct {
	Requests []embedRequest `json:"requests"`
}

type embeddingValues struct {
	Values []float32 `json:"values"`
}

type embedResponse struct {
	Embedding embeddingValues `json:"embedding"`
}

type batchEmbedResponse struct {
	Embeddings []embeddingValues `json:"embeddings"`
}

// post sends one or many texts, using the single or batch endpoint.
func (s *Service) post(ctx context.Context, key string, texts []string) ([][]float32, error) {
	modelPath := "models/" + s.config.Model

	var url string
	var payload interface{}
	if len(texts) == 1 {
		url = fmt.Sprintf("%s/%s:embedContent?key=%s", s.config.BaseURL, s.config.Model, key)
		payload = embedRequest{
			Model:   modelPath,
			Content: embedContent{Parts: []embedContentPart{{Text: texts[0]}}},
		}
	} else {
		url = fmt.Sprintf("%s/%s:batchEmbedContents?key=%s", s.config.BaseURL, s.config.Model, key)
		reqs := make([]embedRequest, len(texts))
		for i, t := range texts {
			reqs[i] = embedRequest{
				Model:   modelPath,
				Content: embedContent{Parts: []embedContentPart{{Text: t}}},
			}
		}
		payload = batchEmbedRequest{Requests: reqs}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send embed request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &apiError{status: resp.StatusCode, body: truncate(string(data), 512)}
	}

	var vecs [][]float32
	if len(texts) == 1 {
		var parsed embedResponse
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("parse embed response: %w", err)
		}
		vecs = [][]float32{parsed.Embedding.Values}
	} else {
		var parsed batchEmbedResponse
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("parse batch embed response: %w", err)
		}
		if len(parsed.Embeddings) != len(texts) {
			return nil, fmt.Errorf("batch embed returned %d vectors for %d texts", len(parsed.Embeddings), len(texts))
		}
		for _, e := range parsed.Embeddings {
			vecs = append(vecs, e.Values)
		}
	}

	for i, v := range vecs {
		if len(v) != models.EmbeddingDimensions {
			return nil, fmt.Errorf("embedding %d has dimension %d, want %d", i, len(v), models.EmbeddingDimensions)
		}
	}
	return vecs, nil
}

// apiError carries the upstream HTTP status for failure classification.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("embedding API error (status %d): %s", e.status, e.body)
}

func (e *apiError) retryable() bool {
	return e.status == 429 || e.status >= 500
}

func (e *apiError) failureKind() ratelimit.FailureKind {
	switch {
	case e.status == 429:
		return ratelimit.FailureRateLimit
	case e.status == 401 || e.status == 403:
		return ratelimit.FailureAuth
	default:
		return ratelimit.FailureOther
	}
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// VectorString renders the canonical "[f1,f2,...,fD]" serialization the
// vector column expects.
func VectorString(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec) * 12)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// ParseVectorString inverts VectorString.
func ParseVectorString(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("malformed vector string")
	}
	inner := s[1 : len(s)-1]
	if inner == "" {
		return nil, nil
	}
	parts := strings.Split(inner, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("vector element %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}
