// Package models defines the persisted entities of the document QA backend.
// Children reference parents by ID only; cascades are explicit in the
// repositories at delete time.
package models

import (
	"time"

	"github.com/google/uuid"
)

// EmbeddingDimensions is the fixed dimensionality of all stored vectors.
// Changing providers requires a schema migration; vectors are never
// truncated or padded.
const EmbeddingDimensions = 768

// MaxFileSizeBytes caps uploads at 50 MiB.
const MaxFileSizeBytes = 50 * 1024 * 1024

// Document processing statuses.
const (
	DocumentStatusPending    = "PENDING"
	DocumentStatusProcessing = "PROCESSING"
	DocumentStatusCompleted  = "COMPLETED"
	DocumentStatusFailed     = "FAILED"
)

// Processing job statuses.
const (
	JobStatusQueued     = "QUEUED"
	JobStatusProcessing = "PROCESSING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
)

// SupportedFileTypes is the upload whitelist, keyed by lowercase extension.
var SupportedFileTypes = map[string]bool{
	"pdf":  true,
	"ppt":  true,
	"pptx": true,
	"png":  true,
	"jpg":  true,
	"jpeg": true,
	"txt":  true,
}

// User is the owning root for chats, documents and query history.
type User struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Active       bool      `db:"active" json:"active"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// Chat is the logical scope for retrieval and caching.
type Chat struct {
	ID        uuid.UUID `db:"id" json:"id"`
	UserID    uuid.UUID `db:"user_id" json:"userId"`
	Title     string    `db:"title" json:"title"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Document is an uploaded file tracked through the ingestion pipeline.
// Status transitions are PENDING -> PROCESSING -> (COMPLETED | FAILED);
// a FAILED document may be re-enqueued back to PROCESSING.
type Document struct {
	ID                    uuid.UUID  `db:"id" json:"id"`
	UserID                uuid.UUID  `db:"user_id" json:"userId"`
	ChatID                uuid.UUID  `db:"chat_id" json:"chatId"`
	FileName              string     `db:"file_name" json:"fileName"`
	OriginalFileName      string     `db:"original_file_name" json:"originalFileName"`
	FileType              string     `db:"file_type" json:"fileType"`
	FileSizeBytes         int64      `db:"file_size_bytes" json:"fileSizeBytes"`
	MimeType              string     `db:"mime_type" json:"mimeType"`
	TotalPages            *int       `db:"total_pages" json:"totalPages,omitempty"`
	TotalChunks           int        `db:"total_chunks" json:"totalChunks"`
	Status                string     `db:"status" json:"processingStatus"`
	ProcessingStartedAt   *time.Time `db:"processing_started_at" json:"processingStartedAt,omitempty"`
	ProcessingCompletedAt *time.Time `db:"processing_completed_at" json:"processingCompletedAt,omitempty"`
	ErrorMessage          *string    `db:"error_message" json:"errorMessage,omitempty"`
	CreatedAt             time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updatedAt"`
}

// DocumentChunk is one token-bounded fragment of an extracted document.
// (DocumentID, ChunkIndex) is unique; ChatID always equals the parent
// document's ChatID. The embedding column is written at insert time and
// deliberately absent from retrieval projections.
type DocumentChunk struct {
	ID           uuid.UUID `db:"id" json:"id"`
	DocumentID   uuid.UUID `db:"document_id" json:"documentId"`
	UserID       uuid.UUID `db:"user_id" json:"userId"`
	ChatID       uuid.UUID `db:"chat_id" json:"chatId"`
	ChunkIndex   int       `db:"chunk_index" json:"chunkIndex"`
	Content      string    `db:"content" json:"content"`
	ContentHash  string    `db:"content_hash" json:"contentHash"`
	PageNumber   *int      `db:"page_number" json:"pageNumber,omitempty"`
	SlideNumber  *int      `db:"slide_number" json:"slideNumber,omitempty"`
	SectionTitle *string   `db:"section_title" json:"sectionTitle,omitempty"`
	TokenCount   int       `db:"token_count" json:"tokenCount"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`

	// Embedding is populated by the pipeline before persistence and by the
	// repository only when vectors are explicitly requested.
	Embedding []float32 `db:"-" json:"-"`

	// FileName is joined from the parent document on retrieval.
	FileName string `db:"file_name" json:"fileName,omitempty"`
}

// ProcessingJob is one durable ingestion job for a document. A job in
// PROCESSING always has LockedBy and LockedUntil set; a lease is expired
// once now > LockedUntil.
type ProcessingJob struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	DocumentID  uuid.UUID  `db:"document_id" json:"documentId"`
	Status      string     `db:"status" json:"status"`
	Priority    int        `db:"priority" json:"priority"`
	Attempts    int        `db:"attempts" json:"attempts"`
	MaxAttempts int        `db:"max_attempts" json:"maxAttempts"`
	LastError   *string    `db:"last_error" json:"lastError,omitempty"`
	LockedBy    *string    `db:"locked_by" json:"lockedBy,omitempty"`
	LockedUntil *time.Time `db:"locked_until" json:"lockedUntil,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
	StartedAt   *time.Time `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completedAt,omitempty"`
}

// QueryCacheEntry is one cached answer. (ChatID, QueryHash) is unique among
// non-expired rows.
type QueryCacheEntry struct {
	ID           uuid.UUID `db:"id" json:"id"`
	UserID       uuid.UUID `db:"user_id" json:"userId"`
	ChatID       uuid.UUID `db:"chat_id" json:"chatId"`
	QueryText    string    `db:"query_text" json:"queryText"`
	QueryHash    string    `db:"query_hash" json:"queryHash"`
	ResponseText string    `db:"response_text" json:"responseText"`
	SourcesUsed  []byte    `db:"sources_used" json:"sourcesUsed"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	ExpiresAt    time.Time `db:"expires_at" json:"expiresAt"`
	HitCount     int       `db:"hit_count" json:"hitCount"`

	QueryEmbedding []float32 `db:"-" json:"-"`
}

// QueryHistoryEntry records one executed query with its timing breakdown.
type QueryHistoryEntry struct {
	ID               uuid.UUID `db:"id" json:"id"`
	UserID           uuid.UUID `db:"user_id" json:"userId"`
	ChatID           uuid.UUID `db:"chat_id" json:"chatId"`
	QueryText        string    `db:"query_text" json:"queryText"`
	MarksRequested   *int      `db:"marks_requested" json:"marksRequested,omitempty"`
	AnswerText       string    `db:"answer_text" json:"answerText"`
	SourcesUsed      []byte    `db:"sources_used" json:"sourcesUsed"`
	RetrievalTimeMs  int64     `db:"retrieval_time_ms" json:"retrievalTimeMs"`
	GenerationTimeMs int64     `db:"generation_time_ms" json:"generationTimeMs"`
	TotalTimeMs      int64     `db:"total_time_ms" json:"totalTimeMs"`
	ChunksRetrieved  int       `db:"chunks_retrieved" json:"chunksRetrieved"`
	LLMCallsUsed     int       `db:"llm_calls_used" json:"llmCallsUsed"`
	CreatedAt        time.Time `db:"created_at" json:"createdAt"`

	QueryEmbedding []float32 `db:"-" json:"-"`
}

// APIKeyUsage persists bucket counters across restarts for observability.
type APIKeyUsage struct {
	KeyIdentifier       string     `db:"key_identifier" json:"keyIdentifier"`
	MinuteBucket        time.Time  `db:"minute_bucket" json:"minuteBucket"`
	RequestCount        int64      `db:"request_count" json:"requestCount"`
	DayBucket           time.Time  `db:"day_bucket" json:"dayBucket"`
	DailyRequestCount   int64      `db:"daily_request_count" json:"dailyRequestCount"`
	ConsecutiveFailures int        `db:"consecutive_failures" json:"consecutiveFailures"`
	LastSuccessAt       *time.Time `db:"last_success_at" json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time `db:"last_failure_at" json:"lastFailureAt,omitempty"`
}
