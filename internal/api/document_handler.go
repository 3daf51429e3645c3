package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/docuquery/backend/internal/apperr"
	"github.com/docuquery/backend/internal/models"
	"github.com/docuquery/backend/internal/storage"
)

// documentResponse is the client view of a document.
type documentResponse struct {
	ID               string  `json:"id"`
	ChatID           string  `json:"chatId"`
	FileName         string  `json:"fileName"`
	OriginalFileName string  `json:"originalFileName"`
	FileType         string  `json:"fileType"`
	FileSizeBytes    int64   `json:"fileSizeBytes"`
	Status           string  `json:"processingStatus"`
	TotalPages       *int    `json:"totalPages,omitempty"`
	TotalChunks      int     `json:"totalChunks"`
	ErrorMessage     *string `json:"errorMessage,omitempty"`
	CreatedAt        string  `json:"createdAt"`
}

func toDocumentResponse(doc *models.Document) documentResponse {
	return documentResponse{
		ID:               doc.ID.String(),
		ChatID:           doc.ChatID.String(),
		FileName:         doc.FileName,
		OriginalFileName: doc.OriginalFileName,
		FileType:         doc.FileType,
		FileSizeBytes:    doc.FileSizeBytes,
		Status:           doc.Status,
		TotalPages:       doc.TotalPages,
		TotalChunks:      doc.TotalChunks,
		ErrorMessage:     doc.ErrorMessage,
		CreatedAt:        doc.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) uploadDocument(c *gin.Context) {
	chatID, err := uuid.Parse(c.PostForm("chatId"))
	if err != nil {
		s.respondError(c, apperr.Validation("chatId is required"))
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		s.respondError(c, apperr.Validation("file is required"))
		return
	}

	doc, err := s.ingestUpload(c, chatID, file)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, toDocumentResponse(doc))
}

// uploadBulk accepts several files under the "files" field. Each file is
// accepted or rejected on its own; one bad file does not sink the batch.
func (s *Server) uploadBulk(c *gin.Context) {
	chatID, err := uuid.Parse(c.PostForm("chatId"))
	if err != nil {
		s.respondError(c, apperr.Validation("chatId is required"))
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		s.respondError(c, apperr.Validation("multipart form is required"))
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		s.respondError(c, apperr.Validation("at least one file is required"))
		return
	}

	type bulkResult struct {
		FileName string            `json:"fileName"`
		Error    string            `json:"error,omitempty"`
		Document *documentResponse `json:"document,omitempty"`
	}

	results := make([]bulkResult, 0, len(files))
	accepted := 0
	for _, file := range files {
		doc, err := s.ingestUpload(c, chatID, file)
		if err != nil {
			results = append(results, bulkResult{FileName: file.Filename, Error: errMessage(err)})
			continue
		}
		resp := toDocumentResponse(doc)
		results = append(results, bulkResult{FileName: file.Filename, Document: &resp})
		accepted++
	}

	c.JSON(http.StatusAccepted, gin.H{
		"accepted": accepted,
		"rejected": len(files) - accepted,
		"results":  results,
	})
}

// ingestUpload validates, persists and enqueues one uploaded file.
func (s *Server) ingestUpload(c *gin.Context, chatID uuid.UUID, file *multipart.FileHeader) (*models.Document, error) {
	ctx := c.Request.Context()
	userID := currentUser(c)

	if _, err := s.chats.GetForUser(ctx, chatID, userID); err != nil {
		return nil, notFoundOr(err, "chat not found")
	}

	if file.Size > s.config.MaxUploadBytes {
		return nil, apperr.Validation("file exceeds the %d MiB limit", s.config.MaxUploadBytes/(1024*1024))
	}
	if file.Size == 0 {
		return nil, apperr.Validation("file is empty")
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(file.Filename), "."))
	if !models.SupportedFileTypes[ext] {
		return nil, apperr.Validation("unsupported file type %q", ext)
	}

	doc := &models.Document{
		UserID:           userID,
		ChatID:           chatID,
		OriginalFileName: file.Filename,
		FileType:         ext,
		FileSizeBytes:    file.Size,
		MimeType:         file.Header.Get("Content-Type"),
		Status:           models.DocumentStatusPending,
	}
	if err := s.documents.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("creating document: %w", err)
	}

	src, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("opening upload: %w", err)
	}
	defer func() { _ = src.Close() }()

	data, err := io.ReadAll(io.LimitReader(src, s.config.MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading upload: %w", err)
	}
	if int64(len(data)) > s.config.MaxUploadBytes {
		return nil, apperr.Validation("file exceeds the %d MiB limit", s.config.MaxUploadBytes/(1024*1024))
	}

	key := storage.Key(doc.ID.String(), ext)
	if err := s.files.Save(ctx, key, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("storing upload: %w", err)
	}
	doc.FileName = key

	if _, err := s.jobs.Enqueue(ctx, doc.ID, 0, 3); err != nil {
		return nil, fmt.Errorf("enqueueing job: %w", err)
	}

	s.logger.Info("document accepted", map[string]interface{}{
		"document_id": doc.ID.String(),
		"chat_id":     chatID.String(),
		"file_type":   ext,
		"size_bytes":  file.Size,
	})
	return doc, nil
}

func (s *Server) listDocuments(c *gin.Context) {
	chatID, err := uuid.Parse(c.Query("chatId"))
	if err != nil {
		s.respondError(c, apperr.Validation("chatId is required"))
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "0"))
	page, size = s.pageOf(page, size)

	docs, total, err := s.documents.ListByChat(c.Request.Context(), chatID, currentUser(c), page*size, size)
	if err != nil {
		s.respondError(c, err)
		return
	}

	responses := make([]documentResponse, 0, len(docs))
	for _, doc := range docs {
		responses = append(responses, toDocumentResponse(doc))
	}

	totalPages := (total + size - 1) / size
	c.JSON(http.StatusOK, gin.H{
		"documents":     responses,
		"page":          page,
		"size":          size,
		"totalElements": total,
		"totalPages":    totalPages,
	})
}

func (s *Server) documentStatus(c *gin.Context) {
	docID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.respondError(c, apperr.Validation("invalid document id"))
		return
	}

	doc, err := s.documents.GetForUser(c.Request.Context(), docID, currentUser(c))
	if err != nil {
		s.respondError(c, notFoundOr(err, "document not found"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":               doc.ID.String(),
		"processingStatus": doc.Status,
		"totalPages":       doc.TotalPages,
		"totalChunks":      doc.TotalChunks,
		"errorMessage":     doc.ErrorMessage,
	})
}

// retryDocument re-enqueues a failed document.
func (s *Server) retryDocument(c *gin.Context) {
	docID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.respondError(c, apperr.Validation("invalid document id"))
		return
	}
	ctx := c.Request.Context()

	doc, err := s.documents.GetForUser(ctx, docID, currentUser(c))
	if err != nil {
		s.respondError(c, notFoundOr(err, "document not found"))
		return
	}
	if doc.Status != models.DocumentStatusFailed {
		s.respondError(c, apperr.Validation("only failed documents can be retried"))
		return
	}

	job, err := s.jobs.Requeue(ctx, docID)
	if err != nil {
		s.respondError(c, notFoundOr(err, "no job found for document"))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID.String(), "status": job.Status})
}

// deleteDocument removes the document, its chunks and its stored file,
// then drops the chat's cached answers since the corpus changed.
func (s *Server) deleteDocument(c *gin.Context) {
	docID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.respondError(c, apperr.Validation("invalid document id"))
		return
	}
	ctx := c.Request.Context()
	userID := currentUser(c)

	doc, err := s.documents.GetForUser(ctx, docID, userID)
	if err != nil {
		s.respondError(c, notFoundOr(err, "document not found"))
		return
	}

	if err := s.documents.Delete(ctx, docID, userID); err != nil {
		s.respondError(c, notFoundOr(err, "document not found"))
		return
	}

	// Stored bytes are best-effort; a dangling blob is harmless.
	if err := s.files.Delete(ctx, storage.Key(doc.ID.String(), doc.FileType)); err != nil {
		s.logger.Warn("stored file delete failed", map[string]interface{}{
			"document_id": docID.String(),
			"error":       err.Error(),
		})
	}

	s.cache.Invalidate(ctx, doc.ChatID)
	c.Status(http.StatusNoContent)
}

func errMessage(err error) string {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal error"
}
