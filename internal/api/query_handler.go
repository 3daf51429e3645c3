package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/docuquery/backend/internal/apperr"
	"github.com/docuquery/backend/internal/queryexec"
)

type queryRequest struct {
	ChatID       string                  `json:"chatId" binding:"required"`
	Question     string                  `json:"question" binding:"required"`
	Marks        *int                    `json:"marks,omitempty"`
	FormatHint   string                  `json:"formatHint,omitempty"`
	DocumentIDs  []string                `json:"documentIds,omitempty"`
	UseCrossChat bool                    `json:"useCrossChat,omitempty"`
	ChatHistory  []queryexec.HistoryTurn `json:"chatHistory,omitempty"`
}

func (s *Server) runQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("chatId and question are required"))
		return
	}

	chatID, err := uuid.Parse(req.ChatID)
	if err != nil {
		s.respondError(c, apperr.Validation("invalid chatId"))
		return
	}
	if req.Marks != nil && (*req.Marks < 1 || *req.Marks > 100) {
		s.respondError(c, apperr.Validation("marks must be between 1 and 100"))
		return
	}

	docIDs := make([]uuid.UUID, 0, len(req.DocumentIDs))
	for _, raw := range req.DocumentIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.respondError(c, apperr.Validation("invalid document id %q", raw))
			return
		}
		docIDs = append(docIDs, id)
	}

	userID := currentUser(c)
	if _, err := s.chats.GetForUser(c.Request.Context(), chatID, userID); err != nil {
		s.respondError(c, notFoundOr(err, "chat not found"))
		return
	}

	resp, err := s.executor.Answer(c.Request.Context(), queryexec.Request{
		UserID:       userID,
		ChatID:       chatID,
		Question:     req.Question,
		Marks:        req.Marks,
		FormatHint:   req.FormatHint,
		DocumentIDs:  docIDs,
		UseCrossChat: req.UseCrossChat,
		ChatHistory:  req.ChatHistory,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) queryHistory(c *gin.Context) {
	chatID, err := uuid.Parse(c.Query("chatId"))
	if err != nil {
		s.respondError(c, apperr.Validation("chatId is required"))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, err := s.history.ListByChat(c.Request.Context(), chatID, currentUser(c), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}

	type historyItem struct {
		ID               string          `json:"id"`
		QueryText        string          `json:"queryText"`
		MarksRequested   *int            `json:"marksRequested,omitempty"`
		AnswerText       string          `json:"answerText"`
		SourcesUsed      json.RawMessage `json:"sourcesUsed"`
		TotalTimeMs      int64           `json:"totalTimeMs"`
		RetrievalTimeMs  int64           `json:"retrievalTimeMs"`
		GenerationTimeMs int64           `json:"generationTimeMs"`
		ChunksRetrieved  int             `json:"chunksRetrieved"`
		LLMCallsUsed     int             `json:"llmCallsUsed"`
		CreatedAt        string          `json:"createdAt"`
	}

	items := make([]historyItem, 0, len(entries))
	for _, entry := range entries {
		items = append(items, historyItem{
			ID:               entry.ID.String(),
			QueryText:        entry.QueryText,
			MarksRequested:   entry.MarksRequested,
			AnswerText:       entry.AnswerText,
			SourcesUsed:      rawJSON(entry.SourcesUsed),
			TotalTimeMs:      entry.TotalTimeMs,
			RetrievalTimeMs:  entry.RetrievalTimeMs,
			GenerationTimeMs: entry.GenerationTimeMs,
			ChunksRetrieved:  entry.ChunksRetrieved,
			LLMCallsUsed:     entry.LLMCallsUsed,
			CreatedAt:        entry.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, gin.H{"history": items, "count": len(items)})
}
