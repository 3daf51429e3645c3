package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/docuquery/backend/internal/apperr"
	"github.com/docuquery/backend/internal/models"
)

type createChatRequest struct {
	Title string `json:"title" binding:"required"`
}

func (s *Server) createChat(c *gin.Context) {
	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("title is required"))
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		s.respondError(c, apperr.Validation("title must not be blank"))
		return
	}

	chat := &models.Chat{UserID: currentUser(c), Title: title}
	if err := s.chats.Create(c.Request.Context(), chat); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, chat)
}

func (s *Server) listChats(c *gin.Context) {
	chats, err := s.chats.ListByUser(c.Request.Context(), currentUser(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats, "count": len(chats)})
}

func (s *Server) getChat(c *gin.Context) {
	chatID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.respondError(c, apperr.Validation("invalid chat id"))
		return
	}

	chat, err := s.chats.GetForUser(c.Request.Context(), chatID, currentUser(c))
	if err != nil {
		s.respondError(c, notFoundOr(err, "chat not found"))
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (s *Server) updateChat(c *gin.Context) {
	chatID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.respondError(c, apperr.Validation("invalid chat id"))
		return
	}

	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("title is required"))
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		s.respondError(c, apperr.Validation("title must not be blank"))
		return
	}

	chat, err := s.chats.UpdateTitle(c.Request.Context(), chatID, currentUser(c), title)
	if err != nil {
		s.respondError(c, notFoundOr(err, "chat not found"))
		return
	}
	c.JSON(http.StatusOK, chat)
}

// deleteChat removes the chat and everything hanging off it, then drops
// the chat's cached answers.
func (s *Server) deleteChat(c *gin.Context) {
	chatID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.respondError(c, apperr.Validation("invalid chat id"))
		return
	}

	if err := s.chats.Delete(c.Request.Context(), chatID, currentUser(c)); err != nil {
		s.respondError(c, notFoundOr(err, "chat not found"))
		return
	}
	s.cache.Invalidate(c.Request.Context(), chatID)

	c.Status(http.StatusNoContent)
}
