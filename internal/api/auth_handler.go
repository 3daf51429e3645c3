package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/docuquery/backend/internal/apperr"
)

type credentialsRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type sessionResponse struct {
	UserID    string `json:"userId"`
	Email     string `json:"email"`
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
}

func (s *Server) register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("email and password are required"))
		return
	}

	session, err := s.auth.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sessionResponse{
		UserID:    session.UserID.String(),
		Email:     session.Email,
		Token:     session.Token,
		ExpiresIn: session.ExpiresIn,
	})
}

func (s *Server) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("email and password are required"))
		return
	}

	session, err := s.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, sessionResponse{
		UserID:    session.UserID.String(),
		Email:     session.Email,
		Token:     session.Token,
		ExpiresIn: session.ExpiresIn,
	})
}
