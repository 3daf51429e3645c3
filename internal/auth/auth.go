// Package auth covers account registration, login and bearer-token
// validation for the HTTP surface.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/docuquery/backend/internal/apperr"
	"github.com/docuquery/backend/internal/models"
	"github.com/docuquery/backend/internal/observability"
	"github.com/docuquery/backend/internal/repository"
)

// TokenTTL is the lifetime of issued tokens.
const TokenTTL = 24 * time.Hour

// Claims are the JWT claims carried by issued tokens.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// UserStore is the persistence surface the service needs.
type UserStore interface {
	Create(ctx context.Context, user *models.User) error
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Config holds the signing secret and issuer.
type Config struct {
	Secret   []byte
	Issuer   string
	TokenTTL time.Duration
}

// Service issues and validates tokens and manages credentials.
type Service struct {
	config Config
	users  UserStore
	logger observability.Logger
}

// New builds the service. An empty secret is refused because tokens
// signed with it would be forgeable.
func New(cfg Config, users UserStore, logger observability.Logger) (*Service, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("auth: signing secret must not be empty")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "docuquery"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = TokenTTL
	}
	return &Service{config: cfg, users: users, logger: logger.WithPrefix("auth")}, nil
}

// Session is the result of a successful register or login.
type Session struct {
	UserID    uuid.UUID
	Email     string
	Token     string
	ExpiresIn int64 // seconds
}

// Register creates an account and returns a fresh session.
func (s *Service) Register(ctx context.Context, email, password string) (*Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if len(password) < 8 {
		return nil, apperr.Validation("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	user := &models.User{
		Email:        email,
		PasswordHash: string(hash),
		Active:       true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, apperr.New(apperr.KindValidation, "an account with this email already exists")
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}

	s.logger.Info("user registered", map[string]interface{}{"user_id": user.ID.String()})
	return s.session(user)
}

// Login verifies credentials and returns a fresh session. Unknown email
// and wrong password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.KindUnauthenticated, "invalid email or password")
		}
		return nil, fmt.Errorf("loading user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, apperr.New(apperr.KindUnauthenticated, "invalid email or password")
	}

	return s.session(user)
}

func (s *Service) session(user *models.User) (*Session, error) {
	now := time.Now()
	claims := Claims{
		UserID: user.ID.String(),
		Email:  user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			Issuer:    s.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TokenTTL)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.Secret)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}

	return &Session{
		UserID:    user.ID,
		Email:     user.Email,
		Token:     token,
		ExpiresIn: int64(s.config.TokenTTL.Seconds()),
	}, nil
}

// Validate parses an Authorization header value and returns the user ID.
func (s *Service) Validate(authHeader string) (uuid.UUID, *Claims, error) {
	tokenString, err := extractBearerToken(authHeader)
	if err != nil {
		return uuid.Nil, nil, apperr.Wrap(apperr.KindUnauthenticated, "missing or malformed bearer token", err)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.config.Secret, nil
	})
	if err != nil {
		return uuid.Nil, nil, apperr.Wrap(apperr.KindUnauthenticated, "invalid token", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return uuid.Nil, nil, apperr.New(apperr.KindUnauthenticated, "invalid token claims")
	}
	if s.config.Issuer != "" && claims.Issuer != s.config.Issuer {
		return uuid.Nil, nil, apperr.New(apperr.KindUnauthenticated, "invalid token issuer")
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		return uuid.Nil, nil, apperr.Wrap(apperr.KindUnauthenticated, "invalid user id in token", err)
	}
	return userID, claims, nil
}

func extractBearerToken(authHeader string) (string, error) {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", errors.New("authorization header is not a bearer token")
	}
	return parts[1], nil
}

func validateEmail(email string) error {
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 || !strings.Contains(email[at+1:], ".") {
		return apperr.Validation("invalid email address")
	}
	return nil
}
