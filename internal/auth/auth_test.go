package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/docuquery/backend/internal/apperr"
	"github.com/docuquery/backend/internal/models"
	"github.com/docuquery/backend/internal/observability"
	"github.com/docuquery/backend/internal/repository"
)

type memUserStore struct {
	byEmail map[string]*models.User
}

func newMemUserStore() *memUserStore {
	return &memUserStore{byEmail: make(map[string]*models.User)}
}

func (s *memUserStore) Create(ctx context.Context, user *models.User) error {
	if _, exists := s.byEmail[user.Email]; exists {
		return repository.ErrDuplicateEmail
	}
	user.ID = uuid.New()
	user.CreatedAt = time.Now()
	s.byEmail[user.Email] = user
	return nil
}

func (s *memUserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	user, ok := s.byEmail[email]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return user, nil
}

func (s *memUserStore) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	for _, user := range s.byEmail {
		if user.ID == id {
			return user, nil
		}
	}
	return nil, repository.ErrNotFound
}

func newTestService(t *testing.T) (*Service, *memUserStore) {
	t.Helper()
	store := newMemUserStore()
	svc, err := New(Config{Secret: []byte("test-secret"), Issuer: "test"}, store, observability.NewNoopLogger())
	require.NoError(t, err)
	return svc, store
}

func TestNew_RejectsEmptySecret(t *testing.T) {
	_, err := New(Config{}, newMemUserStore(), observability.NewNoopLogger())
	assert.Error(t, err)
}

func TestRegister_IssuesValidToken(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	session, err := svc.Register(ctx, "Alice@Example.COM", "s3cret-pass")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", session.Email)
	assert.Equal(t, int64(86400), session.ExpiresIn)

	// The stored hash is bcrypt, never the raw password.
	user := store.byEmail["alice@example.com"]
	require.NotNil(t, user)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("s3cret-pass")))

	userID, claims, err := svc.Validate("Bearer " + session.Token)
	require.NoError(t, err)
	assert.Equal(t, session.UserID, userID)
	assert.Equal(t, "alice@example.com", claims.Email)
}

func TestRegister_RejectsDuplicateEmail(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "bob@example.com", "password1")
	require.NoError(t, err)

	_, err = svc.Register(ctx, "bob@example.com", "password2")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestRegister_RejectsWeakInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "not-an-email", "password1")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = svc.Register(ctx, "ok@example.com", "short")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestLogin_VerifiesPassword(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "carol@example.com", "correct-horse")
	require.NoError(t, err)

	session, err := svc.Login(ctx, "CAROL@example.com", "correct-horse")
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)

	_, err = svc.Login(ctx, "carol@example.com", "wrong-password")
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))

	// Unknown account reads the same as a wrong password.
	_, err = svc.Login(ctx, "nobody@example.com", "whatever")
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestValidate_RejectsBadTokens(t *testing.T) {
	svc, _ := newTestService(t)

	_, _, err := svc.Validate("")
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))

	_, _, err = svc.Validate("Basic abc123")
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))

	_, _, err = svc.Validate("Bearer not.a.jwt")
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestValidate_RejectsForeignSignature(t *testing.T) {
	svc, _ := newTestService(t)

	claims := Claims{
		UserID: uuid.New().String(),
		Email:  "mallory@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
	require.NoError(t, err)

	_, _, err = svc.Validate("Bearer " + forged)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestValidate_RejectsExpiredToken(t *testing.T) {
	svc, _ := newTestService(t)

	claims := Claims{
		UserID: uuid.New().String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, _, err = svc.Validate("Bearer " + expired)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestValidate_RejectsWrongIssuer(t *testing.T) {
	svc, _ := newTestService(t)

	claims := Claims{
		UserID: uuid.New().String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, _, err = svc.Validate("Bearer " + token)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}
