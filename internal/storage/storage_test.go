package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuquery/backend/internal/observability"
)

func newTestStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), observability.NewNoopLogger())
	require.NoError(t, err)
	return s
}

func TestKey(t *testing.T) {
	assert.Equal(t, "doc-1.pdf", Key("doc-1", "PDF"))
	assert.Equal(t, "doc-2.txt", Key("doc-2", "txt"))
}

func TestLocalStore_SaveReadDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "doc-1.txt", strings.NewReader("hello")))

	ok, err := s.Exists(ctx, "doc-1.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.Read(ctx, "doc-1.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, s.Delete(ctx, "doc-1.txt"))
	ok, err = s.Exists(ctx, "doc-1.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalStore_ReadMissingReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read(context.Background(), "absent.pdf")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore_RejectsTraversalKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Save(ctx, "../escape.txt", strings.NewReader("x"))
	assert.Error(t, err)

	_, err = s.Read(ctx, "a/b.txt")
	assert.Error(t, err)
}

func TestLocalStore_DeleteMissingIsNoop(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Delete(context.Background(), "absent.txt"))
}
