package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/duosync/internal/db"
	apperrors "github.com/kimhsiao/duosync/internal/errors"
	"github.com/kimhsiao/duosync/internal/models"
)

var todos = models.CollectionDescriptor{Name: "todos", PrimaryKey: "id", VersionField: "updated_at"}

func newTestStore(t *testing.T) (*SQLStore, *db.DB) {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})
	s := New(repo)
	require.NoError(t, s.EnsureCollections([]models.CollectionDescriptor{todos}))
	return s, database
}

func TestSQLStore_putGetDelete(t *testing.T) {
	s, _ := newTestStore(t)

	_, found, err := s.Get("todos", "1")
	require.NoError(t, err)
	assert.False(t, found)

	rec := &models.Record{Key: "1", Fields: map[string]any{"id": "1", "title": "a"}, Version: 1.0}
	require.NoError(t, s.Put("todos", rec))

	got, found, err := s.Get("todos", "1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", got.Fields["title"])
	assert.Equal(t, 1.0, got.Version)

	require.NoError(t, s.Delete("todos", "1"))
	require.NoError(t, s.Delete("todos", "1"), "deleting an absent key is a no-op")

	all, err := s.ListAll("todos")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSQLStore_unknownCollection(t *testing.T) {
	s, _ := newTestStore(t)
	_, _, err := s.Get("notes", "1")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	assert.True(t, apperrors.Is(s.Put("notes", &models.Record{Key: "1"}), apperrors.ErrNotFound))
}

func TestSQLStore_Remap(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Put("todos", &models.Record{Key: "tmp-x", Fields: map[string]any{"title": "a"}}))

	rec := &models.Record{Key: "42", Fields: map[string]any{"id": 42.0, "title": "a"}, SyncedAt: time.Now()}
	require.NoError(t, s.Remap("todos", "tmp-x", rec))

	_, found, _ := s.Get("todos", "tmp-x")
	assert.False(t, found)
	got, found, _ := s.Get("todos", "42")
	require.True(t, found)
	assert.True(t, got.IsSynced())
}

func TestSQLStore_storageUnavailable(t *testing.T) {
	s, database := newTestStore(t)
	require.NoError(t, database.Close())

	err := s.Put("todos", &models.Record{Key: "1", Fields: map[string]any{}})
	require.Error(t, err)
	assert.True(t, apperrors.IsStorage(err))

	_, _, err = s.Get("todos", "1")
	assert.True(t, apperrors.IsStorage(err))

	var appErr *apperrors.AppError
	assert.True(t, errors.As(err, &appErr))
}
