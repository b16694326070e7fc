package devserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/duosync/internal/errors"
	"github.com/kimhsiao/duosync/internal/models"
	"github.com/kimhsiao/duosync/internal/transport"
)

var todos = models.CollectionDescriptor{Name: "todos", PrimaryKey: "id", VersionField: "updated_at"}

func newTestServer(t *testing.T, opts ...Option) (*Server, *transport.HTTPClient) {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	s := New([]models.CollectionDescriptor{todos}, opts...)
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return s, transport.NewHTTPClient(srv.URL, 2*time.Second, transport.WithLogger(zerolog.Nop()))
}

func TestServer_crud(t *testing.T) {
	s, c := newTestServer(t)
	ctx := context.Background()

	rec, err := c.Create(ctx, "todos", map[string]any{"title": "a"})
	require.NoError(t, err)
	assert.Equal(t, float64(1), rec["id"])
	assert.NotEmpty(t, rec["updated_at"])

	got, found, err := c.Get(ctx, "todos", "1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", got["title"])

	patched, err := c.Update(ctx, "todos", "1", map[string]any{"done": true})
	require.NoError(t, err)
	assert.Equal(t, "a", patched["title"])
	assert.Equal(t, true, patched["done"])
	assert.Equal(t, 1, models.CompareVersions(patched["updated_at"], rec["updated_at"]), "version must increase")

	list, err := c.List(ctx, "todos")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, c.Delete(ctx, "todos", "1"))
	require.NoError(t, c.Delete(ctx, "todos", "1"), "404 on delete is success")
	assert.Zero(t, s.Len("todos"))

	_, found, err = c.Get(ctx, "todos", "1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestServer_explicitKey(t *testing.T) {
	_, c := newTestServer(t)
	ctx := context.Background()

	rec, err := c.Create(ctx, "todos", map[string]any{"id": "10", "title": "a"})
	require.NoError(t, err)
	assert.Equal(t, "10", rec["id"])

	_, err = c.Create(ctx, "todos", map[string]any{"id": "10"})
	assert.True(t, apperrors.IsValidation(err), "duplicate key is a 409")

	next, err := c.Create(ctx, "todos", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, float64(11), next["id"], "assigned keys skip past explicit ones")
}

func TestServer_validation(t *testing.T) {
	_, c := newTestServer(t, WithValidator(func(collection string, fields map[string]any) error {
		if s, _ := fields["title"].(string); s == "" {
			return errors.New("title is required")
		}
		return nil
	}))

	_, err := c.Create(context.Background(), "todos", map[string]any{"title": ""})
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrValidation, appErr.Code)
	assert.Equal(t, http.StatusUnprocessableEntity, appErr.Status)
	assert.Contains(t, appErr.Message, "title is required")
}

func TestServer_failNext(t *testing.T) {
	s, c := newTestServer(t)
	s.FailNext(2, http.StatusServiceUnavailable)

	for i := 0; i < 2; i++ {
		_, err := c.Create(context.Background(), "todos", map[string]any{"title": "a"})
		assert.True(t, apperrors.IsNetwork(err))
	}
	_, err := c.Create(context.Background(), "todos", map[string]any{"title": "a"})
	assert.NoError(t, err)
}

func TestServer_updateMissing(t *testing.T) {
	_, c := newTestServer(t)
	_, err := c.Update(context.Background(), "todos", "404", map[string]any{"a": 1})
	assert.True(t, apperrors.IsValidation(err))
}

func TestServer_unknownCollection(t *testing.T) {
	_, c := newTestServer(t)
	_, err := c.List(context.Background(), "notes")
	assert.True(t, apperrors.IsValidation(err))
}

func TestServer_pingAndCorrelation(t *testing.T) {
	s := New([]models.CollectionDescriptor{todos}, WithLogger(zerolog.Nop()))
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/duo", nil)
	require.NoError(t, err)
	req.Header.Set("X-Correlation-ID", "abc")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abc", resp.Header.Get("X-Correlation-ID"))

	c := transport.NewHTTPClient(srv.URL, time.Second, transport.WithLogger(zerolog.Nop()))
	assert.NoError(t, c.Ping(context.Background()))
}

func TestServer_badBody(t *testing.T) {
	s := New([]models.CollectionDescriptor{todos}, WithLogger(zerolog.Nop()))
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/duo/todos", "application/json", strings.NewReader("[1,2"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Seed(t *testing.T) {
	s, c := newTestServer(t)
	_, err := s.Seed("todos", map[string]any{"id": "7", "title": "seeded"})
	require.NoError(t, err)
	_, err = s.Seed("notes", map[string]any{})
	assert.Error(t, err)

	got, found, err := c.Get(context.Background(), "todos", "7")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "seeded", got["title"])
}
