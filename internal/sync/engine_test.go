package sync

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	stdsync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/duosync/internal/config"
	"github.com/kimhsiao/duosync/internal/devserver"
	apperrors "github.com/kimhsiao/duosync/internal/errors"
	"github.com/kimhsiao/duosync/internal/logging"
	"github.com/kimhsiao/duosync/internal/manifest"
	"github.com/kimhsiao/duosync/internal/models"
	"github.com/kimhsiao/duosync/internal/sync/events"
	"github.com/kimhsiao/duosync/internal/sync/scheduler"
)

var todos = models.CollectionDescriptor{Name: "todos", PrimaryKey: "id", VersionField: "updated_at"}

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{Stores: []models.CollectionDescriptor{todos}}
}

// recorder remembers the method and path of every request reaching the
// dev server.
type recorder struct {
	mu   stdsync.Mutex
	reqs []string
}

func (r *recorder) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.reqs = append(r.reqs, req.Method+" "+req.URL.Path)
		r.mu.Unlock()
		next.ServeHTTP(w, req)
	})
}

// writes returns the non-GET requests seen so far.
func (r *recorder) writes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, req := range r.reqs {
		if len(req) < 4 || req[:4] != "GET " {
			out = append(out, req)
		}
	}
	return out
}

type fixture struct {
	server *devserver.Server
	http   *httptest.Server
	rec    *recorder
	cfg    *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := devserver.New([]models.CollectionDescriptor{todos}, devserver.WithLogger(zerolog.Nop()))
	rec := &recorder{}
	srv := httptest.NewServer(rec.wrap(s.Routes()))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ServerURL = srv.URL
	cfg.RequestTimeout = 2000
	cfg.BackoffBase = 0
	cfg.BackoffMax = 0
	return &fixture{server: s, http: srv, rec: rec, cfg: cfg}
}

func (f *fixture) open(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithBackgroundSync(false)}, opts...)
	e := NewEngine(opts...)
	require.NoError(t, e.Initialize(context.Background(), testManifest(), f.cfg))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// rejectEmptyTitles replaces the dev server with one answering 422 for
// records whose title is empty.
func (f *fixture) rejectEmptyTitles(t *testing.T) {
	t.Helper()
	f.server = devserver.New([]models.CollectionDescriptor{todos},
		devserver.WithLogger(zerolog.Nop()),
		devserver.WithValidator(func(_ string, fields map[string]any) error {
			if fields["title"] == "" {
				return assert.AnError
			}
			return nil
		}))
	f.rec = &recorder{}
	srv := httptest.NewServer(f.rec.wrap(f.server.Routes()))
	t.Cleanup(srv.Close)
	f.http = srv
	f.cfg.ServerURL = srv.URL
}

type statusLog struct {
	mu  stdsync.Mutex
	all []models.SyncStatus
}

func watchStatus(e *Engine) *statusLog {
	l := &statusLog{}
	e.Subscribe(func(ev events.Event) {
		if ev.Kind == events.KindStatusChanged {
			l.mu.Lock()
			l.all = append(l.all, ev.Status)
			l.mu.Unlock()
		}
	})
	return l
}

func (l *statusLog) seen() []models.SyncStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.SyncStatus(nil), l.all...)
}

func TestEngine_notInitialized(t *testing.T) {
	e := NewEngine()

	_, err := e.Read("todos")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotInitialized))

	_, err = e.Mutate("todos", models.OperationCreate, map[string]any{"title": "a"})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotInitialized))

	_, err = e.SyncNow(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrNotInitialized))

	assert.Equal(t, models.SyncStatusOffline, e.Status())
	assert.Zero(t, e.PendingChanges())
	assert.NoError(t, e.Close())
}

func TestEngine_Initialize_validation(t *testing.T) {
	f := newFixture(t)

	err := NewEngine().Initialize(context.Background(), &manifest.Manifest{}, f.cfg)
	assert.True(t, apperrors.Is(err, apperrors.ErrManifestInvalid))

	bad := *f.cfg
	bad.SyncInterval = -1
	err = NewEngine().Initialize(context.Background(), testManifest(), &bad)
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigInvalid))
}

func TestEngine_Initialize_idempotent(t *testing.T) {
	f := newFixture(t)
	e := f.open(t)

	_, err := e.Mutate("todos", models.OperationCreate, map[string]any{"title": "a"})
	require.NoError(t, err)

	require.NoError(t, e.Initialize(context.Background(), testManifest(), f.cfg))
	assert.Equal(t, 1, e.PendingChanges(), "second Initialize must not reset state")
}

func TestEngine_Initialize_debugLogging(t *testing.T) {
	var buf bytes.Buffer
	logging.Configure(logging.Options{Out: &buf, Level: logging.LevelInfo})
	t.Cleanup(func() { logging.Configure(logging.Options{Out: io.Discard, Level: logging.LevelInfo}) })

	f := newFixture(t)
	f.cfg.Debug = true
	e := f.open(t)

	assert.Equal(t, logging.LevelDebug, logging.Get().Level())
	_, err := e.Mutate("todos", models.OperationCreate, map[string]any{"title": "a"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "sync queue: enqueued")
}

func TestEngine_createRemapsTentativeKey(t *testing.T) {
	f := newFixture(t)
	e := f.open(t)
	statuses := watchStatus(e)

	var remapped []events.Event
	e.Subscribe(func(ev events.Event) {
		if ev.Kind == events.KindKeyRemapped {
			remapped = append(remapped, ev)
		}
	})

	rec, err := e.Mutate("todos", models.OperationCreate, map[string]any{"title": "buy milk"})
	require.NoError(t, err)
	tmp := rec.Key

	// Visible before any network traffic.
	list, err := e.Read("todos")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, tmp, list[0].Key)
	assert.Empty(t, f.rec.writes())

	res, err := e.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Settled)

	list, err = e.Read("todos")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "1", list[0].Key)
	assert.Equal(t, "buy milk", list[0].Fields["title"])
	assert.True(t, list[0].IsSynced())

	_, found, err := e.Get("todos", tmp)
	require.NoError(t, err)
	assert.False(t, found, "tentative key must be gone")

	require.Len(t, remapped, 1)
	assert.Equal(t, tmp, remapped[0].OldKey)
	assert.Equal(t, "1", remapped[0].RecordKey)

	assert.Zero(t, e.PendingChanges())
	assert.Equal(t, []string{"POST /duo/todos"}, f.rec.writes())
	assert.Equal(t, []models.SyncStatus{models.SyncStatusOnline, models.SyncStatusSyncing, models.SyncStatusIdle}, statuses.seen())
}

func TestEngine_updatesCoalesce(t *testing.T) {
	f := newFixture(t)
	_, err := f.server.Seed("todos", map[string]any{"id": 7, "title": "x"})
	require.NoError(t, err)

	e := f.open(t)
	_, err = e.Pull(context.Background(), "todos")
	require.NoError(t, err)

	_, err = e.Mutate("todos", models.OperationUpdate, map[string]any{"id": 7, "title": "y"})
	require.NoError(t, err)
	_, err = e.Mutate("todos", models.OperationUpdate, map[string]any{"id": 7, "done": true})
	require.NoError(t, err)
	assert.Equal(t, 1, e.PendingChanges())

	_, err = e.SyncNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"PATCH /duo/todos/7"}, f.rec.writes())
	rec, found, err := e.Get("todos", "7")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "y", rec.Fields["title"])
	assert.Equal(t, true, rec.Fields["done"])
}

func TestEngine_deleteAfterUpdateSendsOnlyDelete(t *testing.T) {
	f := newFixture(t)
	_, err := f.server.Seed("todos", map[string]any{"id": 7, "title": "x"})
	require.NoError(t, err)

	e := f.open(t)
	_, err = e.Pull(context.Background(), "todos")
	require.NoError(t, err)

	_, err = e.Mutate("todos", models.OperationUpdate, map[string]any{"id": 7, "title": "y"})
	require.NoError(t, err)
	_, err = e.Mutate("todos", models.OperationDelete, map[string]any{"id": 7})
	require.NoError(t, err)

	_, err = e.SyncNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"DELETE /duo/todos/7"}, f.rec.writes())
	assert.Zero(t, f.server.Len("todos"))
	list, err := e.Read("todos")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEngine_errorAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	f.cfg.MaxRetryAttempts = 2
	e := f.open(t)
	statuses := watchStatus(e)

	f.server.FailNext(10, http.StatusServiceUnavailable)
	_, err := e.Mutate("todos", models.OperationCreate, map[string]any{"title": "a"})
	require.NoError(t, err)

	res, err := e.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, models.SyncStatusOffline, e.Status())
	assert.Empty(t, e.FailedEntries())

	res, err = e.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Contains(t, statuses.seen(), models.SyncStatusError)

	failed := e.FailedEntries()
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Attempts)

	// The optimistic record stays visible.
	list, err := e.Read("todos")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	f.server.FailNext(0, 0)
	require.NoError(t, e.Retry(failed[0].ID))
	_, err = e.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.server.Len("todos"))
	assert.Zero(t, e.PendingChanges())
	assert.Equal(t, models.SyncStatusIdle, e.Status())
}

func TestEngine_validationFailureAndDiscard(t *testing.T) {
	f := newFixture(t)
	f.rejectEmptyTitles(t)

	e := f.open(t)
	_, err := e.Mutate("todos", models.OperationCreate, map[string]any{"title": ""})
	require.NoError(t, err)

	res, err := e.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, models.SyncStatusError, e.Status())
	assert.True(t, e.Online())

	failed := e.FailedEntries()
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts)

	discarded, err := e.Discard(failed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationCreate, discarded.Operation)
	assert.Zero(t, e.PendingChanges())
}

func TestEngine_deleteSupersedesFailedUpdate(t *testing.T) {
	f := newFixture(t)
	f.rejectEmptyTitles(t)
	_, err := f.server.Seed("todos", map[string]any{"id": 7, "title": "x"})
	require.NoError(t, err)

	e := f.open(t)
	_, err = e.Pull(context.Background(), "todos")
	require.NoError(t, err)

	_, err = e.Mutate("todos", models.OperationUpdate, map[string]any{"id": 7, "title": ""})
	require.NoError(t, err)
	res, err := e.SyncNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)

	_, err = e.Mutate("todos", models.OperationDelete, map[string]any{"id": 7})
	require.NoError(t, err)
	assert.Equal(t, 1, e.PendingChanges())
	assert.Empty(t, e.FailedEntries())

	_, err = e.SyncNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"PATCH /duo/todos/7", "DELETE /duo/todos/7"}, f.rec.writes())
	assert.Zero(t, f.server.Len("todos"))
	assert.Zero(t, e.PendingChanges())
	assert.Equal(t, models.SyncStatusIdle, e.Status())
}

func TestEngine_deleteCancelsFailedCreate(t *testing.T) {
	f := newFixture(t)
	f.rejectEmptyTitles(t)
	e := f.open(t)

	rec, err := e.Mutate("todos", models.OperationCreate, map[string]any{"title": ""})
	require.NoError(t, err)
	res, err := e.SyncNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)

	_, err = e.Mutate("todos", models.OperationDelete, map[string]any{"id": rec.Key})
	require.NoError(t, err)
	assert.Zero(t, e.PendingChanges())

	_, err = e.SyncNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"POST /duo/todos"}, f.rec.writes())
	list, err := e.Read("todos")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEngine_queueSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	live := f.cfg.ServerURL

	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()
	f.cfg.ServerURL = down.URL

	first := NewEngine(WithBackgroundSync(false))
	require.NoError(t, first.Initialize(context.Background(), testManifest(), f.cfg))
	_, err := first.Mutate("todos", models.OperationCreate, map[string]any{"title": "offline write"})
	require.NoError(t, err)

	_, err = first.SyncNow(context.Background())
	assert.ErrorIs(t, err, scheduler.ErrOffline)
	require.NoError(t, first.Close())
	require.NoError(t, first.Close())

	f.cfg.ServerURL = live
	second := f.open(t)
	assert.Equal(t, 1, second.PendingChanges())
	list, err := second.Read("todos")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "offline write", list[0].Fields["title"])

	_, err = second.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.PendingChanges())
	assert.Equal(t, 1, f.server.Len("todos"))
}

func TestEngine_backgroundSync(t *testing.T) {
	f := newFixture(t)
	f.cfg.SyncInterval = 20
	f.cfg.TimestampRefreshInterval = 0

	e := NewEngine()
	require.NoError(t, e.Initialize(context.Background(), testManifest(), f.cfg))
	t.Cleanup(func() { _ = e.Close() })

	st, err := e.SchedulerStatus()
	require.NoError(t, err)
	assert.True(t, st.IsRunning)

	_, err = e.Mutate("todos", models.OperationCreate, map[string]any{"title": "a"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.server.Len("todos") == 1 && e.PendingChanges() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngine_Conflicts(t *testing.T) {
	f := newFixture(t)
	e := f.open(t)

	logs, err := e.Conflicts("")
	require.NoError(t, err)
	assert.Empty(t, logs)

	_, err = e.Conflicts("missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}
