package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/duosync/internal/clock"
	"github.com/kimhsiao/duosync/internal/db"
	apperrors "github.com/kimhsiao/duosync/internal/errors"
	"github.com/kimhsiao/duosync/internal/manifest"
	"github.com/kimhsiao/duosync/internal/models"
	"github.com/kimhsiao/duosync/internal/store"
	"github.com/kimhsiao/duosync/internal/sync/conflict"
	"github.com/kimhsiao/duosync/internal/sync/events"
	"github.com/kimhsiao/duosync/internal/sync/queue"
	"github.com/kimhsiao/duosync/internal/uuid"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	r     *Reconciler
	q     *queue.SyncQueue
	repo  *db.Repository
	clock *clock.Manual
	seen  []events.Event
}

func newFixture(t *testing.T, maxRetries int) *fixture {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})

	reg, err := manifest.NewRegistry(&manifest.Manifest{Stores: []models.CollectionDescriptor{
		{Name: "todos", PrimaryKey: "id", VersionField: "updated_at"},
	}})
	require.NoError(t, err)

	st := store.New(repo)
	require.NoError(t, st.EnsureCollections(reg.Descriptors()))

	clk := clock.NewManual(epoch)
	q, err := queue.Open(queue.Options{
		MaxRetryAttempts: maxRetries,
		BackoffBase:      time.Second,
		BackoffMax:       time.Minute,
		Clock:            clk,
		Persister:        repo,
	})
	require.NoError(t, err)

	f := &fixture{q: q, repo: repo, clock: clk}
	hub := events.NewHub()
	hub.Subscribe(func(ev events.Event) { f.seen = append(f.seen, ev) })
	f.r = New(Options{Registry: reg, Store: st, Queue: q, Conflicts: repo, Hub: hub, Clock: clk})
	return f
}

func (f *fixture) kinds() []events.Kind {
	var out []events.Kind
	for _, ev := range f.seen {
		out = append(out, ev.Kind)
	}
	return out
}

func (f *fixture) only(t *testing.T) *queue.Entry {
	t.Helper()
	entries := f.q.List()
	require.Len(t, entries, 1)
	return entries[0]
}

func (f *fixture) claim(t *testing.T, id string) {
	t.Helper()
	_, err := f.q.Claim(id)
	require.NoError(t, err)
}

func (f *fixture) send(t *testing.T, e *queue.Entry, server map[string]any, callErr error) *Outcome {
	t.Helper()
	if current, ok := f.q.Get(e.ID); ok && current.Status == queue.StatusPending {
		f.claim(t, e.ID)
	}
	out, err := f.r.ReconcileServerResponse(e, server, callErr)
	require.NoError(t, err)
	return out
}

func TestApplyOptimistic_createTentative(t *testing.T) {
	f := newFixture(t, 3)

	rec, err := f.r.ApplyOptimistic("todos", models.OperationCreate, map[string]any{"title": "a"})
	require.NoError(t, err)
	assert.True(t, uuid.IsTentative(rec.Key))
	assert.Equal(t, rec.Key, rec.Fields["id"])
	assert.False(t, rec.IsSynced())

	got, found, err := f.r.Get("todos", rec.Key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", got.Fields["title"])

	e := f.only(t)
	assert.Equal(t, models.OperationCreate, e.Operation)
	assert.Equal(t, rec.Key, e.RecordKey)
	assert.NotContains(t, e.Payload, "id", "tentative keys are not sent")

	assert.Equal(t, []events.Kind{events.KindRecordChanged}, f.kinds())
}

func TestApplyOptimistic_createExplicitKey(t *testing.T) {
	f := newFixture(t, 3)

	rec, err := f.r.ApplyOptimistic("todos", models.OperationCreate, map[string]any{"id": "abc", "title": "a"})
	require.NoError(t, err)
	assert.Equal(t, "abc", rec.Key)
	assert.Equal(t, "abc", f.only(t).Payload["id"])

	_, err = f.r.ApplyOptimistic("todos", models.OperationCreate, map[string]any{"id": "abc"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidMutation))

	numeric, err := f.r.ApplyOptimistic("todos", models.OperationCreate, map[string]any{"id": 9, "title": "b"})
	require.NoError(t, err)
	assert.Equal(t, "9", numeric.Key)
	assert.Equal(t, 9, numeric.Fields["id"], "explicit keys keep their type")
}

func TestApplyOptimistic_invalid(t *testing.T) {
	f := newFixture(t, 3)

	_, err := f.r.ApplyOptimistic("todos", models.OperationUpdate, map[string]any{"title": "x"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidMutation), "update without key")

	_, err = f.r.ApplyOptimistic("todos", models.OperationUpdate, map[string]any{"id": "nope", "title": "x"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidMutation), "update of absent record")

	_, err = f.r.ApplyOptimistic("notes", models.OperationCreate, map[string]any{})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	_, err = f.r.ApplyOptimistic("todos", models.Operation("upsert"), map[string]any{"id": "1"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidMutation))

	assert.Zero(t, f.q.Size())
}

func TestApplyOptimistic_updateMerges(t *testing.T) {
	f := newFixture(t, 3)
	_, err := f.r.ApplyRemote("todos", map[string]any{"id": 7, "title": "old", "completed": false, "updated_at": "2024-01-01T00:00:00Z"})
	require.NoError(t, err)

	_, err = f.r.ApplyOptimistic("todos", models.OperationUpdate, map[string]any{"id": "7", "completed": true})
	require.NoError(t, err)
	rec, err := f.r.ApplyOptimistic("todos", models.OperationUpdate, map[string]any{"id": "7", "title": "x"})
	require.NoError(t, err)

	assert.Equal(t, true, rec.Fields["completed"])
	assert.Equal(t, "x", rec.Fields["title"])
	assert.True(t, rec.IsSynced(), "syncedAt is kept until the server confirms again")

	e := f.only(t)
	assert.Equal(t, "7", e.RecordKey)
	assert.Equal(t, map[string]any{"completed": true, "title": "x"}, e.Payload)
}

func TestApplyOptimistic_deleteAfterUpdate(t *testing.T) {
	f := newFixture(t, 3)
	_, err := f.r.ApplyRemote("todos", map[string]any{"id": "7", "title": "old"})
	require.NoError(t, err)

	_, err = f.r.ApplyOptimistic("todos", models.OperationUpdate, map[string]any{"id": "7", "title": "new"})
	require.NoError(t, err)
	_, err = f.r.ApplyOptimistic("todos", models.OperationDelete, map[string]any{"id": "7"})
	require.NoError(t, err)

	_, found, err := f.r.Get("todos", "7")
	require.NoError(t, err)
	assert.False(t, found)

	e := f.only(t)
	assert.Equal(t, models.OperationDelete, e.Operation)
	assert.Nil(t, e.Payload)

	_, err = f.r.ApplyOptimistic("todos", models.OperationUpdate, map[string]any{"id": "7", "title": "again"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidMutation))
}

func TestApplyOptimistic_createThenDeleteTentative(t *testing.T) {
	f := newFixture(t, 3)

	rec, err := f.r.ApplyOptimistic("todos", models.OperationCreate, map[string]any{"title": "a"})
	require.NoError(t, err)
	_, err = f.r.ApplyOptimistic("todos", models.OperationDelete, map[string]any{"id": rec.Key})
	require.NoError(t, err)

	assert.Zero(t, f.q.Size())
	all, err := f.r.List("todos")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestApplyOptimistic_deleteAbsentIsQueued(t *testing.T) {
	f := newFixture(t, 3)

	rec, err := f.r.ApplyOptimistic("todos", models.OperationDelete, map[string]any{"id": "99"})
	require.NoError(t, err)
	assert.Equal(t, "99", rec.Key)
	assert.Equal(t, models.OperationDelete, f.only(t).Operation)
}

func TestApplyOptimistic_rejectedRestoresStore(t *testing.T) {
	f := newFixture(t, 3)
	_, err := f.r.ApplyRemote("todos", map[string]any{"id": "7", "title": "old"})
	require.NoError(t, err)

	_, err = f.r.ApplyOptimistic("todos", models.OperationDelete, map[string]any{"id": "7"})
	require.NoError(t, err)
	f.claim(t, f.only(t).ID)

	_, err = f.r.ApplyOptimistic("todos", models.OperationCreate, map[string]any{"id": "7", "title": "revived"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidMutation))

	_, found, err := f.r.Get("todos", "7")
	require.NoError(t, err)
	assert.False(t, found, "rejected create must not leave a local record")
}

func TestReconcile_createRemapsTentativeKey(t *testing.T) {
	f := newFixture(t, 3)

	rec, err := f.r.ApplyOptimistic("todos", models.OperationCreate, map[string]any{"title": "a"})
	require.NoError(t, err)
	tmp := rec.Key
	f.seen = nil

	out := f.send(t, f.only(t), map[string]any{"id": 42, "title": "a", "updated_at": "2024-01-01T00:00:01Z"}, nil)
	assert.Equal(t, ActionSettled, out.Action)
	assert.True(t, out.Remapped())
	assert.Equal(t, tmp, out.OldKey)
	assert.Equal(t, "42", out.NewKey)
	assert.Equal(t, conflict.ResolutionRemoteWins, out.Resolution)

	got, found, err := f.r.Get("todos", "42")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", got.Fields["title"])
	assert.True(t, got.IsSynced())

	_, found, err = f.r.Get("todos", tmp)
	require.NoError(t, err)
	assert.False(t, found)

	assert.Zero(t, f.q.Size())
	assert.Equal(t, []events.Kind{events.KindKeyRemapped, events.KindRecordChanged}, f.kinds())
	assert.Equal(t, tmp, f.seen[0].OldKey)
	assert.Equal(t, "42", f.seen[0].RecordKey)
}

func TestReconcile_remapRewritesLaterEntries(t *testing.T) {
	f := newFixture(t, 3)

	rec, err := f.r.ApplyOptimistic("todos", models.OperationCreate, map[string]any{"title": "a"})
	require.NoError(t, err)
	create := f.only(t)
	f.claim(t, create.ID)

	_, err = f.r.ApplyOptimistic("todos", models.OperationUpdate, map[string]any{"id": rec.Key, "completed": true})
	require.NoError(t, err)
	require.Equal(t, 2, f.q.Size())

	f.send(t, create, map[string]any{"id": "42", "title": "a"}, nil)

	entries := f.q.List()
	require.Len(t, entries, 1)
	assert.Equal(t, "42", entries[0].RecordKey)
	assert.Equal(t, models.OperationUpdate, entries[0].Operation)

	got, found, err := f.r.Get("todos", "42")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, true, got.Fields["completed"], "unsent update stays visible")

	rows, err := f.repo.ListQueueEntries()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "42", rows[0].RecordKey)
}

func TestReconcile_createDeletedMeanwhile(t *testing.T) {
	f := newFixture(t, 3)

	rec, err := f.r.ApplyOptimistic("todos", models.OperationCreate, map[string]any{"title": "a"})
	require.NoError(t, err)
	create := f.only(t)
	f.claim(t, create.ID)

	_, err = f.r.ApplyOptimistic("todos", models.OperationDelete, map[string]any{"id": rec.Key})
	require.NoError(t, err)

	out := f.send(t, create, map[string]any{"id": "42", "title": "a"}, nil)
	assert.Nil(t, out.Record)

	_, found, err := f.r.Get("todos", "42")
	require.NoError(t, err)
	assert.False(t, found, "pending delete must not be resurrected")

	entries := f.q.List()
	require.Len(t, entries, 1)
	assert.Equal(t, models.OperationDelete, entries[0].Operation)
	assert.Equal(t, "42", entries[0].RecordKey)
}

func TestReconcile_localWinsWritesConflictLog(t *testing.T) {
	f := newFixture(t, 3)

	_, err := f.r.ApplyOptimistic("todos", models.OperationCreate, map[string]any{"id": "7", "title": "mine", "updated_at": 5})
	require.NoError(t, err)

	out := f.send(t, f.only(t), map[string]any{"id": "7", "title": "theirs", "updated_at": 3}, nil)
	assert.Equal(t, conflict.ResolutionLocalWins, out.Resolution)

	got, _, err := f.r.Get("todos", "7")
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Fields["title"])
	assert.True(t, got.IsSynced())

	logs, err := f.repo.ListConflictLogs("todos")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "7", logs[0].RecordKey)
	assert.Equal(t, "5", logs[0].LocalVersion)
	assert.Equal(t, "3", logs[0].RemoteVersion)
}

func TestReconcile_equalVersionServerWins(t *testing.T) {
	f := newFixture(t, 3)

	_, err := f.r.ApplyOptimistic("todos", models.OperationCreate, map[string]any{"id": "7", "title": "mine", "updated_at": 5})
	require.NoError(t, err)

	out := f.send(t, f.only(t), map[string]any{"id": "7", "title": "server", "updated_at": 5}, nil)
	assert.Equal(t, conflict.ResolutionRemoteWins, out.Resolution)
	assert.Equal(t, "server", out.Record.Fields["title"])
}

func TestReconcile_deleteConfirmed(t *testing.T) {
	f := newFixture(t, 3)
	_, err := f.r.ApplyRemote("todos", map[string]any{"id": "7"})
	require.NoError(t, err)
	_, err = f.r.ApplyOptimistic("todos", models.OperationDelete, map[string]any{"id": "7"})
	require.NoError(t, err)

	out := f.send(t, f.only(t), nil, nil)
	assert.Equal(t, ActionSettled, out.Action)
	assert.Zero(t, f.q.Size())
}

func TestReconcile_validationFailureIsTerminal(t *testing.T) {
	f := newFixture(t, 5)

	rec, err := f.r.ApplyOptimistic("todos", models.OperationCreate, map[string]any{"title": ""})
	require.NoError(t, err)
	f.seen = nil

	callErr := &apperrors.AppError{Code: apperrors.ErrValidation, Message: "title is required", Status: 422}
	out := f.send(t, f.only(t), nil, callErr)
	assert.Equal(t, ActionFailed, out.Action)

	e := f.only(t)
	assert.Equal(t, queue.StatusFailed, e.Status)
	assert.Contains(t, e.LastError, "title is required")

	_, found, err := f.r.Get("todos", rec.Key)
	require.NoError(t, err)
	assert.True(t, found, "optimistic state is not rolled back")

	require.Len(t, f.seen, 1)
	assert.Equal(t, events.KindEntryFailed, f.seen[0].Kind)
	assert.Equal(t, e.ID, f.seen[0].EntryID)
}

func TestReconcile_networkFailureRetriesThenFails(t *testing.T) {
	f := newFixture(t, 2)

	_, err := f.r.ApplyOptimistic("todos", models.OperationCreate, map[string]any{"id": "1"})
	require.NoError(t, err)

	netErr := apperrors.Wrap(apperrors.ErrNetwork, "POST /duo/todos", errors.New("connection refused"))
	out := f.send(t, f.only(t), nil, netErr)
	assert.Equal(t, ActionRetry, out.Action)
	e := f.only(t)
	assert.Equal(t, queue.StatusPending, e.Status)
	assert.Equal(t, epoch.Add(2*time.Second), e.NextAttemptAt)

	out = f.send(t, e, nil, fmt.Errorf("unclassified: %w", errors.New("boom")))
	assert.Equal(t, ActionFailed, out.Action)
	assert.Equal(t, queue.StatusFailed, f.only(t).Status)
	assert.Contains(t, f.kinds(), events.KindEntryFailed)
}

func TestReconcile_cancelledReleases(t *testing.T) {
	f := newFixture(t, 3)

	_, err := f.r.ApplyOptimistic("todos", models.OperationCreate, map[string]any{"id": "1"})
	require.NoError(t, err)

	out := f.send(t, f.only(t), nil, fmt.Errorf("POST: %w", context.Canceled))
	assert.Equal(t, ActionReleased, out.Action)

	e := f.only(t)
	assert.Equal(t, queue.StatusPending, e.Status)
	assert.Zero(t, e.Attempts)
}

func TestApplyRemote_skipsQueuedAndOlder(t *testing.T) {
	f := newFixture(t, 3)

	changed, err := f.r.ApplyRemote("todos", map[string]any{"id": "1", "title": "a", "updated_at": 2})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.r.ApplyRemote("todos", map[string]any{"id": "1", "title": "stale", "updated_at": 1})
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = f.r.ApplyRemote("todos", map[string]any{"id": "1", "title": "a", "updated_at": 2})
	require.NoError(t, err)
	assert.False(t, changed, "identical record is not a change")

	_, err = f.r.ApplyOptimistic("todos", models.OperationUpdate, map[string]any{"id": "1", "title": "local"})
	require.NoError(t, err)
	changed, err = f.r.ApplyRemote("todos", map[string]any{"id": "1", "title": "remote", "updated_at": 9})
	require.NoError(t, err)
	assert.False(t, changed)

	got, _, err := f.r.Get("todos", "1")
	require.NoError(t, err)
	assert.Equal(t, "local", got.Fields["title"])

	_, err = f.r.ApplyRemote("todos", map[string]any{"title": "keyless"})
	assert.True(t, apperrors.IsValidation(err))
}

func TestApplyRemoteDeletion(t *testing.T) {
	f := newFixture(t, 3)
	_, err := f.r.ApplyRemote("todos", map[string]any{"id": "1"})
	require.NoError(t, err)

	removed, err := f.r.ApplyRemoteDeletion("todos", "1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = f.r.ApplyRemoteDeletion("todos", "1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestApplySnapshot(t *testing.T) {
	f := newFixture(t, 3)
	_, err := f.r.ApplyRemote("todos", map[string]any{"id": "gone"})
	require.NoError(t, err)
	_, err = f.r.ApplyOptimistic("todos", models.OperationCreate, map[string]any{"title": "local only"})
	require.NoError(t, err)

	res, err := f.r.ApplySnapshot("todos", []map[string]any{
		{"id": 1, "title": "a"},
		{"id": 2, "title": "b"},
		{"title": "no key"},
	})
	require.NoError(t, err)
	assert.Equal(t, &SnapshotResult{Applied: 2, Removed: 1, Skipped: 1}, res)

	all, err := f.r.List("todos")
	require.NoError(t, err)
	assert.Len(t, all, 3, "two pulled records plus the unsynced local one")

	_, found, err := f.r.Get("todos", "gone")
	require.NoError(t, err)
	assert.False(t, found)
}
