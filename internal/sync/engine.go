package sync

import (
	"context"
	stdsync "sync"

	"github.com/kimhsiao/duosync/internal/clock"
	"github.com/kimhsiao/duosync/internal/config"
	"github.com/kimhsiao/duosync/internal/db"
	apperrors "github.com/kimhsiao/duosync/internal/errors"
	"github.com/kimhsiao/duosync/internal/logging"
	"github.com/kimhsiao/duosync/internal/manifest"
	"github.com/kimhsiao/duosync/internal/models"
	"github.com/kimhsiao/duosync/internal/store"
	"github.com/kimhsiao/duosync/internal/sync/events"
	"github.com/kimhsiao/duosync/internal/sync/queue"
	"github.com/kimhsiao/duosync/internal/sync/reconcile"
	"github.com/kimhsiao/duosync/internal/sync/scheduler"
	"github.com/kimhsiao/duosync/internal/sync/status"
	"github.com/kimhsiao/duosync/internal/transport"
)

// runtime holds the components built by Initialize.
type runtime struct {
	cfg        *config.Config
	database   *db.DB
	repo       *db.Repository
	registry   *manifest.Registry
	queue      *queue.SyncQueue
	reconciler *reconcile.Reconciler
	scheduler  *scheduler.Scheduler
}

// Engine is the single entry point for callers: it composes the durable
// store, queue, reconciler and scheduler.
type Engine struct {
	mu     stdsync.RWMutex
	rt     *runtime
	closed bool

	hub     *events.Hub
	tracker *status.Tracker
	clock   clock.Clock

	remote     transport.Remote
	background bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithRemote replaces the HTTP client built from the configuration.
func WithRemote(r transport.Remote) Option {
	return func(e *Engine) { e.remote = r }
}

// WithClock sets the clock used for queue timing and record metadata.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithBackgroundSync controls whether Initialize starts the flush and
// refresh loops. It defaults to true; one-shot callers turn it off and
// call SyncNow explicitly.
func WithBackgroundSync(enabled bool) Option {
	return func(e *Engine) { e.background = enabled }
}

// NewEngine creates an uninitialized Engine. Subscribe may be called
// before Initialize.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		hub:        events.NewHub(),
		clock:      clock.System{},
		background: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.tracker = status.NewTracker(e.hub, e.clock)
	return e
}

// Initialize validates the manifest and configuration, opens local storage,
// reloads the persisted queue and starts background sync. It is idempotent.
func (e *Engine) Initialize(ctx context.Context, m *manifest.Manifest, cfg *config.Config) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return apperrors.New(apperrors.ErrNotInitialized, "engine is closed")
	}
	if e.rt != nil {
		logging.Debug("Engine already initialized", nil)
		return nil
	}

	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if lvl := cfg.Level(); lvl != logging.Get().Level() {
		logging.SetLevel(lvl)
	}
	registry, err := manifest.NewRegistry(m)
	if err != nil {
		return err
	}

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "open local database", err)
	}
	repo := db.NewRepository(database.DB)
	cleanup := func() {
		repo.Close()
		database.Close()
	}

	st := store.New(repo)
	if err := st.EnsureCollections(registry.Descriptors()); err != nil {
		cleanup()
		return err
	}

	q, err := queue.Open(queue.Options{
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		BackoffBase:      cfg.BackoffBaseDuration(),
		BackoffMax:       cfg.BackoffMaxDuration(),
		Clock:            e.clock,
		Persister:        repo,
	})
	if err != nil {
		cleanup()
		return err
	}

	rec := reconcile.New(reconcile.Options{
		Registry:  registry,
		Store:     st,
		Queue:     q,
		Conflicts: repo,
		Hub:       e.hub,
		Clock:     e.clock,
	})

	remote := e.remote
	if remote == nil {
		remote = transport.NewHTTPClient(cfg.ServerURL, cfg.RequestTimeoutDuration())
	}

	sched := scheduler.New(scheduler.Deps{
		Registry:   registry,
		Queue:      q,
		Reconciler: rec,
		Remote:     remote,
		Tracker:    e.tracker,
		Clock:      e.clock,
	}, &scheduler.Config{
		SyncInterval:    cfg.SyncIntervalDuration(),
		RefreshInterval: cfg.RefreshIntervalDuration(),
		StaleAfter:      cfg.StaleAfterDuration(),
		RequestTimeout:  cfg.RequestTimeoutDuration(),
	})

	e.rt = &runtime{
		cfg:        cfg,
		database:   database,
		repo:       repo,
		registry:   registry,
		queue:      q,
		reconciler: rec,
		scheduler:  sched,
	}

	logging.Info("Sync engine initialized", map[string]interface{}{
		"collections": registry.Names(),
		"data_dir":    cfg.DataDir,
		"pending":     q.Size(),
		"background":  e.background,
	})

	if e.background {
		sched.Start()
	}
	return nil
}

func (e *Engine) runtime() (*runtime, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.rt == nil {
		return nil, apperrors.New(apperrors.ErrNotInitialized, "engine is not initialized")
	}
	return e.rt, nil
}

// Registry returns the collection registry built by Initialize.
func (e *Engine) Registry() (*manifest.Registry, error) {
	rt, err := e.runtime()
	if err != nil {
		return nil, err
	}
	return rt.registry, nil
}

// Read returns every local record of a collection.
func (e *Engine) Read(collection string) ([]*models.Record, error) {
	rt, err := e.runtime()
	if err != nil {
		return nil, err
	}
	return rt.reconciler.List(collection)
}

// Get returns one local record.
func (e *Engine) Get(collection, key string) (*models.Record, bool, error) {
	rt, err := e.runtime()
	if err != nil {
		return nil, false, err
	}
	return rt.reconciler.Get(collection, key)
}

// Mutate applies a change optimistically and queues it for the server.
// The returned record is already visible to Read.
func (e *Engine) Mutate(collection string, op models.Operation, payload map[string]any) (*models.Record, error) {
	rt, err := e.runtime()
	if err != nil {
		return nil, err
	}
	return rt.reconciler.ApplyOptimistic(collection, op, payload)
}

// Subscribe registers fn for every notification. Callbacks run
// synchronously, outside engine locks, in publication order.
func (e *Engine) Subscribe(fn func(events.Event)) func() {
	return e.hub.Subscribe(fn)
}

// SyncNow flushes the queue immediately, probing the server first when
// offline.
func (e *Engine) SyncNow(ctx context.Context) (*scheduler.FlushResult, error) {
	rt, err := e.runtime()
	if err != nil {
		return nil, err
	}
	return rt.scheduler.SyncNow(ctx)
}

// Probe contacts the server and goes online when it answers.
func (e *Engine) Probe(ctx context.Context) bool {
	rt, err := e.runtime()
	if err != nil {
		return false
	}
	return rt.scheduler.Probe(ctx)
}

// Refresh re-reads stale records from the server.
func (e *Engine) Refresh(ctx context.Context) (int, error) {
	rt, err := e.runtime()
	if err != nil {
		return 0, err
	}
	return rt.scheduler.Refresh(ctx)
}

// Pull replaces the local view of a collection with the server's listing,
// keeping records that have queued changes.
func (e *Engine) Pull(ctx context.Context, collection string) (*reconcile.SnapshotResult, error) {
	rt, err := e.runtime()
	if err != nil {
		return nil, err
	}
	return rt.scheduler.Pull(ctx, collection)
}

// SetOnline forwards a platform connectivity signal.
func (e *Engine) SetOnline(online bool) {
	e.mu.RLock()
	rt := e.rt
	e.mu.RUnlock()
	if rt == nil {
		e.tracker.SetOnline(online)
		return
	}
	rt.scheduler.SetOnline(online)
}

// Status returns the current sync status.
func (e *Engine) Status() models.SyncStatus {
	return e.tracker.Status()
}

// Online returns the connectivity flag.
func (e *Engine) Online() bool {
	return e.tracker.Online()
}

// SchedulerStatus returns a snapshot of the background scheduler.
func (e *Engine) SchedulerStatus() (scheduler.SchedulerStatus, error) {
	rt, err := e.runtime()
	if err != nil {
		return scheduler.SchedulerStatus{}, err
	}
	return rt.scheduler.GetStatus(), nil
}

// FailedEntries returns entries that need user action.
func (e *Engine) FailedEntries() []*queue.Entry {
	rt, err := e.runtime()
	if err != nil {
		return nil
	}
	return rt.queue.Failed()
}

// PendingEntries returns every queued entry in replay order.
func (e *Engine) PendingEntries() []*queue.Entry {
	rt, err := e.runtime()
	if err != nil {
		return nil
	}
	return rt.queue.List()
}

// Retry returns a failed entry to the queue with a fresh attempt budget.
func (e *Engine) Retry(id string) error {
	rt, err := e.runtime()
	if err != nil {
		return err
	}
	return rt.queue.Retry(id)
}

// RetryAll returns every failed entry to the queue.
func (e *Engine) RetryAll() (int, error) {
	rt, err := e.runtime()
	if err != nil {
		return 0, err
	}
	return rt.queue.RetryAll()
}

// Discard drops a queued entry. The optimistic local state stays.
func (e *Engine) Discard(id string) (*queue.Entry, error) {
	rt, err := e.runtime()
	if err != nil {
		return nil, err
	}
	entry, err := rt.queue.Discard(id)
	if err != nil {
		return nil, err
	}
	logging.Info("Queue entry discarded", map[string]interface{}{
		"entry_id":   entry.ID,
		"collection": entry.Collection,
		"record_key": entry.RecordKey,
		"operation":  string(entry.Operation),
	})
	return entry, nil
}

// PendingChanges returns the number of queued entries.
func (e *Engine) PendingChanges() int {
	rt, err := e.runtime()
	if err != nil {
		return 0
	}
	return rt.queue.Size()
}

// Conflicts lists recorded conflicts, newest first. An empty collection
// lists all of them.
func (e *Engine) Conflicts(collection string) ([]*models.ConflictLog, error) {
	rt, err := e.runtime()
	if err != nil {
		return nil, err
	}
	if collection != "" {
		if _, err := rt.registry.MustLookup(collection); err != nil {
			return nil, err
		}
	}
	logs, err := rt.repo.ListConflictLogs(collection)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "list conflict log", err)
	}
	return logs, nil
}

// Close stops background sync, waiting for the entry in flight, and
// closes local storage. The queue stays persisted for the next start.
func (e *Engine) Close() error {
	e.mu.Lock()
	rt := e.rt
	e.rt = nil
	e.closed = true
	e.mu.Unlock()

	if rt == nil {
		return nil
	}
	rt.scheduler.Stop()
	if err := rt.repo.Close(); err != nil {
		logging.Warn("Failed to close statements", map[string]interface{}{"error": err.Error()})
	}
	if err := rt.database.Close(); err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "close local database", err)
	}
	logging.Info("Sync engine closed", nil)
	return nil
}
