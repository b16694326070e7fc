// Package scheduler drives background sync: a flush loop that replays the
// queue against the server and a refresh loop that re-reads stale records.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/duosync/internal/clock"
	apperrors "github.com/kimhsiao/duosync/internal/errors"
	"github.com/kimhsiao/duosync/internal/logging"
	"github.com/kimhsiao/duosync/internal/manifest"
	"github.com/kimhsiao/duosync/internal/models"
	"github.com/kimhsiao/duosync/internal/sync/queue"
	"github.com/kimhsiao/duosync/internal/sync/reconcile"
	"github.com/kimhsiao/duosync/internal/sync/status"
	"github.com/kimhsiao/duosync/internal/transport"
)

// ErrOffline is returned by Flush when the engine is offline.
var ErrOffline = apperrors.New(apperrors.ErrNetwork, "engine is offline")

// Config holds scheduler configuration. A zero interval disables the
// corresponding loop; a zero RequestTimeout bounds calls only by context.
type Config struct {
	SyncInterval    time.Duration
	RefreshInterval time.Duration
	StaleAfter      time.Duration
	RequestTimeout  time.Duration
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:    5 * time.Second,
		RefreshInterval: time.Minute,
		StaleAfter:      5 * time.Minute,
		RequestTimeout:  30 * time.Second,
	}
}

// Deps are the collaborators a Scheduler drives.
type Deps struct {
	Registry   *manifest.Registry
	Queue      *queue.SyncQueue
	Reconciler *reconcile.Reconciler
	Remote     transport.Remote
	Tracker    *status.Tracker
	Clock      clock.Clock
}

// FlushResult summarizes one flush cycle.
type FlushResult struct {
	Sent    int
	Settled int
	Retried int
	Failed  int
	Skipped int

	// Interrupted is set when the cycle stopped early on a network error,
	// a cancellation or Stop.
	Interrupted bool
}

// Scheduler manages background sync operations.
type Scheduler struct {
	deps   Deps
	config Config
	clock  clock.Clock

	flights singleflight.Group

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu                sync.RWMutex
	isRunning         bool
	flushInProgress   bool
	refreshInProgress bool
	lastFlushTime     time.Time
	lastRefreshTime   time.Time
}

// New creates a Scheduler.
func New(deps Deps, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	c := deps.Clock
	if c == nil {
		c = clock.System{}
	}
	return &Scheduler{deps: deps, config: *config, clock: c}
}

// Start launches the flush and refresh loops and probes the server once.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	if s.config.SyncInterval > 0 {
		s.wg.Add(1)
		go s.flushLoop(stopCh)
	}
	if s.config.RefreshInterval > 0 {
		s.wg.Add(1)
		go s.refreshLoop(stopCh)
	}
	s.spawn(stopCh, s.tick)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval_ms":    s.config.SyncInterval.Milliseconds(),
		"refresh_interval_ms": s.config.RefreshInterval.Milliseconds(),
	})
}

// Stop stops both loops and waits for the entry being sent, if any, to be
// reconciled. The queue stays persisted for the next start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logging.Info("Background sync scheduler stopped", nil)
}

// spawn runs fn in a tracked goroutine unless the scheduler is stopping.
func (s *Scheduler) spawn(stopCh <-chan struct{}, fn func(stopCh <-chan struct{})) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(stopCh)
	}()
}

func (s *Scheduler) flushLoop(stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.tick(stopCh)
		}
	}
}

// tick flushes when online and probes the server when offline.
func (s *Scheduler) tick(stopCh <-chan struct{}) {
	ctx, cancel := stopContext(stopCh)
	online := s.deps.Tracker.Online() || s.Probe(ctx)
	cancel()
	if !online {
		return
	}
	if _, err := s.flush(context.Background(), stopCh); err != nil && !errors.Is(err, ErrOffline) {
		logging.ErrorWithCode("Periodic flush failed", string(apperrors.CodeOf(err)), err, nil)
	}
}

func (s *Scheduler) refreshLoop(stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			ctx, cancel := stopContext(stopCh)
			if _, err := s.refresh(ctx, stopCh); err != nil {
				logging.Warn("Timestamp refresh failed", map[string]interface{}{"error": err.Error()})
			}
			cancel()
		}
	}
}

// stopContext is cancelled by Stop. It bounds probes and refreshes only;
// flush calls are detached from it so an entry is never cut off mid-call.
func stopContext(stopCh <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// SetOnline applies a platform connectivity signal. Coming online triggers
// a flush when the scheduler is running.
func (s *Scheduler) SetOnline(online bool) {
	changed := s.deps.Tracker.SetOnline(online)
	if !online || !changed {
		return
	}
	s.mu.RLock()
	stopCh := s.stopCh
	running := s.isRunning
	s.mu.RUnlock()
	if running {
		s.spawn(stopCh, s.tick)
	}
}

// Probe pings the server and goes online when it answers.
func (s *Scheduler) Probe(ctx context.Context) bool {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	if err := s.deps.Remote.Ping(ctx); err != nil {
		logging.Debug("Server probe failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	s.deps.Tracker.SetOnline(true)
	return true
}

func (s *Scheduler) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.RequestTimeout > 0 {
		return context.WithTimeout(ctx, s.config.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

// SyncNow probes the server when offline, then flushes. Unlike the
// background loop it reports the outcome to the caller.
func (s *Scheduler) SyncNow(ctx context.Context) (*FlushResult, error) {
	if !s.deps.Tracker.Online() && !s.Probe(ctx) {
		return &FlushResult{}, ErrOffline
	}
	return s.Flush(ctx)
}

// Flush sends every ready entry once, in queue order. Concurrent calls
// share a single cycle. Cancelling ctx aborts the call in progress and
// leaves that entry untouched for the next cycle. The background loops
// flush with a context Stop does not cancel, checking for Stop only
// between entries.
func (s *Scheduler) Flush(ctx context.Context) (*FlushResult, error) {
	return s.flush(ctx, nil)
}

func (s *Scheduler) flush(ctx context.Context, stopCh <-chan struct{}) (*FlushResult, error) {
	v, err, _ := s.flights.Do("flush", func() (interface{}, error) {
		return s.runFlush(ctx, stopCh)
	})
	if v == nil {
		return nil, err
	}
	res := *v.(*FlushResult)
	return &res, err
}

func (s *Scheduler) runFlush(ctx context.Context, stopCh <-chan struct{}) (*FlushResult, error) {
	res := &FlushResult{}
	tracker := s.deps.Tracker
	if !tracker.Online() {
		return res, ErrOffline
	}

	ready := s.deps.Queue.PeekReady(s.clock.Now())
	if len(ready) == 0 {
		if tracker.Status() == models.SyncStatusOnline {
			tracker.Set(models.SyncStatusIdle)
		}
		return res, nil
	}

	s.mu.Lock()
	s.flushInProgress = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.flushInProgress = false
		s.lastFlushTime = s.clock.Now()
		s.mu.Unlock()
	}()

	tracker.Set(models.SyncStatusSyncing)
	logging.Info("Flushing sync queue", map[string]interface{}{"ready": len(ready)})

	// Records whose earlier entry failed this cycle.
	skip := make(map[[2]string]bool)
	terminal := false
	offline := false

	for _, e := range ready {
		if stopped(stopCh) || ctx.Err() != nil {
			res.Interrupted = true
			break
		}
		k := [2]string{e.Collection, e.RecordKey}
		if skip[k] {
			res.Skipped++
			continue
		}

		entry, err := s.deps.Queue.Claim(e.ID)
		if err != nil {
			// Removed or coalesced away since the peek.
			res.Skipped++
			continue
		}

		res.Sent++
		server, callErr := s.send(ctx, entry)
		out, err := s.deps.Reconciler.ReconcileServerResponse(entry, server, callErr)
		if err != nil {
			logging.ErrorWithCode("Failed to reconcile server response", string(apperrors.CodeOf(err)), err, map[string]interface{}{
				"entry_id": entry.ID,
			})
			if relErr := s.deps.Queue.Release(entry.ID); relErr != nil {
				logging.Error("Failed to release entry", relErr, map[string]interface{}{"entry_id": entry.ID})
			}
			tracker.Set(models.SyncStatusError)
			return res, err
		}

		switch out.Action {
		case reconcile.ActionSettled:
			res.Settled++
			tracker.SetOnline(true)
			continue
		case reconcile.ActionReleased:
			res.Interrupted = true
		case reconcile.ActionRetry:
			res.Retried++
			skip[k] = true
		case reconcile.ActionFailed:
			res.Failed++
			skip[k] = true
			terminal = true
		}
		if out.Action == reconcile.ActionReleased {
			break
		}
		if !apperrors.IsValidation(out.Err) {
			offline = true
			res.Interrupted = true
			break
		}
	}

	switch {
	case offline && terminal:
		tracker.Set(models.SyncStatusError)
		tracker.SetOnline(false)
	case offline:
		tracker.SetOnline(false)
	case terminal:
		tracker.Set(models.SyncStatusError)
	default:
		tracker.Set(models.SyncStatusIdle)
	}

	logging.Info("Flush completed", map[string]interface{}{
		"sent":        res.Sent,
		"settled":     res.Settled,
		"retried":     res.Retried,
		"failed":      res.Failed,
		"skipped":     res.Skipped,
		"interrupted": res.Interrupted,
	})
	return res, nil
}

func stopped(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// send issues the server call for one entry, bounded by the request
// timeout.
func (s *Scheduler) send(ctx context.Context, e *queue.Entry) (map[string]any, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	logging.Debug("Sending entry", map[string]interface{}{
		"entry_id":   e.ID,
		"collection": e.Collection,
		"record_key": e.RecordKey,
		"operation":  string(e.Operation),
		"attempt":    e.Attempts + 1,
	})

	switch e.Operation {
	case models.OperationCreate:
		return s.deps.Remote.Create(ctx, e.Collection, e.Payload)
	case models.OperationUpdate:
		return s.deps.Remote.Update(ctx, e.Collection, e.RecordKey, e.Payload)
	default:
		return nil, s.deps.Remote.Delete(ctx, e.Collection, e.RecordKey)
	}
}

// Refresh re-reads synced records older than StaleAfter. Failures are
// returned and logged but never change queue or connectivity state.
func (s *Scheduler) Refresh(ctx context.Context) (int, error) {
	return s.refresh(ctx, nil)
}

func (s *Scheduler) refresh(ctx context.Context, stopCh <-chan struct{}) (int, error) {
	if !s.deps.Tracker.Online() {
		return 0, nil
	}

	s.mu.Lock()
	if s.refreshInProgress {
		s.mu.Unlock()
		return 0, nil
	}
	s.refreshInProgress = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.refreshInProgress = false
		s.lastRefreshTime = s.clock.Now()
		s.mu.Unlock()
	}()

	now := s.clock.Now()
	refreshed := 0
	for _, collection := range s.deps.Registry.Names() {
		records, err := s.deps.Reconciler.List(collection)
		if err != nil {
			return refreshed, err
		}
		for _, rec := range records {
			if stopped(stopCh) || ctx.Err() != nil {
				return refreshed, ctx.Err()
			}
			if !rec.IsSynced() || now.Sub(rec.SyncedAt) < s.config.StaleAfter {
				continue
			}
			if s.deps.Queue.HasEntries(collection, rec.Key) {
				continue
			}
			if err := s.refreshOne(ctx, collection, rec.Key); err != nil {
				return refreshed, err
			}
			refreshed++
		}
	}

	if refreshed > 0 {
		logging.Debug("Refreshed stale records", map[string]interface{}{"count": refreshed})
	}
	return refreshed, nil
}

func (s *Scheduler) refreshOne(ctx context.Context, collection, key string) error {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	fields, found, err := s.deps.Remote.Get(ctx, collection, key)
	if err != nil {
		return err
	}
	if !found {
		_, err = s.deps.Reconciler.ApplyRemoteDeletion(collection, key)
		return err
	}
	_, err = s.deps.Reconciler.ApplyRemote(collection, fields)
	return err
}

// Pull lists a collection on the server and merges the listing into the
// local store. Like Refresh it leaves connectivity alone.
func (s *Scheduler) Pull(ctx context.Context, collection string) (*reconcile.SnapshotResult, error) {
	if _, err := s.deps.Registry.MustLookup(collection); err != nil {
		return nil, err
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	items, err := s.deps.Remote.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	res, err := s.deps.Reconciler.ApplySnapshot(collection, items)
	if err != nil {
		return res, err
	}
	logging.Info("Pulled collection", map[string]interface{}{
		"collection": collection,
		"received":   len(items),
		"applied":    res.Applied,
		"removed":    res.Removed,
		"skipped":    res.Skipped,
	})
	return res, nil
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning         bool
	IsOnline          bool
	Status            models.SyncStatus
	LastFlushTime     *time.Time
	LastRefreshTime   *time.Time
	FlushInProgress   bool
	RefreshInProgress bool
	QueueStats        map[string]int
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := SchedulerStatus{
		IsRunning:         s.isRunning,
		IsOnline:          s.deps.Tracker.Online(),
		Status:            s.deps.Tracker.Status(),
		FlushInProgress:   s.flushInProgress,
		RefreshInProgress: s.refreshInProgress,
		QueueStats:        s.deps.Queue.GetStats(),
	}
	if !s.lastFlushTime.IsZero() {
		t := s.lastFlushTime
		st.LastFlushTime = &t
	}
	if !s.lastRefreshTime.IsZero() {
		t := s.lastRefreshTime
		st.LastRefreshTime = &t
	}
	return st
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
