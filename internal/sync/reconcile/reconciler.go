// Package reconcile applies local mutations optimistically and merges
// server outcomes back into the durable store. It is the only writer of
// the store and the queue.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/kimhsiao/duosync/internal/clock"
	"github.com/kimhsiao/duosync/internal/db"
	apperrors "github.com/kimhsiao/duosync/internal/errors"
	"github.com/kimhsiao/duosync/internal/logging"
	"github.com/kimhsiao/duosync/internal/manifest"
	"github.com/kimhsiao/duosync/internal/models"
	"github.com/kimhsiao/duosync/internal/store"
	"github.com/kimhsiao/duosync/internal/sync/conflict"
	"github.com/kimhsiao/duosync/internal/sync/events"
	"github.com/kimhsiao/duosync/internal/sync/queue"
	"github.com/kimhsiao/duosync/internal/uuid"
)

// Action is what happened to a queue entry after reconciliation.
type Action string

const (
	// ActionSettled means the server confirmed the entry and it was removed.
	ActionSettled Action = "settled"
	// ActionRetry means the entry was rescheduled with backoff.
	ActionRetry Action = "retry"
	// ActionFailed means the entry reached the terminal failed state.
	ActionFailed Action = "failed"
	// ActionReleased means the call was cancelled and the entry untouched.
	ActionReleased Action = "released"
)

// Outcome describes the result of ReconcileServerResponse.
type Outcome struct {
	EntryID string
	Action  Action

	// Record is the stored record after reconciliation, nil when the
	// record is absent locally.
	Record *models.Record

	// OldKey is set when a tentative key was replaced by the server's key.
	OldKey string
	NewKey string

	Resolution conflict.Resolution
	Err        error
}

// Remapped reports whether the record moved to a server-assigned key.
func (o *Outcome) Remapped() bool {
	return o.OldKey != "" && o.OldKey != o.NewKey
}

// Options wires a Reconciler.
type Options struct {
	Registry  *manifest.Registry
	Store     store.Store
	Queue     *queue.SyncQueue
	Conflicts db.ConflictLogRepository
	Hub       *events.Hub
	Clock     clock.Clock
}

// Reconciler serializes every write to the store and queue behind one
// mutex. Events are published after the mutex is released.
type Reconciler struct {
	mu sync.RWMutex

	registry  *manifest.Registry
	store     store.Store
	queue     *queue.SyncQueue
	conflicts db.ConflictLogRepository
	resolver  *conflict.Resolver
	hub       *events.Hub
	clock     clock.Clock
}

// New creates a Reconciler.
func New(opts Options) *Reconciler {
	c := opts.Clock
	if c == nil {
		c = clock.System{}
	}
	hub := opts.Hub
	if hub == nil {
		hub = events.NewHub()
	}
	return &Reconciler{
		registry:  opts.Registry,
		store:     opts.Store,
		queue:     opts.Queue,
		conflicts: opts.Conflicts,
		resolver:  conflict.NewResolver(c),
		hub:       hub,
		clock:     c,
	}
}

func (r *Reconciler) publish(evs []events.Event) {
	for _, ev := range evs {
		r.hub.Publish(ev)
	}
}

func (r *Reconciler) recordChanged(collection, key string, op models.Operation, rec *models.Record) events.Event {
	return events.Event{
		Kind:       events.KindRecordChanged,
		At:         r.clock.Now(),
		Collection: collection,
		RecordKey:  key,
		Operation:  op,
		Record:     rec.Clone(),
	}
}

// Get reads one record from the local store.
func (r *Reconciler) Get(collection, key string) (*models.Record, bool, error) {
	if _, err := r.registry.MustLookup(collection); err != nil {
		return nil, false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.Get(collection, key)
}

// List reads every record of a collection from the local store.
func (r *Reconciler) List(collection string) ([]*models.Record, error) {
	if _, err := r.registry.MustLookup(collection); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.ListAll(collection)
}

// ApplyOptimistic writes the effect of a mutation to the local store and
// enqueues it. Update and Delete identify the record by the collection's
// primary key in payload; a Create without one gets a tentative key.
func (r *Reconciler) ApplyOptimistic(collection string, op models.Operation, payload map[string]any) (*models.Record, error) {
	codec, err := r.registry.MustLookup(collection)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	rec, evs, err := r.applyOptimisticLocked(codec, op, payload)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	r.publish(evs)
	return rec, nil
}

func (r *Reconciler) applyOptimisticLocked(codec *manifest.Codec, op models.Operation, payload map[string]any) (*models.Record, []events.Event, error) {
	desc := codec.Descriptor()
	key, hasKey := codec.KeyOf(payload)

	switch op {
	case models.OperationCreate:
		return r.optimisticCreate(codec, key, hasKey, payload)
	case models.OperationUpdate, models.OperationDelete:
		if !hasKey {
			return nil, nil, apperrors.Newf(apperrors.ErrInvalidMutation,
				"%s on %s requires %q in the payload", op, desc.Name, desc.PrimaryKey)
		}
		if op == models.OperationUpdate {
			return r.optimisticUpdate(codec, key, payload)
		}
		return r.optimisticDelete(codec, key)
	default:
		return nil, nil, apperrors.Newf(apperrors.ErrInvalidMutation, "unknown operation %q", op)
	}
}

func (r *Reconciler) optimisticCreate(codec *manifest.Codec, key string, hasKey bool, payload map[string]any) (*models.Record, []events.Event, error) {
	desc := codec.Descriptor()

	wire := withoutKey(payload, desc.PrimaryKey)
	if hasKey {
		wire[desc.PrimaryKey] = payload[desc.PrimaryKey]
	} else {
		key = uuid.NewTentativeKey()
	}

	_, found, err := r.store.Get(desc.Name, key)
	if err != nil {
		return nil, nil, err
	}
	if found {
		return nil, nil, apperrors.Newf(apperrors.ErrInvalidMutation, "%s/%s already exists", desc.Name, key)
	}

	base := payload
	if !hasKey {
		base = wire
	}
	rec := &models.Record{Key: key, Version: base[desc.VersionField]}
	rec.Fields = codec.Encode(&models.Record{Key: key, Fields: base, Version: rec.Version})

	if err := r.store.Put(desc.Name, rec); err != nil {
		return nil, nil, err
	}
	if _, err := r.queue.Enqueue(queue.Mutation{
		Collection: desc.Name,
		RecordKey:  key,
		Operation:  models.OperationCreate,
		Payload:    wire,
	}); err != nil {
		r.restore(desc.Name, key, nil)
		return nil, nil, err
	}

	return rec.Clone(), []events.Event{r.recordChanged(desc.Name, key, models.OperationCreate, rec)}, nil
}

func (r *Reconciler) optimisticUpdate(codec *manifest.Codec, key string, payload map[string]any) (*models.Record, []events.Event, error) {
	desc := codec.Descriptor()

	local, found, err := r.store.Get(desc.Name, key)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, apperrors.Newf(apperrors.ErrInvalidMutation, "%s/%s does not exist locally", desc.Name, key)
	}

	patch := withoutKey(payload, desc.PrimaryKey)
	rec := local.Clone()
	rec.Fields = models.MergeFields(local.Fields, patch)
	if v, ok := patch[desc.VersionField]; ok {
		rec.Version = v
	}

	if err := r.store.Put(desc.Name, rec); err != nil {
		return nil, nil, err
	}
	if _, err := r.queue.Enqueue(queue.Mutation{
		Collection: desc.Name,
		RecordKey:  key,
		Operation:  models.OperationUpdate,
		Payload:    patch,
	}); err != nil {
		r.restore(desc.Name, key, local)
		return nil, nil, err
	}

	return rec.Clone(), []events.Event{r.recordChanged(desc.Name, key, models.OperationUpdate, rec)}, nil
}

func (r *Reconciler) optimisticDelete(codec *manifest.Codec, key string) (*models.Record, []events.Event, error) {
	desc := codec.Descriptor()

	local, found, err := r.store.Get(desc.Name, key)
	if err != nil {
		return nil, nil, err
	}

	// A tentative key with nothing queued never reached the server.
	if uuid.IsTentative(key) && !r.queue.HasEntries(desc.Name, key) {
		if found {
			if err := r.store.Delete(desc.Name, key); err != nil {
				return nil, nil, err
			}
		}
		return tombstone(local, key), []events.Event{r.recordChanged(desc.Name, key, models.OperationDelete, nil)}, nil
	}

	if err := r.store.Delete(desc.Name, key); err != nil {
		return nil, nil, err
	}
	if _, err := r.queue.Enqueue(queue.Mutation{
		Collection: desc.Name,
		RecordKey:  key,
		Operation:  models.OperationDelete,
	}); err != nil {
		if found {
			r.restore(desc.Name, key, local)
		}
		return nil, nil, err
	}

	return tombstone(local, key), []events.Event{r.recordChanged(desc.Name, key, models.OperationDelete, nil)}, nil
}

// restore puts back the state that preceded a rejected mutation.
func (r *Reconciler) restore(collection, key string, prev *models.Record) {
	var err error
	if prev == nil {
		err = r.store.Delete(collection, key)
	} else {
		err = r.store.Put(collection, prev)
	}
	if err != nil {
		logging.Error("failed to restore record after rejected mutation", err, map[string]interface{}{
			"collection": collection,
			"record_key": key,
		})
	}
}

func tombstone(local *models.Record, key string) *models.Record {
	if local != nil {
		return local.Clone()
	}
	return &models.Record{Key: key, Fields: map[string]any{}}
}

func withoutKey(payload map[string]any, pk string) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if k != pk {
			out[k] = v
		}
	}
	return out
}

// ReconcileServerResponse merges the outcome of an entry's server call.
// serverRecord is the record returned by the server, or nil for a
// deletion or an empty response; callErr is the call's error.
func (r *Reconciler) ReconcileServerResponse(entry *queue.Entry, serverRecord map[string]any, callErr error) (*Outcome, error) {
	codec, err := r.registry.MustLookup(entry.Collection)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	var out *Outcome
	var evs []events.Event
	if callErr != nil {
		out, evs, err = r.failLocked(entry, callErr)
	} else {
		out, evs, err = r.settleLocked(codec, entry, serverRecord)
	}
	r.mu.Unlock()

	r.publish(evs)
	return out, err
}

func (r *Reconciler) failLocked(entry *queue.Entry, callErr error) (*Outcome, []events.Event, error) {
	out := &Outcome{EntryID: entry.ID, Err: callErr}

	if errors.Is(callErr, context.Canceled) {
		if err := r.queue.Release(entry.ID); err != nil {
			return nil, nil, err
		}
		out.Action = ActionReleased
		return out, nil, nil
	}

	var failed *queue.Entry
	if apperrors.IsValidation(callErr) {
		e, err := r.queue.Terminate(entry.ID, callErr)
		if err != nil {
			return nil, nil, err
		}
		failed = e
	} else {
		// Anything unclassified is treated as a connectivity problem.
		e, terminal, err := r.queue.MarkFailed(entry.ID, callErr, r.clock.Now())
		if err != nil {
			return nil, nil, err
		}
		if !terminal {
			out.Action = ActionRetry
			return out, nil, nil
		}
		failed = e
	}

	out.Action = ActionFailed
	logging.ErrorWithCode("sync entry failed", string(apperrors.CodeOf(callErr)), callErr, map[string]interface{}{
		"entry_id":   failed.ID,
		"collection": failed.Collection,
		"record_key": failed.RecordKey,
		"operation":  string(failed.Operation),
		"attempts":   failed.Attempts,
	})
	return out, []events.Event{{
		Kind:       events.KindEntryFailed,
		At:         r.clock.Now(),
		Collection: failed.Collection,
		RecordKey:  failed.RecordKey,
		Operation:  failed.Operation,
		EntryID:    failed.ID,
		Err:        callErr,
	}}, nil
}

func (r *Reconciler) settleLocked(codec *manifest.Codec, entry *queue.Entry, serverRecord map[string]any) (*Outcome, []events.Event, error) {
	desc := codec.Descriptor()
	out := &Outcome{EntryID: entry.ID, Action: ActionSettled}

	if entry.Operation == models.OperationDelete {
		if err := r.store.Delete(desc.Name, entry.RecordKey); err != nil {
			return nil, nil, err
		}
		if err := r.queue.MarkSucceeded(entry.ID); err != nil {
			return nil, nil, err
		}
		return out, []events.Event{r.recordChanged(desc.Name, entry.RecordKey, models.OperationDelete, nil)}, nil
	}

	now := r.clock.Now()
	oldKey := entry.RecordKey

	local, found, err := r.store.Get(desc.Name, oldKey)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		local = nil
	}

	var later []*queue.Entry
	pendingDelete := false
	for _, e := range r.queue.EntriesFor(desc.Name, oldKey) {
		if e.ID == entry.ID {
			continue
		}
		later = append(later, e)
		if e.Operation == models.OperationDelete {
			pendingDelete = true
		}
	}

	var remote *models.Record
	if serverRecord != nil {
		fields := models.MergeFields(serverRecord, nil)
		if _, ok := codec.KeyOf(fields); !ok {
			fields[desc.PrimaryKey] = oldKey
		}
		remote, err = codec.Decode(fields)
		if err != nil {
			return nil, nil, apperrors.Wrap(apperrors.ErrInternal, "decode server record", err)
		}
	} else if local != nil {
		// Empty response: the server accepted the local state as is.
		remote = local.Clone()
	}

	newKey := oldKey
	if remote != nil && entry.Operation == models.OperationCreate {
		newKey = remote.Key
	}
	remapped := newKey != oldKey
	if remapped {
		out.OldKey, out.NewKey = oldKey, newKey
	}

	var evs []events.Event
	var stored *models.Record

	switch {
	case pendingDelete || remote == nil:
		// Deleted locally after this call was sent; do not resurrect.
		if remapped && found {
			if err := r.store.Delete(desc.Name, oldKey); err != nil {
				return nil, nil, err
			}
		}

	default:
		res, err := r.resolver.Resolve(desc.Name, local, remote)
		if err != nil {
			return nil, nil, err
		}
		out.Resolution = res.Resolution

		stored = res.Winner.Clone()
		stored.Key = newKey
		stored.Fields[desc.PrimaryKey] = remote.Fields[desc.PrimaryKey]
		stored.SyncedAt = now
		if res.RemoteWins() {
			// Keep later unsent changes visible until they are sent.
			for _, e := range later {
				stored.Fields = models.MergeFields(stored.Fields, e.Payload)
			}
		}
		if res.ConflictLog != nil && r.conflicts != nil {
			if err := r.conflicts.CreateConflictLog(res.ConflictLog); err != nil {
				logging.Error("failed to write conflict log", err, map[string]interface{}{
					"collection": desc.Name,
					"record_key": newKey,
				})
			}
		}

		if remapped {
			err = r.store.Remap(desc.Name, oldKey, stored)
		} else {
			err = r.store.Put(desc.Name, stored)
		}
		if err != nil {
			return nil, nil, err
		}
	}

	if remapped {
		if _, err := r.queue.RemapKey(desc.Name, oldKey, newKey); err != nil {
			return nil, nil, err
		}
		logging.Info("record key remapped", map[string]interface{}{
			"collection": desc.Name,
			"old_key":    oldKey,
			"new_key":    newKey,
		})
		evs = append(evs, events.Event{
			Kind:       events.KindKeyRemapped,
			At:         now,
			Collection: desc.Name,
			RecordKey:  newKey,
			OldKey:     oldKey,
			Operation:  entry.Operation,
			Record:     stored.Clone(),
		})
	}

	if err := r.queue.MarkSucceeded(entry.ID); err != nil {
		return nil, nil, err
	}

	out.Record = stored.Clone()
	if stored != nil {
		evs = append(evs, r.recordChanged(desc.Name, newKey, entry.Operation, stored))
	}
	return out, evs, nil
}

// ApplyRemote stores a record fetched from the server by a refresh or
// pull. Records with queued changes are skipped, as are server versions
// older than the local one. It reports whether the store changed.
func (r *Reconciler) ApplyRemote(collection string, fields map[string]any) (bool, error) {
	codec, err := r.registry.MustLookup(collection)
	if err != nil {
		return false, err
	}
	remote, err := codec.Decode(fields)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("decode %s record", collection), err)
	}

	r.mu.Lock()
	ev, changed, err := r.applyRemoteLocked(collection, remote)
	r.mu.Unlock()
	if err != nil || !changed {
		return false, err
	}
	r.publish([]events.Event{ev})
	return true, nil
}

func (r *Reconciler) applyRemoteLocked(collection string, remote *models.Record) (events.Event, bool, error) {
	if r.queue.HasEntries(collection, remote.Key) {
		return events.Event{}, false, nil
	}
	local, found, err := r.store.Get(collection, remote.Key)
	if err != nil {
		return events.Event{}, false, err
	}
	if found && models.CompareVersions(remote.Version, local.Version) < 0 {
		return events.Event{}, false, nil
	}

	remote.SyncedAt = r.clock.Now()
	if err := r.store.Put(collection, remote); err != nil {
		return events.Event{}, false, err
	}
	if found && sameFields(local.Fields, remote.Fields) {
		return events.Event{}, false, nil
	}
	op := models.OperationUpdate
	if !found {
		op = models.OperationCreate
	}
	return r.recordChanged(collection, remote.Key, op, remote), true, nil
}

// sameFields compares field maps by their JSON encoding, so an int and
// the float64 it decodes to are equal.
func sameFields(a, b map[string]any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// ApplyRemoteDeletion removes a record the server no longer has, unless
// it has queued changes. It reports whether the store changed.
func (r *Reconciler) ApplyRemoteDeletion(collection, key string) (bool, error) {
	if _, err := r.registry.MustLookup(collection); err != nil {
		return false, err
	}

	r.mu.Lock()
	changed, err := r.applyRemoteDeletionLocked(collection, key)
	r.mu.Unlock()
	if err != nil || !changed {
		return false, err
	}
	r.publish([]events.Event{r.recordChanged(collection, key, models.OperationDelete, nil)})
	return true, nil
}

func (r *Reconciler) applyRemoteDeletionLocked(collection, key string) (bool, error) {
	if r.queue.HasEntries(collection, key) {
		return false, nil
	}
	_, found, err := r.store.Get(collection, key)
	if err != nil || !found {
		return false, err
	}
	if err := r.store.Delete(collection, key); err != nil {
		return false, err
	}
	return true, nil
}

// SnapshotResult counts the effect of ApplySnapshot.
type SnapshotResult struct {
	Applied int
	Removed int
	Skipped int
}

// ApplySnapshot merges a full server listing of a collection. Synced local
// records missing from the listing are removed; records with queued
// changes are left alone.
func (r *Reconciler) ApplySnapshot(collection string, items []map[string]any) (*SnapshotResult, error) {
	codec, err := r.registry.MustLookup(collection)
	if err != nil {
		return nil, err
	}

	res := &SnapshotResult{}
	seen := make(map[string]bool, len(items))
	var evs []events.Event

	r.mu.Lock()
	for _, fields := range items {
		remote, err := codec.Decode(fields)
		if err != nil {
			res.Skipped++
			logging.Warn("skipping server record", map[string]interface{}{
				"collection": collection,
				"error":      err.Error(),
			})
			continue
		}
		seen[remote.Key] = true
		ev, changed, err := r.applyRemoteLocked(collection, remote)
		if err != nil {
			r.mu.Unlock()
			r.publish(evs)
			return res, err
		}
		if changed {
			res.Applied++
			evs = append(evs, ev)
		}
	}

	locals, err := r.store.ListAll(collection)
	if err != nil {
		r.mu.Unlock()
		r.publish(evs)
		return res, err
	}
	for _, local := range locals {
		if seen[local.Key] || !local.IsSynced() {
			continue
		}
		removed, err := r.applyRemoteDeletionLocked(collection, local.Key)
		if err != nil {
			r.mu.Unlock()
			r.publish(evs)
			return res, err
		}
		if removed {
			res.Removed++
			evs = append(evs, r.recordChanged(collection, local.Key, models.OperationDelete, nil))
		}
	}
	r.mu.Unlock()

	r.publish(evs)
	return res, nil
}
