// Package queue provides the durable sync queue of pending local mutations,
// with per-record coalescing and exponential backoff.
package queue

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/duosync/internal/clock"
	apperrors "github.com/kimhsiao/duosync/internal/errors"
	"github.com/kimhsiao/duosync/internal/logging"
	"github.com/kimhsiao/duosync/internal/models"
	"github.com/kimhsiao/duosync/internal/uuid"
)

// Status represents the status of a queued mutation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusFailed   Status = "failed"
)

// Entry is one pending mutation of one record.
type Entry struct {
	ID            string
	Collection    string
	RecordKey     string
	Operation     models.Operation
	Payload       map[string]any
	Attempts      int
	NextAttemptAt time.Time
	Status        Status
	LastError     string
	Seq           int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep copy of the entry's payload and fields.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Payload != nil {
		c.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			c.Payload[k] = v
		}
	}
	return &c
}

func (e *Entry) sameRecord(collection, key string) bool {
	return e.Collection == collection && e.RecordKey == key
}

// Mutation is a local write to be enqueued.
type Mutation struct {
	Collection string
	RecordKey  string
	Operation  models.Operation
	Payload    map[string]any
}

// Persister stores queue entries durably. *db.Repository implements it.
type Persister interface {
	SaveQueueEntry(entry *models.SyncQueue) error
	DeleteQueueEntry(id string) error
	ListQueueEntries() ([]*models.SyncQueue, error)
}

// Options configures a SyncQueue.
type Options struct {
	MaxRetryAttempts int
	BackoffBase      time.Duration
	BackoffMax       time.Duration

	// MaxSize bounds the number of entries; zero means unbounded.
	MaxSize int

	Clock     clock.Clock
	Persister Persister
}

// SyncQueue manages pending mutations with coalescing and retry logic.
type SyncQueue struct {
	mu    sync.RWMutex
	items map[string]*Entry
	seq   int64

	opts  Options
	clock clock.Clock
}

// New creates an empty SyncQueue.
func New(opts Options) *SyncQueue {
	c := opts.Clock
	if c == nil {
		c = clock.System{}
	}
	return &SyncQueue{
		items: make(map[string]*Entry),
		opts:  opts,
		clock: c,
	}
}

// Open creates a SyncQueue and reloads the persisted entries. Entries left
// in flight by a previous process are returned to pending, since their
// outcome was never confirmed.
func Open(opts Options) (*SyncQueue, error) {
	q := New(opts)
	if opts.Persister == nil {
		return q, nil
	}

	rows, err := opts.Persister.ListQueueEntries()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "load sync queue", err)
	}
	reset := 0
	for _, row := range rows {
		e, err := FromModel(row)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, fmt.Sprintf("decode queue entry %s", row.ID), err)
		}
		if e.Status == StatusInFlight {
			e.Status = StatusPending
			if err := opts.Persister.SaveQueueEntry(e.ToModel()); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "reset in-flight entry", err)
			}
			reset++
		}
		q.items[e.ID] = e
		if e.Seq > q.seq {
			q.seq = e.Seq
		}
	}

	logging.Info("sync queue loaded", map[string]interface{}{
		"entries":        len(q.items),
		"reset_inflight": reset,
	})
	return q, nil
}

func (q *SyncQueue) now() time.Time {
	return q.clock.Now().Truncate(time.Millisecond)
}

func (q *SyncQueue) save(e *Entry) error {
	if q.opts.Persister == nil {
		return nil
	}
	if err := q.opts.Persister.SaveQueueEntry(e.ToModel()); err != nil {
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, "persist queue entry", err)
	}
	return nil
}

func (q *SyncQueue) remove(id string) error {
	if q.opts.Persister != nil {
		if err := q.opts.Persister.DeleteQueueEntry(id); err != nil {
			return apperrors.Wrap(apperrors.ErrStorageUnavailable, "delete queue entry", err)
		}
	}
	delete(q.items, id)
	return nil
}

// ordered returns all entries sorted by creation time, then sequence.
// Callers must hold q.mu.
func (q *SyncQueue) ordered() []*Entry {
	out := make([]*Entry, 0, len(q.items))
	for _, e := range q.items {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// recordEntries returns the entries of one record in queue order.
// Callers must hold q.mu.
func (q *SyncQueue) recordEntries(collection, key string) []*Entry {
	var out []*Entry
	for _, e := range q.ordered() {
		if e.sameRecord(collection, key) {
			out = append(out, e)
		}
	}
	return out
}

// Enqueue adds a mutation, coalescing it into the record's pending entry
// when one exists. It returns the resulting entry, or nil when a pending
// Create was cancelled by a Delete.
func (q *SyncQueue) Enqueue(m Mutation) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var pending *Entry
	var deleting, failed bool
	existing := q.recordEntries(m.Collection, m.RecordKey)
	for _, e := range existing {
		switch e.Status {
		case StatusPending:
			pending = e
		case StatusFailed:
			failed = true
		}
		if e.Operation == models.OperationDelete {
			deleting = true
		}
	}

	switch m.Operation {
	case models.OperationCreate:
		if len(existing) > 0 {
			return nil, apperrors.Newf(apperrors.ErrInvalidMutation,
				"%s/%s already has queued changes", m.Collection, m.RecordKey)
		}
	case models.OperationUpdate:
		if deleting {
			return nil, apperrors.Newf(apperrors.ErrInvalidMutation,
				"%s/%s is pending deletion", m.Collection, m.RecordKey)
		}
	case models.OperationDelete:
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalidMutation, "unknown operation %q", m.Operation)
	}

	if failed && m.Operation == models.OperationDelete {
		return q.supersede(existing)
	}
	if pending != nil {
		return q.coalesce(pending, m)
	}

	if q.opts.MaxSize > 0 && len(q.items) >= q.opts.MaxSize {
		return nil, apperrors.Newf(apperrors.ErrInvalidMutation, "queue is full (max size: %d)", q.opts.MaxSize)
	}

	now := q.now()
	q.seq++
	e := &Entry{
		ID:            uuid.New(),
		Collection:    m.Collection,
		RecordKey:     m.RecordKey,
		Operation:     m.Operation,
		Payload:       copyPayload(m.Operation, m.Payload),
		NextAttemptAt: now,
		Status:        StatusPending,
		Seq:           q.seq,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := q.save(e); err != nil {
		q.seq--
		return nil, err
	}
	q.items[e.ID] = e

	logging.Debug("sync queue: enqueued", map[string]interface{}{
		"entry_id":   e.ID,
		"collection": e.Collection,
		"record_key": e.RecordKey,
		"operation":  string(e.Operation),
	})
	return e.Clone(), nil
}

// coalesce merges m into the record's pending entry. Callers must hold q.mu.
func (q *SyncQueue) coalesce(pending *Entry, m Mutation) (*Entry, error) {
	updated := pending.Clone()
	updated.UpdatedAt = q.now()

	switch {
	case pending.Operation == models.OperationDelete && m.Operation == models.OperationDelete:
		return pending.Clone(), nil

	case pending.Operation == models.OperationCreate && m.Operation == models.OperationDelete:
		// The server never saw the record.
		if err := q.remove(pending.ID); err != nil {
			return nil, err
		}
		logging.Debug("sync queue: create cancelled by delete", map[string]interface{}{
			"entry_id":   pending.ID,
			"record_key": pending.RecordKey,
		})
		return nil, nil

	case m.Operation == models.OperationDelete:
		updated.Operation = models.OperationDelete
		updated.Payload = nil

	case m.Operation == models.OperationUpdate:
		updated.Payload = models.MergeFields(pending.Payload, m.Payload)

	default:
		return nil, apperrors.Newf(apperrors.ErrInvalidMutation,
			"cannot apply %s to %s/%s with a pending %s", m.Operation, m.Collection, m.RecordKey, pending.Operation)
	}

	if err := q.save(updated); err != nil {
		return nil, err
	}
	q.items[updated.ID] = updated

	logging.Debug("sync queue: coalesced", map[string]interface{}{
		"entry_id":   updated.ID,
		"record_key": updated.RecordKey,
		"operation":  string(updated.Operation),
	})
	return updated.Clone(), nil
}

// supersede collapses a record whose queue holds a failed entry into a
// single pending Delete, reusing the earliest unsent entry so the record
// keeps its queue position. A failed Create means the server never stored
// the record, so every entry is dropped and nil is returned.
// Callers must hold q.mu.
func (q *SyncQueue) supersede(existing []*Entry) (*Entry, error) {
	var unsent []*Entry
	createFailed := false
	for _, e := range existing {
		if e.Status == StatusInFlight {
			continue
		}
		if e.Operation == models.OperationCreate && e.Status == StatusFailed {
			createFailed = true
		}
		unsent = append(unsent, e)
	}

	if createFailed {
		for _, e := range unsent {
			if err := q.remove(e.ID); err != nil {
				return nil, err
			}
		}
		logging.Debug("sync queue: failed create cancelled by delete", map[string]interface{}{
			"record_key": unsent[0].RecordKey,
			"dropped":    len(unsent),
		})
		return nil, nil
	}

	for _, e := range unsent[1:] {
		if err := q.remove(e.ID); err != nil {
			return nil, err
		}
	}
	now := q.now()
	updated := unsent[0].Clone()
	updated.Operation = models.OperationDelete
	updated.Payload = nil
	updated.Status = StatusPending
	updated.Attempts = 0
	updated.LastError = ""
	updated.NextAttemptAt = now
	updated.UpdatedAt = now
	if err := q.save(updated); err != nil {
		return nil, err
	}
	q.items[updated.ID] = updated

	logging.Debug("sync queue: failed entries superseded by delete", map[string]interface{}{
		"entry_id":   updated.ID,
		"record_key": updated.RecordKey,
		"dropped":    len(unsent) - 1,
	})
	return updated.Clone(), nil
}

// PeekReady returns the pending entries due at now, in queue order. An
// entry is withheld while an earlier entry of the same record is in flight
// or failed, so a record's changes are never reordered.
func (q *SyncQueue) PeekReady(now time.Time) []*Entry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	blocked := make(map[[2]string]bool)
	var ready []*Entry
	for _, e := range q.ordered() {
		k := [2]string{e.Collection, e.RecordKey}
		if e.Status != StatusPending {
			blocked[k] = true
			continue
		}
		if blocked[k] || e.NextAttemptAt.After(now) {
			blocked[k] = true
			continue
		}
		ready = append(ready, e.Clone())
	}
	return ready
}

func (q *SyncQueue) get(id string) (*Entry, error) {
	e, ok := q.items[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "queue entry %s not found", id)
	}
	return e, nil
}

// Claim marks a pending entry in flight and returns the snapshot that must
// be sent. Later mutations of the record append new entries instead of
// coalescing into the claimed one.
func (q *SyncQueue) Claim(id string) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.get(id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusPending {
		return nil, apperrors.Newf(apperrors.ErrInvalidMutation, "entry %s is %s, not pending", id, e.Status)
	}
	updated := e.Clone()
	updated.Status = StatusInFlight
	updated.UpdatedAt = q.now()
	if err := q.save(updated); err != nil {
		return nil, err
	}
	q.items[id] = updated
	return updated.Clone(), nil
}

// MarkSucceeded removes a confirmed entry.
func (q *SyncQueue) MarkSucceeded(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.get(id)
	if err != nil {
		return err
	}
	if err := q.remove(id); err != nil {
		return err
	}
	logging.Debug("sync queue: completed", map[string]interface{}{
		"entry_id":  id,
		"operation": string(e.Operation),
	})
	return nil
}

// MarkFailed records a retryable failure. The entry is rescheduled with
// backoff, or becomes failed once attempts reach the retry ceiling; the
// returned bool reports the latter.
func (q *SyncQueue) MarkFailed(id string, cause error, now time.Time) (*Entry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.get(id)
	if err != nil {
		return nil, false, err
	}

	updated := e.Clone()
	updated.Attempts++
	updated.LastError = errString(cause)
	updated.UpdatedAt = now

	terminal := updated.Attempts >= q.opts.MaxRetryAttempts
	if terminal {
		updated.Status = StatusFailed
	} else {
		updated.Status = StatusPending
		updated.NextAttemptAt = now.Add(q.Backoff(updated.Attempts))
	}
	if err := q.save(updated); err != nil {
		return nil, false, err
	}
	q.items[id] = updated

	if terminal {
		logging.Warn("sync queue: entry failed permanently", map[string]interface{}{
			"entry_id": id,
			"attempts": updated.Attempts,
			"error":    updated.LastError,
		})
	} else {
		logging.Info("sync queue: entry rescheduled", map[string]interface{}{
			"entry_id":        id,
			"attempts":        updated.Attempts,
			"max_attempts":    q.opts.MaxRetryAttempts,
			"next_attempt_at": updated.NextAttemptAt,
		})
	}
	return updated.Clone(), terminal, nil
}

// Terminate marks an entry failed without further retries, as for a
// server-side validation rejection.
func (q *SyncQueue) Terminate(id string, cause error) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.get(id)
	if err != nil {
		return nil, err
	}
	updated := e.Clone()
	updated.Attempts++
	updated.Status = StatusFailed
	updated.LastError = errString(cause)
	updated.UpdatedAt = q.now()
	if err := q.save(updated); err != nil {
		return nil, err
	}
	q.items[id] = updated
	return updated.Clone(), nil
}

// Release returns an in-flight entry to pending without counting an
// attempt, as when its call was cancelled before an outcome.
func (q *SyncQueue) Release(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.get(id)
	if err != nil {
		return err
	}
	if e.Status != StatusInFlight {
		return nil
	}
	updated := e.Clone()
	updated.Status = StatusPending
	updated.UpdatedAt = q.now()
	if err := q.save(updated); err != nil {
		return err
	}
	q.items[id] = updated
	return nil
}

// Backoff returns the delay after the given number of failed attempts:
// base * 2^attempts, capped at the configured maximum.
func (q *SyncQueue) Backoff(attempts int) time.Duration {
	return calculateBackoff(q.opts.BackoffBase, q.opts.BackoffMax, attempts)
}

func calculateBackoff(base, max time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempts; i++ {
		if (max > 0 && d >= max) || d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

// RemapKey rewrites every entry of oldKey to newKey and returns how many
// entries changed.
func (q *SyncQueue) RemapKey(collection, oldKey, newKey string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for id, e := range q.items {
		if !e.sameRecord(collection, oldKey) {
			continue
		}
		updated := e.Clone()
		updated.RecordKey = newKey
		updated.UpdatedAt = q.now()
		if err := q.save(updated); err != nil {
			return count, err
		}
		q.items[id] = updated
		count++
	}
	return count, nil
}

// Retry resets a failed entry to pending with a fresh attempt budget.
func (q *SyncQueue) Retry(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.get(id)
	if err != nil {
		return err
	}
	if e.Status != StatusFailed {
		return apperrors.Newf(apperrors.ErrInvalidMutation, "entry %s is %s, not failed", id, e.Status)
	}
	return q.resetLocked(e)
}

func (q *SyncQueue) resetLocked(e *Entry) error {
	now := q.now()
	updated := e.Clone()
	updated.Status = StatusPending
	updated.Attempts = 0
	updated.NextAttemptAt = now
	updated.LastError = ""
	updated.UpdatedAt = now
	if err := q.save(updated); err != nil {
		return err
	}
	q.items[e.ID] = updated
	return nil
}

// RetryAll resets all failed entries to pending for retry.
func (q *SyncQueue) RetryAll() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, e := range q.items {
		if e.Status != StatusFailed {
			continue
		}
		if err := q.resetLocked(e); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		logging.Info("sync queue: reset failed entries for retry", map[string]interface{}{"count": count})
	}
	return count, nil
}

// Discard drops an entry that is not in flight. The local record is not
// touched.
func (q *SyncQueue) Discard(id string) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.get(id)
	if err != nil {
		return nil, err
	}
	if e.Status == StatusInFlight {
		return nil, apperrors.Newf(apperrors.ErrInvalidMutation, "entry %s is in flight", id)
	}
	if err := q.remove(id); err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

// Get returns a copy of an entry.
func (q *SyncQueue) Get(id string) (*Entry, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	e, ok := q.items[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// EntriesFor returns the entries of one record in queue order.
func (q *SyncQueue) EntriesFor(collection, key string) []*Entry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []*Entry
	for _, e := range q.recordEntries(collection, key) {
		out = append(out, e.Clone())
	}
	return out
}

// HasEntries reports whether the record has any unsettled entry.
func (q *SyncQueue) HasEntries(collection, key string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, e := range q.items {
		if e.sameRecord(collection, key) {
			return true
		}
	}
	return false
}

// List returns all entries in queue order.
func (q *SyncQueue) List() []*Entry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ordered := q.ordered()
	items := make([]*Entry, 0, len(ordered))
	for _, e := range ordered {
		items = append(items, e.Clone())
	}
	return items
}

// Failed returns the terminally failed entries in queue order.
func (q *SyncQueue) Failed() []*Entry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []*Entry
	for _, e := range q.ordered() {
		if e.Status == StatusFailed {
			out = append(out, e.Clone())
		}
	}
	return out
}

// Size returns the number of entries in the queue.
func (q *SyncQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// GetStats returns queue statistics.
func (q *SyncQueue) GetStats() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := map[string]int{
		"total":     0,
		"pending":   0,
		"in_flight": 0,
		"failed":    0,
	}
	for _, e := range q.items {
		stats["total"]++
		stats[string(e.Status)]++
	}
	return stats
}

func copyPayload(op models.Operation, p map[string]any) map[string]any {
	if op == models.OperationDelete || p == nil {
		return nil
	}
	return models.MergeFields(nil, p)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ToModel converts an Entry to a SyncQueue model for database storage.
func (e *Entry) ToModel() *models.SyncQueue {
	payload := []byte("{}")
	if e.Payload != nil {
		if b, err := json.Marshal(e.Payload); err == nil {
			payload = b
		}
	}
	return &models.SyncQueue{
		ID:            e.ID,
		Collection:    e.Collection,
		RecordKey:     e.RecordKey,
		Operation:     string(e.Operation),
		Payload:       json.RawMessage(payload),
		Attempts:      e.Attempts,
		NextAttemptAt: e.NextAttemptAt.UnixMilli(),
		Status:        string(e.Status),
		LastError:     e.LastError,
		Seq:           e.Seq,
		CreatedAt:     e.CreatedAt.UnixMilli(),
		UpdatedAt:     e.UpdatedAt.UnixMilli(),
	}
}

// FromModel creates an Entry from a SyncQueue model.
func FromModel(model *models.SyncQueue) (*Entry, error) {
	op, err := models.ParseOperation(model.Operation)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if len(model.Payload) > 0 {
		if err := json.Unmarshal(model.Payload, &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if op == models.OperationDelete {
		payload = nil
	}
	return &Entry{
		ID:            model.ID,
		Collection:    model.Collection,
		RecordKey:     model.RecordKey,
		Operation:     op,
		Payload:       payload,
		Attempts:      model.Attempts,
		NextAttemptAt: time.UnixMilli(model.NextAttemptAt),
		Status:        Status(model.Status),
		LastError:     model.LastError,
		Seq:           model.Seq,
		CreatedAt:     time.UnixMilli(model.CreatedAt),
		UpdatedAt:     time.UnixMilli(model.UpdatedAt),
	}, nil
}
