// Package main builds the C shared library that mobile shells load to
// drive one process-wide sync engine. Every call takes and returns JSON
// strings; see exports.go for the C surface.
package main

import (
	"context"
	"encoding/json"
	"strings"
	stdsync "sync"
	"time"

	"github.com/kimhsiao/duosync/internal/config"
	apperrors "github.com/kimhsiao/duosync/internal/errors"
	"github.com/kimhsiao/duosync/internal/logging"
	"github.com/kimhsiao/duosync/internal/manifest"
	"github.com/kimhsiao/duosync/internal/models"
	"github.com/kimhsiao/duosync/internal/sync"
	"github.com/kimhsiao/duosync/internal/sync/events"
)

// maxBufferedEvents bounds the notifications kept between DuoEvents calls;
// the oldest are dropped first.
const maxBufferedEvents = 256

// eventJSON is the wire form of an events.Event.
type eventJSON struct {
	Kind       string    `json:"kind"`
	At         time.Time `json:"at"`
	Status     string    `json:"status,omitempty"`
	Previous   string    `json:"previous,omitempty"`
	Collection string    `json:"collection,omitempty"`
	Key        string    `json:"key,omitempty"`
	OldKey     string    `json:"oldKey,omitempty"`
	Operation  string    `json:"operation,omitempty"`
	EntryID    string    `json:"entryId,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func toEventJSON(ev events.Event) eventJSON {
	out := eventJSON{
		Kind:       string(ev.Kind),
		At:         ev.At,
		Status:     string(ev.Status),
		Previous:   string(ev.Previous),
		Collection: ev.Collection,
		Key:        ev.RecordKey,
		OldKey:     ev.OldKey,
		Operation:  string(ev.Operation),
		EntryID:    ev.EntryID,
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	return out
}

// bridgeError is the body returned by DuoLastError.
type bridgeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// bridge owns the engine behind the exported functions. lifecycle
// serializes start and close; mu guards the fields.
type bridge struct {
	lifecycle stdsync.Mutex

	mu          stdsync.Mutex
	engine      *sync.Engine
	unsubscribe func()
	pending     []eventJSON
	lastErr     *bridgeError
	timeout     time.Duration
}

var global = &bridge{}

func (b *bridge) setError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.lastErr = nil
		return
	}
	b.lastErr = &bridgeError{Code: string(apperrors.CodeOf(err)), Message: err.Error()}
}

func (b *bridge) lastError() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastErr == nil {
		return ""
	}
	data, _ := json.Marshal(b.lastErr)
	return string(data)
}

func (b *bridge) current() (*sync.Engine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.engine == nil {
		return nil, apperrors.New(apperrors.ErrNotInitialized, "DuoInit has not been called")
	}
	return b.engine, nil
}

func (b *bridge) push(ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) >= maxBufferedEvents {
		b.pending = b.pending[1:]
	}
	b.pending = append(b.pending, toEventJSON(ev))
}

func (b *bridge) callContext() (context.Context, context.CancelFunc) {
	b.mu.Lock()
	timeout := b.timeout
	b.mu.Unlock()
	if timeout > 0 {
		return context.WithTimeout(context.Background(), timeout)
	}
	return context.WithCancel(context.Background())
}

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "encode result", err)
	}
	return string(data), nil
}

// start starts the engine. A second call while running is a no-op.
func (b *bridge) start(manifestJSON, configJSON string) (string, error) {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.Lock()
	running := b.engine != nil
	b.mu.Unlock()
	if running {
		return marshal(map[string]any{"initialized": true})
	}

	m, err := manifest.Load(strings.NewReader(manifestJSON))
	if err != nil {
		return "", err
	}
	values := map[string]any{}
	if strings.TrimSpace(configJSON) != "" {
		if err := json.Unmarshal([]byte(configJSON), &values); err != nil {
			return "", apperrors.Wrap(apperrors.ErrConfigInvalid, "config is not a JSON object", err)
		}
	}
	cfg, err := config.FromMap(values)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrConfigInvalid, "invalid config", err)
	}
	logging.Configure(logging.Options{Level: cfg.Level(), File: cfg.LogFile})

	e := sync.NewEngine()
	unsubscribe := e.Subscribe(b.push)
	if err := e.Initialize(context.Background(), m, cfg); err != nil {
		unsubscribe()
		return "", err
	}

	b.mu.Lock()
	b.engine = e
	b.unsubscribe = unsubscribe
	b.timeout = cfg.RequestTimeoutDuration()
	b.mu.Unlock()
	return marshal(map[string]any{"initialized": true})
}

func (b *bridge) read(collection string) (string, error) {
	e, err := b.current()
	if err != nil {
		return "", err
	}
	recs, err := e.Read(collection)
	if err != nil {
		return "", err
	}
	if recs == nil {
		recs = []*models.Record{}
	}
	return marshal(recs)
}

func (b *bridge) get(collection, key string) (string, error) {
	e, err := b.current()
	if err != nil {
		return "", err
	}
	rec, found, err := e.Get(collection, key)
	if err != nil {
		return "", err
	}
	if !found {
		return "", apperrors.Newf(apperrors.ErrNotFound, "%s/%s not found", collection, key)
	}
	return marshal(rec)
}

func (b *bridge) mutate(collection, op, payloadJSON string) (string, error) {
	e, err := b.current()
	if err != nil {
		return "", err
	}
	operation, err := models.ParseOperation(op)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalidMutation, "bad operation", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalidMutation, "payload is not a JSON object", err)
	}
	rec, err := e.Mutate(collection, operation, payload)
	if err != nil {
		return "", err
	}
	return marshal(rec)
}

func (b *bridge) syncNow() (string, error) {
	e, err := b.current()
	if err != nil {
		return "", err
	}
	ctx, cancel := b.callContext()
	defer cancel()
	res, err := e.SyncNow(ctx)
	if err != nil {
		return "", err
	}
	return marshal(res)
}

func (b *bridge) pull(collection string) (string, error) {
	e, err := b.current()
	if err != nil {
		return "", err
	}
	ctx, cancel := b.callContext()
	defer cancel()
	res, err := e.Pull(ctx, collection)
	if err != nil {
		return "", err
	}
	return marshal(res)
}

func (b *bridge) status() (string, error) {
	e, err := b.current()
	if err != nil {
		return "", err
	}
	return marshal(map[string]any{
		"status":  e.Status(),
		"online":  e.Online(),
		"pending": e.PendingChanges(),
		"failed":  len(e.FailedEntries()),
	})
}

func (b *bridge) setOnline(online bool) error {
	e, err := b.current()
	if err != nil {
		return err
	}
	e.SetOnline(online)
	return nil
}

func (b *bridge) failed() (string, error) {
	e, err := b.current()
	if err != nil {
		return "", err
	}
	type entryJSON struct {
		ID         string    `json:"id"`
		Collection string    `json:"collection"`
		Key        string    `json:"key"`
		Operation  string    `json:"operation"`
		Attempts   int       `json:"attempts"`
		LastError  string    `json:"lastError"`
		UpdatedAt  time.Time `json:"updatedAt"`
	}
	out := []entryJSON{}
	for _, entry := range e.FailedEntries() {
		out = append(out, entryJSON{
			ID:         entry.ID,
			Collection: entry.Collection,
			Key:        entry.RecordKey,
			Operation:  string(entry.Operation),
			Attempts:   entry.Attempts,
			LastError:  entry.LastError,
			UpdatedAt:  entry.UpdatedAt,
		})
	}
	return marshal(out)
}

func (b *bridge) retry(id string) error {
	e, err := b.current()
	if err != nil {
		return err
	}
	return e.Retry(id)
}

func (b *bridge) discard(id string) error {
	e, err := b.current()
	if err != nil {
		return err
	}
	_, err = e.Discard(id)
	return err
}

// drainEvents returns and clears the buffered notifications.
func (b *bridge) drainEvents() (string, error) {
	b.mu.Lock()
	evs := b.pending
	b.pending = nil
	b.mu.Unlock()
	if evs == nil {
		evs = []eventJSON{}
	}
	return marshal(evs)
}

func (b *bridge) close() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mu.Lock()
	e := b.engine
	unsubscribe := b.unsubscribe
	b.engine = nil
	b.unsubscribe = nil
	b.pending = nil
	b.mu.Unlock()

	if e == nil {
		return nil
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	return e.Close()
}

func main() {
	// Required for -buildmode=c-shared; never runs inside the host app.
}
