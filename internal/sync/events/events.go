// Package events delivers engine notifications to subscribers.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/duosync/internal/logging"
	"github.com/kimhsiao/duosync/internal/models"
)

// Kind identifies an event type.
type Kind string

const (
	KindStatusChanged Kind = "status_changed"
	KindRecordChanged Kind = "record_changed"
	KindKeyRemapped   Kind = "key_remapped"
	KindEntryFailed   Kind = "entry_failed"
)

// Event is a single notification. Fields not relevant to Kind are zero.
type Event struct {
	Kind Kind
	At   time.Time

	// StatusChanged
	Status   models.SyncStatus
	Previous models.SyncStatus

	// RecordChanged, KeyRemapped, EntryFailed
	Collection string
	RecordKey  string
	OldKey     string
	Operation  models.Operation
	Record     *models.Record

	// EntryFailed
	EntryID string
	Err     error
}

func (e Event) String() string {
	switch e.Kind {
	case KindStatusChanged:
		return fmt.Sprintf("%s %s -> %s", e.Kind, e.Previous, e.Status)
	case KindKeyRemapped:
		return fmt.Sprintf("%s %s/%s -> %s", e.Kind, e.Collection, e.OldKey, e.RecordKey)
	default:
		return fmt.Sprintf("%s %s/%s", e.Kind, e.Collection, e.RecordKey)
	}
}

// Hub fans events out to subscribers. Events are delivered synchronously,
// in publication order, with no hub lock held during callbacks. A Publish
// issued from inside a callback is queued and delivered after the current
// event finishes.
type Hub struct {
	mu       sync.Mutex
	subs     map[int]func(Event)
	order    []int
	nextID   int
	queue    []Event
	draining bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is safe to call more than once.
func (h *Hub) Subscribe(fn func(Event)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.order = append(h.order, id)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs, id)
			for i, sid := range h.order {
				if sid == id {
					h.order = append(h.order[:i:i], h.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish delivers ev to every subscriber.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.Lock()
	h.queue = append(h.queue, ev)
	if h.draining {
		h.mu.Unlock()
		return
	}
	h.draining = true

	for len(h.queue) > 0 {
		next := h.queue[0]
		h.queue = h.queue[1:]
		subs := make([]func(Event), 0, len(h.order))
		for _, id := range h.order {
			subs = append(subs, h.subs[id])
		}
		h.mu.Unlock()

		for _, fn := range subs {
			deliver(fn, next)
		}

		h.mu.Lock()
	}
	h.draining = false
	h.mu.Unlock()
}

func deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("subscriber panicked", fmt.Errorf("%v", r), map[string]interface{}{
				"event": ev.String(),
			})
		}
	}()
	fn(ev)
}
