// Package status tracks connectivity and the engine-wide sync status.
package status

import (
	"sync"

	"github.com/kimhsiao/duosync/internal/clock"
	"github.com/kimhsiao/duosync/internal/logging"
	"github.com/kimhsiao/duosync/internal/models"
	"github.com/kimhsiao/duosync/internal/sync/events"
)

// Tracker holds the online flag and SyncStatus and publishes every change.
// Only the scheduler and reconciler write to it.
type Tracker struct {
	mu     sync.RWMutex
	online bool
	status models.SyncStatus

	hub   *events.Hub
	clock clock.Clock
}

// NewTracker creates a Tracker in the offline state.
func NewTracker(hub *events.Hub, c clock.Clock) *Tracker {
	if c == nil {
		c = clock.System{}
	}
	return &Tracker{status: models.SyncStatusOffline, hub: hub, clock: c}
}

// Status returns the current sync status.
func (t *Tracker) Status() models.SyncStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Online returns the connectivity flag.
func (t *Tracker) Online() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online
}

// SetOnline updates connectivity. Going offline always moves the status to
// offline; coming online moves an offline status to online and leaves any
// other status alone. It reports whether the flag changed.
func (t *Tracker) SetOnline(online bool) bool {
	t.mu.Lock()
	changed := t.online != online
	t.online = online
	prev := t.status
	switch {
	case !online:
		t.status = models.SyncStatusOffline
	case prev == models.SyncStatusOffline:
		t.status = models.SyncStatusOnline
	}
	next := t.status
	t.mu.Unlock()

	if changed {
		logging.Info("connectivity changed", map[string]interface{}{"online": online})
	}
	t.publish(prev, next)
	return changed
}

// Set changes the sync status. Setting a connected status while offline is
// ignored, so a finishing flush cannot mask a connectivity loss.
func (t *Tracker) Set(s models.SyncStatus) {
	t.mu.Lock()
	prev := t.status
	if !t.online && s != models.SyncStatusOffline {
		t.mu.Unlock()
		return
	}
	t.status = s
	t.mu.Unlock()

	t.publish(prev, s)
}

func (t *Tracker) publish(prev, next models.SyncStatus) {
	if prev == next || t.hub == nil {
		return
	}
	logging.Debug("sync status changed", map[string]interface{}{
		"from": string(prev),
		"to":   string(next),
	})
	t.hub.Publish(events.Event{
		Kind:     events.KindStatusChanged,
		At:       t.clock.Now(),
		Status:   next,
		Previous: prev,
	})
}
