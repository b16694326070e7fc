// Package sync provides the sync engine facade.
package sync

import (
	"context"

	"github.com/kimhsiao/duosync/internal/config"
	"github.com/kimhsiao/duosync/internal/manifest"
	"github.com/kimhsiao/duosync/internal/models"
	"github.com/kimhsiao/duosync/internal/sync/events"
	"github.com/kimhsiao/duosync/internal/sync/queue"
	"github.com/kimhsiao/duosync/internal/sync/reconcile"
	"github.com/kimhsiao/duosync/internal/sync/scheduler"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Initialize opens local storage and starts background sync. Calls
	// after the first successful one are no-ops.
	Initialize(ctx context.Context, m *manifest.Manifest, cfg *config.Config) error

	// Read returns every local record of a collection. It never touches
	// the network.
	Read(collection string) ([]*models.Record, error)

	// Get returns one local record.
	Get(collection, key string) (*models.Record, bool, error)

	// Mutate applies a change optimistically and queues it for the server.
	Mutate(collection string, op models.Operation, payload map[string]any) (*models.Record, error)

	// Subscribe registers a callback for status and record notifications.
	Subscribe(fn func(events.Event)) (unsubscribe func())

	SyncNow(ctx context.Context) (*scheduler.FlushResult, error)
	Pull(ctx context.Context, collection string) (*reconcile.SnapshotResult, error)
	SetOnline(online bool)
	Status() models.SyncStatus

	FailedEntries() []*queue.Entry
	Retry(id string) error
	Discard(id string) (*queue.Entry, error)
	PendingChanges() int
	Conflicts(collection string) ([]*models.ConflictLog, error)

	Close() error
}

var _ SyncEngineInterface = (*Engine)(nil)
