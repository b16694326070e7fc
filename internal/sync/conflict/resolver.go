// Package conflict decides which side wins when a server response meets a
// locally stored record.
package conflict

import (
	"fmt"

	"github.com/kimhsiao/duosync/internal/clock"
	"github.com/kimhsiao/duosync/internal/logging"
	"github.com/kimhsiao/duosync/internal/models"
	"github.com/kimhsiao/duosync/internal/uuid"
)

// Resolution names the winning side.
type Resolution string

const (
	ResolutionRemoteWins Resolution = "remote_wins"
	ResolutionLocalWins  Resolution = "local_wins"
)

// Resolver applies last-write-wins by record version. The server wins
// whenever its version is greater than or equal to the local one.
type Resolver struct {
	clock clock.Clock
}

// NewResolver creates a new Resolver.
func NewResolver(c clock.Clock) *Resolver {
	if c == nil {
		c = clock.System{}
	}
	return &Resolver{clock: c}
}

// Result represents the outcome of a resolution.
type Result struct {
	Resolution Resolution
	Winner     *models.Record

	// ConflictLog is set when the local record was kept over an older
	// server version.
	ConflictLog *models.ConflictLog
}

// RemoteWins reports whether the server record should be stored.
func (r *Result) RemoteWins() bool {
	return r.Resolution == ResolutionRemoteWins
}

// Resolve compares a local record (nil when absent) with the server's.
func (r *Resolver) Resolve(collection string, local, remote *models.Record) (*Result, error) {
	if remote == nil {
		return nil, ErrInvalidConflict
	}
	if local == nil || models.CompareVersions(remote.Version, local.Version) >= 0 {
		return &Result{Resolution: ResolutionRemoteWins, Winner: remote}, nil
	}

	log := &models.ConflictLog{
		ID:            uuid.New(),
		Collection:    collection,
		RecordKey:     remote.Key,
		LocalVersion:  versionString(local.Version),
		RemoteVersion: versionString(remote.Version),
		Resolution:    string(ResolutionLocalWins),
		DetectedAt:    r.clock.Now().UnixMilli(),
	}

	logging.Warn("Conflict resolved using last-write-wins",
		map[string]interface{}{
			"collection":     collection,
			"record_key":     remote.Key,
			"winner_side":    "local",
			"local_version":  log.LocalVersion,
			"remote_version": log.RemoteVersion,
		})

	return &Result{Resolution: ResolutionLocalWins, Winner: local, ConflictLog: log}, nil
}

func versionString(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: remote record must be non-nil"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
