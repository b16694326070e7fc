// Package db provides repository interfaces for duosync's local tables.
package db

import (
	"github.com/kimhsiao/duosync/internal/models"
)

// RecordRepository defines operations for collection record persistence.
type RecordRepository interface {
	EnsureRecordTable(table string) error
	GetRecord(table, key string) (*models.Record, error)
	ListRecords(table string) ([]*models.Record, error)
	PutRecord(table string, rec *models.Record) error
	DeleteRecord(table, key string) error
	RemapRecord(table, collection, oldKey string, rec *models.Record) error
}

// QueueRepository defines operations for sync queue persistence.
type QueueRepository interface {
	SaveQueueEntry(entry *models.SyncQueue) error
	DeleteQueueEntry(id string) error
	ListQueueEntries() ([]*models.SyncQueue, error)
}

// ConflictLogRepository defines operations for conflict log persistence.
type ConflictLogRepository interface {
	CreateConflictLog(log *models.ConflictLog) error
	ListConflictLogs(collection string) ([]*models.ConflictLog, error)
}

// SyncRepository combines repositories needed by the sync engine.
type SyncRepository interface {
	RecordRepository
	QueueRepository
	ConflictLogRepository
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ RecordRepository      = (*Repository)(nil)
	_ QueueRepository       = (*Repository)(nil)
	_ ConflictLogRepository = (*Repository)(nil)
	_ SyncRepository        = (*Repository)(nil)
)
