package models

import (
	"encoding/json"
	"time"
)

// SyncQueue is the persisted form of a pending mutation.
type SyncQueue struct {
	ID            string          `db:"id" json:"id"`
	Collection    string          `db:"collection" json:"collection"`
	RecordKey     string          `db:"record_key" json:"record_key"`
	Operation     string          `db:"operation" json:"operation"` // create, update, delete
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Attempts      int             `db:"attempts" json:"attempts"`
	NextAttemptAt int64           `db:"next_attempt_at" json:"next_attempt_at"` // unix ms
	Status        string          `db:"status" json:"status"`                   // pending, in_flight, failed
	LastError     string          `db:"last_error" json:"last_error,omitempty"`
	Seq           int64           `db:"seq" json:"seq"`
	CreatedAt     int64           `db:"created_at" json:"created_at"` // unix ms
	UpdatedAt     int64           `db:"updated_at" json:"updated_at"` // unix ms
}

// TableName returns the table name for SyncQueue.
func (SyncQueue) TableName() string {
	return "sync_queue"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (q *SyncQueue) CreatedAtTime() time.Time {
	return time.UnixMilli(q.CreatedAt)
}
