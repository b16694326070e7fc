package models

import "time"

// ConflictLog records a reconcile where the local version was kept over
// an older server version.
type ConflictLog struct {
	ID            string `db:"id" json:"id"`
	Collection    string `db:"collection" json:"collection"`
	RecordKey     string `db:"record_key" json:"record_key"`
	LocalVersion  string `db:"local_version" json:"local_version"`
	RemoteVersion string `db:"remote_version" json:"remote_version"`
	Resolution    string `db:"resolution" json:"resolution"` // local_wins, remote_wins
	DetectedAt    int64  `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
