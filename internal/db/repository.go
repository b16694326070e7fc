// Package db provides repository operations for duosync's local tables.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/duosync/internal/models"
)

var tableNameRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Repository provides persistence for records, queue entries and the
// conflict log.
type Repository struct {
	db *sql.DB

	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Another goroutine may have prepared the same query meanwhile.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// quoteIdent validates and quotes a table name built from a collection name.
func quoteIdent(name string) (string, error) {
	if !tableNameRegex.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`, nil
}

// =====================================================
// Record Operations
// =====================================================

// EnsureRecordTable creates a record table if it doesn't exist.
func (r *Repository) EnsureRecordTable(table string) error {
	q, err := quoteIdent(table)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`
	CREATE TABLE IF NOT EXISTS ` + q + ` (
		record_key TEXT PRIMARY KEY,
		fields TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT 'null',
		synced_at INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	)`)
	return err
}

// GetRecord retrieves a record by key. Returns sql.ErrNoRows when absent.
func (r *Repository) GetRecord(table, key string) (*models.Record, error) {
	q, err := quoteIdent(table)
	if err != nil {
		return nil, err
	}
	stmt, err := r.PrepareStmt(`SELECT record_key, fields, version, synced_at FROM ` + q + ` WHERE record_key = ?`)
	if err != nil {
		return nil, err
	}
	return scanRecord(stmt.QueryRow(key))
}

// ListRecords returns all records of a table in insertion order.
func (r *Repository) ListRecords(table string) ([]*models.Record, error) {
	q, err := quoteIdent(table)
	if err != nil {
		return nil, err
	}
	stmt, err := r.PrepareStmt(`SELECT record_key, fields, version, synced_at FROM ` + q + ` ORDER BY rowid`)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// PutRecord inserts or fully replaces a record.
func (r *Repository) PutRecord(table string, rec *models.Record) error {
	q, err := quoteIdent(table)
	if err != nil {
		return err
	}
	stmt, err := r.PrepareStmt(upsertRecordQuery(q))
	if err != nil {
		return err
	}
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(args...)
	return err
}

// DeleteRecord removes a record. Deleting an absent key is a no-op.
func (r *Repository) DeleteRecord(table, key string) error {
	q, err := quoteIdent(table)
	if err != nil {
		return err
	}
	stmt, err := r.PrepareStmt(`DELETE FROM ` + q + ` WHERE record_key = ?`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(key)
	return err
}

// RemapRecord moves a record from oldKey to rec.Key and rewrites the
// persisted queue entries of that record, all in one transaction.
func (r *Repository) RemapRecord(table, collection, oldKey string, rec *models.Record) error {
	q, err := quoteIdent(table)
	if err != nil {
		return err
	}
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM `+q+` WHERE record_key = ?`, oldKey); err != nil {
		return err
	}
	if _, err := tx.Exec(upsertRecordQuery(q), args...); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE sync_queue SET record_key = ?, updated_at = ? WHERE collection = ? AND record_key = ?`,
		rec.Key, time.Now().UnixMilli(), collection, oldKey); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertRecordQuery(quotedTable string) string {
	return `
	INSERT INTO ` + quotedTable + ` (record_key, fields, version, synced_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(record_key) DO UPDATE SET
		fields = excluded.fields,
		version = excluded.version,
		synced_at = excluded.synced_at,
		updated_at = excluded.updated_at
	`
}

func recordArgs(rec *models.Record) ([]interface{}, error) {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields: %w", err)
	}
	version, err := json.Marshal(rec.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to encode version: %w", err)
	}
	var syncedAt int64
	if !rec.SyncedAt.IsZero() {
		syncedAt = rec.SyncedAt.UnixMilli()
	}
	return []interface{}{rec.Key, string(fields), string(version), syncedAt, time.Now().UnixMilli()}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var rec models.Record
	var fields, version string
	var syncedAt int64
	if err := row.Scan(&rec.Key, &fields, &version, &syncedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode fields of %q: %w", rec.Key, err)
	}
	if err := json.Unmarshal([]byte(version), &rec.Version); err != nil {
		return nil, fmt.Errorf("failed to decode version of %q: %w", rec.Key, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	if syncedAt > 0 {
		rec.SyncedAt = time.UnixMilli(syncedAt)
	}
	return &rec, nil
}

// =====================================================
// SyncQueue Operations
// =====================================================

// SaveQueueEntry inserts or replaces a sync queue entry.
func (r *Repository) SaveQueueEntry(entry *models.SyncQueue) error {
	stmt, err := r.PrepareStmt(`
	INSERT INTO sync_queue (id, collection, record_key, operation, payload, attempts,
		next_attempt_at, status, last_error, seq, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		collection = excluded.collection,
		record_key = excluded.record_key,
		operation = excluded.operation,
		payload = excluded.payload,
		attempts = excluded.attempts,
		next_attempt_at = excluded.next_attempt_at,
		status = excluded.status,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err = stmt.Exec(entry.ID, entry.Collection, entry.RecordKey, entry.Operation, payload,
		entry.Attempts, entry.NextAttemptAt, entry.Status, entry.LastError, entry.Seq,
		entry.CreatedAt, entry.UpdatedAt)
	return err
}

// DeleteQueueEntry removes a sync queue entry.
func (r *Repository) DeleteQueueEntry(id string) error {
	stmt, err := r.PrepareStmt(`DELETE FROM sync_queue WHERE id = ?`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(id)
	return err
}

// ListQueueEntries returns all sync queue entries in queue order.
func (r *Repository) ListQueueEntries() ([]*models.SyncQueue, error) {
	stmt, err := r.PrepareStmt(`
	SELECT id, collection, record_key, operation, payload, attempts, next_attempt_at,
		status, last_error, seq, created_at, updated_at
	FROM sync_queue ORDER BY created_at, seq
	`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.SyncQueue
	for rows.Next() {
		var e models.SyncQueue
		var payload string
		err := rows.Scan(&e.ID, &e.Collection, &e.RecordKey, &e.Operation, &payload, &e.Attempts,
			&e.NextAttemptAt, &e.Status, &e.LastError, &e.Seq, &e.CreatedAt, &e.UpdatedAt)
		if err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// =====================================================
// ConflictLog Operations
// =====================================================

// CreateConflictLog creates a new conflict log entry.
func (r *Repository) CreateConflictLog(log *models.ConflictLog) error {
	stmt, err := r.PrepareStmt(`
	INSERT INTO conflict_log (id, collection, record_key, local_version, remote_version, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(log.ID, log.Collection, log.RecordKey, log.LocalVersion,
		log.RemoteVersion, log.Resolution, log.DetectedAt)
	return err
}

// ListConflictLogs returns conflict log entries, newest first. An empty
// collection lists every collection.
func (r *Repository) ListConflictLogs(collection string) ([]*models.ConflictLog, error) {
	query := `
	SELECT id, collection, record_key, local_version, remote_version, resolution, detected_at
	FROM conflict_log WHERE (? = '' OR collection = ?) ORDER BY detected_at DESC, rowid DESC
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(collection, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*models.ConflictLog
	for rows.Next() {
		var l models.ConflictLog
		if err := rows.Scan(&l.ID, &l.Collection, &l.RecordKey, &l.LocalVersion,
			&l.RemoteVersion, &l.Resolution, &l.DetectedAt); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}
