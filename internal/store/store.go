// Package store is the durable store adapter: one local table per
// collection, holding the latest known state of each record.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/kimhsiao/duosync/internal/db"
	apperrors "github.com/kimhsiao/duosync/internal/errors"
	"github.com/kimhsiao/duosync/internal/models"
)

// Store is the durable store contract. Put overwrites fully and Delete of
// an absent key is a no-op. Failures of the durable medium surface as
// STORAGE_UNAVAILABLE and are not retried.
type Store interface {
	EnsureCollections(descs []models.CollectionDescriptor) error
	Get(collection, key string) (*models.Record, bool, error)
	Put(collection string, rec *models.Record) error
	Delete(collection, key string) error
	ListAll(collection string) ([]*models.Record, error)

	// Remap moves a record from oldKey to rec.Key atomically, together
	// with the persisted queue entries of that record.
	Remap(collection, oldKey string, rec *models.Record) error
}

// SQLStore implements Store on the SQLite repository.
type SQLStore struct {
	repo db.RecordRepository

	mu     sync.RWMutex
	tables map[string]string // collection -> table
}

// New creates a SQLStore.
func New(repo db.RecordRepository) *SQLStore {
	return &SQLStore{repo: repo, tables: make(map[string]string)}
}

var _ Store = (*SQLStore)(nil)

// EnsureCollections creates the table of every descriptor.
func (s *SQLStore) EnsureCollections(descs []models.CollectionDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range descs {
		if err := s.repo.EnsureRecordTable(d.TableName()); err != nil {
			return unavailable(fmt.Sprintf("create table for %s", d.Name), err)
		}
		s.tables[d.Name] = d.TableName()
	}
	return nil
}

func (s *SQLStore) table(collection string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[collection]
	if !ok {
		return "", apperrors.Newf(apperrors.ErrNotFound, "unknown collection %q", collection)
	}
	return t, nil
}

// Get returns the record, or found=false when absent.
func (s *SQLStore) Get(collection, key string) (*models.Record, bool, error) {
	t, err := s.table(collection)
	if err != nil {
		return nil, false, err
	}
	rec, err := s.repo.GetRecord(t, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable(fmt.Sprintf("get %s/%s", collection, key), err)
	}
	return rec, true, nil
}

// Put inserts or fully replaces a record.
func (s *SQLStore) Put(collection string, rec *models.Record) error {
	t, err := s.table(collection)
	if err != nil {
		return err
	}
	if err := s.repo.PutRecord(t, rec); err != nil {
		return unavailable(fmt.Sprintf("put %s/%s", collection, rec.Key), err)
	}
	return nil
}

// Delete removes a record.
func (s *SQLStore) Delete(collection, key string) error {
	t, err := s.table(collection)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteRecord(t, key); err != nil {
		return unavailable(fmt.Sprintf("delete %s/%s", collection, key), err)
	}
	return nil
}

// ListAll returns every record of a collection.
func (s *SQLStore) ListAll(collection string) ([]*models.Record, error) {
	t, err := s.table(collection)
	if err != nil {
		return nil, err
	}
	recs, err := s.repo.ListRecords(t)
	if err != nil {
		return nil, unavailable(fmt.Sprintf("list %s", collection), err)
	}
	return recs, nil
}

// Remap moves a record to its server-assigned key.
func (s *SQLStore) Remap(collection, oldKey string, rec *models.Record) error {
	t, err := s.table(collection)
	if err != nil {
		return err
	}
	if err := s.repo.RemapRecord(t, collection, oldKey, rec); err != nil {
		return unavailable(fmt.Sprintf("remap %s/%s -> %s", collection, oldKey, rec.Key), err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return apperrors.Wrap(apperrors.ErrStorageUnavailable, op, err)
}
