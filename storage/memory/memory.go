// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"sync"

	"github.com/jmcleod/latchkey/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Record
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Record)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func cloneRecord(rec *storage.Record) *storage.Record {
	if rec == nil {
		return nil
	}
	return &storage.Record{
		Ver:     rec.Ver,
		Data:    append([]byte(nil), rec.Data...),
		Version: rec.Version,
	}
}

func (r *Repository) Put(userID, recordType, recordID string, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(userID, recordType, recordID, rec)
}

func (r *Repository) putLocked(userID, recordType, recordID string, rec *storage.Record) error {
	if _, ok := r.data[userID]; !ok {
		r.data[userID] = make(map[string]*storage.Record)
	}
	r.data[userID][makeKey(recordType, recordID)] = cloneRecord(rec)
	return nil
}

func (r *Repository) Get(userID, recordType, recordID string) (*storage.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(userID, recordType, recordID)
}

func (r *Repository) getLocked(userID, recordType, recordID string) (*storage.Record, error) {
	k := makeKey(recordType, recordID)
	userData, ok := r.data[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	rec, ok := userData[k]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (r *Repository) List(userID, recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	prefix := recordType + ":"
	for k := range r.data[userID] {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			ids = append(ids, k[len(prefix):])
		}
	}
	return ids, nil
}

func (r *Repository) Delete(userID, recordType, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(userID, recordType, recordID)
}

func (r *Repository) deleteLocked(userID, recordType, recordID string) error {
	k := makeKey(recordType, recordID)
	userData, ok := r.data[userID]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := userData[k]; !ok {
		return storage.ErrNotFound
	}
	delete(userData, k)
	return nil
}

func (r *Repository) PutCAS(userID, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(userID, recordType, recordID, expectedVersion, rec)
}

func (r *Repository) putCASLocked(userID, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	existing, err := r.getLocked(userID, recordType, recordID)

	// Expected version zero means the record must not exist yet, whatever
	// version an existing record carries.
	if expectedVersion == 0 {
		if err == nil {
			return storage.ErrCASFailed
		}
		return r.putLocked(userID, recordType, recordID, rec)
	}
	if err != nil {
		return storage.ErrCASFailed
	}
	if existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	return r.putLocked(userID, recordType, recordID, rec)
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(userID string, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshotUser(userID)

	tx := &memoryBatchTx{repo: r, userID: userID}
	if err := fn(tx); err != nil {
		r.restoreUser(userID, snapshot)
		return err
	}
	return nil
}

func (r *Repository) snapshotUser(userID string) map[string]*storage.Record {
	original, ok := r.data[userID]
	if !ok {
		return nil
	}
	cp := make(map[string]*storage.Record, len(original))
	for k, v := range original {
		cp[k] = cloneRecord(v)
	}
	return cp
}

func (r *Repository) restoreUser(userID string, snapshot map[string]*storage.Record) {
	if snapshot == nil {
		delete(r.data, userID)
		return
	}
	r.data[userID] = snapshot
}

type memoryBatchTx struct {
	repo   *Repository
	userID string
}

func (tx *memoryBatchTx) Put(recordType, recordID string, rec *storage.Record) error {
	return tx.repo.putLocked(tx.userID, recordType, recordID, rec)
}

func (tx *memoryBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return tx.repo.putCASLocked(tx.userID, recordType, recordID, expectedVersion, rec)
}

func (tx *memoryBatchTx) Delete(recordType, recordID string) error {
	return tx.repo.deleteLocked(tx.userID, recordType, recordID)
}
