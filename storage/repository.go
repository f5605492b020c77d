// Package storage provides the record storage abstraction for per-user
// credential-store state: factor records, legacy keysets, and the sealed
// secret stash.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrUserNotFound is returned when no records exist for a user.
	ErrUserNotFound = errors.New("user not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Record is a single persisted record. Data is an opaque serialized payload;
// encrypted records carry a JSON-encoded Envelope, plaintext records (factor
// files, legacy keysets) carry their payload directly.
type Record struct {
	Ver     int    `json:"ver"`
	Data    []byte `json:"data"`
	Version uint64 `json:"version,omitempty"`
}

// BatchTx provides Put, PutCAS and Delete within an atomic transaction.
// The userID is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Put(recordType string, recordID string, rec *Record) error
	PutCAS(recordType string, recordID string, expectedVersion uint64, rec *Record) error
	Delete(recordType string, recordID string) error
}

// Repository defines the interface for per-user record storage.
type Repository interface {
	Put(userID string, recordType string, recordID string, rec *Record) error
	Get(userID string, recordType string, recordID string) (*Record, error)
	Delete(userID string, recordType string, recordID string) error
	List(userID string, recordType string) ([]string, error)
	PutCAS(userID string, recordType string, recordID string, expectedVersion uint64, rec *Record) error
	Batch(userID string, fn func(tx BatchTx) error) error
}
