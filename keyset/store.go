package keyset

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmcleod/latchkey/factor"
	"github.com/jmcleod/latchkey/storage"
)

// Store persists keysets and their backups in a record repository.
type Store struct {
	repo storage.Repository
}

// NewStore creates a keyset store over the repository.
func NewStore(repo storage.Repository) *Store {
	return &Store{repo: repo}
}

// Get loads the keyset for a factor label.
func (s *Store) Get(userID, label string) (*Keyset, error) {
	rec, err := s.repo.Get(userID, recordType, label)
	if err != nil {
		return nil, fmt.Errorf("loading keyset %q: %w", label, err)
	}
	var ks Keyset
	if err := json.Unmarshal(rec.Data, &ks); err != nil {
		return nil, fmt.Errorf("unmarshaling keyset %q: %w", label, err)
	}
	return &ks, nil
}

// All loads every keyset for the user, sorted by label.
func (s *Store) All(userID string) ([]*Keyset, error) {
	labels, err := s.repo.List(userID, recordType)
	if err != nil {
		return nil, fmt.Errorf("listing keysets: %w", err)
	}
	out := make([]*Keyset, 0, len(labels))
	for _, label := range labels {
		ks, err := s.Get(userID, label)
		if err != nil {
			return nil, err
		}
		out = append(out, ks)
	}
	return out, nil
}

// Save writes the keyset under its label.
func (s *Store) Save(userID string, ks *Keyset) error {
	data, err := json.Marshal(ks)
	if err != nil {
		return fmt.Errorf("marshaling keyset %q: %w", ks.Label, err)
	}
	rec := &storage.Record{Ver: 1, Data: data}
	if err := s.repo.Put(userID, recordType, ks.Label, rec); err != nil {
		return fmt.Errorf("saving keyset %q: %w", ks.Label, err)
	}
	return nil
}

// Remove deletes the keyset for a label.
func (s *Store) Remove(userID, label string) error {
	if err := s.repo.Delete(userID, recordType, label); err != nil {
		return fmt.Errorf("removing keyset %q: %w", label, err)
	}
	return nil
}

// MoveToBackup atomically rewrites the keyset as a backup record. Used
// after a successful migration so the legacy copy survives rollback.
func (s *Store) MoveToBackup(userID, label string) error {
	rec, err := s.repo.Get(userID, recordType, label)
	if err != nil {
		return fmt.Errorf("loading keyset %q: %w", label, err)
	}
	err = s.repo.Batch(userID, func(tx storage.BatchTx) error {
		if err := tx.Put(recordTypeBackup, label, rec); err != nil {
			return err
		}
		return tx.Delete(recordType, label)
	})
	if err != nil {
		return fmt.Errorf("backing up keyset %q: %w", label, err)
	}
	return nil
}

// PurgeBackups deletes every backup keyset for the user.
func (s *Store) PurgeBackups(userID string) error {
	labels, err := s.repo.List(userID, recordTypeBackup)
	if err != nil {
		return fmt.Errorf("listing backup keysets: %w", err)
	}
	for _, label := range labels {
		if err := s.repo.Delete(userID, recordTypeBackup, label); err != nil {
			return fmt.Errorf("purging backup keyset %q: %w", label, err)
		}
	}
	return nil
}

// RecordFailure bumps the lockout bookkeeping after a failed attempt.
func (s *Store) RecordFailure(userID, label string, policy factor.LockoutPolicy, now time.Time) error {
	ks, err := s.Get(userID, label)
	if err != nil {
		return err
	}
	ks.Attempts++
	if policy == factor.LockoutTimeLimited {
		idx := int(ks.Attempts)
		if idx >= len(timeLimitedDelays) {
			idx = len(timeLimitedDelays) - 1
		}
		if d := timeLimitedDelays[idx]; d > 0 {
			ks.LockedUntil = now.Add(d)
		}
	}
	return s.Save(userID, ks)
}

// ResetLockout clears the lockout bookkeeping after a successful full
// authentication.
func (s *Store) ResetLockout(userID, label string) error {
	ks, err := s.Get(userID, label)
	if err != nil {
		return err
	}
	if ks.Attempts == 0 && ks.LockedUntil.IsZero() {
		return nil
	}
	ks.Attempts = 0
	ks.LockedUntil = time.Time{}
	return s.Save(userID, ks)
}
