package factor

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/latchkey/storage"
)

const recordTypeFactor = "FACTOR"

// Store persists factor records, one per (user, label). Records are stored
// in the clear: they carry only public metadata and the opaque block state,
// and must be readable before any authentication has happened.
type Store struct {
	repo storage.Repository
}

// NewStore creates a factor record store over the repository.
func NewStore(repo storage.Repository) *Store {
	return &Store{repo: repo}
}

// Save writes the factor record for (userID, factor.Label), overwriting any
// existing record.
func (s *Store) Save(userID string, f *Factor) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling factor %q: %w", f.Label, err)
	}
	rec := &storage.Record{Ver: 1, Data: data}
	if err := s.repo.Put(userID, recordTypeFactor, f.Label, rec); err != nil {
		return fmt.Errorf("saving factor %q: %w", f.Label, err)
	}
	return nil
}

// Get loads the factor record for (userID, label).
func (s *Store) Get(userID, label string) (*Factor, error) {
	rec, err := s.repo.Get(userID, recordTypeFactor, label)
	if err != nil {
		return nil, err
	}
	var f Factor
	if err := json.Unmarshal(rec.Data, &f); err != nil {
		return nil, fmt.Errorf("unmarshaling factor %q: %w", label, err)
	}
	return &f, nil
}

// Delete removes the factor record for (userID, label).
func (s *Store) Delete(userID, label string) error {
	return s.repo.Delete(userID, recordTypeFactor, label)
}

// List loads every factor record for the user.
func (s *Store) List(userID string) ([]*Factor, error) {
	labels, err := s.repo.List(userID, recordTypeFactor)
	if err != nil {
		return nil, err
	}
	out := make([]*Factor, 0, len(labels))
	for _, label := range labels {
		f, err := s.Get(userID, label)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
