package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmcleod/latchkey/factor"
	"github.com/jmcleod/latchkey/storage"
)

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrUserNotFound)
}

// FactorInfo describes one enrolled factor.
type FactorInfo struct {
	Label       string
	Type        factor.Type
	Backend     factor.StorageBackend
	DisplayName string
}

// ListAuthFactors enumerates the user's enrolled factors, sorted by label.
func (s *Session) ListAuthFactors() []FactorInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.registry.All()
	out := make([]FactorInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, FactorInfo{
			Label:       e.Factor.Label,
			Type:        e.Factor.Type,
			Backend:     e.Backend,
			DisplayName: e.Factor.Common.DisplayName,
		})
	}
	return out
}

// GetAuthFactorStatus reports a factor's current availability.
func (s *Session) GetAuthFactorStatus(ctx context.Context, label string) (*FactorStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entry, ok := s.registry.Find(label)
	if !ok {
		return nil, fmt.Errorf("%w: label %q", ErrNotFound, label)
	}
	st := &FactorStatus{Label: label, Type: entry.Factor.Type}
	if entry.Backend == factor.BackendLegacyKeyset {
		ks, err := s.b.Keysets.Get(s.userID, label)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		st.AvailableIn = ks.LockoutDelay(entry.Factor.Common.LockoutPolicy, s.m.now())
	}
	return st, nil
}
