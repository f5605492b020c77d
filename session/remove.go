package session

import (
	"context"
	"fmt"

	"github.com/jmcleod/latchkey/factor"
)

// RemoveAuthFactor removes an enrolled factor from whichever backend holds
// it. The last factor and the legacy keyset currently authenticating this
// session are protected.
func (s *Session) RemoveAuthFactor(ctx context.Context, label string) error {
	defer s.runPending()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	entry, ok := s.registry.Find(label)
	if !ok {
		return fmt.Errorf("%w: label %q", ErrNotFound, label)
	}
	if s.registry.Count() == 1 {
		return fmt.Errorf("%w: %q", ErrLastFactor, label)
	}

	if s.ephemeral {
		if err := s.registry.Remove(label); err != nil {
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		s.b.Verifiers.Remove(s.userID, label)
		return nil
	}

	if entry.Backend == factor.BackendLegacyKeyset && label == s.activeKeysetLabel {
		return fmt.Errorf("%w: keyset %q is authenticating this session", ErrInvalidArgument, label)
	}
	if s.stashToken == nil {
		return fmt.Errorf("%w: no decrypted stash", ErrUnauthenticated)
	}

	switch entry.Backend {
	case factor.BackendLegacyKeyset:
		if err := s.b.Keysets.Remove(s.userID, label); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	case factor.BackendSecretStash:
		tx, err := s.stashToken.NewTransaction()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		tx.RemoveWrappedKey(label)
		tx.RemoveResetSecret(label)
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("%w: committing stash: %v", ErrStorage, err)
		}
		// The wrapped key is gone; a leftover file cannot authenticate.
		if err := s.b.Factors.Delete(s.userID, label); err != nil {
			s.log.Warn("deleting factor file failed", "label", label, "error", err)
		}
	default:
		return fmt.Errorf("%w: backend %s", ErrNotImplemented, entry.Backend)
	}

	if err := s.registry.Remove(label); err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	s.b.Verifiers.Remove(s.userID, label)
	s.dropRecoverableRecord(label)
	return nil
}
