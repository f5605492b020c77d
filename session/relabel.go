package session

import (
	"context"
	"fmt"

	"github.com/jmcleod/latchkey/factor"
	"github.com/jmcleod/latchkey/stash"
)

// RelabelAuthFactor moves a factor to a new label: the factor file is
// written under the new label first, the stash rename commits second, and
// the old file is cleaned up last. Legacy-backed factors are not eligible.
func (s *Session) RelabelAuthFactor(ctx context.Context, oldLabel, newLabel string) error {
	defer s.runPending()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	entry, err := s.relabelTarget(oldLabel, newLabel)
	if err != nil {
		return err
	}

	f := entry.Factor
	f.Label = newLabel

	if s.ephemeral {
		if err := s.registry.Replace(oldLabel, factor.Entry{Factor: f}); err != nil {
			return fmt.Errorf("%w: %v", ErrExists, err)
		}
		s.b.Verifiers.Rename(s.userID, oldLabel, newLabel)
		return nil
	}
	if s.stashToken == nil {
		return fmt.Errorf("%w: no decrypted stash", ErrUnauthenticated)
	}

	if err := s.b.Factors.Save(s.userID, &f); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	tx, err := s.stashToken.NewTransaction()
	if err != nil {
		s.rollbackNewFile(newLabel)
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	tx.RenameWrappedKey(oldLabel, newLabel)
	if err := tx.Commit(ctx); err != nil {
		s.rollbackNewFile(newLabel)
		return fmt.Errorf("%w: committing stash: %v", ErrStorage, err)
	}

	if err := s.b.Factors.Delete(s.userID, oldLabel); err != nil {
		s.log.Warn("deleting old factor file failed", "label", oldLabel, "error", err)
	}
	if err := s.registry.Replace(oldLabel, factor.Entry{Factor: f, Backend: factor.BackendSecretStash}); err != nil {
		return fmt.Errorf("%w: %v", ErrExists, err)
	}
	s.b.Verifiers.Rename(s.userID, oldLabel, newLabel)
	s.moveRecoverableRecord(oldLabel, newLabel)
	return nil
}

// ReplaceAuthFactor atomically swaps a factor for a newly enrolled one
// under a different label, with the same ordering and rollback rules as
// relabeling.
func (s *Session) ReplaceAuthFactor(ctx context.Context, oldLabel string, req *AddFactorRequest) error {
	defer s.runPending()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := s.relabelTarget(oldLabel, req.Label); err != nil {
		return err
	}
	d, err := factor.DriverFor(req.Type)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if d.Arity == factor.ArityNone {
		return fmt.Errorf("%w: %s factors cannot be enrolled", ErrInvalidArgument, req.Type)
	}
	common, err := s.resolveCommon(req.Type, req.Common)
	if err != nil {
		return err
	}
	md, err := resolveMetadata(req.Type, req.Metadata)
	if err != nil {
		return err
	}

	if s.ephemeral {
		v, verr := s.newVerifier(req.Label, req.Type, req.Secret, d.LightAuthIntents)
		if verr != nil {
			return fmt.Errorf("%w: %v", ErrCrypto, verr)
		}
		f := factor.Factor{Type: req.Type, Label: req.Label, Common: common, Metadata: md}
		if rerr := s.registry.Replace(oldLabel, factor.Entry{Factor: f}); rerr != nil {
			return fmt.Errorf("%w: %v", ErrExists, rerr)
		}
		s.b.Verifiers.Remove(s.userID, oldLabel)
		s.b.Verifiers.Install(s.userID, v)
		return nil
	}
	if s.stashToken == nil {
		return fmt.Errorf("%w: no decrypted stash", ErrUnauthenticated)
	}

	km, state, err := s.createBlock(ctx, d, req.Secret)
	if err != nil {
		return err
	}
	wrap, err := stash.WrappingSecretFromKeyMaterial(km)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	f := factor.Factor{
		Type:       req.Type,
		Label:      req.Label,
		Common:     common,
		Metadata:   md,
		BlockState: *state,
	}

	if err := s.b.Factors.Save(s.userID, &f); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	tx, err := s.stashToken.NewTransaction()
	if err != nil {
		s.rollbackNewFile(req.Label)
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	tx.RemoveWrappedKey(oldLabel)
	tx.RemoveResetSecret(oldLabel)
	tx.InsertWrappedKey(req.Label, wrap)
	if d.UsesRateLimiter && km.RateLimiterID != 0 {
		tx.SetRateLimiter(state.Type, km.RateLimiterID)
	}
	if d.NeedsResetSecret {
		rs, rerr := resetSecretFor(km)
		if rerr != nil {
			tx.Abort()
			s.rollbackNewFile(req.Label)
			return fmt.Errorf("%w: %v", ErrCrypto, rerr)
		}
		tx.InsertResetSecret(req.Label, rs)
	}
	if err := tx.Commit(ctx); err != nil {
		s.rollbackNewFile(req.Label)
		return fmt.Errorf("%w: committing stash: %v", ErrStorage, err)
	}

	if err := s.b.Factors.Delete(s.userID, oldLabel); err != nil {
		s.log.Warn("deleting old factor file failed", "label", oldLabel, "error", err)
	}
	if err := s.registry.Replace(oldLabel, factor.Entry{Factor: f, Backend: factor.BackendSecretStash}); err != nil {
		return fmt.Errorf("%w: %v", ErrExists, err)
	}
	s.b.Verifiers.Remove(s.userID, oldLabel)
	s.dropRecoverableRecord(oldLabel)
	if len(d.LightAuthIntents) > 0 {
		if v, verr := s.newVerifier(req.Label, req.Type, req.Secret, d.LightAuthIntents); verr == nil {
			s.b.Verifiers.Install(s.userID, v)
		}
	}
	if d.KnowledgeFactor {
		s.ensureRecoverableRecord(req.Label, req.Secret)
	}
	return nil
}

// relabelTarget validates the old and new labels shared by relabel and
// replace.
func (s *Session) relabelTarget(oldLabel, newLabel string) (factor.Entry, error) {
	if err := factor.ValidateLabel(newLabel); err != nil {
		return factor.Entry{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	entry, ok := s.registry.Find(oldLabel)
	if !ok {
		return factor.Entry{}, fmt.Errorf("%w: label %q", ErrNotFound, oldLabel)
	}
	if _, ok := s.registry.Find(newLabel); ok {
		return factor.Entry{}, fmt.Errorf("%w: label %q", ErrExists, newLabel)
	}
	if !s.ephemeral && entry.Backend == factor.BackendLegacyKeyset {
		return factor.Entry{}, fmt.Errorf("%w: legacy-backed factors are not eligible", ErrInvalidArgument)
	}
	return entry, nil
}

func (s *Session) rollbackNewFile(label string) {
	if err := s.b.Factors.Delete(s.userID, label); err != nil {
		s.log.Warn("rolling back factor file failed", "label", label, "error", err)
	}
}
