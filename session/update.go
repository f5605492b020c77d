package session

import (
	"context"
	"fmt"

	"github.com/jmcleod/latchkey/factor"
	"github.com/jmcleod/latchkey/stash"
)

// UpdateFactorRequest replaces a factor's credential and metadata under
// its existing label and type.
type UpdateFactorRequest struct {
	Type     factor.Type
	Label    string
	Secret   []byte
	Common   factor.CommonMetadata
	Metadata factor.Metadata
}

// UpdateAuthFactor re-derives a factor's key material with a freshly
// selected auth block. A legacy-backed factor is always migrated to the
// stash by the update.
func (s *Session) UpdateAuthFactor(ctx context.Context, req *UpdateFactorRequest) error {
	defer s.runPending()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	entry, ok := s.registry.Find(req.Label)
	if !ok {
		return fmt.Errorf("%w: label %q", ErrNotFound, req.Label)
	}
	if entry.Factor.Type != req.Type {
		return fmt.Errorf("%w: label %q is a %s factor", ErrInvalidArgument, req.Label, entry.Factor.Type)
	}
	d, err := factor.DriverFor(req.Type)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
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
		if rerr := s.registry.Replace(req.Label, factor.Entry{Factor: f}); rerr != nil {
			return fmt.Errorf("%w: %v", ErrNotFound, rerr)
		}
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
	f := factor.Factor{
		Type:       req.Type,
		Label:      req.Label,
		Common:     common,
		Metadata:   md,
		BlockState: *state,
	}
	wrap, err := stash.WrappingSecretFromKeyMaterial(km)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}

	oldFactor := entry.Factor
	if err := s.b.Factors.Save(s.userID, &f); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	tx, err := s.stashToken.NewTransaction()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if entry.Backend == factor.BackendSecretStash {
		tx.RemoveWrappedKey(req.Label)
	}
	// A reset secret may have been seeded before migration; replace it.
	tx.RemoveResetSecret(req.Label)
	tx.InsertWrappedKey(req.Label, wrap)
	if d.UsesRateLimiter && km.RateLimiterID != 0 {
		tx.SetRateLimiter(state.Type, km.RateLimiterID)
	}
	if d.NeedsResetSecret {
		rs, rerr := resetSecretFor(km)
		if rerr != nil {
			tx.Abort()
			return fmt.Errorf("%w: %v", ErrCrypto, rerr)
		}
		tx.InsertResetSecret(req.Label, rs)
	}
	if err := tx.Commit(ctx); err != nil {
		s.restoreFactorFile(entry.Backend, &oldFactor)
		return fmt.Errorf("%w: committing stash: %v", ErrStorage, err)
	}

	if entry.Backend == factor.BackendLegacyKeyset {
		// Update-via-migration: the legacy copy is retired now that the
		// stash references the new key material.
		if err := s.b.Keysets.MoveToBackup(s.userID, req.Label); err != nil {
			s.log.Warn("backing up keyset after update failed", "label", req.Label, "error", err)
		}
		if s.activeKeysetLabel == req.Label {
			s.activeKeysetLabel = ""
		}
	}

	if err := s.registry.Replace(req.Label, factor.Entry{Factor: f, Backend: factor.BackendSecretStash}); err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	if len(d.LightAuthIntents) > 0 {
		if v, verr := s.newVerifier(req.Label, req.Type, req.Secret, d.LightAuthIntents); verr == nil {
			s.b.Verifiers.Install(s.userID, v)
		}
	}
	if d.KnowledgeFactor {
		s.dropRecoverableRecord(req.Label)
		s.ensureRecoverableRecord(req.Label, req.Secret)
	}
	return nil
}

// restoreFactorFile undoes a factor-file overwrite after a failed stash
// commit. For legacy-backed factors there was no previous file, so the
// new one is deleted instead.
func (s *Session) restoreFactorFile(backend factor.StorageBackend, old *factor.Factor) {
	var err error
	if backend == factor.BackendSecretStash {
		err = s.b.Factors.Save(s.userID, old)
	} else {
		err = s.b.Factors.Delete(s.userID, old.Label)
	}
	if err != nil {
		s.log.Warn("restoring factor file failed", "label", old.Label, "error", err)
	}
}

// MetadataUpdateRequest replaces a factor's metadata without touching key
// material.
type MetadataUpdateRequest struct {
	Type     factor.Type
	Label    string
	Common   factor.CommonMetadata
	Metadata factor.Metadata
}

// UpdateAuthFactorMetadata replaces metadata in place. Legacy-backed
// factors are not eligible; update them fully to migrate first.
func (s *Session) UpdateAuthFactorMetadata(ctx context.Context, req *MetadataUpdateRequest) error {
	defer s.runPending()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	entry, ok := s.registry.Find(req.Label)
	if !ok {
		return fmt.Errorf("%w: label %q", ErrNotFound, req.Label)
	}
	if entry.Factor.Type != req.Type {
		return fmt.Errorf("%w: label %q is a %s factor", ErrInvalidArgument, req.Label, entry.Factor.Type)
	}
	common, err := s.resolveCommon(req.Type, req.Common)
	if err != nil {
		return err
	}
	md, err := resolveMetadata(req.Type, req.Metadata)
	if err != nil {
		return err
	}

	f := entry.Factor
	f.Common = common
	f.Metadata = md

	if s.ephemeral {
		if err := s.registry.Replace(req.Label, factor.Entry{Factor: f}); err != nil {
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return nil
	}
	if entry.Backend == factor.BackendLegacyKeyset {
		return fmt.Errorf("%w: legacy-backed factors do not support metadata updates", ErrInvalidArgument)
	}

	if err := s.b.Factors.Save(s.userID, &f); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := s.registry.Replace(req.Label, factor.Entry{Factor: f, Backend: entry.Backend}); err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return nil
}
