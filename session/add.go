package session

import (
	"context"
	"fmt"

	"github.com/jmcleod/latchkey/authblock"
	"github.com/jmcleod/latchkey/factor"
	"github.com/jmcleod/latchkey/internal/util"
	"github.com/jmcleod/latchkey/stash"
)

// AddFactorRequest enrolls a new factor.
type AddFactorRequest struct {
	Type     factor.Type
	Label    string
	Secret   []byte
	Common   factor.CommonMetadata
	Metadata factor.Metadata
}

// resolveCommon validates the common metadata and applies the per-type
// lockout-policy defaults, including the modern-PIN override.
func (s *Session) resolveCommon(t factor.Type, common factor.CommonMetadata) (factor.CommonMetadata, error) {
	if len(common.DisplayName) > factor.MaxDisplayNameLength {
		return common, fmt.Errorf("%w: display name exceeds %d bytes", ErrInvalidArgument, factor.MaxDisplayNameLength)
	}
	if t == factor.TypePIN {
		modern := s.b.Features.Enabled(FeatureModernPINPolicy)
		switch common.LockoutPolicy {
		case factor.LockoutUnspecified:
			if modern {
				common.LockoutPolicy = factor.LockoutTimeLimited
			} else {
				common.LockoutPolicy = factor.LockoutAttemptLimited
			}
		case factor.LockoutAttemptLimited:
			if modern {
				common.LockoutPolicy = factor.LockoutTimeLimited
			}
		case factor.LockoutTimeLimited:
		case factor.LockoutNone:
			return common, fmt.Errorf("%w: PIN factors require a lockout policy", ErrInvalidArgument)
		}
	}
	return common, nil
}

func resolveMetadata(t factor.Type, md factor.Metadata) (factor.Metadata, error) {
	if md == nil {
		return factor.DefaultMetadata(t), nil
	}
	if md.FactorType() != t {
		return nil, fmt.Errorf("%w: metadata for %s does not match factor type %s",
			ErrInvalidArgument, md.FactorType(), t)
	}
	return md, nil
}

// createBlock selects a block type from the driver's candidate list and
// derives fresh key material.
func (s *Session) createBlock(ctx context.Context, d *factor.Driver, secret []byte) (*authblock.KeyMaterial, *authblock.State, error) {
	bt, err := s.b.Blocks.SelectType(ctx, d.BlockPriority)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: selecting block type: %v", ErrCrypto, err)
	}
	km, st, err := s.b.Blocks.Create(ctx, bt, &authblock.Input{UserID: s.userID, Secret: secret})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: creating key material: %v", ErrCrypto, err)
	}
	return km, st, nil
}

// ensureStash returns the session's decrypted stash token, creating a
// fresh stash for the user's very first factor. Must be called with s.mu
// held.
func (s *Session) ensureStash(ctx context.Context) (*stash.DecryptToken, error) {
	if s.stashToken != nil {
		return s.stashToken, nil
	}
	if s.registry.Count() > 0 || s.b.Stash.Exists(s.userID) {
		return nil, fmt.Errorf("%w: no decrypted stash", ErrUnauthenticated)
	}
	tok, err := s.b.Stash.Create(ctx, s.userID)
	if err != nil {
		return nil, fmt.Errorf("%w: creating stash: %v", ErrStorage, err)
	}
	s.stashToken = tok
	return tok, nil
}

// resetSecretFor returns the reset secret to store for a factor that
// needs one, preferring block-provided material.
func resetSecretFor(km *authblock.KeyMaterial) ([]byte, error) {
	if len(km.ResetSecret) > 0 {
		return km.ResetSecret, nil
	}
	return util.RandomBytes(util.AESKeySize)
}

// AddAuthFactor enrolls a new factor. For persistent users the factor file
// is written first and the stash commit that references it comes second;
// for ephemeral users only a credential verifier is installed.
func (s *Session) AddAuthFactor(ctx context.Context, req *AddFactorRequest) error {
	defer s.runPending()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d, err := factor.DriverFor(req.Type)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if d.Arity == factor.ArityNone {
		return fmt.Errorf("%w: %s factors cannot be enrolled", ErrInvalidArgument, req.Type)
	}
	if err := factor.ValidateLabel(req.Label); err != nil {
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
	if _, ok := s.registry.Find(req.Label); ok {
		return fmt.Errorf("%w: label %q", ErrExists, req.Label)
	}

	if s.ephemeral {
		return s.addEphemeral(d, req, common, md)
	}

	tok, err := s.ensureStash(ctx)
	if err != nil {
		return err
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
	if err := s.b.Factors.Save(s.userID, &f); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	wrap, err := stash.WrappingSecretFromKeyMaterial(km)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	tx, err := tok.NewTransaction()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	tx.InsertWrappedKey(req.Label, wrap)
	if d.UsesRateLimiter && km.RateLimiterID != 0 {
		tx.SetRateLimiter(state.Type, km.RateLimiterID)
	}
	if d.NeedsResetSecret {
		rs, err := resetSecretFor(km)
		if err != nil {
			tx.Abort()
			return fmt.Errorf("%w: %v", ErrCrypto, err)
		}
		tx.InsertResetSecret(req.Label, rs)
	}
	if err := tx.Commit(ctx); err != nil {
		if derr := s.b.Factors.Delete(s.userID, req.Label); derr != nil {
			s.log.Warn("rolling back factor file failed", "label", req.Label, "error", derr)
		}
		return fmt.Errorf("%w: committing stash: %v", ErrStorage, err)
	}

	if err := s.registry.Add(factor.Entry{Factor: f, Backend: factor.BackendSecretStash}); err != nil {
		return fmt.Errorf("%w: %v", ErrExists, err)
	}

	if d.KnowledgeFactor {
		s.ensureRecoverableRecord(req.Label, req.Secret)
	}
	return nil
}

// addEphemeral registers a verifier-only factor; nothing is persisted.
func (s *Session) addEphemeral(d *factor.Driver, req *AddFactorRequest, common factor.CommonMetadata, md factor.Metadata) error {
	if len(d.LightAuthIntents) == 0 {
		return fmt.Errorf("%w: %s factors cannot be used ephemerally", ErrInvalidArgument, req.Type)
	}
	v, err := s.newVerifier(req.Label, req.Type, req.Secret, d.LightAuthIntents)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	f := factor.Factor{Type: req.Type, Label: req.Label, Common: common, Metadata: md}
	if err := s.registry.Add(factor.Entry{Factor: f}); err != nil {
		return fmt.Errorf("%w: %v", ErrExists, err)
	}
	s.b.Verifiers.Install(s.userID, v)
	return nil
}
