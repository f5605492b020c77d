package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/latchkey/authblock"
	"github.com/jmcleod/latchkey/factor"
	"github.com/jmcleod/latchkey/keyset"
	"github.com/jmcleod/latchkey/stash"
	"github.com/jmcleod/latchkey/verifier"
)

// AuthenticateRequest proves possession of an enrolled factor.
type AuthenticateRequest struct {
	Type   factor.Type
	Labels []string
	Secret []byte
	// Intent defaults to IntentDecrypt.
	Intent factor.Intent
}

// AuthResult reports a successful authentication.
type AuthResult struct {
	// Label is the factor that authenticated; empty for label-less types.
	Label string
	// Intents is the session's full authorized set after this operation.
	Intents []factor.Intent
	// LightAuth is true when a cached verifier satisfied the request
	// without full key derivation.
	LightAuth bool
}

func (s *Session) newVerifier(label string, t factor.Type, secret []byte, intents []factor.Intent) (*verifier.Verifier, error) {
	return verifier.New(label, t, secret, intents)
}

// AuthenticateAuthFactor implements the authentication algorithm: cached
// verifier first where eligible, full key derivation against the factor's
// backend otherwise.
func (s *Session) AuthenticateAuthFactor(ctx context.Context, req *AuthenticateRequest) (*AuthResult, error) {
	defer s.runPending()
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if req.Type == factor.TypeUnspecified {
		return nil, fmt.Errorf("%w: indeterminate factor type", ErrInvalidArgument)
	}
	d, err := factor.DriverFor(req.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	intent := req.Intent
	if intent == factor.IntentUnspecified {
		intent = factor.IntentDecrypt
	}

	switch d.Arity {
	case factor.ArityNone:
		return s.authenticateLightOnly(d, req, intent)
	case factor.AritySingle:
		return s.authenticateSingle(ctx, d, req, intent)
	case factor.ArityMultiple:
		return s.authenticateSelect(ctx, d, req, intent)
	default:
		return nil, fmt.Errorf("%w: arity %d", ErrNotImplemented, d.Arity)
	}
}

// authenticateLightOnly handles label-less factor types, which can only
// ever satisfy a request through an already-cached verifier.
func (s *Session) authenticateLightOnly(d *factor.Driver, req *AuthenticateRequest, intent factor.Intent) (*AuthResult, error) {
	if len(req.Labels) > 0 {
		return nil, fmt.Errorf("%w: %s factors take no label", ErrInvalidArgument, req.Type)
	}
	if !d.SupportsLightAuth(intent) {
		return nil, fmt.Errorf("%w: %s does not support intent %s", ErrInvalidArgument, req.Type, intent)
	}
	v, ok := s.b.Verifiers.FindByType(s.userID, req.Type)
	if !ok {
		return nil, fmt.Errorf("%w: no prepared verifier for %s", ErrNotFound, req.Type)
	}
	if v.FullAuthRequested() {
		return nil, fmt.Errorf("%w: full authentication required", ErrUnauthenticated)
	}
	if err := v.Verify(req.Secret); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	s.authorize(factor.NewIntentSet(d.LightAuthIntents...))
	return &AuthResult{Intents: s.intents.Sorted(), LightAuth: true}, nil
}

func (s *Session) authenticateSingle(ctx context.Context, d *factor.Driver, req *AuthenticateRequest, intent factor.Intent) (*AuthResult, error) {
	var label string
	switch {
	case len(req.Labels) == 1:
		label = req.Labels[0]
	case len(req.Labels) == 0 && s.ephemeral:
		// Ephemeral sessions may omit the label when a single verifier of
		// the type is installed.
		vs := s.b.Verifiers.ByType(s.userID, req.Type)
		if len(vs) != 1 {
			return nil, fmt.Errorf("%w: %d verifiers for %s, label required", ErrInvalidArgument, len(vs), req.Type)
		}
		label = vs[0].Label()
	default:
		return nil, fmt.Errorf("%w: exactly one label required", ErrInvalidArgument)
	}

	// Light path first: cheap verification against the cached verifier.
	if v, ok := s.b.Verifiers.Find(s.userID, label); ok {
		if d.SupportsLightAuth(intent) && !v.FullAuthRequested() {
			if err := v.Verify(req.Secret); err == nil {
				s.authorize(factor.NewIntentSet(d.LightAuthIntents...))
				s.maybeRequestFullAuth(v)
				return &AuthResult{Label: label, Intents: s.intents.Sorted(), LightAuth: true}, nil
			}
			// A stale verifier must not mask the real credential; fall
			// through to full authentication.
		}
	}

	if s.ephemeral {
		// Nothing is persisted for ephemeral users, so there is no full path.
		if _, ok := s.b.Verifiers.Find(s.userID, label); !ok {
			return nil, fmt.Errorf("%w: label %q", ErrNotFound, label)
		}
		return nil, fmt.Errorf("%w: %v", ErrCrypto, verifier.ErrMismatch)
	}

	entry, ok := s.registry.Find(label)
	if !ok {
		return nil, fmt.Errorf("%w: label %q", ErrNotFound, label)
	}
	if entry.Factor.Type != req.Type {
		return nil, fmt.Errorf("%w: label %q is a %s factor", ErrInvalidArgument, label, entry.Factor.Type)
	}
	if !d.SupportsFullAuth(intent) {
		return nil, fmt.Errorf("%w: %s does not support intent %s", ErrInvalidArgument, req.Type, intent)
	}

	var km *authblock.KeyMaterial
	var err error
	if entry.Backend == factor.BackendLegacyKeyset {
		km, err = s.authenticateLegacy(ctx, d, entry, req.Secret)
	} else {
		km, err = s.authenticateStash(ctx, entry, req.Secret)
	}
	if err != nil {
		return nil, err
	}
	s.finishFullAuth(d, label, req.Type, req.Secret, km)
	return &AuthResult{Label: label, Intents: s.intents.Sorted()}, nil
}

// authenticateSelect handles multi-label factor types: input is derived
// once and matched against every candidate's block state.
func (s *Session) authenticateSelect(ctx context.Context, d *factor.Driver, req *AuthenticateRequest, intent factor.Intent) (*AuthResult, error) {
	if len(req.Labels) == 0 {
		return nil, fmt.Errorf("%w: at least one label required", ErrInvalidArgument)
	}
	if !d.SupportsFullAuth(intent) {
		return nil, fmt.Errorf("%w: %s does not support intent %s", ErrInvalidArgument, req.Type, intent)
	}

	states := make([]*authblock.State, 0, len(req.Labels))
	for _, label := range req.Labels {
		entry, ok := s.registry.Find(label)
		if !ok {
			return nil, fmt.Errorf("%w: label %q", ErrNotFound, label)
		}
		if entry.Factor.Type != req.Type {
			return nil, fmt.Errorf("%w: label %q is a %s factor", ErrInvalidArgument, label, entry.Factor.Type)
		}
		if entry.Backend != factor.BackendSecretStash {
			return nil, fmt.Errorf("%w: label %q is not stash-backed", ErrInvalidArgument, label)
		}
		if len(states) > 0 && entry.Factor.BlockState.Type != states[0].Type {
			return nil, fmt.Errorf("%w: mixed auth block types in selection", ErrInvalidArgument)
		}
		st := entry.Factor.BlockState
		states = append(states, &st)
	}

	idx, km, err := s.b.Blocks.SelectFactor(ctx, states, &authblock.Input{UserID: s.userID, Secret: req.Secret})
	if err != nil {
		return nil, s.blockError("", err)
	}
	label := req.Labels[idx]
	if err := s.adoptStash(ctx, label, km); err != nil {
		return nil, err
	}
	s.finishFullAuth(d, label, req.Type, req.Secret, km)
	return &AuthResult{Label: label, Intents: s.intents.Sorted()}, nil
}

// blockError maps auth-block layer failures onto terminal error kinds and
// starts the lockout broadcast when applicable.
func (s *Session) blockError(label string, err error) error {
	var lo *authblock.LockedOutError
	if errors.As(err, &lo) {
		s.startLockoutBroadcast()
		return &LockedOutError{Label: label, AvailableIn: lo.AvailableIn}
	}
	return fmt.Errorf("%w: %v", ErrCrypto, err)
}

// authenticateStash derives key material from the factor's block state and
// unwraps the stash main key with it.
func (s *Session) authenticateStash(ctx context.Context, entry factor.Entry, secret []byte) (*authblock.KeyMaterial, error) {
	km, err := s.b.Blocks.Derive(ctx, &entry.Factor.BlockState, &authblock.Input{UserID: s.userID, Secret: secret})
	if err != nil {
		return nil, s.blockError(entry.Factor.Label, err)
	}
	if err := s.adoptStash(ctx, entry.Factor.Label, km); err != nil {
		return nil, err
	}
	return km, nil
}

// adoptStash decrypts the user's stash with derived key material and
// installs the token on the session.
func (s *Session) adoptStash(ctx context.Context, label string, km *authblock.KeyMaterial) error {
	wrap, err := stash.WrappingSecretFromKeyMaterial(km)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	tok, err := s.b.Stash.Decrypt(ctx, s.userID, label, wrap)
	if err != nil {
		if errors.Is(err, stash.ErrWrongSecret) {
			return fmt.Errorf("%w: %v", ErrCrypto, err)
		}
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if s.stashToken == nil {
		s.stashToken = tok
	} else {
		tok.Invalidate()
	}
	fs := s.stashToken.Stash().FileSystemKeys()
	s.fsKeys = &fs
	return nil
}

// authenticateLegacy runs the full path against a legacy keyset, resets
// stale lockouts it is entitled to clear, and opportunistically migrates
// the factor to the stash.
func (s *Session) authenticateLegacy(ctx context.Context, d *factor.Driver, entry factor.Entry, secret []byte) (*authblock.KeyMaterial, error) {
	label := entry.Factor.Label
	ks, err := s.b.Keysets.Get(s.userID, label)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	policy := entry.Factor.Common.LockoutPolicy

	now := s.m.now()
	if delay := ks.LockoutDelay(policy, now); delay > 0 {
		s.startLockoutBroadcast()
		return nil, &LockedOutError{Label: label, AvailableIn: delay}
	}

	km, err := s.b.Blocks.Derive(ctx, &ks.BlockState, &authblock.Input{UserID: s.userID, Secret: secret})
	if err != nil {
		if errors.Is(err, authblock.ErrInvalidSecret) {
			if ferr := s.b.Keysets.RecordFailure(s.userID, label, policy, now); ferr != nil {
				s.log.Warn("recording keyset failure failed", "label", label, "error", ferr)
			}
			return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
		}
		return nil, s.blockError(label, err)
	}

	payload, err := ks.Open(km, s.userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	if err := s.b.Keysets.ResetLockout(s.userID, label); err != nil {
		s.log.Warn("resetting keyset lockout failed", "label", label, "error", err)
	}

	s.activeKeysetLabel = label
	fs := payload.FsKeys
	s.fsKeys = &fs

	s.migrateLegacyFactor(ctx, entry, km, payload)
	return km, nil
}

// resetExhaustedLockouts clears indefinite lockouts on the user's other
// legacy factors. Best effort.
func (s *Session) resetExhaustedLockouts(authedLabel string, now time.Time) {
	for _, e := range s.registry.All() {
		if e.Backend != factor.BackendLegacyKeyset || e.Factor.Label == authedLabel {
			continue
		}
		other, err := s.b.Keysets.Get(s.userID, e.Factor.Label)
		if err != nil {
			continue
		}
		if other.LockoutDelay(e.Factor.Common.LockoutPolicy, now) != keyset.IndefiniteDelay {
			continue
		}
		if err := s.b.Keysets.ResetLockout(s.userID, e.Factor.Label); err != nil {
			s.log.Warn("resetting exhausted lockout failed", "label", e.Factor.Label, "error", err)
		}
	}
}

// finishFullAuth grants the driver's full-auth intents, refreshes the
// cached verifier, and runs the feature-gated recoverable-key-store check.
func (s *Session) finishFullAuth(d *factor.Driver, label string, t factor.Type, secret []byte, km *authblock.KeyMaterial) {
	s.authorize(factor.NewIntentSet(d.FullAuthIntents...))

	// A successful password grants the right to clear exhausted lockout
	// counters of the user's other legacy factors, whichever backend the
	// password itself lives in.
	if d.KnowledgeFactor && !d.NeedsResetSecret {
		s.resetExhaustedLockouts(label, s.m.now())
	}

	if len(d.LightAuthIntents) > 0 {
		v, err := s.newVerifier(label, t, secret, d.LightAuthIntents)
		if err != nil {
			s.log.Warn("refreshing credential verifier failed", "label", label, "error", err)
		} else {
			s.b.Verifiers.Install(s.userID, v)
		}
	}
	if d.KnowledgeFactor {
		s.ensureRecoverableRecord(label, secret)
	}
	if km != nil && km.RecreateRecommended {
		s.log.Info("auth block recreate recommended", "label", label)
	}
}

// maybeRequestFullAuth suspends light authentication for the verifier when
// some other enrolled factor sits in an indefinite lockout, so the next
// attempt derives real key material that can reset it.
func (s *Session) maybeRequestFullAuth(v *verifier.Verifier) {
	now := s.m.now()
	for _, e := range s.registry.All() {
		if e.Backend != factor.BackendLegacyKeyset || e.Factor.Label == v.Label() {
			continue
		}
		fd, err := factor.DriverFor(e.Factor.Type)
		if err != nil || !fd.NeedsResetSecret {
			continue
		}
		ks, err := s.b.Keysets.Get(s.userID, e.Factor.Label)
		if err != nil {
			continue
		}
		if ks.LockoutDelay(e.Factor.Common.LockoutPolicy, now) == keyset.IndefiniteDelay {
			v.RequestFullAuth()
			return
		}
	}
}
