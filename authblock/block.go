package authblock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
)

var (
	// ErrInvalidSecret is returned when key derivation fails because the
	// supplied credential is wrong.
	ErrInvalidSecret = errors.New("invalid secret")
	// ErrUnsupported is returned when a service does not implement the
	// requested block type.
	ErrUnsupported = errors.New("unsupported auth block type")
)

// LockedOutError reports that a block's lockout counter is exhausted.
// AvailableIn is the delay until the next attempt is allowed; zero means
// the factor is locked indefinitely until reset.
type LockedOutError struct {
	AvailableIn time.Duration
}

func (e *LockedOutError) Error() string {
	if e.AvailableIn == 0 {
		return "credential locked out until reset"
	}
	return fmt.Sprintf("credential locked out for %s", e.AvailableIn)
}

// State is the opaque, persisted output of block creation. Params is a
// type-specific parameter blob owned by the block implementation; callers
// never interpret it.
type State struct {
	Type   Type            `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Input carries the caller-supplied credential for create/derive.
type Input struct {
	UserID string
	Secret []byte
}

// KeyMaterial is the derived output of a block. Secret is the 32-byte
// seed used to wrap or unwrap stash and keyset material.
type KeyMaterial struct {
	Secret *memguard.Enclave
	// ResetSecret clears a lockout counter for blocks that maintain one.
	ResetSecret []byte
	// RecreateRecommended indicates the block parameters are stale and the
	// factor should be re-created with fresh ones when convenient.
	RecreateRecommended bool
	// RateLimiterID identifies the per-user hardware rate limiter shared by
	// blocks of this type, zero when the block has none.
	RateLimiterID uint64
}

// OpenSecret opens the key material enclave. The returned buffer must be
// destroyed by the caller.
func (km *KeyMaterial) OpenSecret() (*memguard.LockedBuffer, error) {
	if km == nil || km.Secret == nil {
		return nil, errors.New("key material has no secret")
	}
	buf, err := km.Secret.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key material enclave: %w", err)
	}
	return buf, nil
}

// Service is the auth-block layer consumed by the session engine.
// Implementations may be software-only or hardware-backed.
type Service interface {
	// SelectType picks the first supported type from an ordered candidate list.
	SelectType(ctx context.Context, candidates []Type) (Type, error)

	// Create derives fresh key material from the input and returns the
	// opaque state needed to re-derive it later.
	Create(ctx context.Context, t Type, in *Input) (*KeyMaterial, *State, error)

	// Derive re-derives key material from a previously created state.
	// A wrong secret yields ErrInvalidSecret; an exhausted lockout counter
	// yields *LockedOutError.
	Derive(ctx context.Context, st *State, in *Input) (*KeyMaterial, error)

	// SelectFactor derives input once against a set of candidate states of
	// the same type and returns the index of the matching candidate.
	SelectFactor(ctx context.Context, states []*State, in *Input) (int, *KeyMaterial, error)
}
