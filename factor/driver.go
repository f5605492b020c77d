package factor

import (
	"fmt"

	"github.com/jmcleod/latchkey/authblock"
)

// LabelArity is how many labels an authentication request for a factor
// type must supply.
type LabelArity int

const (
	// ArityNone rejects labels; authentication uses a cached verifier only.
	ArityNone LabelArity = iota
	// AritySingle requires exactly one label.
	AritySingle
	// ArityMultiple requires one or more labels and a selection step.
	ArityMultiple
)

// Driver describes the static capabilities of one factor type. Drivers are
// built once and looked up by type; they carry no per-user state.
type Driver struct {
	Type  Type
	Arity LabelArity

	// BlockPriority is the ordered candidate list handed to the auth-block
	// layer when creating key material.
	BlockPriority []authblock.Type

	// FullAuthIntents are granted on successful full authentication.
	FullAuthIntents []Intent
	// LightAuthIntents are granted on successful verifier-only authentication.
	LightAuthIntents []Intent

	// NeedsResetSecret marks factors whose lockout counter requires a
	// per-factor reset secret to clear.
	NeedsResetSecret bool
	// UsesRateLimiter marks factors sharing a hardware-backed rate limiter.
	UsesRateLimiter bool
	// SupportsPrepare marks factors needing an out-of-band prepare step.
	SupportsPrepare bool
	// KnowledgeFactor marks factors derived from a user-memorized secret.
	KnowledgeFactor bool
}

var drivers = map[Type]*Driver{
	TypePassword: {
		Type:             TypePassword,
		Arity:            AritySingle,
		BlockPriority:    []authblock.Type{authblock.TypeArgon2id, authblock.TypeScrypt},
		FullAuthIntents:  []Intent{IntentDecrypt, IntentVerifyOnly, IntentWebAuthn},
		LightAuthIntents: []Intent{IntentVerifyOnly},
		KnowledgeFactor:  true,
	},
	TypePIN: {
		Type:             TypePIN,
		Arity:            AritySingle,
		BlockPriority:    []authblock.Type{authblock.TypeRateLimited, authblock.TypeArgon2id},
		FullAuthIntents:  []Intent{IntentDecrypt, IntentVerifyOnly, IntentWebAuthn},
		LightAuthIntents: []Intent{IntentVerifyOnly},
		NeedsResetSecret: true,
		KnowledgeFactor:  true,
	},
	TypeRecovery: {
		Type:            TypeRecovery,
		Arity:           AritySingle,
		BlockPriority:   []authblock.Type{authblock.TypeRecovery},
		FullAuthIntents: []Intent{IntentDecrypt, IntentVerifyOnly},
	},
	TypeKiosk: {
		Type:            TypeKiosk,
		Arity:           AritySingle,
		BlockPriority:   []authblock.Type{authblock.TypeKiosk},
		FullAuthIntents: []Intent{IntentDecrypt, IntentVerifyOnly},
	},
	TypeSmartCard: {
		Type:             TypeSmartCard,
		Arity:            AritySingle,
		BlockPriority:    []authblock.Type{authblock.TypeChallengeResponse},
		FullAuthIntents:  []Intent{IntentDecrypt, IntentVerifyOnly, IntentWebAuthn},
		LightAuthIntents: []Intent{IntentVerifyOnly},
		SupportsPrepare:  true,
	},
	TypeFingerprint: {
		Type:            TypeFingerprint,
		Arity:           ArityMultiple,
		BlockPriority:   []authblock.Type{authblock.TypeFingerprint},
		FullAuthIntents: []Intent{IntentDecrypt, IntentVerifyOnly},
		UsesRateLimiter: true,
		SupportsPrepare: true,
	},
	TypeLegacyFingerprint: {
		Type:             TypeLegacyFingerprint,
		Arity:            ArityNone,
		LightAuthIntents: []Intent{IntentVerifyOnly},
		SupportsPrepare:  true,
	},
}

// DriverFor looks up the driver for a factor type.
func DriverFor(t Type) (*Driver, error) {
	d, ok := drivers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	return d, nil
}

// SupportsLightAuth reports whether the driver permits verifier-only
// authentication for the given intent.
func (d *Driver) SupportsLightAuth(intent Intent) bool {
	for _, i := range d.LightAuthIntents {
		if i == intent {
			return true
		}
	}
	return false
}

// SupportsFullAuth reports whether full authentication grants the intent.
func (d *Driver) SupportsFullAuth(intent Intent) bool {
	for _, i := range d.FullAuthIntents {
		if i == intent {
			return true
		}
	}
	return false
}
