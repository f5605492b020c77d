package session

import (
	"time"

	"github.com/jmcleod/latchkey/authblock"
	"github.com/jmcleod/latchkey/factor"
	"github.com/jmcleod/latchkey/keyset"
	"github.com/jmcleod/latchkey/stash"
	"github.com/jmcleod/latchkey/storage"
	"github.com/jmcleod/latchkey/verifier"
)

// Feature names an optional capability gated at runtime.
type Feature int

const (
	// FeatureModernPINPolicy forces the time-limited lockout policy on every
	// newly added PIN factor.
	FeatureModernPINPolicy Feature = iota
	// FeatureRecoverableKeyStore maintains recoverable-key-store records for
	// knowledge factors.
	FeatureRecoverableKeyStore
)

// FeatureSource answers whether a named capability is enabled.
type FeatureSource interface {
	Enabled(f Feature) bool
}

// FeatureMap is a static FeatureSource.
type FeatureMap map[Feature]bool

func (m FeatureMap) Enabled(f Feature) bool { return m[f] }

// FactorStatus is the availability payload broadcast while a factor is
// locked out. AvailableIn is the delay until the factor accepts attempts;
// ExpiresIn is the remaining validity of an out-of-band preparation.
type FactorStatus struct {
	Label       string
	Type        factor.Type
	AvailableIn time.Duration
	ExpiresIn   time.Duration
}

// Notifier receives factor-status broadcasts.
type Notifier interface {
	FactorStatus(userID string, statuses []FactorStatus)
}

type nopNotifier struct{}

func (nopNotifier) FactorStatus(string, []FactorStatus) {}

// Backends is the set of collaborators the session engine composes. All
// fields except Notify and Features are required; a missing one is a
// programming error.
type Backends struct {
	Blocks    authblock.Service
	Factors   *factor.Store
	Keysets   *keyset.Store
	Stash     *stash.Manager
	Verifiers *verifier.Forwarder
	Repo      storage.Repository

	// Notify defaults to a no-op sink; Features defaults to all-disabled.
	Notify   Notifier
	Features FeatureSource
}

func (b *Backends) validate() {
	switch {
	case b == nil:
		panic("session: nil backends")
	case b.Blocks == nil:
		panic("session: missing auth-block service")
	case b.Factors == nil:
		panic("session: missing factor store")
	case b.Keysets == nil:
		panic("session: missing keyset store")
	case b.Stash == nil:
		panic("session: missing stash manager")
	case b.Verifiers == nil:
		panic("session: missing verifier forwarder")
	case b.Repo == nil:
		panic("session: missing repository")
	}
	if b.Notify == nil {
		b.Notify = nopNotifier{}
	}
	if b.Features == nil {
		b.Features = FeatureMap{}
	}
}
