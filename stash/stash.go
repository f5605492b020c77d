// Package stash implements the per-user secret stash: a single encrypted
// container holding one main key wrapped per enrolled factor label, plus
// per-label reset secrets, shared rate-limiter ids, filesystem key
// material, and small rollout counters.
package stash

import (
	"sort"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/latchkey/authblock"
)

// FileSystemKeys is the key material handed to the filesystem layer after
// a successful decrypt.
type FileSystemKeys struct {
	FEK  []byte `json:"fek"`
	FNEK []byte `json:"fnek"`
}

// SecurityDomainKeys seeds the recoverable key store for knowledge factors.
type SecurityDomainKeys struct {
	Seed []byte `json:"seed"`
}

// Stash is one user's decrypted secret stash. At most one decrypted Stash
// exists per user at a time; it is owned by the Manager and lent to
// sessions through decrypt tokens. All mutations go through a Transaction.
type Stash struct {
	userID  string
	mainKey *memguard.Enclave
	version uint64

	wrapped      map[string][]byte
	resetSecrets map[string][]byte
	rateLimiters map[authblock.Type]uint64
	counters     map[string]uint64
	fsKeys       FileSystemKeys
	sdKeys       SecurityDomainKeys
}

// UserID returns the owning user's storage name.
func (s *Stash) UserID() string {
	return s.userID
}

// Version returns the persisted record version backing this stash.
// Zero means the stash has never been committed.
func (s *Stash) Version() uint64 {
	return s.version
}

// HasWrappedKey reports whether the main key is wrapped for label.
func (s *Stash) HasWrappedKey(label string) bool {
	_, ok := s.wrapped[label]
	return ok
}

// WrappedKeyLabels returns the labels with a wrapped main key, sorted.
func (s *Stash) WrappedKeyLabels() []string {
	out := make([]string, 0, len(s.wrapped))
	for label := range s.wrapped {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// ResetSecret returns the reset secret stored for label, if any.
func (s *Stash) ResetSecret(label string) ([]byte, bool) {
	sec, ok := s.resetSecrets[label]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), sec...), true
}

// RateLimiterID returns the shared rate-limiter id for a block type, if set.
func (s *Stash) RateLimiterID(t authblock.Type) (uint64, bool) {
	id, ok := s.rateLimiters[t]
	return id, ok
}

// Counter returns the named rollout counter (zero if never bumped).
func (s *Stash) Counter(name string) uint64 {
	return s.counters[name]
}

// FileSystemKeys returns the stash's filesystem key material.
func (s *Stash) FileSystemKeys() FileSystemKeys {
	return FileSystemKeys{
		FEK:  append([]byte(nil), s.fsKeys.FEK...),
		FNEK: append([]byte(nil), s.fsKeys.FNEK...),
	}
}

// SecurityDomainKeys returns the stash's security-domain key material.
func (s *Stash) SecurityDomainKeys() SecurityDomainKeys {
	return SecurityDomainKeys{Seed: append([]byte(nil), s.sdKeys.Seed...)}
}

// clone returns a deep copy sharing the main key enclave. Transactions
// stage against the clone and swap it in only after a successful commit.
func (s *Stash) clone() *Stash {
	cp := &Stash{
		userID:       s.userID,
		mainKey:      s.mainKey,
		version:      s.version,
		wrapped:      make(map[string][]byte, len(s.wrapped)),
		resetSecrets: make(map[string][]byte, len(s.resetSecrets)),
		rateLimiters: make(map[authblock.Type]uint64, len(s.rateLimiters)),
		counters:     make(map[string]uint64, len(s.counters)),
		fsKeys:       s.FileSystemKeys(),
		sdKeys:       s.SecurityDomainKeys(),
	}
	for k, v := range s.wrapped {
		cp.wrapped[k] = append([]byte(nil), v...)
	}
	for k, v := range s.resetSecrets {
		cp.resetSecrets[k] = append([]byte(nil), v...)
	}
	for k, v := range s.rateLimiters {
		cp.rateLimiters[k] = v
	}
	for k, v := range s.counters {
		cp.counters[k] = v
	}
	return cp
}
