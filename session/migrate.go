package session

import (
	"context"

	"github.com/jmcleod/latchkey/authblock"
	"github.com/jmcleod/latchkey/factor"
	"github.com/jmcleod/latchkey/internal/util"
	"github.com/jmcleod/latchkey/keyset"
	"github.com/jmcleod/latchkey/stash"
)

const (
	migrationCounter = "legacy_migrations"

	pinResetInfo = "pin-reset-secret:v1"
)

// pinResetSecret derives a PIN's reset secret from a password factor's
// reset seed with a keyed hash, so the password can clear PIN lockouts.
func pinResetSecret(seed []byte, label string) ([]byte, error) {
	return util.HKDF(seed, []byte(label), []byte(pinResetInfo))
}

// migrateLegacyFactor opportunistically moves a just-authenticated legacy
// factor into the stash: factor file first, stash commit second, keyset
// moved to backup last. Every failure leaves the legacy factor intact and
// is logged, never surfaced; the triggering authentication is unaffected.
// Must be called with s.mu held.
func (s *Session) migrateLegacyFactor(ctx context.Context, entry factor.Entry, km *authblock.KeyMaterial, payload *keyset.Payload) {
	label := entry.Factor.Label

	tok := s.stashToken
	if tok == nil {
		if s.b.Stash.Exists(s.userID) {
			// The stash cannot be opened with this factor's key material
			// until its wrap is inserted, and inserting needs the stash open.
			s.log.Warn("skipping migration, stash not decrypted", "label", label)
			return
		}
		var err error
		tok, err = s.b.Stash.Create(ctx, s.userID)
		if err != nil {
			s.log.Warn("migration: creating stash failed", "label", label, "error", err)
			return
		}
		s.stashToken = tok
	}

	f := entry.Factor
	if err := s.b.Factors.Save(s.userID, &f); err != nil {
		s.log.Warn("migration: saving factor file failed", "label", label, "error", err)
		return
	}
	rollbackFile := func() {
		if err := s.b.Factors.Delete(s.userID, label); err != nil {
			s.log.Warn("migration: rolling back factor file failed", "label", label, "error", err)
		}
	}

	wrap, err := stash.WrappingSecretFromKeyMaterial(km)
	if err != nil {
		rollbackFile()
		s.log.Warn("migration: deriving wrapping secret failed", "label", label, "error", err)
		return
	}
	tx, err := tok.NewTransaction()
	if err != nil {
		rollbackFile()
		s.log.Warn("migration: opening stash transaction failed", "label", label, "error", err)
		return
	}
	tx.InsertWrappedKey(label, wrap)

	if d, derr := factor.DriverFor(entry.Factor.Type); derr == nil && d.NeedsResetSecret {
		if _, ok := tok.Stash().ResetSecret(label); !ok {
			rs, rerr := resetSecretFor(km)
			if rerr != nil {
				tx.Abort()
				rollbackFile()
				s.log.Warn("migration: generating reset secret failed", "label", label, "error", rerr)
				return
			}
			tx.InsertResetSecret(label, rs)
		}
	}

	// A password's reset seed lets us seed reset secrets for PINs that
	// have not migrated yet.
	if len(payload.ResetSeed) > 0 {
		s.stagePINResetSecrets(tx, payload.ResetSeed, label)
	}

	tx.BumpCounter(migrationCounter)
	if err := tx.Commit(ctx); err != nil {
		rollbackFile()
		s.log.Warn("migration: stash commit failed", "label", label, "error", err)
		return
	}

	if err := s.b.Keysets.MoveToBackup(s.userID, label); err != nil {
		// The stash copy wins on the next registry rebuild; the stale
		// keyset only wastes space.
		s.log.Warn("migration: backing up keyset failed", "label", label, "error", err)
	}
	if err := s.registry.Replace(label, factor.Entry{Factor: f, Backend: factor.BackendSecretStash}); err != nil {
		s.log.Warn("migration: updating registry failed", "label", label, "error", err)
	}
	if s.activeKeysetLabel == label {
		s.activeKeysetLabel = ""
	}
	s.log.Info("migrated legacy factor to stash", "label", label)
}

// stagePINResetSecrets stages derived reset secrets for every PIN-like
// factor that does not have one in the stash yet.
func (s *Session) stagePINResetSecrets(tx *stash.Transaction, seed []byte, skipLabel string) {
	st := s.stashToken.Stash()
	for _, e := range s.registry.All() {
		if e.Factor.Label == skipLabel {
			continue
		}
		d, err := factor.DriverFor(e.Factor.Type)
		if err != nil || !d.NeedsResetSecret {
			continue
		}
		if _, ok := st.ResetSecret(e.Factor.Label); ok {
			continue
		}
		rs, err := pinResetSecret(seed, e.Factor.Label)
		if err != nil {
			s.log.Warn("deriving pin reset secret failed", "label", e.Factor.Label, "error", err)
			continue
		}
		tx.InsertResetSecret(e.Factor.Label, rs)
	}
}
