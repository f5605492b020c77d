package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/latchkey/authblock"
	"github.com/jmcleod/latchkey/factor"
	"github.com/jmcleod/latchkey/keyset"
	"github.com/jmcleod/latchkey/session"
	"github.com/jmcleod/latchkey/stash"
)

// wrappingSecret re-derives the stash wrapping secret for a persisted
// factor, for asserting directly against the stash in tests.
func wrappingSecret(t *testing.T, e *env, userID, label, secret string) *memguard.Enclave {
	t.Helper()
	f, err := e.backends.Factors.Get(userID, label)
	require.NoError(t, err)
	km, err := e.backends.Blocks.Derive(context.Background(), &f.BlockState, &authblock.Input{
		UserID: userID,
		Secret: []byte(secret),
	})
	require.NoError(t, err)
	ws, err := stash.WrappingSecretFromKeyMaterial(km)
	require.NoError(t, err)
	return ws
}

// authedSession enrolls a password for a fresh user and returns the
// enrollment session, which holds the decrypted stash.
func authedSession(t *testing.T, e *env, username string) *session.Session {
	t.Helper()
	s := e.newUserSession(t, username)
	addPassword(t, s, "main", "hunter2")
	return s
}

func TestRemoveAuthFactor(t *testing.T) {
	e := newEnv(t, nil)
	s := authedSession(t, e, "alice")

	t.Run("LastFactor", func(t *testing.T) {
		err := s.RemoveAuthFactor(context.Background(), "main")
		require.ErrorIs(t, err, session.ErrLastFactor)
	})

	t.Run("Unknown", func(t *testing.T) {
		err := s.RemoveAuthFactor(context.Background(), "nope")
		require.ErrorIs(t, err, session.ErrNotFound)
	})

	t.Run("StashBacked", func(t *testing.T) {
		err := s.AddAuthFactor(context.Background(), &session.AddFactorRequest{
			Type:   factor.TypePIN,
			Label:  "pin",
			Secret: []byte("1234"),
		})
		require.NoError(t, err)
		require.Len(t, s.ListAuthFactors(), 2)

		require.NoError(t, s.RemoveAuthFactor(context.Background(), "pin"))
		require.Len(t, s.ListAuthFactors(), 1)
		_, err = e.backends.Factors.Get(session.SanitizeUsername("alice"), "pin")
		require.Error(t, err)

		// The removed label can be enrolled again.
		err = s.AddAuthFactor(context.Background(), &session.AddFactorRequest{
			Type:   factor.TypePIN,
			Label:  "pin",
			Secret: []byte("5678"),
		})
		require.NoError(t, err)
	})

	t.Run("ActiveLegacyKeyset", func(t *testing.T) {
		e := newEnv(t, nil)
		e.seedLegacyFactor(t, "erin", "oldpw", "hunter2", factor.TypePassword, factor.LockoutNone, nil)
		e.seedLegacyFactor(t, "erin", "oldpin", "1234", factor.TypePIN, factor.LockoutAttemptLimited, nil)
		s := e.existingSession(t, "erin")

		// Authenticating migrates "oldpw"; "oldpin" stays legacy-backed.
		_, err := s.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
			Type:   factor.TypePassword,
			Labels: []string{"oldpw"},
			Secret: []byte("hunter2"),
		})
		require.NoError(t, err)

		// oldpin is still legacy-backed and removable.
		require.NoError(t, s.RemoveAuthFactor(context.Background(), "oldpin"))
	})

	t.Run("Ephemeral", func(t *testing.T) {
		e := newEnv(t, nil)
		s := e.ephemeralSession(t, "guest")
		addPassword(t, s, "one", "a")
		addPassword(t, s, "two", "b")
		require.NoError(t, s.RemoveAuthFactor(context.Background(), "two"))
		err := s.RemoveAuthFactor(context.Background(), "one")
		require.ErrorIs(t, err, session.ErrLastFactor)
	})
}

func TestUpdateAuthFactor(t *testing.T) {
	e := newEnv(t, nil)
	s := authedSession(t, e, "alice")

	err := s.UpdateAuthFactor(context.Background(), &session.UpdateFactorRequest{
		Type:   factor.TypePassword,
		Label:  "main",
		Secret: []byte("better secret"),
	})
	require.NoError(t, err)
	s.Close()

	s2 := e.existingSession(t, "alice")
	_, err = s2.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
		Type:   factor.TypePassword,
		Labels: []string{"main"},
		Secret: []byte("hunter2"),
	})
	require.ErrorIs(t, err, session.ErrCrypto, "old secret must stop working")

	_, err = s2.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
		Type:   factor.TypePassword,
		Labels: []string{"main"},
		Secret: []byte("better secret"),
	})
	require.NoError(t, err)

	t.Run("TypeMismatch", func(t *testing.T) {
		err := s2.UpdateAuthFactor(context.Background(), &session.UpdateFactorRequest{
			Type:   factor.TypePIN,
			Label:  "main",
			Secret: []byte("1234"),
		})
		require.ErrorIs(t, err, session.ErrInvalidArgument)
	})

	t.Run("UnknownLabel", func(t *testing.T) {
		err := s2.UpdateAuthFactor(context.Background(), &session.UpdateFactorRequest{
			Type:   factor.TypePassword,
			Label:  "nope",
			Secret: []byte("x"),
		})
		require.ErrorIs(t, err, session.ErrNotFound)
	})
}

func TestUpdateLegacyFactorMigrates(t *testing.T) {
	e := newEnv(t, nil)
	e.seedLegacyFactor(t, "dave", "oldpw", "hunter2", factor.TypePassword, factor.LockoutNone, nil)
	e.seedLegacyFactor(t, "dave", "pin", "1234", factor.TypePIN, factor.LockoutAttemptLimited, nil)
	userID := session.SanitizeUsername("dave")

	s := e.existingSession(t, "dave")
	_, err := s.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
		Type:   factor.TypePassword,
		Labels: []string{"oldpw"},
		Secret: []byte("hunter2"),
	})
	require.NoError(t, err)

	// "pin" is still legacy-backed; an explicit update migrates it.
	err = s.UpdateAuthFactor(context.Background(), &session.UpdateFactorRequest{
		Type:   factor.TypePIN,
		Label:  "pin",
		Secret: []byte("4321"),
	})
	require.NoError(t, err)

	for _, info := range s.ListAuthFactors() {
		assert.Equal(t, factor.BackendSecretStash, info.Backend, info.Label)
	}
	_, err = e.backends.Keysets.Get(userID, "pin")
	require.Error(t, err)
}

func TestUpdateAuthFactorMetadata(t *testing.T) {
	e := newEnv(t, nil)
	s := authedSession(t, e, "alice")

	err := s.UpdateAuthFactorMetadata(context.Background(), &session.MetadataUpdateRequest{
		Type:   factor.TypePassword,
		Label:  "main",
		Common: factor.CommonMetadata{DisplayName: "Main password"},
	})
	require.NoError(t, err)

	infos := s.ListAuthFactors()
	require.Len(t, infos, 1)
	assert.Equal(t, "Main password", infos[0].DisplayName)

	f, err := e.backends.Factors.Get(session.SanitizeUsername("alice"), "main")
	require.NoError(t, err)
	assert.Equal(t, "Main password", f.Common.DisplayName)

	t.Run("LegacyRejected", func(t *testing.T) {
		e := newEnv(t, nil)
		e.seedLegacyFactor(t, "erin", "oldpw", "hunter2", factor.TypePassword, factor.LockoutNone, nil)
		s := e.existingSession(t, "erin")
		err := s.UpdateAuthFactorMetadata(context.Background(), &session.MetadataUpdateRequest{
			Type:   factor.TypePassword,
			Label:  "oldpw",
			Common: factor.CommonMetadata{DisplayName: "x"},
		})
		require.ErrorIs(t, err, session.ErrInvalidArgument)
	})
}

func TestRelabelAuthFactor(t *testing.T) {
	e := newEnv(t, nil)
	s := authedSession(t, e, "alice")
	userID := session.SanitizeUsername("alice")

	require.NoError(t, s.RelabelAuthFactor(context.Background(), "main", "primary"))

	_, err := e.backends.Factors.Get(userID, "main")
	require.Error(t, err)
	_, err = e.backends.Factors.Get(userID, "primary")
	require.NoError(t, err)
	s.Close()

	s2 := e.existingSession(t, "alice")
	_, err = s2.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
		Type:   factor.TypePassword,
		Labels: []string{"primary"},
		Secret: []byte("hunter2"),
	})
	require.NoError(t, err)

	t.Run("OldLabelGone", func(t *testing.T) {
		_, err := s2.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
			Type:   factor.TypePassword,
			Labels: []string{"main"},
			Secret: []byte("hunter2"),
		})
		require.ErrorIs(t, err, session.ErrNotFound)
	})

	t.Run("TargetExists", func(t *testing.T) {
		err := s2.AddAuthFactor(context.Background(), &session.AddFactorRequest{
			Type:   factor.TypePIN,
			Label:  "pin",
			Secret: []byte("1234"),
		})
		require.NoError(t, err)
		err = s2.RelabelAuthFactor(context.Background(), "pin", "primary")
		require.ErrorIs(t, err, session.ErrExists)
	})

	t.Run("LegacyNotEligible", func(t *testing.T) {
		e := newEnv(t, nil)
		e.seedLegacyFactor(t, "erin", "oldpw", "hunter2", factor.TypePassword, factor.LockoutNone, nil)
		s := e.existingSession(t, "erin")
		err := s.RelabelAuthFactor(context.Background(), "oldpw", "newpw")
		require.ErrorIs(t, err, session.ErrInvalidArgument)
	})
}

func TestReplaceAuthFactor(t *testing.T) {
	e := newEnv(t, nil)
	s := authedSession(t, e, "alice")
	userID := session.SanitizeUsername("alice")

	err := s.ReplaceAuthFactor(context.Background(), "main", &session.AddFactorRequest{
		Type:   factor.TypePassword,
		Label:  "replacement",
		Secret: []byte("fresh secret"),
	})
	require.NoError(t, err)

	_, err = e.backends.Factors.Get(userID, "main")
	require.Error(t, err)
	s.Close()

	s2 := e.existingSession(t, "alice")
	_, err = s2.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
		Type:   factor.TypePassword,
		Labels: []string{"replacement"},
		Secret: []byte("fresh secret"),
	})
	require.NoError(t, err)
	_, err = s2.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
		Type:   factor.TypePassword,
		Labels: []string{"replacement"},
		Secret: []byte("hunter2"),
	})
	require.ErrorIs(t, err, session.ErrCrypto)
}

func TestPrepareAndTerminate(t *testing.T) {
	e := newEnv(t, nil)
	s := authedSession(t, e, "alice")

	tok, err := s.PrepareAuthFactor(context.Background(), factor.TypeLegacyFingerprint)
	require.NoError(t, err)
	require.NotEmpty(t, tok.Nonce)

	t.Run("SecondPrepareRejected", func(t *testing.T) {
		_, err := s.PrepareAuthFactor(context.Background(), factor.TypeLegacyFingerprint)
		require.ErrorIs(t, err, session.ErrExists)
	})

	t.Run("ScanMatch", func(t *testing.T) {
		res, err := s.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
			Type:   factor.TypeLegacyFingerprint,
			Secret: tok.Nonce,
			Intent: factor.IntentVerifyOnly,
		})
		require.NoError(t, err)
		assert.True(t, res.LightAuth)
	})

	t.Run("LabelRejected", func(t *testing.T) {
		_, err := s.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
			Type:   factor.TypeLegacyFingerprint,
			Labels: []string{"some-label"},
			Secret: tok.Nonce,
			Intent: factor.IntentVerifyOnly,
		})
		require.ErrorIs(t, err, session.ErrInvalidArgument)
	})

	t.Run("Terminate", func(t *testing.T) {
		require.NoError(t, s.TerminateAuthFactor(context.Background(), factor.TypeLegacyFingerprint))
		_, err := s.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
			Type:   factor.TypeLegacyFingerprint,
			Secret: tok.Nonce,
			Intent: factor.IntentVerifyOnly,
		})
		require.ErrorIs(t, err, session.ErrNotFound)

		err = s.TerminateAuthFactor(context.Background(), factor.TypeLegacyFingerprint)
		require.ErrorIs(t, err, session.ErrNotFound)
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := s.PrepareAuthFactor(context.Background(), factor.TypePassword)
		require.ErrorIs(t, err, session.ErrInvalidArgument)
	})
}

type captureNotifier struct {
	mu  sync.Mutex
	got [][]session.FactorStatus
}

func (n *captureNotifier) FactorStatus(_ string, statuses []session.FactorStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := make([]session.FactorStatus, len(statuses))
	copy(cp, statuses)
	n.got = append(n.got, cp)
}

func (n *captureNotifier) broadcasts() [][]session.FactorStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]session.FactorStatus(nil), n.got...)
}

func TestLockoutBroadcast(t *testing.T) {
	e := newEnv(t, nil)
	notifier := &captureNotifier{}
	e.backends.Notify = notifier
	e.seedLegacyFactor(t, "frank", "pin", "1234", factor.TypePIN, factor.LockoutAttemptLimited, nil)
	e.seedLegacyFactor(t, "frank", "pw", "hunter2", factor.TypePassword, factor.LockoutNone, nil)

	s := e.existingSession(t, "frank")
	for i := 0; i < 5; i++ {
		_, err := s.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
			Type:   factor.TypePIN,
			Labels: []string{"pin"},
			Secret: []byte("0000"),
		})
		require.ErrorIs(t, err, session.ErrCrypto)
	}

	_, err := s.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
		Type:   factor.TypePIN,
		Labels: []string{"pin"},
		Secret: []byte("1234"),
	})
	var locked *session.LockedOutError
	require.ErrorAs(t, err, &locked)
	require.ErrorIs(t, err, session.ErrCrypto, "locked out is a crypto-failure sub-kind")
	assert.Equal(t, "pin", locked.Label)

	assert.Eventually(t, func() bool {
		for _, b := range notifier.broadcasts() {
			for _, st := range b {
				if st.Label == "pin" && st.AvailableIn > 0 {
					return true
				}
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	t.Run("StatusQuery", func(t *testing.T) {
		st, err := s.GetAuthFactorStatus(context.Background(), "pin")
		require.NoError(t, err)
		assert.Greater(t, st.AvailableIn, time.Duration(0))
	})

	t.Run("PasswordResetsExhaustedLockout", func(t *testing.T) {
		_, err := s.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
			Type:   factor.TypePassword,
			Labels: []string{"pw"},
			Secret: []byte("hunter2"),
		})
		require.NoError(t, err)

		// The password full auth cleared the PIN's exhausted counter.
		st, err := s.GetAuthFactorStatus(context.Background(), "pin")
		require.NoError(t, err)
		assert.Zero(t, st.AvailableIn)
	})
}

func TestPINResetSecretSeededFromPassword(t *testing.T) {
	e := newEnv(t, nil)
	e.seedLegacyFactor(t, "dave", "pw", "hunter2", factor.TypePassword, factor.LockoutNone, []byte("password reset seed"))
	e.seedLegacyFactor(t, "dave", "pin", "1234", factor.TypePIN, factor.LockoutAttemptLimited, nil)
	userID := session.SanitizeUsername("dave")

	s := e.existingSession(t, "dave")
	_, err := s.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
		Type:   factor.TypePassword,
		Labels: []string{"pw"},
		Secret: []byte("hunter2"),
	})
	require.NoError(t, err)

	// The password migration derived a reset secret for the legacy PIN
	// from the password's reset seed.
	tok, err := e.backends.Stash.Decrypt(context.Background(), userID, "pw", wrappingSecret(t, e, userID, "pw", "hunter2"))
	require.NoError(t, err)
	defer tok.Invalidate()
	_, ok := tok.Stash().ResetSecret("pin")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), tok.Stash().Counter("legacy_migrations"))
}

func TestMigratedPasswordResetsExhaustedLockout(t *testing.T) {
	e := newEnv(t, nil)
	e.seedLegacyFactor(t, "gina", "pw", "hunter2", factor.TypePassword, factor.LockoutNone, nil)
	e.seedLegacyFactor(t, "gina", "pin", "1234", factor.TypePIN, factor.LockoutAttemptLimited, nil)

	// First session migrates the password to the stash.
	s := e.existingSession(t, "gina")
	_, err := s.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
		Type:   factor.TypePassword,
		Labels: []string{"pw"},
		Secret: []byte("hunter2"),
	})
	require.NoError(t, err)
	s.Close()

	s2 := e.existingSession(t, "gina")
	for i := 0; i < 5; i++ {
		_, err := s2.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
			Type:   factor.TypePIN,
			Labels: []string{"pin"},
			Secret: []byte("0000"),
		})
		require.ErrorIs(t, err, session.ErrCrypto)
	}
	st, err := s2.GetAuthFactorStatus(context.Background(), "pin")
	require.NoError(t, err)
	require.Equal(t, keyset.IndefiniteDelay, st.AvailableIn)

	// The password now lives in the stash; its full auth must still clear
	// the legacy PIN's exhausted counter.
	_, err = s2.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
		Type:   factor.TypePassword,
		Labels: []string{"pw"},
		Secret: []byte("hunter2"),
	})
	require.NoError(t, err)

	st, err = s2.GetAuthFactorStatus(context.Background(), "pin")
	require.NoError(t, err)
	assert.Zero(t, st.AvailableIn)
}
