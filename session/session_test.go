package session_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/latchkey/authblock"
	"github.com/jmcleod/latchkey/authblock/software"
	"github.com/jmcleod/latchkey/factor"
	"github.com/jmcleod/latchkey/internal/util"
	"github.com/jmcleod/latchkey/keyset"
	"github.com/jmcleod/latchkey/session"
	"github.com/jmcleod/latchkey/stash"
	"github.com/jmcleod/latchkey/storage/memory"
	"github.com/jmcleod/latchkey/verifier"
)

var fastParams = util.Argon2idParams{Time: 1, MemoryKiB: 8, Parallelism: 1, KeyLen: 32}

type env struct {
	backends *session.Backends
	mgr      *session.Manager
}

func newEnv(t *testing.T, features session.FeatureMap, opts ...session.ManagerOption) *env {
	t.Helper()
	repo := memory.NewRepository()
	b := &session.Backends{
		Blocks:    software.New(software.WithArgon2idParams(fastParams)),
		Factors:   factor.NewStore(repo),
		Keysets:   keyset.NewStore(repo),
		Stash:     stash.NewManager(repo),
		Verifiers: verifier.NewForwarder(),
		Repo:      repo,
		Features:  features,
	}
	opts = append([]session.ManagerOption{
		session.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return &env{backends: b, mgr: session.NewManager(b, opts...)}
}

func (e *env) newUserSession(t *testing.T, username string) *session.Session {
	t.Helper()
	s, err := e.mgr.CreateSession(context.Background(), session.Params{Username: username, NewUser: true})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func (e *env) existingSession(t *testing.T, username string) *session.Session {
	t.Helper()
	s, err := e.mgr.CreateSession(context.Background(), session.Params{Username: username})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func (e *env) ephemeralSession(t *testing.T, username string) *session.Session {
	t.Helper()
	s, err := e.mgr.CreateSession(context.Background(), session.Params{Username: username, Ephemeral: true})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// seedLegacyFactor writes a legacy keyset directly, simulating a user
// enrolled before the stash format existed.
func (e *env) seedLegacyFactor(t *testing.T, username, label, secret string, ft factor.Type, policy factor.LockoutPolicy, resetSeed []byte) {
	t.Helper()
	userID := session.SanitizeUsername(username)
	km, state, err := e.backends.Blocks.Create(context.Background(), authblock.TypeArgon2id, &authblock.Input{
		UserID: userID,
		Secret: []byte(secret),
	})
	require.NoError(t, err)
	ks := &keyset.Keyset{
		Label:      label,
		Type:       ft,
		Common:     factor.CommonMetadata{LockoutPolicy: policy},
		BlockState: *state,
	}
	payload := &keyset.Payload{
		FsKeys:    stash.FileSystemKeys{FEK: []byte("legacy fek"), FNEK: []byte("legacy fnek")},
		ResetSeed: resetSeed,
	}
	require.NoError(t, ks.Seal(km, userID, payload))
	require.NoError(t, e.backends.Keysets.Save(userID, ks))
}

func addPassword(t *testing.T, s *session.Session, label, secret string) {
	t.Helper()
	err := s.AddAuthFactor(context.Background(), &session.AddFactorRequest{
		Type:   factor.TypePassword,
		Label:  label,
		Secret: []byte(secret),
	})
	require.NoError(t, err)
}

func TestCreateSession(t *testing.T) {
	e := newEnv(t, nil)

	t.Run("UnknownUser", func(t *testing.T) {
		_, err := e.mgr.CreateSession(context.Background(), session.Params{Username: "nobody"})
		require.ErrorIs(t, err, session.ErrNotFound)
	})

	t.Run("EmptyUsername", func(t *testing.T) {
		_, err := e.mgr.CreateSession(context.Background(), session.Params{})
		require.ErrorIs(t, err, session.ErrInvalidArgument)
	})

	t.Run("NewUser", func(t *testing.T) {
		s := e.newUserSession(t, "alice")
		assert.NotEmpty(t, s.Token())
		assert.Empty(t, s.Intents())
		assert.Empty(t, s.ListAuthFactors())
	})

	t.Run("ExistingUser", func(t *testing.T) {
		s := e.newUserSession(t, "bob")
		addPassword(t, s, "main", "hunter2")

		s2 := e.existingSession(t, "bob")
		infos := s2.ListAuthFactors()
		require.Len(t, infos, 1)
		assert.Equal(t, "main", infos[0].Label)
		assert.Equal(t, factor.BackendSecretStash, infos[0].Backend)
	})
}

func TestAddAuthFactor(t *testing.T) {
	e := newEnv(t, nil)
	s := e.newUserSession(t, "alice")
	addPassword(t, s, "main", "hunter2")

	t.Run("DuplicateLabel", func(t *testing.T) {
		err := s.AddAuthFactor(context.Background(), &session.AddFactorRequest{
			Type:   factor.TypePassword,
			Label:  "main",
			Secret: []byte("other"),
		})
		require.ErrorIs(t, err, session.ErrExists)
	})

	t.Run("DuplicateLabelAcrossBackends", func(t *testing.T) {
		e := newEnv(t, nil)
		e.seedLegacyFactor(t, "carol", "main", "hunter2", factor.TypePassword, factor.LockoutNone, nil)
		s := e.existingSession(t, "carol")
		err := s.AddAuthFactor(context.Background(), &session.AddFactorRequest{
			Type:   factor.TypePassword,
			Label:  "main",
			Secret: []byte("new"),
		})
		require.ErrorIs(t, err, session.ErrExists)
	})

	t.Run("BadLabel", func(t *testing.T) {
		err := s.AddAuthFactor(context.Background(), &session.AddFactorRequest{
			Type:   factor.TypePassword,
			Label:  "Not A Label!",
			Secret: []byte("x"),
		})
		require.ErrorIs(t, err, session.ErrInvalidArgument)
	})

	t.Run("OversizedDisplayName", func(t *testing.T) {
		long := make([]byte, factor.MaxDisplayNameLength+1)
		for i := range long {
			long[i] = 'a'
		}
		err := s.AddAuthFactor(context.Background(), &session.AddFactorRequest{
			Type:   factor.TypePassword,
			Label:  "second",
			Secret: []byte("x"),
			Common: factor.CommonMetadata{DisplayName: string(long)},
		})
		require.ErrorIs(t, err, session.ErrInvalidArgument)
	})

	t.Run("MismatchedMetadata", func(t *testing.T) {
		err := s.AddAuthFactor(context.Background(), &session.AddFactorRequest{
			Type:     factor.TypePassword,
			Label:    "second",
			Secret:   []byte("x"),
			Metadata: factor.PINMetadata{},
		})
		require.ErrorIs(t, err, session.ErrInvalidArgument)
	})

	t.Run("UnauthenticatedSecondFactorSession", func(t *testing.T) {
		// A fresh session for an enrolled user has no decrypted stash.
		s2 := e.existingSession(t, "alice")
		err := s2.AddAuthFactor(context.Background(), &session.AddFactorRequest{
			Type:   factor.TypePIN,
			Label:  "pin",
			Secret: []byte("1234"),
		})
		require.ErrorIs(t, err, session.ErrUnauthenticated)
	})
}

func TestModernPINPolicy(t *testing.T) {
	e := newEnv(t, session.FeatureMap{session.FeatureModernPINPolicy: true})
	s := e.newUserSession(t, "alice")
	addPassword(t, s, "main", "hunter2")

	err := s.AddAuthFactor(context.Background(), &session.AddFactorRequest{
		Type:   factor.TypePIN,
		Label:  "pin",
		Secret: []byte("1234"),
		Common: factor.CommonMetadata{LockoutPolicy: factor.LockoutAttemptLimited},
	})
	require.NoError(t, err)

	var pin *session.FactorInfo
	for _, info := range s.ListAuthFactors() {
		if info.Label == "pin" {
			cp := info
			pin = &cp
		}
	}
	require.NotNil(t, pin)

	// The persisted record carries the overridden policy.
	f, err := e.backends.Factors.Get(session.SanitizeUsername("alice"), "pin")
	require.NoError(t, err)
	assert.Equal(t, factor.LockoutTimeLimited, f.Common.LockoutPolicy)

	t.Run("ConflictingPolicyRejected", func(t *testing.T) {
		err := s.AddAuthFactor(context.Background(), &session.AddFactorRequest{
			Type:   factor.TypePIN,
			Label:  "pin2",
			Secret: []byte("5678"),
			Common: factor.CommonMetadata{LockoutPolicy: factor.LockoutNone},
		})
		require.ErrorIs(t, err, session.ErrInvalidArgument)
	})
}

func TestScenarioEphemeralLightAuth(t *testing.T) {
	e := newEnv(t, nil)
	s := e.ephemeralSession(t, "guest")

	addPassword(t, s, "main", "hunter2")

	res, err := s.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
		Type:   factor.TypePassword,
		Secret: []byte("hunter2"),
		Intent: factor.IntentVerifyOnly,
	})
	require.NoError(t, err)
	assert.True(t, res.LightAuth)
	assert.Equal(t, []factor.Intent{factor.IntentVerifyOnly}, s.Intents())
}

func TestScenarioPersistentWrongSecret(t *testing.T) {
	e := newEnv(t, nil)
	s := e.newUserSession(t, "alice")
	addPassword(t, s, "main", "hunter2")

	s2 := e.existingSession(t, "alice")
	_, err := s2.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
		Type:   factor.TypePassword,
		Labels: []string{"main"},
		Secret: []byte("wrong"),
	})
	require.ErrorIs(t, err, session.ErrCrypto)
	assert.Empty(t, s2.Intents())
}

func TestScenarioLegacyMigration(t *testing.T) {
	e := newEnv(t, nil)
	e.seedLegacyFactor(t, "dave", "main", "hunter2", factor.TypePassword, factor.LockoutNone, []byte("reset seed"))
	userID := session.SanitizeUsername("dave")

	s := e.existingSession(t, "dave")
	infos := s.ListAuthFactors()
	require.Len(t, infos, 1)
	require.Equal(t, factor.BackendLegacyKeyset, infos[0].Backend)

	res, err := s.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
		Type:   factor.TypePassword,
		Labels: []string{"main"},
		Secret: []byte("hunter2"),
	})
	require.NoError(t, err)
	assert.Contains(t, res.Intents, factor.IntentDecrypt)
	require.NotNil(t, s.FileSystemKeys())

	// The factor moved to the stash backend and left the live keyset
	// namespace; a label is never in both backends at once.
	infos = s.ListAuthFactors()
	require.Len(t, infos, 1)
	assert.Equal(t, factor.BackendSecretStash, infos[0].Backend)
	_, err = e.backends.Keysets.Get(userID, "main")
	require.Error(t, err)
	_, err = e.backends.Factors.Get(userID, "main")
	require.NoError(t, err)

	// A later session authenticates against the stash without touching
	// the legacy store at all.
	s.Close()
	s2 := e.existingSession(t, "dave")
	infos = s2.ListAuthFactors()
	require.Len(t, infos, 1)
	require.Equal(t, factor.BackendSecretStash, infos[0].Backend)

	_, err = s2.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
		Type:   factor.TypePassword,
		Labels: []string{"main"},
		Secret: []byte("hunter2"),
	})
	require.NoError(t, err)
}

func TestMonotonicIntents(t *testing.T) {
	e := newEnv(t, nil)
	s := e.newUserSession(t, "alice")
	addPassword(t, s, "main", "hunter2")
	s.Close()

	s2 := e.existingSession(t, "alice")
	require.Empty(t, s2.Intents())

	_, err := s2.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
		Type:   factor.TypePassword,
		Labels: []string{"main"},
		Secret: []byte("hunter2"),
		Intent: factor.IntentVerifyOnly,
	})
	require.NoError(t, err)
	after := s2.Intents()
	assert.Contains(t, after, factor.IntentVerifyOnly)

	// A failed attempt never shrinks the set.
	_, err = s2.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
		Type:   factor.TypePassword,
		Labels: []string{"main"},
		Secret: []byte("wrong"),
	})
	require.Error(t, err)
	assert.Subset(t, s2.Intents(), after)
}

func TestLightAuthAfterFullAuth(t *testing.T) {
	e := newEnv(t, nil)
	s := e.newUserSession(t, "alice")
	addPassword(t, s, "main", "hunter2")
	s.Close()

	// Full auth installs the verifier for the logged-in user.
	s2 := e.existingSession(t, "alice")
	_, err := s2.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
		Type:   factor.TypePassword,
		Labels: []string{"main"},
		Secret: []byte("hunter2"),
	})
	require.NoError(t, err)

	// A later session for the same user takes the light path.
	s3 := e.existingSession(t, "alice")
	res, err := s3.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
		Type:   factor.TypePassword,
		Labels: []string{"main"},
		Secret: []byte("hunter2"),
		Intent: factor.IntentVerifyOnly,
	})
	require.NoError(t, err)
	assert.True(t, res.LightAuth)
	assert.Equal(t, []factor.Intent{factor.IntentVerifyOnly}, s3.Intents())
}

func TestOnAuthenticatedCallbacks(t *testing.T) {
	e := newEnv(t, nil)
	s := e.newUserSession(t, "alice")
	addPassword(t, s, "main", "hunter2")
	s.Close()

	s2 := e.existingSession(t, "alice")
	var order []int
	s2.OnAuthenticated(func() { order = append(order, 1) })
	s2.OnAuthenticated(func() { order = append(order, 2) })

	_, err := s2.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
		Type:   factor.TypePassword,
		Labels: []string{"main"},
		Secret: []byte("hunter2"),
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, order, "callbacks run once each, in FIFO order")

	// Once authenticated, new callbacks run immediately.
	s2.OnAuthenticated(func() { order = append(order, 3) })
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestSessionClosed(t *testing.T) {
	e := newEnv(t, nil)
	s := e.newUserSession(t, "alice")
	addPassword(t, s, "main", "hunter2")
	s.Close()

	s2 := e.existingSession(t, "alice")
	ran := false
	s2.OnAuthenticated(func() { ran = true })
	s2.Close()

	err := s2.AddAuthFactor(context.Background(), &session.AddFactorRequest{
		Type:   factor.TypePassword,
		Label:  "other",
		Secret: []byte("x"),
	})
	require.ErrorIs(t, err, session.ErrSessionClosed)
	_, err = s2.AuthenticateAuthFactor(context.Background(), &session.AuthenticateRequest{
		Type:   factor.TypePassword,
		Labels: []string{"main"},
		Secret: []byte("hunter2"),
	})
	require.ErrorIs(t, err, session.ErrSessionClosed)
	assert.False(t, ran, "destroying the session invalidates queued callbacks")

	_, ok := e.mgr.Session(s2.Token())
	assert.False(t, ok)
}

// fingerprintBlocks layers fingerprint support with a shared hardware rate
// limiter on top of the software service, standing in for a biometrics
// daemon. Key material is still argon2id-derived underneath.
type fingerprintBlocks struct {
	*software.Service
	limiterID uint64
}

func (b *fingerprintBlocks) SelectType(ctx context.Context, candidates []authblock.Type) (authblock.Type, error) {
	for _, t := range candidates {
		if t == authblock.TypeFingerprint {
			return t, nil
		}
	}
	return b.Service.SelectType(ctx, candidates)
}

func (b *fingerprintBlocks) Create(ctx context.Context, t authblock.Type, in *authblock.Input) (*authblock.KeyMaterial, *authblock.State, error) {
	if t != authblock.TypeFingerprint {
		return b.Service.Create(ctx, t, in)
	}
	km, st, err := b.Service.Create(ctx, authblock.TypeArgon2id, in)
	if err != nil {
		return nil, nil, err
	}
	st.Type = authblock.TypeFingerprint
	km.RateLimiterID = b.limiterID
	return km, st, nil
}

func (b *fingerprintBlocks) Derive(ctx context.Context, st *authblock.State, in *authblock.Input) (*authblock.KeyMaterial, error) {
	if st.Type != authblock.TypeFingerprint {
		return b.Service.Derive(ctx, st, in)
	}
	inner := &authblock.State{Type: authblock.TypeArgon2id, Params: st.Params}
	km, err := b.Service.Derive(ctx, inner, in)
	if err != nil {
		return nil, err
	}
	km.RateLimiterID = b.limiterID
	return km, nil
}

func TestAddFingerprintRecordsRateLimiter(t *testing.T) {
	e := newEnv(t, nil)
	e.backends.Blocks = &fingerprintBlocks{
		Service:   software.New(software.WithArgon2idParams(fastParams)),
		limiterID: 42,
	}

	s := e.newUserSession(t, "hana")
	addPassword(t, s, "pw", "hunter2")

	for _, label := range []string{"finger1", "finger2"} {
		err := s.AddAuthFactor(context.Background(), &session.AddFactorRequest{
			Type:   factor.TypeFingerprint,
			Label:  label,
			Secret: []byte("template " + label),
		})
		require.NoError(t, err)
	}

	// Both enrollments share one limiter; the stash records its id once.
	userID := session.SanitizeUsername("hana")
	tok, err := e.backends.Stash.Decrypt(context.Background(), userID, "pw", wrappingSecret(t, e, userID, "pw", "hunter2"))
	require.NoError(t, err)
	defer tok.Invalidate()
	id, ok := tok.Stash().RateLimiterID(authblock.TypeFingerprint)
	require.True(t, ok)
	assert.Equal(t, uint64(42), id)
}
