package software_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/latchkey/authblock"
	"github.com/jmcleod/latchkey/authblock/software"
	"github.com/jmcleod/latchkey/internal/util"
)

var fastParams = util.Argon2idParams{Time: 1, MemoryKiB: 8, Parallelism: 1, KeyLen: 32}

func newService() *software.Service {
	return software.New(software.WithArgon2idParams(fastParams))
}

func openSecret(t *testing.T, km *authblock.KeyMaterial) []byte {
	t.Helper()
	buf, err := km.OpenSecret()
	require.NoError(t, err)
	t.Cleanup(buf.Destroy)
	return buf.Bytes()
}

func TestCreateDeriveRoundTrip(t *testing.T) {
	svc := newService()
	for _, bt := range []authblock.Type{authblock.TypeArgon2id, authblock.TypeScrypt, authblock.TypeKiosk} {
		t.Run(bt.String(), func(t *testing.T) {
			in := &authblock.Input{UserID: "user1", Secret: []byte("hunter2")}
			km, st, err := svc.Create(context.Background(), bt, in)
			require.NoError(t, err)
			require.Equal(t, bt, st.Type)
			require.NotEmpty(t, st.Params)

			created := append([]byte(nil), openSecret(t, km)...)
			require.Len(t, created, util.AESKeySize)

			derived, err := svc.Derive(context.Background(), st, &authblock.Input{UserID: "user1", Secret: []byte("hunter2")})
			require.NoError(t, err)
			assert.Equal(t, created, openSecret(t, derived))
		})
	}
}

func TestDeriveWrongSecret(t *testing.T) {
	svc := newService()
	in := &authblock.Input{UserID: "user1", Secret: []byte("hunter2")}
	_, st, err := svc.Create(context.Background(), authblock.TypeArgon2id, in)
	require.NoError(t, err)

	_, err = svc.Derive(context.Background(), st, &authblock.Input{UserID: "user1", Secret: []byte("wrong")})
	require.ErrorIs(t, err, authblock.ErrInvalidSecret)
}

func TestKioskDerivationIsPerUser(t *testing.T) {
	svc := newService()
	_, st, err := svc.Create(context.Background(), authblock.TypeKiosk, &authblock.Input{UserID: "kiosk-app"})
	require.NoError(t, err)

	// Kiosk keys derive from the user ID, so a different user fails the check.
	_, err = svc.Derive(context.Background(), st, &authblock.Input{UserID: "other-app"})
	require.ErrorIs(t, err, authblock.ErrInvalidSecret)

	_, err = svc.Derive(context.Background(), st, &authblock.Input{UserID: "kiosk-app"})
	require.NoError(t, err)
}

func TestSelectType(t *testing.T) {
	svc := newService()

	got, err := svc.SelectType(context.Background(), []authblock.Type{authblock.TypeRateLimited, authblock.TypeArgon2id})
	require.NoError(t, err)
	assert.Equal(t, authblock.TypeArgon2id, got)

	_, err = svc.SelectType(context.Background(), []authblock.Type{authblock.TypeFingerprint, authblock.TypeChallengeResponse})
	require.ErrorIs(t, err, authblock.ErrUnsupported)
}

func TestSelectFactor(t *testing.T) {
	svc := newService()
	var states []*authblock.State
	for _, secret := range []string{"first", "second", "third"} {
		_, st, err := svc.Create(context.Background(), authblock.TypeArgon2id, &authblock.Input{UserID: "user1", Secret: []byte(secret)})
		require.NoError(t, err)
		states = append(states, st)
	}

	idx, km, err := svc.SelectFactor(context.Background(), states, &authblock.Input{UserID: "user1", Secret: []byte("second")})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	require.NotNil(t, km)

	_, _, err = svc.SelectFactor(context.Background(), states, &authblock.Input{UserID: "user1", Secret: []byte("nope")})
	require.ErrorIs(t, err, authblock.ErrInvalidSecret)

	_, _, err = svc.SelectFactor(context.Background(), nil, &authblock.Input{UserID: "user1", Secret: []byte("x")})
	require.Error(t, err)
}
