package factor_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/latchkey/authblock"
	"github.com/jmcleod/latchkey/factor"
	"github.com/jmcleod/latchkey/storage/memory"
)

func TestFactorJSONRoundTrip(t *testing.T) {
	f := factor.Factor{
		Type:  factor.TypePIN,
		Label: "pin",
		Common: factor.CommonMetadata{
			DisplayName:   "My PIN",
			LockoutPolicy: factor.LockoutTimeLimited,
		},
		Metadata: factor.PINMetadata{
			HashInfo: factor.KnowledgeHashInfo{Algorithm: "sha256", Salt: []byte("salt")},
		},
		BlockState: authblock.State{Type: authblock.TypeArgon2id, Params: json.RawMessage(`{"salt":"AA=="}`)},
	}

	data, err := json.Marshal(f)
	require.NoError(t, err)

	var got factor.Factor
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, f, got)

	t.Run("MetadataTypeMismatch", func(t *testing.T) {
		var bad factor.Factor
		err := json.Unmarshal([]byte(`{"type":"Password","label":"x","pin":{}}`), &bad)
		require.Error(t, err)
	})
}

func TestValidateLabel(t *testing.T) {
	valid := []string{"a", "pin-2", "my_label", "0123456789"}
	for _, label := range valid {
		assert.NoError(t, factor.ValidateLabel(label), label)
	}

	invalid := []string{"", "UPPER", "with space", "emoji☃", string(make([]byte, 65))}
	for _, label := range invalid {
		assert.Error(t, factor.ValidateLabel(label), label)
	}
}

func TestDriverTable(t *testing.T) {
	for _, ft := range allTypes {
		d, err := factor.DriverFor(ft)
		require.NoError(t, err, ft)
		assert.Equal(t, ft, d.Type)
	}
	_, err := factor.DriverFor(factor.TypeUnspecified)
	require.ErrorIs(t, err, factor.ErrUnknownType)

	pin, err := factor.DriverFor(factor.TypePIN)
	require.NoError(t, err)
	assert.True(t, pin.NeedsResetSecret)
	assert.True(t, pin.SupportsLightAuth(factor.IntentVerifyOnly))
	assert.False(t, pin.SupportsLightAuth(factor.IntentDecrypt))
	assert.True(t, pin.SupportsFullAuth(factor.IntentDecrypt))

	fp, err := factor.DriverFor(factor.TypeFingerprint)
	require.NoError(t, err)
	assert.Equal(t, factor.ArityMultiple, fp.Arity)
	assert.True(t, fp.UsesRateLimiter)

	legacy, err := factor.DriverFor(factor.TypeLegacyFingerprint)
	require.NoError(t, err)
	assert.Equal(t, factor.ArityNone, legacy.Arity)
	assert.Empty(t, legacy.FullAuthIntents)
}

func TestRegistry(t *testing.T) {
	m := factor.NewMap()
	pw := factor.Entry{
		Factor:  factor.Factor{Type: factor.TypePassword, Label: "main"},
		Backend: factor.BackendSecretStash,
	}
	pin := factor.Entry{
		Factor:  factor.Factor{Type: factor.TypePIN, Label: "pin"},
		Backend: factor.BackendLegacyKeyset,
	}

	require.NoError(t, m.Add(pw))
	require.NoError(t, m.Add(pin))
	require.ErrorIs(t, m.Add(pw), factor.ErrDuplicateLabel)
	assert.Equal(t, 2, m.Count())

	got, ok := m.Find("pin")
	require.True(t, ok)
	assert.Equal(t, factor.BackendLegacyKeyset, got.Backend)

	assert.True(t, m.HasBackend(factor.BackendLegacyKeyset))
	assert.Len(t, m.ByType(factor.TypePassword), 1)

	t.Run("Replace", func(t *testing.T) {
		migrated := pin
		migrated.Backend = factor.BackendSecretStash
		require.NoError(t, m.Replace("pin", migrated))
		assert.False(t, m.HasBackend(factor.BackendLegacyKeyset))

		relabeled := pw
		relabeled.Factor.Label = "primary"
		require.NoError(t, m.Replace("main", relabeled))
		_, ok := m.Find("main")
		assert.False(t, ok)
		_, ok = m.Find("primary")
		assert.True(t, ok)

		require.ErrorIs(t, m.Replace("primary", pin), factor.ErrDuplicateLabel)
		require.ErrorIs(t, m.Replace("ghost", pw), factor.ErrUnknownLabel)
	})

	t.Run("Remove", func(t *testing.T) {
		require.NoError(t, m.Remove("pin"))
		require.ErrorIs(t, m.Remove("pin"), factor.ErrUnknownLabel)
		assert.Equal(t, 1, m.Count())
	})
}

func TestStore(t *testing.T) {
	store := factor.NewStore(memory.NewRepository())
	f := &factor.Factor{
		Type:     factor.TypePassword,
		Label:    "main",
		Metadata: factor.PasswordMetadata{},
	}
	require.NoError(t, store.Save("user1", f))

	got, err := store.Get("user1", "main")
	require.NoError(t, err)
	assert.Equal(t, *f, *got)

	all, err := store.List("user1")
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, store.Delete("user1", "main"))
	_, err = store.Get("user1", "main")
	require.Error(t, err)
}
