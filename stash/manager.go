package stash

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/latchkey/authblock"
	"github.com/jmcleod/latchkey/internal/util"
	"github.com/jmcleod/latchkey/storage"
)

const (
	recordTypeStash = "STASH"
	recordIDCurrent = "current"

	wrapKeyInfo    = "stash:wrap-key:v1"
	mainKeyAADInfo = "stash:main-key:v1"
	payloadAADInfo = "stash:payload:v1"
)

var (
	// ErrStashExists is returned by Create when the user already has a stash.
	ErrStashExists = errors.New("secret stash already exists")
	// ErrWrongSecret is returned when the wrapping secret cannot unwrap the
	// main key for the given label.
	ErrWrongSecret = errors.New("unable to unwrap stash main key")
	// ErrTokenInvalid is returned when a decrypt token has been invalidated.
	ErrTokenInvalid = errors.New("stash decrypt token invalidated")
	// ErrTransactionOpen is returned when a second transaction is opened
	// against the same decrypted stash.
	ErrTransactionOpen = errors.New("stash transaction already open")
)

// stashRecord is the persisted outer form: wrapped main keys in the clear
// (they are themselves ciphertext), payload sealed with the main key.
type stashRecord struct {
	Ver     int               `json:"ver"`
	Wrapped map[string][]byte `json:"wrapped"`
	Payload json.RawMessage   `json:"payload"`
}

// stashPayload is the main-key-encrypted inner form.
type stashPayload struct {
	ResetSecrets map[string][]byte  `json:"reset_secrets,omitzero"`
	RateLimiters map[string]uint64  `json:"rate_limiters,omitzero"`
	Counters     map[string]uint64  `json:"counters,omitzero"`
	FsKeys       FileSystemKeys     `json:"fs_keys"`
	SdKeys       SecurityDomainKeys `json:"sd_keys"`
}

type entry struct {
	stash   *Stash
	refs    int
	txnOpen bool
}

// Manager owns every decrypted stash in the process: at most one per user,
// reference-counted by decrypt tokens.
type Manager struct {
	mu      sync.Mutex
	repo    storage.Repository
	entries map[string]*entry
}

// NewManager creates a stash manager over the repository.
func NewManager(repo storage.Repository) *Manager {
	return &Manager{repo: repo, entries: make(map[string]*entry)}
}

// Exists reports whether a persisted stash record exists for the user.
func (m *Manager) Exists(userID string) bool {
	_, err := m.repo.Get(userID, recordTypeStash, recordIDCurrent)
	return err == nil
}

// Create builds a fresh in-memory stash for a user with no existing stash.
// Nothing is persisted until the first transaction commits, so a factor
// file written before that commit can never be referenced by a stash that
// failed to appear.
func (m *Manager) Create(ctx context.Context, userID string) (*DecryptToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[userID]; ok {
		return nil, fmt.Errorf("%s: %w", userID, ErrStashExists)
	}
	if m.Exists(userID) {
		return nil, fmt.Errorf("%s: %w", userID, ErrStashExists)
	}

	mainKey, err := util.NewAESKey()
	if err != nil {
		return nil, err
	}
	fek, err := util.RandomBytes(util.AESKeySize)
	if err != nil {
		return nil, err
	}
	fnek, err := util.RandomBytes(util.AESKeySize)
	if err != nil {
		return nil, err
	}
	sdSeed, err := util.RandomBytes(util.AESKeySize)
	if err != nil {
		return nil, err
	}

	st := &Stash{
		userID:       userID,
		mainKey:      memguard.NewEnclave(mainKey),
		wrapped:      make(map[string][]byte),
		resetSecrets: make(map[string][]byte),
		rateLimiters: make(map[authblock.Type]uint64),
		counters:     make(map[string]uint64),
		fsKeys:       FileSystemKeys{FEK: fek, FNEK: fnek},
		sdKeys:       SecurityDomainKeys{Seed: sdSeed},
	}
	m.entries[userID] = &entry{stash: st, refs: 1}
	return &DecryptToken{m: m, userID: userID}, nil
}

// Decrypt loads the user's stash record and unwraps the main key using the
// wrapping secret derived for the given factor label. If the stash is
// already decrypted, the secret is still verified against the persisted
// wrap before the existing instance is shared.
func (m *Manager) Decrypt(ctx context.Context, userID, label string, wrappingSecret *memguard.Enclave) (*DecryptToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rec, err := m.repo.Get(userID, recordTypeStash, recordIDCurrent)
	if err != nil {
		return nil, fmt.Errorf("loading stash record: %w", err)
	}
	var sr stashRecord
	if err := json.Unmarshal(rec.Data, &sr); err != nil {
		return nil, fmt.Errorf("unmarshaling stash record: %w", err)
	}
	if sr.Ver != 1 {
		return nil, fmt.Errorf("unsupported stash record version: %d", sr.Ver)
	}
	blob, ok := sr.Wrapped[label]
	if !ok {
		return nil, fmt.Errorf("label %q: %w", label, ErrWrongSecret)
	}

	secretBuf, err := wrappingSecret.Open()
	if err != nil {
		return nil, fmt.Errorf("opening wrapping secret enclave: %w", err)
	}
	defer secretBuf.Destroy()

	wrapKey, err := util.HKDF(secretBuf.Bytes(), []byte(userID), []byte(wrapKeyInfo))
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(wrapKey)

	mainKey, err := util.DecryptAESWithAAD(blob, wrapKey, mainKeyAAD(userID))
	if err != nil {
		return nil, fmt.Errorf("label %q: %w", label, ErrWrongSecret)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[userID]; ok {
		existing, err := e.stash.mainKey.Open()
		if err != nil {
			util.WipeBytes(mainKey)
			return nil, fmt.Errorf("opening main key enclave: %w", err)
		}
		same := subtle.ConstantTimeCompare(existing.Bytes(), mainKey) == 1
		existing.Destroy()
		util.WipeBytes(mainKey)
		if !same {
			return nil, fmt.Errorf("%s: decrypted stash main key mismatch", userID)
		}
		e.refs++
		return &DecryptToken{m: m, userID: userID}, nil
	}

	payload, err := storage.OpenRecord(mainKey, &storage.Record{Ver: 1, Data: sr.Payload}, payloadAAD(userID))
	if err != nil {
		util.WipeBytes(mainKey)
		return nil, fmt.Errorf("opening stash payload: %w", err)
	}
	defer util.WipeBytes(payload)

	var p stashPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		util.WipeBytes(mainKey)
		return nil, fmt.Errorf("unmarshaling stash payload: %w", err)
	}

	st := &Stash{
		userID:       userID,
		mainKey:      memguard.NewEnclave(mainKey),
		version:      rec.Version,
		wrapped:      sr.Wrapped,
		resetSecrets: p.ResetSecrets,
		rateLimiters: decodeRateLimiters(p.RateLimiters),
		counters:     p.Counters,
		fsKeys:       p.FsKeys,
		sdKeys:       p.SdKeys,
	}
	if st.resetSecrets == nil {
		st.resetSecrets = make(map[string][]byte)
	}
	if st.counters == nil {
		st.counters = make(map[string]uint64)
	}
	m.entries[userID] = &entry{stash: st, refs: 1}
	return &DecryptToken{m: m, userID: userID}, nil
}

// WrappingSecretFromKeyMaterial derives the stash wrapping secret enclave
// from auth-block key material. The opened buffer is frozen read-only and
// NewEnclave wipes its source, so the secret is copied before sealing.
func WrappingSecretFromKeyMaterial(km *authblock.KeyMaterial) (*memguard.Enclave, error) {
	buf, err := km.OpenSecret()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()
	cp := append([]byte(nil), buf.Bytes()...)
	return memguard.NewEnclave(cp), nil
}

func mainKeyAAD(userID string) []byte {
	return []byte(mainKeyAADInfo + ":" + userID)
}

func payloadAAD(userID string) []byte {
	return []byte(payloadAADInfo + ":" + userID)
}

func decodeRateLimiters(in map[string]uint64) map[authblock.Type]uint64 {
	out := make(map[authblock.Type]uint64, len(in))
	for name, id := range in {
		var t authblock.Type
		if err := t.UnmarshalJSON([]byte(`"` + name + `"`)); err == nil {
			out[t] = id
		}
	}
	return out
}

func encodeRateLimiters(in map[authblock.Type]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for t, id := range in {
		out[t.String()] = id
	}
	return out
}

// DecryptToken is a reference-counted handle to a decrypted stash. The
// stash stays in memory until every token is invalidated.
type DecryptToken struct {
	m       *Manager
	userID  string
	mu      sync.Mutex
	invalid bool
}

// UserID returns the user the token belongs to.
func (t *DecryptToken) UserID() string {
	return t.userID
}

// Stash returns the current decrypted stash. Returns nil after the token
// has been invalidated.
func (t *DecryptToken) Stash() *Stash {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.invalid {
		return nil
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	e, ok := t.m.entries[t.userID]
	if !ok {
		return nil
	}
	return e.stash
}

// Invalidate releases the token's reference. When the last reference is
// released the decrypted stash is dropped from memory.
func (t *DecryptToken) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.invalid {
		return
	}
	t.invalid = true

	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	e, ok := t.m.entries[t.userID]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(t.m.entries, t.userID)
	}
}
