package stash

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/latchkey/authblock"
	"github.com/jmcleod/latchkey/internal/util"
	"github.com/jmcleod/latchkey/storage"
)

// Transaction stages multiple logical edits against a decrypted stash and
// persists them as a single atomic commit. An uncommitted or failed
// transaction leaves both the in-memory stash and the persisted record
// unchanged.
type Transaction struct {
	m      *Manager
	userID string
	ops    []txOp
	done   bool
}

type txOp interface {
	apply(st *Stash, mainKey []byte) error
}

// NewTransaction opens a transaction against the token's decrypted stash.
// Only one transaction may be open per stash at a time.
func (t *DecryptToken) NewTransaction() (*Transaction, error) {
	t.mu.Lock()
	invalid := t.invalid
	t.mu.Unlock()
	if invalid {
		return nil, ErrTokenInvalid
	}

	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	e, ok := t.m.entries[t.userID]
	if !ok {
		return nil, ErrTokenInvalid
	}
	if e.txnOpen {
		return nil, fmt.Errorf("%s: %w", t.userID, ErrTransactionOpen)
	}
	e.txnOpen = true
	return &Transaction{m: t.m, userID: t.userID}, nil
}

type insertKeyOp struct {
	label  string
	secret *memguard.Enclave
}

func (o insertKeyOp) apply(st *Stash, mainKey []byte) error {
	if _, ok := st.wrapped[o.label]; ok {
		return fmt.Errorf("wrapped key %q already exists", o.label)
	}
	buf, err := o.secret.Open()
	if err != nil {
		return fmt.Errorf("opening wrapping secret enclave: %w", err)
	}
	defer buf.Destroy()

	wrapKey, err := util.HKDF(buf.Bytes(), []byte(st.userID), []byte(wrapKeyInfo))
	if err != nil {
		return err
	}
	defer util.WipeBytes(wrapKey)

	blob, err := util.EncryptAESWithAAD(mainKey, wrapKey, mainKeyAAD(st.userID))
	if err != nil {
		return err
	}
	st.wrapped[o.label] = blob
	return nil
}

type renameKeyOp struct {
	from, to string
}

func (o renameKeyOp) apply(st *Stash, _ []byte) error {
	blob, ok := st.wrapped[o.from]
	if !ok {
		return fmt.Errorf("wrapped key %q not found", o.from)
	}
	if _, ok := st.wrapped[o.to]; ok {
		return fmt.Errorf("wrapped key %q already exists", o.to)
	}
	delete(st.wrapped, o.from)
	st.wrapped[o.to] = blob
	if sec, ok := st.resetSecrets[o.from]; ok {
		delete(st.resetSecrets, o.from)
		st.resetSecrets[o.to] = sec
	}
	return nil
}

type removeKeyOp struct {
	label string
}

func (o removeKeyOp) apply(st *Stash, _ []byte) error {
	if _, ok := st.wrapped[o.label]; !ok {
		return fmt.Errorf("wrapped key %q not found", o.label)
	}
	delete(st.wrapped, o.label)
	delete(st.resetSecrets, o.label)
	return nil
}

type insertResetSecretOp struct {
	label  string
	secret []byte
}

func (o insertResetSecretOp) apply(st *Stash, _ []byte) error {
	if _, ok := st.resetSecrets[o.label]; ok {
		return fmt.Errorf("reset secret %q already exists", o.label)
	}
	st.resetSecrets[o.label] = append([]byte(nil), o.secret...)
	return nil
}

type removeResetSecretOp struct {
	label string
}

func (o removeResetSecretOp) apply(st *Stash, _ []byte) error {
	delete(st.resetSecrets, o.label)
	return nil
}

type setRateLimiterOp struct {
	blockType authblock.Type
	id        uint64
}

func (o setRateLimiterOp) apply(st *Stash, _ []byte) error {
	if existing, ok := st.rateLimiters[o.blockType]; ok && existing != o.id {
		return fmt.Errorf("rate limiter for %s already set", o.blockType)
	}
	st.rateLimiters[o.blockType] = o.id
	return nil
}

type bumpCounterOp struct {
	name string
}

func (o bumpCounterOp) apply(st *Stash, _ []byte) error {
	st.counters[o.name]++
	return nil
}

// InsertWrappedKey stages wrapping the main key under a new factor label.
func (tx *Transaction) InsertWrappedKey(label string, wrappingSecret *memguard.Enclave) {
	tx.ops = append(tx.ops, insertKeyOp{label: label, secret: wrappingSecret})
}

// RenameWrappedKey stages moving a wrapped key (and its reset secret) to a
// new label.
func (tx *Transaction) RenameWrappedKey(from, to string) {
	tx.ops = append(tx.ops, renameKeyOp{from: from, to: to})
}

// RemoveWrappedKey stages removing a wrapped key and its reset secret.
func (tx *Transaction) RemoveWrappedKey(label string) {
	tx.ops = append(tx.ops, removeKeyOp{label: label})
}

// InsertResetSecret stages storing a per-label reset secret.
func (tx *Transaction) InsertResetSecret(label string, secret []byte) {
	tx.ops = append(tx.ops, insertResetSecretOp{label: label, secret: secret})
}

// RemoveResetSecret stages dropping a per-label reset secret.
func (tx *Transaction) RemoveResetSecret(label string) {
	tx.ops = append(tx.ops, removeResetSecretOp{label: label})
}

// SetRateLimiter stages recording a shared rate-limiter id for a block type.
func (tx *Transaction) SetRateLimiter(t authblock.Type, id uint64) {
	tx.ops = append(tx.ops, setRateLimiterOp{blockType: t, id: id})
}

// BumpCounter stages incrementing a named rollout counter.
func (tx *Transaction) BumpCounter(name string) {
	tx.ops = append(tx.ops, bumpCounterOp{name: name})
}

// Abort discards all staged edits and releases the transaction slot.
func (tx *Transaction) Abort() {
	if tx.done {
		return
	}
	tx.done = true
	tx.ops = nil

	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	if e, ok := tx.m.entries[tx.userID]; ok {
		e.txnOpen = false
	}
}

// Commit applies every staged edit to a copy of the stash, persists the
// result as one record write, and only then swaps the copy in as the live
// decrypted stash. Any failure leaves the previous state intact.
func (tx *Transaction) Commit(ctx context.Context) error {
	if tx.done {
		return fmt.Errorf("stash transaction already finished")
	}
	defer tx.Abort()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx.m.mu.Lock()
	e, ok := tx.m.entries[tx.userID]
	if !ok {
		tx.m.mu.Unlock()
		return ErrTokenInvalid
	}
	live := e.stash
	tx.m.mu.Unlock()

	mainBuf, err := live.mainKey.Open()
	if err != nil {
		return fmt.Errorf("opening main key enclave: %w", err)
	}
	defer mainBuf.Destroy()

	staged := live.clone()
	for _, op := range tx.ops {
		if err := op.apply(staged, mainBuf.Bytes()); err != nil {
			return fmt.Errorf("staging stash edit: %w", err)
		}
	}

	rec, err := sealStash(staged, mainBuf.Bytes())
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	err = tx.m.repo.PutCAS(tx.userID, recordTypeStash, recordIDCurrent, staged.version, rec)
	if err != nil {
		return fmt.Errorf("committing stash record: %w", err)
	}
	staged.version = rec.Version

	tx.m.mu.Lock()
	defer tx.m.mu.Unlock()
	if e, ok := tx.m.entries[tx.userID]; ok {
		e.stash = staged
	}
	return nil
}

func sealStash(st *Stash, mainKey []byte) (*storage.Record, error) {
	payload := stashPayload{
		ResetSecrets: st.resetSecrets,
		RateLimiters: encodeRateLimiters(st.rateLimiters),
		Counters:     st.counters,
		FsKeys:       st.fsKeys,
		SdKeys:       st.sdKeys,
	}
	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling stash payload: %w", err)
	}
	defer util.WipeBytes(plain)

	sealed, err := storage.SealRecord(mainKey, plain, payloadAAD(st.userID), 0)
	if err != nil {
		return nil, err
	}

	sr := stashRecord{Ver: 1, Wrapped: st.wrapped, Payload: sealed.Data}
	data, err := json.Marshal(sr)
	if err != nil {
		return nil, fmt.Errorf("marshaling stash record: %w", err)
	}
	return &storage.Record{Ver: 1, Data: data, Version: st.version + 1}, nil
}
