// Package keyset implements the legacy per-factor keyset backend. Each
// enrolled factor owns one keyset record holding the auth-block state in
// the clear plus a payload (filesystem keys, reset seed) sealed with the
// key material the block derives from the user's secret.
package keyset

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jmcleod/latchkey/authblock"
	"github.com/jmcleod/latchkey/factor"
	"github.com/jmcleod/latchkey/internal/util"
	"github.com/jmcleod/latchkey/stash"
	"github.com/jmcleod/latchkey/storage"
)

const (
	recordType       = "KEYSET"
	recordTypeBackup = "KEYSET_BAK"

	payloadAADInfo = "keyset:payload:v1"

	// maxAttempts is the consecutive-failure limit for attempt-limited
	// lockout. Once reached the keyset stays locked until another factor
	// resets it.
	maxAttempts = 5

	// IndefiniteDelay is reported when a keyset is locked until reset
	// rather than for a fixed time.
	IndefiniteDelay = time.Duration(math.MaxInt64)
)

// ErrLocked is returned by Open attempts against a locked-out keyset.
var ErrLocked = errors.New("keyset locked out")

// timeLimited backoff per failed attempt past the free tries.
var timeLimitedDelays = []time.Duration{
	0, 0, 0, 10 * time.Second, 30 * time.Second, time.Minute, 5 * time.Minute,
}

// Keyset is the persisted per-factor record. Everything except Sealed is
// readable without any secret; legacy keysets carry their own factor type
// and common metadata because no separate factor record exists for them.
type Keyset struct {
	Label       string                `json:"label"`
	Type        factor.Type           `json:"type"`
	Common      factor.CommonMetadata `json:"common,omitzero"`
	BlockState  authblock.State       `json:"block_state"`
	Attempts    uint32                `json:"attempts,omitzero"`
	LockedUntil time.Time             `json:"locked_until,omitzero"`
	Sealed      json.RawMessage       `json:"sealed"`
}

// Payload is the sealed inner part of a keyset.
type Payload struct {
	FsKeys    stash.FileSystemKeys `json:"fs_keys"`
	ResetSeed []byte               `json:"reset_seed,omitzero"`
}

// Factor synthesizes the registry view of a legacy keyset. Legacy records
// have no separate factor file, so the keyset itself is the source.
func (k *Keyset) Factor() factor.Factor {
	return factor.Factor{
		Type:       k.Type,
		Label:      k.Label,
		Common:     k.Common,
		Metadata:   factor.DefaultMetadata(k.Type),
		BlockState: k.BlockState,
	}
}

// LockoutDelay returns how long until the keyset accepts attempts again
// under the given policy. Zero means not locked.
func (k *Keyset) LockoutDelay(policy factor.LockoutPolicy, now time.Time) time.Duration {
	switch policy {
	case factor.LockoutAttemptLimited:
		if k.Attempts >= maxAttempts {
			return IndefiniteDelay
		}
	case factor.LockoutTimeLimited:
		if k.LockedUntil.After(now) {
			return k.LockedUntil.Sub(now)
		}
	}
	return 0
}

// Open unseals the keyset payload with derived key material.
func (k *Keyset) Open(km *authblock.KeyMaterial, userID string) (*Payload, error) {
	buf, err := km.OpenSecret()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	var rec storage.Record
	if err := json.Unmarshal(k.Sealed, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling sealed keyset payload: %w", err)
	}
	plain, err := storage.OpenRecord(buf.Bytes(), &rec, payloadAAD(userID, k.Label))
	if err != nil {
		return nil, fmt.Errorf("opening keyset payload: %w", err)
	}
	defer util.WipeBytes(plain)

	var p Payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("unmarshaling keyset payload: %w", err)
	}
	return &p, nil
}

// Seal replaces the keyset's sealed payload using derived key material.
func (k *Keyset) Seal(km *authblock.KeyMaterial, userID string, p *Payload) error {
	buf, err := km.OpenSecret()
	if err != nil {
		return err
	}
	defer buf.Destroy()

	plain, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshaling keyset payload: %w", err)
	}
	defer util.WipeBytes(plain)

	rec, err := storage.SealRecord(buf.Bytes(), plain, payloadAAD(userID, k.Label), 0)
	if err != nil {
		return fmt.Errorf("sealing keyset payload: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling sealed keyset payload: %w", err)
	}
	k.Sealed = data
	return nil
}

func payloadAAD(userID, label string) []byte {
	return []byte(payloadAADInfo + ":" + userID + ":" + label)
}
