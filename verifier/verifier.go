// Package verifier implements lightweight credential verifiers: per-factor
// check digests that can confirm a credential without deriving decryption
// key material, plus the per-user forwarder that holds them while the user
// is logged in.
package verifier

import (
	"crypto/subtle"
	"errors"
	"sync/atomic"

	"github.com/jmcleod/latchkey/factor"
	"github.com/jmcleod/latchkey/internal/util"
)

const (
	saltLen    = 16
	digestInfo = "verifier:digest:v1"
)

// ErrMismatch is returned when the presented secret does not match the
// verifier digest.
var ErrMismatch = errors.New("credential verification failed")

// Verifier holds a keyed digest of one factor's credential. It can confirm
// the credential but never recover key material from it. All fields except
// the full-auth marker are immutable after construction, so one verifier
// may be read by every concurrent session of its user.
type Verifier struct {
	label   string
	ftype   factor.Type
	salt    []byte
	digest  []byte
	intents factor.IntentSet

	fullAuthRequested atomic.Bool
}

// New builds a verifier from the plaintext credential. The credential is
// not retained.
func New(label string, t factor.Type, secret []byte, intents []factor.Intent) (*Verifier, error) {
	salt, err := util.RandomBytes(saltLen)
	if err != nil {
		return nil, err
	}
	digest, err := util.HKDF(secret, salt, []byte(digestInfo))
	if err != nil {
		return nil, err
	}
	return &Verifier{
		label:   label,
		ftype:   t,
		salt:    salt,
		digest:  digest,
		intents: factor.NewIntentSet(intents...),
	}, nil
}

// Label returns the factor label, empty for label-less factor types.
func (v *Verifier) Label() string {
	return v.label
}

// Type returns the factor type.
func (v *Verifier) Type() factor.Type {
	return v.ftype
}

// Intents returns the intents a successful light authentication grants.
func (v *Verifier) Intents() factor.IntentSet {
	return v.intents
}

// Verify checks the presented secret against the stored digest.
func (v *Verifier) Verify(secret []byte) error {
	digest, err := util.HKDF(secret, v.salt, []byte(digestInfo))
	if err != nil {
		return err
	}
	defer util.WipeBytes(digest)
	if subtle.ConstantTimeCompare(digest, v.digest) != 1 {
		return ErrMismatch
	}
	return nil
}

// RequestFullAuth marks the verifier so the next attempt takes the full
// authentication path even when light authentication would suffice.
func (v *Verifier) RequestFullAuth() {
	v.fullAuthRequested.Store(true)
}

// ClearFullAuthRequest resets the full-auth marker after a full
// authentication has run.
func (v *Verifier) ClearFullAuthRequest() {
	v.fullAuthRequested.Store(false)
}

// FullAuthRequested reports whether light authentication is suspended for
// this verifier.
func (v *Verifier) FullAuthRequested() bool {
	return v.fullAuthRequested.Load()
}
