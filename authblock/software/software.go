// Package software provides software-only auth-block implementations:
// Argon2id and scrypt for knowledge factors, and a public-derivation block
// for kiosk factors. Hardware-backed block types (rate-limited, challenge
// response, fingerprint) are not implemented here.
package software

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/scrypt"

	"github.com/jmcleod/latchkey/authblock"
	"github.com/jmcleod/latchkey/internal/util"
)

const (
	saltLen   = 16
	checkInfo = "authblock:check:v1"
	kioskInfo = "authblock:kiosk:v1"
)

// Service implements authblock.Service in software.
type Service struct {
	argonParams util.Argon2idParams
}

var _ authblock.Service = (*Service)(nil)

// Option configures the software block service.
type Option func(*Service)

// WithArgon2idParams overrides the Argon2id cost parameters. Intended for
// tests that cannot afford the production memory cost.
func WithArgon2idParams(params util.Argon2idParams) Option {
	return func(s *Service) {
		s.argonParams = params
	}
}

// New creates a software block service with default cost parameters.
func New(opts ...Option) *Service {
	s := &Service{argonParams: util.DefaultArgon2idParams()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type argon2idState struct {
	Salt   []byte              `json:"salt"`
	Params util.Argon2idParams `json:"params"`
	Check  []byte              `json:"check"`
}

type scryptState struct {
	Salt  []byte `json:"salt"`
	N     int    `json:"n"`
	R     int    `json:"r"`
	P     int    `json:"p"`
	Check []byte `json:"check"`
}

type kioskState struct {
	Salt  []byte `json:"salt"`
	Check []byte `json:"check"`
}

func (s *Service) supports(t authblock.Type) bool {
	switch t {
	case authblock.TypeArgon2id, authblock.TypeScrypt, authblock.TypeKiosk:
		return true
	default:
		return false
	}
}

func (s *Service) SelectType(ctx context.Context, candidates []authblock.Type) (authblock.Type, error) {
	if err := ctx.Err(); err != nil {
		return authblock.TypeUnspecified, err
	}
	for _, t := range candidates {
		if s.supports(t) {
			return t, nil
		}
	}
	return authblock.TypeUnspecified, fmt.Errorf("%w: no supported candidate in %v", authblock.ErrUnsupported, candidates)
}

// checkDigest binds the derived key to the state so Derive can detect a
// wrong secret without any stored plaintext.
func checkDigest(key, salt []byte) ([]byte, error) {
	return util.HKDF(key, salt, []byte(checkInfo))
}

func keyMaterial(key []byte) *authblock.KeyMaterial {
	// memguard takes ownership and wipes the source slice.
	return &authblock.KeyMaterial{Secret: memguard.NewEnclave(key)}
}

func (s *Service) Create(ctx context.Context, t authblock.Type, in *authblock.Input) (*authblock.KeyMaterial, *authblock.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	salt, err := util.RandomBytes(saltLen)
	if err != nil {
		return nil, nil, err
	}

	var key []byte
	var params any
	switch t {
	case authblock.TypeArgon2id:
		key, err = util.DeriveArgon2idKey(string(in.Secret), salt, s.argonParams)
		if err != nil {
			return nil, nil, err
		}
		check, err := checkDigest(key, salt)
		if err != nil {
			return nil, nil, err
		}
		params = argon2idState{Salt: salt, Params: s.argonParams, Check: check}
	case authblock.TypeScrypt:
		key, err = scrypt.Key(in.Secret, salt, 1<<15, 8, 1, util.AESKeySize)
		if err != nil {
			return nil, nil, fmt.Errorf("deriving scrypt key: %w", err)
		}
		check, err := checkDigest(key, salt)
		if err != nil {
			return nil, nil, err
		}
		params = scryptState{Salt: salt, N: 1 << 15, R: 8, P: 1, Check: check}
	case authblock.TypeKiosk:
		key, err = util.HKDF([]byte(in.UserID), salt, []byte(kioskInfo))
		if err != nil {
			return nil, nil, err
		}
		check, err := checkDigest(key, salt)
		if err != nil {
			return nil, nil, err
		}
		params = kioskState{Salt: salt, Check: check}
	default:
		return nil, nil, fmt.Errorf("%w: %s", authblock.ErrUnsupported, t)
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling block state: %w", err)
	}
	return keyMaterial(key), &authblock.State{Type: t, Params: raw}, nil
}

func (s *Service) Derive(ctx context.Context, st *authblock.State, in *authblock.Input) (*authblock.KeyMaterial, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var key, check []byte
	switch st.Type {
	case authblock.TypeArgon2id:
		var p argon2idState
		if err := json.Unmarshal(st.Params, &p); err != nil {
			return nil, fmt.Errorf("unmarshaling argon2id state: %w", err)
		}
		derived, err := util.DeriveArgon2idKey(string(in.Secret), p.Salt, p.Params)
		if err != nil {
			return nil, err
		}
		key, check = derived, p.Check
		expect, err := checkDigest(key, p.Salt)
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare(expect, check) != 1 {
			util.WipeBytes(key)
			return nil, authblock.ErrInvalidSecret
		}
	case authblock.TypeScrypt:
		var p scryptState
		if err := json.Unmarshal(st.Params, &p); err != nil {
			return nil, fmt.Errorf("unmarshaling scrypt state: %w", err)
		}
		derived, err := scrypt.Key(in.Secret, p.Salt, p.N, p.R, p.P, util.AESKeySize)
		if err != nil {
			return nil, fmt.Errorf("deriving scrypt key: %w", err)
		}
		key, check = derived, p.Check
		expect, err := checkDigest(key, p.Salt)
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare(expect, check) != 1 {
			util.WipeBytes(key)
			return nil, authblock.ErrInvalidSecret
		}
	case authblock.TypeKiosk:
		var p kioskState
		if err := json.Unmarshal(st.Params, &p); err != nil {
			return nil, fmt.Errorf("unmarshaling kiosk state: %w", err)
		}
		derived, err := util.HKDF([]byte(in.UserID), p.Salt, []byte(kioskInfo))
		if err != nil {
			return nil, err
		}
		key, check = derived, p.Check
		expect, err := checkDigest(key, p.Salt)
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare(expect, check) != 1 {
			util.WipeBytes(key)
			return nil, authblock.ErrInvalidSecret
		}
	default:
		return nil, fmt.Errorf("%w: %s", authblock.ErrUnsupported, st.Type)
	}

	return keyMaterial(key), nil
}

func (s *Service) SelectFactor(ctx context.Context, states []*authblock.State, in *authblock.Input) (int, *authblock.KeyMaterial, error) {
	if len(states) == 0 {
		return -1, nil, fmt.Errorf("%w: no candidate states", authblock.ErrInvalidSecret)
	}
	for i, st := range states {
		km, err := s.Derive(ctx, st, in)
		if err == nil {
			return i, km, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return -1, nil, ctxErr
		}
	}
	return -1, nil, authblock.ErrInvalidSecret
}
