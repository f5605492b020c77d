// Package authblock defines the auth-block collaborator interface: the
// cryptographic layer that turns a supplied credential into key material
// and an opaque, re-derivable block state.
package authblock

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type identifies the auth-block scheme used to derive key material.
type Type int

const (
	TypeUnspecified Type = iota
	TypeArgon2id
	TypeScrypt
	TypeRateLimited
	TypeChallengeResponse
	TypeRecovery
	TypeKiosk
	TypeFingerprint
)

// ErrUnknownType is returned when an unrecognized block type is encountered.
var ErrUnknownType = errors.New("unknown auth block type")

func (t Type) String() string {
	switch t {
	case TypeUnspecified:
		return "Unspecified"
	case TypeArgon2id:
		return "Argon2id"
	case TypeScrypt:
		return "Scrypt"
	case TypeRateLimited:
		return "RateLimited"
	case TypeChallengeResponse:
		return "ChallengeResponse"
	case TypeRecovery:
		return "Recovery"
	case TypeKiosk:
		return "Kiosk"
	case TypeFingerprint:
		return "Fingerprint"
	default:
		return "Unknown"
	}
}

func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("unmarshaling auth block type: %w", err)
	}

	switch s {
	case "Unspecified":
		*t = TypeUnspecified
	case "Argon2id":
		*t = TypeArgon2id
	case "Scrypt":
		*t = TypeScrypt
	case "RateLimited":
		*t = TypeRateLimited
	case "ChallengeResponse":
		*t = TypeChallengeResponse
	case "Recovery":
		*t = TypeRecovery
	case "Kiosk":
		*t = TypeKiosk
	case "Fingerprint":
		*t = TypeFingerprint
	default:
		return ErrUnknownType
	}

	return nil
}

func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}
