package factor

import (
	"encoding/json"
	"errors"
	"fmt"
)

// LockoutPolicy controls how repeated failures against a factor are limited.
type LockoutPolicy int

const (
	LockoutUnspecified LockoutPolicy = iota
	LockoutNone
	LockoutAttemptLimited
	LockoutTimeLimited
)

// ErrUnknownLockoutPolicy is returned when an unrecognized policy is decoded.
var ErrUnknownLockoutPolicy = errors.New("unknown lockout policy")

func (p LockoutPolicy) String() string {
	switch p {
	case LockoutUnspecified:
		return "Unspecified"
	case LockoutNone:
		return "None"
	case LockoutAttemptLimited:
		return "AttemptLimited"
	case LockoutTimeLimited:
		return "TimeLimited"
	default:
		return "Unknown"
	}
}

func (p *LockoutPolicy) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("unmarshaling lockout policy: %w", err)
	}

	switch s {
	case "Unspecified":
		*p = LockoutUnspecified
	case "None":
		*p = LockoutNone
	case "AttemptLimited":
		*p = LockoutAttemptLimited
	case "TimeLimited":
		*p = LockoutTimeLimited
	default:
		return ErrUnknownLockoutPolicy
	}

	return nil
}

func (p LockoutPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}
