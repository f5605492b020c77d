// Package factor defines the auth factor entity: the closed set of factor
// types, per-type metadata, the per-type driver capability table, and the
// per-user factor registry.
package factor

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type identifies one kind of enrolled credential.
type Type int

const (
	TypeUnspecified Type = iota
	TypePassword
	TypePIN
	TypeRecovery
	TypeKiosk
	TypeSmartCard
	TypeFingerprint
	TypeLegacyFingerprint
)

// ErrUnknownType is returned when a value entirely outside the external
// encoding range is decoded.
var ErrUnknownType = errors.New("unknown auth factor type")

func (t Type) String() string {
	switch t {
	case TypeUnspecified:
		return "Unspecified"
	case TypePassword:
		return "Password"
	case TypePIN:
		return "PIN"
	case TypeRecovery:
		return "Recovery"
	case TypeKiosk:
		return "Kiosk"
	case TypeSmartCard:
		return "SmartCard"
	case TypeFingerprint:
		return "Fingerprint"
	case TypeLegacyFingerprint:
		return "LegacyFingerprint"
	default:
		return "Unknown"
	}
}

func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("unmarshaling auth factor type: %w", err)
	}

	switch s {
	case "Unspecified":
		*t = TypeUnspecified
	case "Password":
		*t = TypePassword
	case "PIN":
		*t = TypePIN
	case "Recovery":
		*t = TypeRecovery
	case "Kiosk":
		*t = TypeKiosk
	case "SmartCard":
		*t = TypeSmartCard
	case "Fingerprint":
		*t = TypeFingerprint
	case "LegacyFingerprint":
		*t = TypeLegacyFingerprint
	default:
		return ErrUnknownType
	}

	return nil
}

func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// External wire codes. Codes up to maxExternalType are part of the
// encoding range: assigned codes decode to their type, retired codes
// decode to Unspecified. Codes outside the range fail.
const maxExternalType = 9

// External returns the wire code for the type.
func (t Type) External() int32 {
	switch t {
	case TypePassword:
		return 1
	case TypePIN:
		return 2
	case TypeRecovery:
		return 3
	case TypeKiosk:
		return 4
	case TypeSmartCard:
		return 5
	case TypeFingerprint:
		return 6
	case TypeLegacyFingerprint:
		return 7
	default:
		return 0
	}
}

// TypeFromExternal decodes a wire code. Retired codes inside the encoding
// range yield TypeUnspecified; codes outside it fail with ErrUnknownType.
func TypeFromExternal(code int32) (Type, error) {
	switch code {
	case 1:
		return TypePassword, nil
	case 2:
		return TypePIN, nil
	case 3:
		return TypeRecovery, nil
	case 4:
		return TypeKiosk, nil
	case 5:
		return TypeSmartCard, nil
	case 6:
		return TypeFingerprint, nil
	case 7:
		return TypeLegacyFingerprint, nil
	}
	if code >= 0 && code <= maxExternalType {
		return TypeUnspecified, nil
	}
	return TypeUnspecified, fmt.Errorf("%w: code %d", ErrUnknownType, code)
}
