package factor

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/latchkey/authblock"
)

// Factor is one enrolled credential. It is an immutable value: updates
// replace the whole record.
type Factor struct {
	Type       Type
	Label      string
	Common     CommonMetadata
	Metadata   Metadata
	BlockState authblock.State
}

// factorJSON is the serialized form of a Factor. The metadata union is
// flattened into one optional field per variant so decoding stays
// exhaustive over the closed set.
type factorJSON struct {
	Type        Type                 `json:"type"`
	Label       string               `json:"label"`
	Common      CommonMetadata       `json:"common,omitzero"`
	Password    *PasswordMetadata    `json:"password,omitempty"`
	PIN         *PINMetadata         `json:"pin,omitempty"`
	Recovery    *RecoveryMetadata    `json:"recovery,omitempty"`
	Kiosk       *KioskMetadata       `json:"kiosk,omitempty"`
	SmartCard   *SmartCardMetadata   `json:"smart_card,omitempty"`
	Fingerprint *FingerprintMetadata `json:"fingerprint,omitempty"`
	BlockState  authblock.State      `json:"block_state"`
}

func (f Factor) MarshalJSON() ([]byte, error) {
	out := factorJSON{
		Type:       f.Type,
		Label:      f.Label,
		Common:     f.Common,
		BlockState: f.BlockState,
	}
	switch m := f.Metadata.(type) {
	case PasswordMetadata:
		out.Password = &m
	case PINMetadata:
		out.PIN = &m
	case RecoveryMetadata:
		out.Recovery = &m
	case KioskMetadata:
		out.Kiosk = &m
	case SmartCardMetadata:
		out.SmartCard = &m
	case FingerprintMetadata:
		out.Fingerprint = &m
	case nil:
	default:
		return nil, fmt.Errorf("factor %q: unsupported metadata type %T", f.Label, f.Metadata)
	}
	return json.Marshal(out)
}

func (f *Factor) UnmarshalJSON(b []byte) error {
	var in factorJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	f.Type = in.Type
	f.Label = in.Label
	f.Common = in.Common
	f.BlockState = in.BlockState
	switch {
	case in.Password != nil:
		f.Metadata = *in.Password
	case in.PIN != nil:
		f.Metadata = *in.PIN
	case in.Recovery != nil:
		f.Metadata = *in.Recovery
	case in.Kiosk != nil:
		f.Metadata = *in.Kiosk
	case in.SmartCard != nil:
		f.Metadata = *in.SmartCard
	case in.Fingerprint != nil:
		f.Metadata = *in.Fingerprint
	default:
		f.Metadata = nil
	}
	if f.Metadata != nil && f.Metadata.FactorType() != f.Type {
		return fmt.Errorf("factor %q: metadata type %s does not match factor type %s",
			f.Label, f.Metadata.FactorType(), f.Type)
	}
	return nil
}
