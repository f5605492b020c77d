package factor

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Intent is a capability granted by successful authentication.
type Intent int

const (
	IntentUnspecified Intent = iota
	IntentDecrypt
	IntentVerifyOnly
	IntentWebAuthn
)

// ErrUnknownIntent is returned when a value entirely outside the external
// encoding range is decoded.
var ErrUnknownIntent = errors.New("unknown auth intent")

func (i Intent) String() string {
	switch i {
	case IntentUnspecified:
		return "Unspecified"
	case IntentDecrypt:
		return "Decrypt"
	case IntentVerifyOnly:
		return "VerifyOnly"
	case IntentWebAuthn:
		return "WebAuthn"
	default:
		return "Unknown"
	}
}

func (i *Intent) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("unmarshaling auth intent: %w", err)
	}

	switch s {
	case "Unspecified":
		*i = IntentUnspecified
	case "Decrypt":
		*i = IntentDecrypt
	case "VerifyOnly":
		*i = IntentVerifyOnly
	case "WebAuthn":
		*i = IntentWebAuthn
	default:
		return ErrUnknownIntent
	}

	return nil
}

func (i Intent) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.String())
}

const maxExternalIntent = 4

// External returns the wire code for the intent.
func (i Intent) External() int32 {
	switch i {
	case IntentDecrypt:
		return 1
	case IntentVerifyOnly:
		return 2
	case IntentWebAuthn:
		return 3
	default:
		return 0
	}
}

// IntentFromExternal decodes a wire code. Retired codes inside the encoding
// range yield IntentUnspecified; codes outside it fail with ErrUnknownIntent.
func IntentFromExternal(code int32) (Intent, error) {
	switch code {
	case 1:
		return IntentDecrypt, nil
	case 2:
		return IntentVerifyOnly, nil
	case 3:
		return IntentWebAuthn, nil
	}
	if code >= 0 && code <= maxExternalIntent {
		return IntentUnspecified, nil
	}
	return IntentUnspecified, fmt.Errorf("%w: code %d", ErrUnknownIntent, code)
}

// IntentSet is a set of granted intents.
type IntentSet map[Intent]struct{}

// NewIntentSet builds a set from the given intents.
func NewIntentSet(intents ...Intent) IntentSet {
	s := make(IntentSet, len(intents))
	for _, i := range intents {
		s[i] = struct{}{}
	}
	return s
}

// Has reports whether the set contains the intent.
func (s IntentSet) Has(i Intent) bool {
	_, ok := s[i]
	return ok
}

// Union adds all intents from other into s.
func (s IntentSet) Union(other IntentSet) {
	for i := range other {
		s[i] = struct{}{}
	}
}

// Sorted returns the set's intents in stable order.
func (s IntentSet) Sorted() []Intent {
	out := make([]Intent, 0, len(s))
	for i := range s {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}
