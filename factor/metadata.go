package factor

// CommonMetadata holds the fields shared by all factor types.
type CommonMetadata struct {
	DisplayName   string        `json:"display_name,omitzero"`
	LockoutPolicy LockoutPolicy `json:"lockout_policy,omitzero"`
}

// MaxDisplayNameLength bounds the user-visible factor name.
const MaxDisplayNameLength = 256

// Metadata is the closed union of per-type factor metadata. Exactly one
// concrete type exists per factor type; consumers switch exhaustively.
type Metadata interface {
	FactorType() Type
	isMetadata()
}

// KnowledgeHashInfo describes how a client pre-hashes a knowledge secret
// before it reaches the engine.
type KnowledgeHashInfo struct {
	Algorithm string `json:"algorithm,omitzero"`
	Salt      []byte `json:"salt,omitzero"`
}

// PasswordMetadata is the metadata payload for password factors.
type PasswordMetadata struct {
	HashInfo KnowledgeHashInfo `json:"hash_info,omitzero"`
}

// PINMetadata is the metadata payload for PIN factors.
type PINMetadata struct {
	HashInfo KnowledgeHashInfo `json:"hash_info,omitzero"`
}

// RecoveryMetadata is the metadata payload for recovery factors.
type RecoveryMetadata struct {
	MediatorPubKey []byte `json:"mediator_pub_key,omitzero"`
}

// KioskMetadata is the metadata payload for kiosk factors.
type KioskMetadata struct{}

// SmartCardMetadata is the metadata payload for smart-card factors.
type SmartCardMetadata struct {
	PublicKeySPKI []byte `json:"public_key_spki,omitzero"`
}

// FingerprintMetadata is the metadata payload for fingerprint factors.
type FingerprintMetadata struct{}

func (PasswordMetadata) FactorType() Type    { return TypePassword }
func (PINMetadata) FactorType() Type         { return TypePIN }
func (RecoveryMetadata) FactorType() Type    { return TypeRecovery }
func (KioskMetadata) FactorType() Type       { return TypeKiosk }
func (SmartCardMetadata) FactorType() Type   { return TypeSmartCard }
func (FingerprintMetadata) FactorType() Type { return TypeFingerprint }

func (PasswordMetadata) isMetadata()    {}
func (PINMetadata) isMetadata()         {}
func (RecoveryMetadata) isMetadata()    {}
func (KioskMetadata) isMetadata()       {}
func (SmartCardMetadata) isMetadata()   {}
func (FingerprintMetadata) isMetadata() {}

// DefaultMetadata returns the zero metadata payload for a factor type.
// Legacy fingerprint factors carry no metadata and return nil.
func DefaultMetadata(t Type) Metadata {
	switch t {
	case TypePassword:
		return PasswordMetadata{}
	case TypePIN:
		return PINMetadata{}
	case TypeRecovery:
		return RecoveryMetadata{}
	case TypeKiosk:
		return KioskMetadata{}
	case TypeSmartCard:
		return SmartCardMetadata{}
	case TypeFingerprint:
		return FingerprintMetadata{}
	default:
		return nil
	}
}
