package util

import (
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2idParams are the cost parameters persisted inside an auth block's
// state so derivation replays with the exact settings used at creation.
type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"key_len"`
}

// DefaultArgon2idParams returns the production cost settings.
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        1,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		KeyLen:      32,
	}
}

// DeriveArgon2idKey stretches a credential into key material. The key
// length is pinned to the symmetric key size used across the module.
func DeriveArgon2idKey(passphrase string, salt []byte, params Argon2idParams) ([]byte, error) {
	if params.KeyLen != AESKeySize {
		return nil, fmt.Errorf("argon2id key length must be %d bytes", AESKeySize)
	}
	return argon2.IDKey([]byte(passphrase), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen), nil
}
