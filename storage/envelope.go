package storage

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/latchkey/internal/util"
)

// Envelope is a sealed payload containing AES-256-GCM encrypted data.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealRecord encrypts plaintext into a Record using the given key and AAD.
func SealRecord(key, plaintext, aad []byte, version uint64) (*Record, error) {
	cipher, err := util.EncryptAESWithAAD(plaintext, key, aad)
	if err != nil {
		return nil, err
	}

	// util.EncryptAESWithAAD returns nonce || ciphertext.
	env := Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      cipher[:12],
		Ciphertext: cipher[12:],
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}
	return &Record{Ver: 1, Data: data, Version: version}, nil
}

// OpenRecord decrypts a sealed Record using the given key and AAD.
func OpenRecord(key []byte, rec *Record, aad []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(rec.Data, &env); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}
	if env.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", env.Ver)
	}
	if env.Scheme != "aes256gcm" {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", env.Scheme)
	}

	// Reconstruct nonce || ciphertext without mutating envelope fields.
	fullCipher := make([]byte, len(env.Nonce)+len(env.Ciphertext))
	copy(fullCipher, env.Nonce)
	copy(fullCipher[len(env.Nonce):], env.Ciphertext)

	return util.DecryptAESWithAAD(fullCipher, key, aad)
}
