package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF expands seed into a fixed-size subkey bound to the salt and info
// strings. Every derived key in the module (wrap keys, verifier digests,
// reset secrets) flows through here so domains stay separated by info.
func HKDF(seed, salt, info []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, seed, salt, info)
	k := make([]byte, AESKeySize)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}
