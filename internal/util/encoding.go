package util

import (
	"encoding/hex"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKD so visually equivalent usernames map to one
// canonical byte sequence before hashing.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

// HexEncode renders a digest as the lowercase hex storage name.
func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}
