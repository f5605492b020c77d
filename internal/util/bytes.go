package util

// WipeBytes best-effort zeroes transient key material in place.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
