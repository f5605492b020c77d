// Package uuid generates unique identifiers for session and prepare tokens.
package uuid

import guuid "github.com/google/uuid"

// New returns a new random UUID string.
func New() string {
	return guuid.NewString()
}
