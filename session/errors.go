package session

import (
	"errors"
	"fmt"
	"time"
)

// Terminal error kinds. Every public operation returns one of these,
// wrapped with operation context.
var (
	// ErrInvalidArgument covers malformed labels, type mismatches, and
	// oversized metadata.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound covers unknown users and unknown factor labels.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when a label is already enrolled.
	ErrExists = errors.New("already exists")
	// ErrUnauthenticated is returned when the session lacks the intent an
	// operation requires.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrStorage covers factor-file, keyset, and stash persistence failures.
	ErrStorage = errors.New("backing store failure")
	// ErrCrypto covers key-derivation and credential-verification failures.
	ErrCrypto = errors.New("crypto failure")
	// ErrNotImplemented marks reserved paths.
	ErrNotImplemented = errors.New("not implemented")
	// ErrSessionClosed is returned by every operation on a destroyed session.
	ErrSessionClosed = errors.New("session terminated")
	// ErrLastFactor is returned when removing the only enrolled factor.
	ErrLastFactor = errors.New("cannot remove last auth factor")
)

// LockedOutError is the distinguished locked-out sub-kind of ErrCrypto.
// AvailableIn is the delay until the factor accepts attempts again; very
// large values mean locked until reset by another factor.
type LockedOutError struct {
	Label       string
	AvailableIn time.Duration
}

func (e *LockedOutError) Error() string {
	return fmt.Sprintf("factor %q locked out (available in %s)", e.Label, e.AvailableIn)
}

func (e *LockedOutError) Unwrap() error {
	return ErrCrypto
}
