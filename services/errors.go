package services

import (
	"errors"
	"fmt"
)

// ErrNotInQueue is returned by status lookups for users without a live entry.
var ErrNotInQueue = errors.New("queue: user is not in the queue")

// ValidationError reports a malformed join request. Nothing is written to
// the store when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("queue: invalid %s: %s", e.Field, e.Reason)
}

// StoreUnavailableError wraps a failed store round trip. Statistics reads
// swallow it and degrade; every other operation surfaces it to the caller.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("queue: store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	return &StoreUnavailableError{Op: op, Err: err}
}
