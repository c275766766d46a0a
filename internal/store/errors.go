package store

import "errors"

// Store errors.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrValidation indicates a write violates field invariants.
	ErrValidation = errors.New("store: validation failed")
	// ErrConflict indicates a uniqueness constraint would be violated.
	ErrConflict = errors.New("store: conflict")
)
