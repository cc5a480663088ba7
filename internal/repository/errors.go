package repository

import "errors"

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports an optimistic version mismatch.
	ErrConflict = errors.New("version conflict")
	// ErrNoTransaction is returned by writes that must join the caller's transaction.
	ErrNoTransaction = errors.New("transaction required")
	// ErrInvalidTransition is returned when an outbox record is not in a state
	// that allows the requested mark.
	ErrInvalidTransition = errors.New("invalid outbox status transition")
)
