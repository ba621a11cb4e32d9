package domain

import "errors"

// Repository and domain sentinels. Services translate them into apperror codes.
var (
	// ErrInvalidEntry is wrapped by every sign-policy violation.
	ErrInvalidEntry = errors.New("invalid ledger entry")
	// ErrAlreadyExists is returned by repositories on a unique-key violation.
	ErrAlreadyExists = errors.New("already exists")
	// ErrStaleStatus is returned when a conditional status update matched no row.
	ErrStaleStatus = errors.New("status changed concurrently")
)
