package postgres

import "errors"

var (
	// ErrOptimisticLock is returned when an update fails due to version mismatch.
	ErrOptimisticLock = errors.New("mfa/postgres: optimistic locking conflict")
	// ErrNotFound is returned when a requested resource does not exist.
	ErrNotFound = errors.New("mfa/postgres: resource not found")
)
