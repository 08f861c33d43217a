package repository

import "errors"

var (
	// ErrNotFound: the referenced row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition: a queue row was not in the status the operation
	// requires (e.g. Complete on a row that is not claimed). This is a
	// consistency bug, not a transient condition.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStoreUnavailable: the backing store cannot be reached.
	ErrStoreUnavailable = errors.New("store unavailable")
)
