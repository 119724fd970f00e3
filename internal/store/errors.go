package store

import "errors"

var (
	// ErrNotFound indicates the requested environment does not exist.
	ErrNotFound = errors.New("environment not found")
	// ErrConflict indicates a compare-and-swap update lost a race.
	ErrConflict = errors.New("environment version conflict")
	// ErrInvalidArgument indicates the caller supplied bad input.
	ErrInvalidArgument = errors.New("invalid argument")
)
