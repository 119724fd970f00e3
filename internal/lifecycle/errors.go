package lifecycle

import "errors"

var (
	// ErrConcurrentModification indicates a record update lost its
	// compare-and-swap race repeatedly and the operation gave up.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrRuntime indicates the container runtime rejected or failed an
	// operation.
	ErrRuntime = errors.New("container runtime error")
)
