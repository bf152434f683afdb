package ride

import "errors"

var (
	// ErrInvalidInput covers malformed coordinates and unknown enum
	// values; client error, never retried.
	ErrInvalidInput = errors.New("invalid ride input")
	// ErrInvalidTransition means the requested edge is not in the
	// lifecycle table for the ride's current status.
	ErrInvalidTransition = errors.New("invalid ride transition")
	// ErrNotAuthorized means the edge exists but this actor may not
	// drive it.
	ErrNotAuthorized = errors.New("actor not authorized for transition")
)
