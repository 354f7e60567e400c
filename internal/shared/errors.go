package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrActorRequired indicates an operation was attempted without a caller identity.
	ErrActorRequired = errors.New("actor required")
)
