package key

import (
	"errors"
	"fmt"
)

// Common errors returned by key derivation.
var (
	// ErrRecursionDepthExceeded is returned when an argument is nested deeper
	// than the deriver's depth limit (including cyclic pointer graphs).
	ErrRecursionDepthExceeded = errors.New("key: recursion depth exceeded")

	// ErrUnsupportedType is returned for values that have no content to hash
	// (funcs, channels, unsafe pointers).
	ErrUnsupportedType = errors.New("key: unsupported argument type")

	// ErrBinding is returned when call arguments do not fit a Signature.
	ErrBinding = errors.New("key: cannot bind arguments")
)

// DepthError reports where canonicalization gave up.
type DepthError struct {
	Limit int
	Path  string
}

// Error implements the error interface.
func (e *DepthError) Error() string {
	return fmt.Sprintf("key: recursion depth exceeded (limit %d) at %s", e.Limit, e.Path)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *DepthError) Unwrap() error {
	return ErrRecursionDepthExceeded
}
