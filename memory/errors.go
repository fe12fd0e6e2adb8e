package memory

import "errors"

// ErrOutOfBounds and ErrAlignment are returned (wrapped with context)
// by the typed accessors when a guest address falls outside the
// region or violates the scalar's natural alignment.
var (
	ErrOutOfBounds = errors.New("guest address out of bounds")
	ErrAlignment   = errors.New("guest address misaligned")
)
