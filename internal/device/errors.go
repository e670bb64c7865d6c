package device

import (
	"errors"
	"fmt"
)

var (
	ErrSizeMismatch = errors.New("device: size mismatch")
	ErrTypeMismatch = errors.New("device: dtype mismatch")
	ErrOutOfMemory  = errors.New("device: out of memory")
	ErrReleased     = errors.New("device: blob released")
	ErrNoBackend    = errors.New("device: no backend for context")
)

// SizeMismatchError records an element count check that failed before a
// transfer. It unwraps to ErrSizeMismatch.
type SizeMismatchError struct {
	Op       string
	Expected int
	Actual   int
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("device: %s: expected %d elements, got %d", e.Op, e.Expected, e.Actual)
}

func (e *SizeMismatchError) Unwrap() error {
	return ErrSizeMismatch
}
