package datacube

import (
	"errors"
	"fmt"
)

// Sentinel errors for cube validation failures.
var (
	// ErrShapeMismatch indicates that the value layout and the dimension
	// metadata disagree on rank or size.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrInvalidCoordinate indicates malformed dimension metadata, such as a
	// label count that differs from the axis length.
	ErrInvalidCoordinate = errors.New("invalid coordinate")
)

// ShapeMismatchError reports a rank or size disagreement.
type ShapeMismatchError struct {
	Reason string
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch: %s", e.Reason)
}

// Is matches ErrShapeMismatch.
func (e *ShapeMismatchError) Is(target error) bool {
	return target == ErrShapeMismatch
}

// InvalidCoordinateError reports invalid metadata for a single dimension.
type InvalidCoordinateError struct {
	Dimension string
	Reason    string
}

func (e *InvalidCoordinateError) Error() string {
	if e.Dimension == "" {
		return fmt.Sprintf("invalid coordinate: %s", e.Reason)
	}
	return fmt.Sprintf("invalid coordinate on dimension %q: %s", e.Dimension, e.Reason)
}

// Is matches ErrInvalidCoordinate.
func (e *InvalidCoordinateError) Is(target error) bool {
	return target == ErrInvalidCoordinate
}

func shapeErrorf(format string, args ...any) error {
	return &ShapeMismatchError{Reason: fmt.Sprintf(format, args...)}
}

func coordErrorf(dim, format string, args ...any) error {
	return &InvalidCoordinateError{Dimension: dim, Reason: fmt.Sprintf(format, args...)}
}
