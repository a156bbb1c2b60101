package udf

import (
	"context"
	"errors"
	"fmt"

	"github.com/isdmx/openeo-udf/datacube"
)

// Kind classifies a failed request
type Kind string

// Error kinds
const (
	KindShapeMismatch     Kind = "shape_mismatch"
	KindInvalidCoordinate Kind = "invalid_coordinate"
	KindInvalidRequest    Kind = "invalid_request"
	KindUserCode          Kind = "user_code"
	KindTimeout           Kind = "timeout"
	KindResourceExceeded  Kind = "resource_exceeded"
	KindCapacityExceeded  Kind = "capacity_exceeded"
	KindInternal          Kind = "internal"
)

// Sentinel errors, one per kind that is not owned by the datacube package.
var (
	// ErrInvalidRequest indicates a malformed request that was never executed.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUserCode indicates an exception raised by the user function.
	ErrUserCode = errors.New("user code error")

	// ErrTimeout indicates that the execution exceeded its wall-clock budget.
	ErrTimeout = errors.New("execution timed out")

	// ErrResourceExceeded indicates that the execution exceeded its memory budget.
	ErrResourceExceeded = errors.New("resource limit exceeded")

	// ErrCapacityExceeded indicates that the dispatcher refused the request
	// because every slot and queue position was taken.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrInternal indicates a failure of the service itself.
	ErrInternal = errors.New("internal error")
)

// Error is the structured error variant of a Result.
type Error struct {
	Kind    Kind   `json:"kind" yaml:"kind"`
	Message string `json:"message" yaml:"message"`
	// Diagnostic is an optional traceback-like detail, e.g. the Starlark
	// backtrace of a failed user function or the stderr of a crashed worker.
	Diagnostic string `json:"diagnostic,omitempty" yaml:"diagnostic,omitempty"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches the sentinel error of the kind.
func (e *Error) Is(target error) bool {
	return sentinel(e.Kind) == target
}

func sentinel(k Kind) error {
	switch k {
	case KindShapeMismatch:
		return datacube.ErrShapeMismatch
	case KindInvalidCoordinate:
		return datacube.ErrInvalidCoordinate
	case KindInvalidRequest:
		return ErrInvalidRequest
	case KindUserCode:
		return ErrUserCode
	case KindTimeout:
		return ErrTimeout
	case KindResourceExceeded:
		return ErrResourceExceeded
	case KindCapacityExceeded:
		return ErrCapacityExceeded
	default:
		return ErrInternal
	}
}

// NewError creates an Error of the given kind
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDiagnostic returns a copy of the error carrying a diagnostic
func (e *Error) WithDiagnostic(diag string) *Error {
	c := *e
	c.Diagnostic = diag
	return &c
}

// KindOf returns the kind matching err; unknown errors are internal.
func KindOf(err error) Kind {
	var ue *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ue):
		return ue.Kind
	case errors.Is(err, datacube.ErrShapeMismatch):
		return KindShapeMismatch
	case errors.Is(err, datacube.ErrInvalidCoordinate):
		return KindInvalidCoordinate
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrUserCode):
		return KindUserCode
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrResourceExceeded):
		return KindResourceExceeded
	case errors.Is(err, ErrCapacityExceeded):
		return KindCapacityExceeded
	default:
		return KindInternal
	}
}

// FromError converts any error into a typed Error, keeping its message.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var ue *Error
	if errors.As(err, &ue) {
		return ue
	}
	return &Error{Kind: KindOf(err), Message: err.Error()}
}

// InvalidRequestf returns an error wrapping ErrInvalidRequest
func InvalidRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
