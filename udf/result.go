package udf

import (
	"errors"

	"github.com/isdmx/openeo-udf/datacube"
)

// Result is the terminal outcome of a request: output cubes or an error.
type Result struct {
	RequestID  string               `json:"request_id,omitempty" yaml:"request_id,omitempty"`
	Cubes      []*datacube.DataCube `json:"cubes,omitempty" yaml:"cubes,omitempty"`
	Error      *Error               `json:"error,omitempty" yaml:"error,omitempty"`
	Stdout     string               `json:"stdout,omitempty" yaml:"stdout,omitempty"`
	DurationMS int64                `json:"duration_ms" yaml:"duration_ms"`
}

// Success creates a result holding the given cubes
func Success(cubes ...*datacube.DataCube) *Result {
	return &Result{Cubes: cubes}
}

// Failure creates a result holding the error converted by FromError
func Failure(err error) *Result {
	return &Result{Error: FromError(err)}
}

// OK reports whether the result is the success variant
func (r *Result) OK() bool {
	return r.Error == nil
}

// Cube returns the named output cube
func (r *Result) Cube(name string) (*datacube.DataCube, bool) {
	for _, c := range r.Cubes {
		if c.Name() == name {
			return c, true
		}
	}
	return nil, false
}

// Validate checks that exactly one variant is populated
func (r *Result) Validate() error {
	switch {
	case r.Error != nil && len(r.Cubes) > 0:
		return errors.New("result has both cubes and an error")
	case r.Error == nil && len(r.Cubes) == 0:
		return errors.New("result has neither cubes nor an error")
	}
	for _, c := range r.Cubes {
		if c == nil {
			return errors.New("result contains a missing cube")
		}
	}
	return nil
}
