package datacube

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tokens used for non-finite values in the serialized form
const (
	TokenNaN    = "NaN"
	TokenPosInf = "Infinity"
	TokenNegInf = "-Infinity"
)

// wireCube is the serialized layout shared by the JSON and YAML encodings
type wireCube struct {
	Name       string      `json:"name,omitempty" yaml:"name,omitempty"`
	Dimensions []Dimension `json:"dimensions" yaml:"dimensions"`
	Data       any         `json:"data" yaml:"data"`
}

// FromNested creates a cube from nested lists of numbers.
//
// The nesting depth is the array rank; it must equal len(dims), otherwise a
// *ShapeMismatchError is returned. Ragged lists are a shape mismatch as well.
// Leaves may be numbers, null (NaN) or the non-finite string tokens.
func FromNested(nested any, dims []Dimension) (*DataCube, error) {
	return FromNestedNamed("", nested, dims)
}

// FromNestedNamed is FromNested with a cube name.
//
// Dimensions whose Labels are nil get index labels. An empty list hides the
// length of the axes below it; those lengths are taken from the labels.
func FromNestedNamed(name string, nested any, dims []Dimension) (*DataCube, error) {
	shape := inferShape(nested)
	if n := len(shape); n > 0 && n < len(dims) && shape[n-1] == 0 {
		for _, d := range dims[n:] {
			shape = append(shape, len(d.Labels))
		}
	}
	if len(shape) != len(dims) {
		return nil, shapeErrorf("array rank %d does not match %d dimensions", len(shape), len(dims))
	}

	labeled := make([]Dimension, len(dims))
	for i, d := range dims {
		labeled[i] = d
		if d.Labels == nil {
			labeled[i].Labels = IndexLabels(shape[i])
		}
	}
	dims = labeled

	size := 1
	for _, n := range shape {
		size *= n
	}
	values := make([]float64, 0, size)
	values, err := flatten(nested, shape, values)
	if err != nil {
		return nil, err
	}

	return build(name, values, shape, dims, true)
}

func inferShape(v any) []int {
	var shape []int
	for {
		list, ok := asList(v)
		if !ok {
			return shape
		}
		shape = append(shape, len(list))
		if len(list) == 0 {
			return shape
		}
		v = list[0]
	}
}

func flatten(v any, shape []int, out []float64) ([]float64, error) {
	if len(shape) == 0 {
		f, err := leafValue(v)
		if err != nil {
			return nil, err
		}
		return append(out, f), nil
	}

	list, ok := asList(v)
	if !ok {
		return nil, shapeErrorf("expected a list of length %d, got %T", shape[0], v)
	}
	if len(list) != shape[0] {
		return nil, shapeErrorf("ragged array: list of length %d where %d was expected", len(list), shape[0])
	}
	var err error
	for _, item := range list {
		if out, err = flatten(item, shape[1:], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []float64:
		out := make([]any, len(l))
		for i, f := range l {
			out[i] = f
		}
		return out, true
	default:
		return nil, false
	}
}

func leafValue(v any) (float64, error) {
	switch x := v.(type) {
	case nil:
		return math.NaN(), nil
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		switch strings.ToLower(x) {
		case "nan", ".nan":
			return math.NaN(), nil
		case "infinity", "+infinity", "inf", ".inf":
			return math.Inf(1), nil
		case "-infinity", "-inf", "-.inf":
			return math.Inf(-1), nil
		}
		return 0, shapeErrorf("non-numeric value %q", x)
	default:
		return 0, shapeErrorf("unsupported value type %T", v)
	}
}

func encodeValue(f float64) any {
	switch {
	case math.IsNaN(f):
		return TokenNaN
	case math.IsInf(f, 1):
		return TokenPosInf
	case math.IsInf(f, -1):
		return TokenNegInf
	default:
		return f
	}
}

// Nested returns the values as nested lists, non-finite values replaced by
// their string tokens. A rank-0 cube returns a single leaf.
func (c *DataCube) Nested() any {
	pos := 0
	var walk func(axis int) any
	walk = func(axis int) any {
		if axis == len(c.shape) {
			v := encodeValue(c.values[pos])
			pos++
			return v
		}
		list := make([]any, c.shape[axis])
		for i := range list {
			list[i] = walk(axis + 1)
		}
		return list
	}
	return walk(0)
}

func (c *DataCube) wire() wireCube {
	dims := make([]Dimension, len(c.dims))
	for i, d := range c.dims {
		dims[i] = d.clone()
	}
	return wireCube{Name: c.name, Dimensions: dims, Data: c.Nested()}
}

func (w wireCube) cube() (*DataCube, error) {
	return FromNestedNamed(w.Name, w.Data, w.Dimensions)
}

// MarshalJSON implements json.Marshaler
func (c *DataCube) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.wire())
}

// UnmarshalJSON implements json.Unmarshaler; the decoded cube is validated.
func (c *DataCube) UnmarshalJSON(data []byte) error {
	var w wireCube
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to decode cube: %w", err)
	}
	decoded, err := w.cube()
	if err != nil {
		return err
	}
	*c = *decoded
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (c *DataCube) MarshalYAML() (any, error) {
	return c.wire(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler; the decoded cube is validated.
func (c *DataCube) UnmarshalYAML(node *yaml.Node) error {
	var w wireCube
	if err := node.Decode(&w); err != nil {
		return fmt.Errorf("failed to decode cube: %w", err)
	}
	decoded, err := w.cube()
	if err != nil {
		return err
	}
	*c = *decoded
	return nil
}

// Marshal serializes a cube to its deterministic JSON form
func Marshal(c *DataCube) ([]byte, error) {
	return json.Marshal(c)
}

// Unmarshal deserializes and validates a cube from JSON
func Unmarshal(data []byte) (*DataCube, error) {
	var c DataCube
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// MarshalYAMLBytes serializes a cube to YAML
func MarshalYAMLBytes(c *DataCube) ([]byte, error) {
	return yaml.Marshal(c)
}

// UnmarshalYAMLBytes deserializes and validates a cube from YAML
func UnmarshalYAMLBytes(data []byte) (*DataCube, error) {
	var c DataCube
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
