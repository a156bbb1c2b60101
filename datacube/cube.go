package datacube

import (
	"fmt"
	"math"
	"strconv"
)

// Dimension describes one axis of a cube
type Dimension struct {
	Name   string   `json:"name" yaml:"name"`
	Labels []string `json:"labels" yaml:"labels"`
	Unit   string   `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// Len returns the axis length implied by the labels
func (d Dimension) Len() int {
	return len(d.Labels)
}

func (d Dimension) clone() Dimension {
	labels := make([]string, len(d.Labels))
	copy(labels, d.Labels)
	return Dimension{Name: d.Name, Labels: labels, Unit: d.Unit}
}

// IndexLabels returns the labels "0".."n-1", used for axes without natural coordinates.
func IndexLabels(n int) []string {
	labels := make([]string, n)
	for i := range labels {
		labels[i] = strconv.Itoa(i)
	}
	return labels
}

// DataCube is an immutable labeled n-dimensional array stored in row-major order
type DataCube struct {
	name    string
	dims    []Dimension
	shape   []int
	strides []int
	values  []float64
}

// New creates a cube from row-major values and dimension metadata.
//
// The axis lengths are taken from the dimension labels. New returns a
// *ShapeMismatchError when the value count differs from the product of the
// axis lengths, and an *InvalidCoordinateError for empty or duplicate
// dimension names. The inputs are copied.
func New(values []float64, dims []Dimension) (*DataCube, error) {
	return NewNamed("", values, dims)
}

// NewNamed is New with a cube name (identifier).
func NewNamed(name string, values []float64, dims []Dimension) (*DataCube, error) {
	shape := make([]int, len(dims))
	for i, d := range dims {
		shape[i] = d.Len()
	}
	return build(name, values, shape, dims, true)
}

// NewWithShape creates a cube from row-major values, an explicit shape and
// dimension metadata. It is the strict form of New: the shape rank must equal
// the number of dimensions and each label count must equal its axis length.
func NewWithShape(values []float64, shape []int, dims []Dimension) (*DataCube, error) {
	return build("", values, shape, dims, true)
}

func build(name string, values []float64, shape []int, dims []Dimension, copyIn bool) (*DataCube, error) {
	if len(shape) != len(dims) {
		return nil, shapeErrorf("array rank %d does not match %d dimensions", len(shape), len(dims))
	}

	seen := make(map[string]bool, len(dims))
	size := 1
	for i, d := range dims {
		if d.Name == "" {
			return nil, coordErrorf("", "dimension %d has an empty name", i)
		}
		if seen[d.Name] {
			return nil, coordErrorf(d.Name, "duplicate dimension name")
		}
		seen[d.Name] = true

		if shape[i] < 0 {
			return nil, shapeErrorf("negative axis length %d for dimension %q", shape[i], d.Name)
		}
		if len(d.Labels) != shape[i] {
			return nil, coordErrorf(d.Name, "%d labels for axis of length %d", len(d.Labels), shape[i])
		}
		size *= shape[i]
	}

	if len(values) != size {
		return nil, shapeErrorf("%d values for shape %v (expected %d)", len(values), shape, size)
	}

	c := &DataCube{
		name:  name,
		shape: append([]int(nil), shape...),
	}
	if copyIn {
		c.values = append(make([]float64, 0, len(values)), values...)
		c.dims = make([]Dimension, len(dims))
		for i, d := range dims {
			c.dims[i] = d.clone()
		}
	} else {
		c.values = values
		c.dims = dims
	}
	c.strides = strides(c.shape)

	return c, nil
}

func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= shape[i]
	}
	return s
}

// Name returns the cube identifier, possibly empty
func (c *DataCube) Name() string { return c.name }

// Rank returns the number of dimensions
func (c *DataCube) Rank() int { return len(c.dims) }

// Size returns the number of values
func (c *DataCube) Size() int { return len(c.values) }

// Shape returns a copy of the axis lengths
func (c *DataCube) Shape() []int {
	return append([]int(nil), c.shape...)
}

// DimensionNames returns the dimension names in axis order
func (c *DataCube) DimensionNames() []string {
	names := make([]string, len(c.dims))
	for i, d := range c.dims {
		names[i] = d.Name
	}
	return names
}

// Dimensions returns a deep copy of the dimension metadata
func (c *DataCube) Dimensions() []Dimension {
	dims := make([]Dimension, len(c.dims))
	for i, d := range c.dims {
		dims[i] = d.clone()
	}
	return dims
}

// Dimension returns the metadata for the named dimension
func (c *DataCube) Dimension(name string) (Dimension, bool) {
	i := c.axis(name)
	if i < 0 {
		return Dimension{}, false
	}
	return c.dims[i].clone(), true
}

// Labels returns a copy of the coordinate labels of the named dimension
func (c *DataCube) Labels(name string) ([]string, error) {
	d, ok := c.Dimension(name)
	if !ok {
		return nil, coordErrorf(name, "no such dimension")
	}
	return d.Labels, nil
}

// Values returns a copy of the row-major values
func (c *DataCube) Values() []float64 {
	return append([]float64(nil), c.values...)
}

// At returns the value at the given per-axis index
func (c *DataCube) At(idx ...int) (float64, error) {
	if len(idx) != len(c.shape) {
		return 0, shapeErrorf("index rank %d does not match cube rank %d", len(idx), len(c.shape))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= c.shape[i] {
			return 0, shapeErrorf("index %d out of range for dimension %q of length %d", v, c.dims[i].Name, c.shape[i])
		}
		off += v * c.strides[i]
	}
	return c.values[off], nil
}

// Coordinates returns the labels of the element at the flat row-major offset
func (c *DataCube) Coordinates(offset int) map[string]string {
	coords := make(map[string]string, len(c.dims))
	for i, d := range c.dims {
		j := (offset / c.strides[i]) % c.shape[i]
		coords[d.Name] = d.Labels[j]
	}
	return coords
}

// WithName returns a copy of the cube carrying the given name
func (c *DataCube) WithName(name string) *DataCube {
	return &DataCube{
		name:    name,
		dims:    c.dims,
		shape:   c.shape,
		strides: c.strides,
		values:  c.values,
	}
}

// SameShape reports whether both cubes have identical dimension names and axis lengths.
func (c *DataCube) SameShape(other *DataCube) bool {
	if len(c.dims) != len(other.dims) {
		return false
	}
	for i := range c.dims {
		if c.dims[i].Name != other.dims[i].Name || c.shape[i] != other.shape[i] {
			return false
		}
	}
	return true
}

func (c *DataCube) axis(name string) int {
	for i, d := range c.dims {
		if d.Name == name {
			return i
		}
	}
	return -1
}

// String returns a short description, e.g. cube(time=3, x=2, y=2)
func (c *DataCube) String() string {
	s := "cube("
	if c.name != "" {
		s += c.name + ": "
	}
	for i, d := range c.dims {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s=%d", d.Name, c.shape[i])
	}
	return s + ")"
}

// Equal reports whether two cubes have the same name, dimensions and values.
// NaN values compare equal to each other.
func Equal(a, b *DataCube) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.name != b.name || len(a.dims) != len(b.dims) || len(a.values) != len(b.values) {
		return false
	}
	for i := range a.dims {
		da, db := a.dims[i], b.dims[i]
		if da.Name != db.Name || da.Unit != db.Unit || len(da.Labels) != len(db.Labels) {
			return false
		}
		for j := range da.Labels {
			if da.Labels[j] != db.Labels[j] {
				return false
			}
		}
	}
	for i := range a.values {
		x, y := a.values[i], b.values[i]
		if math.IsNaN(x) && math.IsNaN(y) {
			continue
		}
		if x != y {
			return false
		}
	}
	return true
}
