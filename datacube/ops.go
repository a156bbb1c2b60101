package datacube

import (
	"fmt"
	"math"
	"sort"
)

// Reducer collapses the values along one axis into a single value
type Reducer func(values []float64) float64

// Reducer names accepted by LookupReducer
const (
	ReduceMean   = "mean"
	ReduceSum    = "sum"
	ReduceMin    = "min"
	ReduceMax    = "max"
	ReduceMedian = "median"
	ReduceStd    = "std"
	ReduceCount  = "count"
)

var reducers = map[string]Reducer{
	ReduceMean:   mean,
	ReduceSum:    sum,
	ReduceMin:    minimum,
	ReduceMax:    maximum,
	ReduceMedian: median,
	ReduceStd:    stddev,
	ReduceCount:  count,
}

// LookupReducer returns the named built-in reducer.
// All built-in reducers skip NaN values; mean, min, max, median and std of an
// all-NaN (or empty) input are NaN.
func LookupReducer(name string) (Reducer, error) {
	r, ok := reducers[name]
	if !ok {
		return nil, fmt.Errorf("unknown reducer %q", name)
	}
	return r, nil
}

// ReducerNames returns the sorted names of the built-in reducers
func ReducerNames() []string {
	names := make([]string, 0, len(reducers))
	for n := range reducers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func finite(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	return out
}

func sum(values []float64) float64 {
	s := 0.0
	for _, v := range finite(values) {
		s += v
	}
	return s
}

func count(values []float64) float64 {
	return float64(len(finite(values)))
}

func mean(values []float64) float64 {
	vs := finite(values)
	if len(vs) == 0 {
		return math.NaN()
	}
	s := 0.0
	for _, v := range vs {
		s += v
	}
	return s / float64(len(vs))
}

func minimum(values []float64) float64 {
	vs := finite(values)
	if len(vs) == 0 {
		return math.NaN()
	}
	m := vs[0]
	for _, v := range vs[1:] {
		m = math.Min(m, v)
	}
	return m
}

func maximum(values []float64) float64 {
	vs := finite(values)
	if len(vs) == 0 {
		return math.NaN()
	}
	m := vs[0]
	for _, v := range vs[1:] {
		m = math.Max(m, v)
	}
	return m
}

func median(values []float64) float64 {
	vs := finite(values)
	if len(vs) == 0 {
		return math.NaN()
	}
	sort.Float64s(vs)
	mid := len(vs) / 2
	if len(vs)%2 == 1 {
		return vs[mid]
	}
	return (vs[mid-1] + vs[mid]) / 2
}

// stddev is the population standard deviation
func stddev(values []float64) float64 {
	vs := finite(values)
	if len(vs) == 0 {
		return math.NaN()
	}
	m := mean(vs)
	acc := 0.0
	for _, v := range vs {
		acc += (v - m) * (v - m)
	}
	return math.Sqrt(acc / float64(len(vs)))
}

// Map returns a new cube with fn applied to every value
func (c *DataCube) Map(fn func(float64) float64) *DataCube {
	out := make([]float64, len(c.values))
	for i, v := range c.values {
		out[i] = fn(v)
	}
	return &DataCube{name: c.name, dims: c.dims, shape: c.shape, strides: c.strides, values: out}
}

// MapErr is Map with a fallible function; the first error aborts.
func (c *DataCube) MapErr(fn func(float64) (float64, error)) (*DataCube, error) {
	out := make([]float64, len(c.values))
	for i, v := range c.values {
		r, err := fn(v)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return &DataCube{name: c.name, dims: c.dims, shape: c.shape, strides: c.strides, values: out}, nil
}

// Zip combines two cubes of the same shape elementwise.
// The result keeps the receiver's name and coordinates.
func (c *DataCube) Zip(other *DataCube, fn func(a, b float64) float64) (*DataCube, error) {
	if !c.SameShape(other) {
		return nil, shapeErrorf("cannot combine %s with %s", c, other)
	}
	out := make([]float64, len(c.values))
	for i := range c.values {
		out[i] = fn(c.values[i], other.values[i])
	}
	return &DataCube{name: c.name, dims: c.dims, shape: c.shape, strides: c.strides, values: out}, nil
}

// Reduce collapses the named dimension with the named built-in reducer
func (c *DataCube) Reduce(dim, reducer string) (*DataCube, error) {
	r, err := LookupReducer(reducer)
	if err != nil {
		return nil, err
	}
	return c.ReduceWith(dim, r)
}

// ReduceWith collapses the named dimension with an arbitrary reducer.
// The result has rank one less than the receiver.
func (c *DataCube) ReduceWith(dim string, r Reducer) (*DataCube, error) {
	k := c.axis(dim)
	if k < 0 {
		return nil, coordErrorf(dim, "no such dimension")
	}

	outer, inner := c.split(k)
	n := c.shape[k]
	out := make([]float64, 0, outer*inner)
	buf := make([]float64, n)
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			for j := 0; j < n; j++ {
				buf[j] = c.values[(o*n+j)*inner+i]
			}
			out = append(out, r(buf))
		}
	}

	return build(c.name, out, c.dropShape(k), c.dropDim(k), false)
}

// Select returns the slice at the given label, dropping the dimension
func (c *DataCube) Select(dim, label string) (*DataCube, error) {
	k := c.axis(dim)
	if k < 0 {
		return nil, coordErrorf(dim, "no such dimension")
	}
	j := indexOf(c.dims[k].Labels, label)
	if j < 0 {
		return nil, coordErrorf(dim, "no label %q", label)
	}

	outer, inner := c.split(k)
	n := c.shape[k]
	out := make([]float64, 0, outer*inner)
	for o := 0; o < outer; o++ {
		base := (o*n + j) * inner
		out = append(out, c.values[base:base+inner]...)
	}

	return build(c.name, out, c.dropShape(k), c.dropDim(k), false)
}

// Slice keeps only the given labels (in the given order) along a dimension
func (c *DataCube) Slice(dim string, labels []string) (*DataCube, error) {
	k := c.axis(dim)
	if k < 0 {
		return nil, coordErrorf(dim, "no such dimension")
	}
	idx := make([]int, len(labels))
	for i, l := range labels {
		idx[i] = indexOf(c.dims[k].Labels, l)
		if idx[i] < 0 {
			return nil, coordErrorf(dim, "no label %q", l)
		}
	}

	outer, inner := c.split(k)
	n := c.shape[k]
	out := make([]float64, 0, outer*len(idx)*inner)
	for o := 0; o < outer; o++ {
		for _, j := range idx {
			base := (o*n + j) * inner
			out = append(out, c.values[base:base+inner]...)
		}
	}

	dims := c.Dimensions()
	dims[k].Labels = append([]string(nil), labels...)
	shape := c.Shape()
	shape[k] = len(labels)

	return build(c.name, out, shape, dims, false)
}

// split returns the number of blocks before axis k and the block size after it
func (c *DataCube) split(k int) (outer, inner int) {
	outer = 1
	for _, n := range c.shape[:k] {
		outer *= n
	}
	return outer, c.strides[k]
}

func (c *DataCube) dropShape(k int) []int {
	shape := make([]int, 0, len(c.shape)-1)
	shape = append(shape, c.shape[:k]...)
	return append(shape, c.shape[k+1:]...)
}

func (c *DataCube) dropDim(k int) []Dimension {
	dims := make([]Dimension, 0, len(c.dims)-1)
	for i, d := range c.dims {
		if i != k {
			dims = append(dims, d.clone())
		}
	}
	return dims
}

func indexOf(labels []string, label string) int {
	for i, l := range labels {
		if l == label {
			return i
		}
	}
	return -1
}
