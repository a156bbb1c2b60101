package engine

import (
	"fmt"
	"math"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/isdmx/openeo-udf/datacube"
)

// Cube wraps a data cube as an immutable Starlark value
type Cube struct {
	cube *datacube.DataCube
}

var (
	_ starlark.Value     = (*Cube)(nil)
	_ starlark.HasAttrs  = (*Cube)(nil)
	_ starlark.HasBinary = (*Cube)(nil)
)

// NewCube wraps c
func NewCube(c *datacube.DataCube) *Cube {
	return &Cube{cube: c}
}

// DataCube returns the wrapped cube
func (v *Cube) DataCube() *datacube.DataCube { return v.cube }

func (v *Cube) String() string      { return v.cube.String() }
func (*Cube) Type() string          { return "cube" }
func (*Cube) Freeze()               {}
func (*Cube) Truth() starlark.Bool  { return starlark.True }
func (*Cube) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: cube") }

var cubeMethods = map[string]func(v *Cube) *starlark.Builtin{
	"labels": func(v *Cube) *starlark.Builtin { return starlark.NewBuiltin("labels", v.labels) },
	"unit":   func(v *Cube) *starlark.Builtin { return starlark.NewBuiltin("unit", v.unit) },
	"reduce": func(v *Cube) *starlark.Builtin { return starlark.NewBuiltin("reduce", v.reduce) },
	"select": func(v *Cube) *starlark.Builtin { return starlark.NewBuiltin("select", v.sel) },
	"slice":  func(v *Cube) *starlark.Builtin { return starlark.NewBuiltin("slice", v.slice) },
	"apply":  func(v *Cube) *starlark.Builtin { return starlark.NewBuiltin("apply", v.apply) },
	"rename": func(v *Cube) *starlark.Builtin { return starlark.NewBuiltin("rename", v.rename) },
	"at":     func(v *Cube) *starlark.Builtin { return starlark.NewBuiltin("at", v.at) },

	"to_list": func(v *Cube) *starlark.Builtin { return starlark.NewBuiltin("to_list", v.toList) },
}

func init() {
	for _, name := range datacube.ReducerNames() {
		reducer := name
		cubeMethods[reducer] = func(v *Cube) *starlark.Builtin {
			return starlark.NewBuiltin(reducer, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				var dim string
				if err := starlark.UnpackArgs(b.Name(), args, kwargs, "dim", &dim); err != nil {
					return nil, err
				}
				out, err := v.cube.Reduce(dim, reducer)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", b.Name(), err)
				}
				return NewCube(out), nil
			})
		}
	}
}

// Attr implements starlark.HasAttrs
func (v *Cube) Attr(name string) (starlark.Value, error) {
	switch name {
	case "name":
		if v.cube.Name() == "" {
			return starlark.None, nil
		}
		return starlark.String(v.cube.Name()), nil
	case "shape":
		shape := v.cube.Shape()
		t := make(starlark.Tuple, len(shape))
		for i, n := range shape {
			t[i] = starlark.MakeInt(n)
		}
		return t, nil
	case "dims":
		names := v.cube.DimensionNames()
		t := make(starlark.Tuple, len(names))
		for i, n := range names {
			t[i] = starlark.String(n)
		}
		return t, nil
	case "size":
		return starlark.MakeInt(v.cube.Size()), nil
	case "values":
		return floatList(v.cube.Values()), nil
	}
	if m, ok := cubeMethods[name]; ok {
		return m(v), nil
	}
	return nil, nil
}

// AttrNames implements starlark.HasAttrs
func (*Cube) AttrNames() []string {
	names := []string{"name", "shape", "dims", "size", "values"}
	for n := range cubeMethods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Binary implements elementwise arithmetic with cubes and numbers
func (v *Cube) Binary(op syntax.Token, y starlark.Value, side starlark.Side) (starlark.Value, error) {
	fn, ok := arithmetic[op]
	if !ok {
		return nil, nil
	}

	if other, ok := y.(*Cube); ok {
		left, right := v.cube, other.cube
		if side == starlark.Right {
			left, right = right, left
		}
		out, err := left.Zip(right, fn)
		if err != nil {
			return nil, err
		}
		return NewCube(out), nil
	}

	f, ok := toFloat(y)
	if !ok {
		return nil, nil
	}
	if side == starlark.Left {
		return NewCube(v.cube.Map(func(a float64) float64 { return fn(a, f) })), nil
	}
	return NewCube(v.cube.Map(func(a float64) float64 { return fn(f, a) })), nil
}

// arithmetic follows IEEE semantics: division by zero yields ±Inf or NaN
var arithmetic = map[syntax.Token]func(a, b float64) float64{
	syntax.PLUS:       func(a, b float64) float64 { return a + b },
	syntax.MINUS:      func(a, b float64) float64 { return a - b },
	syntax.STAR:       func(a, b float64) float64 { return a * b },
	syntax.SLASH:      func(a, b float64) float64 { return a / b },
	syntax.SLASHSLASH: func(a, b float64) float64 { return math.Floor(a / b) },
	syntax.PERCENT: func(a, b float64) float64 {
		m := math.Mod(a, b)
		if m != 0 && (m < 0) != (b < 0) {
			m += b
		}
		return m
	},
}

func (v *Cube) labels(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dim string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "dim", &dim); err != nil {
		return nil, err
	}
	labels, err := v.cube.Labels(dim)
	if err != nil {
		return nil, err
	}
	return stringList(labels), nil
}

func (v *Cube) unit(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dim string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "dim", &dim); err != nil {
		return nil, err
	}
	d, ok := v.cube.Dimension(dim)
	if !ok {
		return nil, fmt.Errorf("unit: no such dimension %q", dim)
	}
	return starlark.String(d.Unit), nil
}

// reduce accepts a reducer name or a callable taking a list of floats
func (v *Cube) reduce(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dim string
	var reducer starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "dim", &dim, "reducer", &reducer); err != nil {
		return nil, err
	}

	switch r := reducer.(type) {
	case starlark.String:
		out, err := v.cube.Reduce(dim, string(r))
		if err != nil {
			return nil, fmt.Errorf("reduce: %w", err)
		}
		return NewCube(out), nil
	case starlark.Callable:
		var callErr error
		out, err := v.cube.ReduceWith(dim, func(values []float64) float64 {
			if callErr != nil {
				return math.NaN()
			}
			res, err := starlark.Call(thread, r, starlark.Tuple{floatList(values)}, nil)
			if err != nil {
				callErr = err
				return math.NaN()
			}
			f, ok := toFloat(res)
			if !ok {
				callErr = fmt.Errorf("reduce: reducer returned %s, want a number", res.Type())
				return math.NaN()
			}
			return f
		})
		if callErr != nil {
			return nil, callErr
		}
		if err != nil {
			return nil, fmt.Errorf("reduce: %w", err)
		}
		return NewCube(out), nil
	default:
		return nil, fmt.Errorf("reduce: reducer must be a string or a function, got %s", reducer.Type())
	}
}

func (v *Cube) sel(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dim string
	var label starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "dim", &dim, "label", &label); err != nil {
		return nil, err
	}
	out, err := v.cube.Select(dim, labelString(label))
	if err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}
	return NewCube(out), nil
}

func (v *Cube) slice(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dim string
	var labels starlark.Iterable
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "dim", &dim, "labels", &labels); err != nil {
		return nil, err
	}
	out, err := v.cube.Slice(dim, labelStrings(labels))
	if err != nil {
		return nil, fmt.Errorf("slice: %w", err)
	}
	return NewCube(out), nil
}

// apply calls fn for every value and builds a cube of the results
func (v *Cube) apply(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Callable
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "fn", &fn); err != nil {
		return nil, err
	}
	out, err := v.cube.MapErr(func(a float64) (float64, error) {
		res, err := starlark.Call(thread, fn, starlark.Tuple{starlark.Float(a)}, nil)
		if err != nil {
			return 0, err
		}
		f, ok := toFloat(res)
		if !ok {
			return 0, fmt.Errorf("apply: function returned %s, want a number", res.Type())
		}
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return NewCube(out), nil
}

func (v *Cube) rename(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name); err != nil {
		return nil, err
	}
	return NewCube(v.cube.WithName(name)), nil
}

func (v *Cube) at(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	idx := make([]int, len(args))
	for i, a := range args {
		n, err := starlark.AsInt32(a)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		idx[i] = n
	}
	f, err := v.cube.At(idx...)
	if err != nil {
		return nil, err
	}
	return starlark.Float(f), nil
}

func (v *Cube) toList(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	return nestedToStarlark(v.cube.Values(), v.cube.Shape()), nil
}

func nestedToStarlark(values []float64, shape []int) starlark.Value {
	if len(shape) == 0 {
		return starlark.Float(values[0])
	}
	step := len(values)
	if shape[0] > 0 {
		step = len(values) / shape[0]
	}
	items := make([]starlark.Value, shape[0])
	for i := range items {
		items[i] = nestedToStarlark(values[i*step:(i+1)*step], shape[1:])
	}
	return starlark.NewList(items)
}

func toFloat(v starlark.Value) (float64, bool) {
	switch x := v.(type) {
	case starlark.Float:
		return float64(x), true
	case starlark.Int:
		return float64(x.Float()), true
	case starlark.Bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func floatList(values []float64) *starlark.List {
	items := make([]starlark.Value, len(values))
	for i, f := range values {
		items[i] = starlark.Float(f)
	}
	return starlark.NewList(items)
}

func stringList(values []string) *starlark.List {
	items := make([]starlark.Value, len(values))
	for i, s := range values {
		items[i] = starlark.String(s)
	}
	return starlark.NewList(items)
}

// labelString lets scripts pass numeric labels, e.g. select("x", 0)
func labelString(v starlark.Value) string {
	if s, ok := starlark.AsString(v); ok {
		return s
	}
	return v.String()
}

func labelStrings(it starlark.Iterable) []string {
	iter := it.Iterate()
	defer iter.Done()
	var out []string
	var x starlark.Value
	for iter.Next(&x) {
		out = append(out, labelString(x))
	}
	return out
}
