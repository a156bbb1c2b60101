package engine

import (
	"fmt"
	"math"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/isdmx/openeo-udf/datacube"
)

// udfModule is predeclared as "udf" in every Starlark UDF
func udfModule() *starlarkstruct.Module {
	reducerNames := datacube.ReducerNames()
	reducerTuple := make(starlark.Tuple, len(reducerNames))
	for i, n := range reducerNames {
		reducerTuple[i] = starlark.String(n)
	}

	return &starlarkstruct.Module{
		Name: "udf",
		Members: starlark.StringDict{
			"cube":     starlark.NewBuiltin("udf.cube", makeCube),
			"stack":    starlark.NewBuiltin("udf.stack", stack),
			"nan":      starlark.Float(math.NaN()),
			"inf":      starlark.Float(math.Inf(1)),
			"isnan":    unaryFloat("udf.isnan", nil),
			"sqrt":     unaryFloat("udf.sqrt", math.Sqrt),
			"log":      unaryFloat("udf.log", math.Log),
			"exp":      unaryFloat("udf.exp", math.Exp),
			"abs":      unaryFloat("udf.abs", math.Abs),
			"floor":    unaryFloat("udf.floor", math.Floor),
			"ceil":     unaryFloat("udf.ceil", math.Ceil),
			"pow":      starlark.NewBuiltin("udf.pow", pow),
			"clip":     starlark.NewBuiltin("udf.clip", clip),
			"reducers": reducerTuple,
		},
	}
}

// unaryFloat builds a builtin applying fn to a number or, elementwise, to a cube.
// A nil fn builds isnan, which returns a bool for numbers and a 0/1 cube for cubes.
func unaryFloat(name string, fn func(float64) float64) *starlark.Builtin {
	isNaN := fn == nil
	if isNaN {
		fn = func(f float64) float64 {
			if math.IsNaN(f) {
				return 1
			}
			return 0
		}
	}

	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &x); err != nil {
			return nil, err
		}
		if c, ok := x.(*Cube); ok {
			return NewCube(c.cube.Map(fn)), nil
		}
		f, ok := toFloat(x)
		if !ok {
			return nil, fmt.Errorf("%s: got %s, want a number or cube", b.Name(), x.Type())
		}
		if isNaN {
			return starlark.Bool(math.IsNaN(f)), nil
		}
		return starlark.Float(fn(f)), nil
	})
}

func pow(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, y starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &x, &y); err != nil {
		return nil, err
	}
	e, ok := toFloat(y)
	if !ok {
		return nil, fmt.Errorf("%s: exponent must be a number, got %s", b.Name(), y.Type())
	}
	if c, ok := x.(*Cube); ok {
		return NewCube(c.cube.Map(func(f float64) float64 { return math.Pow(f, e) })), nil
	}
	f, ok := toFloat(x)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want a number or cube", b.Name(), x.Type())
	}
	return starlark.Float(math.Pow(f, e)), nil
}

func clip(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x starlark.Value
	var lo, hi starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &x, "lo", &lo, "hi", &hi); err != nil {
		return nil, err
	}
	l, ok1 := toFloat(lo)
	h, ok2 := toFloat(hi)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%s: bounds must be numbers", b.Name())
	}
	fn := func(f float64) float64 { return math.Max(l, math.Min(h, f)) }
	if c, ok := x.(*Cube); ok {
		return NewCube(c.cube.Map(fn)), nil
	}
	f, ok := toFloat(x)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want a number or cube", b.Name(), x.Type())
	}
	return starlark.Float(fn(f)), nil
}

// makeCube implements udf.cube(data, dims, labels=None, units=None, name=None).
// Dimensions without labels get index labels "0".."n-1".
func makeCube(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var data starlark.Value
	var dims starlark.Iterable
	var labels, units *starlark.Dict
	var name string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"data", &data, "dims", &dims, "labels?", &labels, "units?", &units, "name?", &name); err != nil {
		return nil, err
	}

	nested, err := fromStarlark(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	shape := inferNestedShape(nested)

	names := labelStrings(dims)
	if len(names) != len(shape) {
		return nil, fmt.Errorf("%s: %w", b.Name(), &datacube.ShapeMismatchError{
			Reason: fmt.Sprintf("data rank %d does not match %d dimensions", len(shape), len(names)),
		})
	}

	dimensions := make([]datacube.Dimension, len(names))
	for i, n := range names {
		dimensions[i] = datacube.Dimension{Name: n, Labels: datacube.IndexLabels(shape[i])}
		if labels != nil {
			if l, found, _ := labels.Get(starlark.String(n)); found {
				it, ok := l.(starlark.Iterable)
				if !ok {
					return nil, fmt.Errorf("%s: labels for %q must be a list", b.Name(), n)
				}
				dimensions[i].Labels = labelStrings(it)
			}
		}
		if units != nil {
			if u, found, _ := units.Get(starlark.String(n)); found {
				dimensions[i].Unit = labelString(u)
			}
		}
	}

	c, err := datacube.FromNestedNamed(name, nested, dimensions)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return NewCube(c), nil
}

// stack implements udf.stack(cubes, dim, labels=None): cubes of equal shape
// are combined along a new leading dimension.
func stack(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var items starlark.Iterable
	var dim string
	var labels starlark.Iterable
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "cubes", &items, "dim", &dim, "labels?", &labels); err != nil {
		return nil, err
	}

	var cubes []*datacube.DataCube
	iter := items.Iterate()
	defer iter.Done()
	var x starlark.Value
	for iter.Next(&x) {
		c, ok := x.(*Cube)
		if !ok {
			return nil, fmt.Errorf("%s: got %s, want cube", b.Name(), x.Type())
		}
		cubes = append(cubes, c.cube)
	}
	if len(cubes) == 0 {
		return nil, fmt.Errorf("%s: no cubes to stack", b.Name())
	}

	first := cubes[0]
	values := make([]float64, 0, len(cubes)*first.Size())
	for _, c := range cubes {
		if !first.SameShape(c) {
			return nil, fmt.Errorf("%s: %w", b.Name(), &datacube.ShapeMismatchError{
				Reason: fmt.Sprintf("cannot stack %s with %s", first, c),
			})
		}
		values = append(values, c.Values()...)
	}

	newLabels := datacube.IndexLabels(len(cubes))
	if labels != nil {
		newLabels = labelStrings(labels)
	}
	dims := append([]datacube.Dimension{{Name: dim, Labels: newLabels}}, first.Dimensions()...)

	out, err := datacube.NewNamed(first.Name(), values, dims)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return NewCube(out), nil
}

func inferNestedShape(v any) []int {
	var shape []int
	for {
		list, ok := v.([]any)
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

// fromStarlark converts lists, tuples and numbers to Go values.
func fromStarlark(v starlark.Value) (any, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Float, starlark.Int, starlark.Bool:
		f, _ := toFloat(x)
		return f, nil
	case starlark.String:
		return string(x), nil
	case starlark.Indexable:
		out := make([]any, x.Len())
		for i := range out {
			item, err := fromStarlark(x.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = item
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value of type %s", v.Type())
	}
}
