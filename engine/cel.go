package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/isdmx/openeo-udf/datacube"
	"github.com/isdmx/openeo-udf/udf"
)

// celCheckFrequency is how many comprehension iterations pass between two
// checks of the context during evaluation
const celCheckFrequency = 100

// runCEL evaluates a per-element expression over the input cubes.
//
// Variables: x (element of the first cube), v (elements at the same position
// of all cubes), params (context parameters, numbers as doubles) and coords
// (dimension name to coordinate label).
func (e *Engine) runCEL(ctx context.Context, req *udf.Request) ([]*datacube.DataCube, *udf.Error) {
	first := req.Cubes[0]
	for i, c := range req.Cubes[1:] {
		if !first.SameShape(c) {
			return nil, udf.NewError(udf.KindShapeMismatch, "cube %d %s does not match the shape of cube 0 %s", i+1, c, first)
		}
	}

	env, err := cel.NewEnv(
		cel.Variable("x", cel.DoubleType),
		cel.Variable("v", cel.ListType(cel.DoubleType)),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("coords", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, udf.NewError(udf.KindInternal, "error creating CEL environment: %v", err)
	}

	ast, issues := env.Compile(req.Code.Source)
	if issues != nil && issues.Err() != nil {
		return nil, udf.NewError(udf.KindUserCode, "error compiling CEL expression").WithDiagnostic(issues.Err().Error())
	}

	opts := []cel.ProgramOption{cel.InterruptCheckFrequency(celCheckFrequency)}
	if e.opts.CELCostLimit > 0 {
		opts = append(opts, cel.CostLimit(e.opts.CELCostLimit))
	}
	prg, err := env.Program(ast, opts...)
	if err != nil {
		return nil, udf.NewError(udf.KindUserCode, "error creating CEL program: %v", err)
	}

	params, err := celParams(req.Context)
	if err != nil {
		return nil, udf.NewError(udf.KindInvalidRequest, "%v", err)
	}

	inputs := make([][]float64, len(req.Cubes))
	for i, c := range req.Cubes {
		inputs[i] = c.Values()
	}

	size := first.Size()
	out := make([]float64, size)
	v := make([]float64, len(inputs))
	for i := 0; i < size; i++ {
		if ctx.Err() != nil {
			return nil, udf.NewError(udf.KindTimeout, "execution exceeded its time budget")
		}
		for j := range inputs {
			v[j] = inputs[j][i]
		}

		res, _, err := prg.ContextEval(ctx, map[string]any{
			"x":      inputs[0][i],
			"v":      v,
			"params": params,
			"coords": first.Coordinates(i),
		})
		if err != nil {
			return nil, e.celError(ctx, err, first.Coordinates(i))
		}

		f, ok := celNumber(res.Value())
		if !ok {
			return nil, udf.NewError(udf.KindUserCode, "expression must evaluate to a number, got %s", res.Type().TypeName())
		}
		out[i] = f
	}

	result, err := datacube.NewNamed(first.Name(), out, first.Dimensions())
	if err != nil {
		return nil, udf.FromError(err)
	}
	return []*datacube.DataCube{result}, nil
}

func (e *Engine) celError(ctx context.Context, err error, coords map[string]string) *udf.Error {
	switch {
	case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		return udf.NewError(udf.KindTimeout, "execution exceeded its time budget")
	case strings.Contains(err.Error(), "cost limit exceeded"):
		return udf.NewError(udf.KindResourceExceeded, "expression exceeded its cost limit of %d", e.opts.CELCostLimit)
	default:
		return udf.NewError(udf.KindUserCode, "error evaluating CEL expression: %v", err).
			WithDiagnostic(fmt.Sprintf("at %v", coords))
	}
}

func celNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// celParams normalizes numbers to float64 so that they combine with x
func celParams(params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch x := v.(type) {
		case nil, string, bool, float64:
			out[k] = x
		case float32:
			out[k] = float64(x)
		case int:
			out[k] = float64(x)
		case int32:
			out[k] = float64(x)
		case int64:
			out[k] = float64(x)
		case uint:
			out[k] = float64(x)
		case uint32:
			out[k] = float64(x)
		case uint64:
			out[k] = float64(x)
		case json.Number:
			f, err := x.Float64()
			if err != nil {
				return nil, fmt.Errorf("context parameter %q: %w", k, err)
			}
			out[k] = f
		default:
			return nil, fmt.Errorf("context parameter %q has unsupported type %T", k, v)
		}
	}
	return out, nil
}
