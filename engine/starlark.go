package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"

	"github.com/isdmx/openeo-udf/datacube"
	"github.com/isdmx/openeo-udf/udf"
)

func init() {
	// UDFs are ordinary programs: while loops, recursion, sets and
	// reassignment of top-level names are allowed.
	resolve.AllowRecursion = true
	resolve.AllowGlobalReassign = true
	resolve.AllowSet = true
}

const cancelledByContext = "execution cancelled"

// runStarlark executes a Starlark program and calls its entrypoint
func (e *Engine) runStarlark(ctx context.Context, req *udf.Request, stdout *boundedBuffer) ([]*datacube.DataCube, *udf.Error) {
	thread := &starlark.Thread{
		Name: "udf",
		Print: func(_ *starlark.Thread, msg string) {
			stdout.WriteString(msg + "\n")
		},
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return nil, fmt.Errorf("load(%q) is not available to UDFs", module)
		},
	}
	if e.opts.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(e.opts.MaxSteps)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(cancelledByContext)
		case <-done:
		}
	}()

	predeclared := starlark.StringDict{
		"udf": udfModule(),
	}

	globals, err := starlark.ExecFile(thread, "udf.star", req.Code.Source, predeclared)
	if err != nil {
		return nil, e.starlarkError(ctx, thread, err)
	}

	entry := req.Code.Entrypoint
	if entry == "" {
		entry = udf.DefaultEntrypoint
	}
	fnValue, ok := globals[entry]
	if !ok {
		return nil, udf.NewError(udf.KindUserCode, "entrypoint %q is not defined", entry)
	}
	fn, ok := fnValue.(starlark.Callable)
	if !ok {
		return nil, udf.NewError(udf.KindUserCode, "entrypoint %q is a %s, not a function", entry, fnValue.Type())
	}

	cubes := make([]starlark.Value, len(req.Cubes))
	for i, c := range req.Cubes {
		cubes[i] = NewCube(c)
	}
	cubeList := starlark.NewList(cubes)
	cubeList.Freeze()

	contextDict, err := contextToStarlark(req.Context)
	if err != nil {
		return nil, udf.NewError(udf.KindInvalidRequest, "%v", err)
	}

	ret, err := starlark.Call(thread, fn, starlark.Tuple{cubeList, contextDict}, nil)
	if err != nil {
		return nil, e.starlarkError(ctx, thread, err)
	}

	out, err := cubesFromReturn(ret)
	if err != nil {
		return nil, udf.NewError(udf.KindUserCode, "%v", err)
	}
	return out, nil
}

// starlarkError classifies a failed execution. Cancellation by the context
// is a timeout, exhausting the step budget a resource overrun, and anything
// else an error of the user code.
func (e *Engine) starlarkError(ctx context.Context, thread *starlark.Thread, err error) *udf.Error {
	if ctx.Err() != nil {
		return udf.NewError(udf.KindTimeout, "execution exceeded its time budget")
	}
	if e.opts.MaxSteps > 0 && thread.ExecutionSteps() >= e.opts.MaxSteps {
		return udf.NewError(udf.KindResourceExceeded, "execution exceeded %d steps", e.opts.MaxSteps)
	}

	ue := udf.NewError(udf.KindUserCode, "%s", errorMessage(err))
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		ue = ue.WithDiagnostic(evalErr.Backtrace())
	}
	return ue
}

func errorMessage(err error) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Msg
	}
	return strings.TrimSpace(err.Error())
}

func contextToStarlark(params map[string]any) (*starlark.Dict, error) {
	d := starlark.NewDict(len(params))
	for k, v := range params {
		sv, err := primitiveToStarlark(v)
		if err != nil {
			return nil, fmt.Errorf("context parameter %q: %w", k, err)
		}
		if err := d.SetKey(starlark.String(k), sv); err != nil {
			return nil, err
		}
	}
	d.Freeze()
	return d, nil
}

func primitiveToStarlark(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case string:
		return starlark.String(x), nil
	case bool:
		return starlark.Bool(x), nil
	case float64:
		return starlark.Float(x), nil
	case float32:
		return starlark.Float(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int32:
		return starlark.MakeInt64(int64(x)), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case uint:
		return starlark.MakeUint(x), nil
	case uint32:
		return starlark.MakeUint64(uint64(x)), nil
	case uint64:
		return starlark.MakeUint64(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, err
		}
		return starlark.Float(f), nil
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

// cubesFromReturn accepts a cube, a list or tuple of cubes, or a dict of
// name to cube. Dict entries are renamed after their keys.
func cubesFromReturn(v starlark.Value) ([]*datacube.DataCube, error) {
	switch x := v.(type) {
	case *Cube:
		return []*datacube.DataCube{x.cube}, nil
	case *starlark.Dict:
		out := make([]*datacube.DataCube, 0, x.Len())
		for _, item := range x.Items() {
			name, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("result dict keys must be strings, got %s", item[0].Type())
			}
			c, ok := item[1].(*Cube)
			if !ok {
				return nil, fmt.Errorf("result %q is a %s, not a cube", name, item[1].Type())
			}
			out = append(out, c.cube.WithName(name))
		}
		if len(out) == 0 {
			return nil, errors.New("entrypoint returned no cubes")
		}
		return out, nil
	case starlark.Indexable:
		if _, isString := x.(starlark.String); isString {
			break
		}
		out := make([]*datacube.DataCube, 0, x.Len())
		for i := 0; i < x.Len(); i++ {
			c, ok := x.Index(i).(*Cube)
			if !ok {
				return nil, fmt.Errorf("result item %d is a %s, not a cube", i, x.Index(i).Type())
			}
			out = append(out, c.cube)
		}
		if len(out) == 0 {
			return nil, errors.New("entrypoint returned no cubes")
		}
		return out, nil
	}
	return nil, fmt.Errorf("entrypoint must return a cube, a list of cubes or a dict of cubes, got %s", v.Type())
}
