package engine

import (
	"bytes"
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/isdmx/openeo-udf/datacube"
	"github.com/isdmx/openeo-udf/udf"
)

// Options bounds a single execution
type Options struct {
	// MaxSteps caps the Starlark execution steps, zero for no cap.
	MaxSteps uint64
	// CELCostLimit caps the cost of a single CEL evaluation, zero for no cap.
	CELCostLimit uint64
	// MaxStdoutBytes caps the captured print() output.
	MaxStdoutBytes int
}

// DefaultMaxStdoutBytes is used when Options.MaxStdoutBytes is zero
const DefaultMaxStdoutBytes = 64 * 1024

// Engine executes resolved UDF requests
type Engine struct {
	opts Options
}

// New creates an Engine
func New(opts Options) *Engine {
	if opts.MaxStdoutBytes <= 0 {
		opts.MaxStdoutBytes = DefaultMaxStdoutBytes
	}
	return &Engine{opts: opts}
}

// Run executes req and always returns a result. The request must carry inline
// source; registered function references are resolved before dispatch.
// A panic inside the engine is reported as an internal error.
func (e *Engine) Run(ctx context.Context, req *udf.Request) (result *udf.Result) {
	stdout := &boundedBuffer{limit: e.opts.MaxStdoutBytes}

	defer func() {
		if r := recover(); r != nil {
			result = &udf.Result{
				RequestID: req.ID,
				Error: udf.NewError(udf.KindInternal, "engine panic: %v", r).
					WithDiagnostic(string(debug.Stack())),
				Stdout: stdout.String(),
			}
		}
	}()

	if err := req.Validate(); err != nil {
		return &udf.Result{RequestID: req.ID, Error: udf.FromError(err)}
	}
	if len(req.CubeRefs) > 0 {
		return &udf.Result{
			RequestID: req.ID,
			Error:     udf.NewError(udf.KindInternal, "cube references %v were not loaded", req.CubeRefs),
		}
	}
	if req.Code.Source == "" {
		return &udf.Result{
			RequestID: req.ID,
			Error:     udf.NewError(udf.KindInternal, "function reference %q was not resolved", req.Code.Function),
		}
	}

	var res *udf.Result
	switch req.Code.Language {
	case udf.LanguageStarlark:
		cubes, uerr := e.runStarlark(ctx, req, stdout)
		res = build(cubes, uerr)
	case udf.LanguageCEL:
		cubes, uerr := e.runCEL(ctx, req)
		res = build(cubes, uerr)
	default:
		res = &udf.Result{Error: udf.NewError(udf.KindInvalidRequest, "unsupported language %q", req.Code.Language)}
	}

	res.RequestID = req.ID
	res.Stdout = stdout.String()
	return res
}

func build(cubes []*datacube.DataCube, uerr *udf.Error) *udf.Result {
	if uerr != nil {
		return &udf.Result{Error: uerr}
	}
	return udf.Success(cubes...)
}

// boundedBuffer keeps the first limit bytes written to it
type boundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *boundedBuffer) WriteString(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return
	}
	if len(s) > room {
		s = s[:room]
		b.truncated = true
	}
	b.buf.WriteString(s)
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return b.buf.String() + fmt.Sprintf("\n[output truncated at %d bytes]\n", b.limit)
	}
	return b.buf.String()
}
