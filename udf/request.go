package udf

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/isdmx/openeo-udf/datacube"
)

// Language names a UDF runtime
type Language string

// Supported languages
const (
	LanguageStarlark Language = "starlark"
	LanguageCEL      Language = "cel"
)

// DefaultEntrypoint is the Starlark function called when none is given
const DefaultEntrypoint = "apply_datacube"

// Valid reports whether the language is supported
func (l Language) Valid() bool {
	return l == LanguageStarlark || l == LanguageCEL
}

// Code references the user function: inline source or a registered function.
type Code struct {
	Language Language `json:"language,omitempty" yaml:"language,omitempty"`
	Source   string   `json:"source,omitempty" yaml:"source,omitempty"`
	// Function names a registered function; mutually exclusive with Source.
	Function string `json:"function,omitempty" yaml:"function,omitempty"`
	// Entrypoint is the Starlark function to call, DefaultEntrypoint if empty.
	Entrypoint string `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`
}

// Budget lets a request lower the server's resource limits
type Budget struct {
	TimeoutMS int64 `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	MemoryMB  int   `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
}

// Timeout returns the budget as a duration, zero when unset
func (b *Budget) Timeout() time.Duration {
	if b == nil {
		return 0
	}
	return time.Duration(b.TimeoutMS) * time.Millisecond
}

// Request is a single UDF invocation
type Request struct {
	ID    string               `json:"id,omitempty" yaml:"id,omitempty"`
	Code  Code                 `json:"code" yaml:"code"`
	Cubes []*datacube.DataCube `json:"cubes" yaml:"cubes"`
	// CubeRefs name cube files or s3:// objects loaded and appended to
	// Cubes before execution.
	CubeRefs []string       `json:"cube_refs,omitempty" yaml:"cube_refs,omitempty"`
	Context  map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
	Budget   *Budget        `json:"budget,omitempty" yaml:"budget,omitempty"`
}

// Validate checks the request before dispatch. Cubes are validated when they
// are constructed or decoded; Validate rejects missing ones.
func (r *Request) Validate() error {
	switch {
	case r.Code.Source == "" && r.Code.Function == "":
		return InvalidRequestf("code.source or code.function is required")
	case r.Code.Source != "" && r.Code.Function != "":
		return InvalidRequestf("code.source and code.function are mutually exclusive")
	case r.Code.Source != "" && !r.Code.Language.Valid():
		return InvalidRequestf("unsupported language %q, must be %q or %q", r.Code.Language, LanguageStarlark, LanguageCEL)
	case r.Code.Language != "" && !r.Code.Language.Valid():
		return InvalidRequestf("unsupported language %q", r.Code.Language)
	}

	if len(r.Cubes) == 0 && len(r.CubeRefs) == 0 {
		return InvalidRequestf("at least one input cube is required")
	}
	for i, ref := range r.CubeRefs {
		if ref == "" {
			return InvalidRequestf("cube reference %d is empty", i)
		}
	}
	for i, c := range r.Cubes {
		if c == nil {
			return InvalidRequestf("cube %d is missing", i)
		}
	}

	for k, v := range r.Context {
		if k == "" {
			return InvalidRequestf("context keys must not be empty")
		}
		if !isPrimitive(v) {
			return InvalidRequestf("context parameter %q has non-primitive type %T", k, v)
		}
	}

	if r.Budget != nil && (r.Budget.TimeoutMS < 0 || r.Budget.MemoryMB < 0) {
		return InvalidRequestf("budget values must not be negative")
	}

	return nil
}

func isPrimitive(v any) bool {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return true
	default:
		return false
	}
}

// Hash returns a canonical SHA-256 of the code, cubes and context.
// The id and the budget do not take part.
func (r *Request) Hash() (string, error) {
	canonical := struct {
		Code    Code                 `json:"code"`
		Cubes   []*datacube.DataCube `json:"cubes"`
		Context map[string]any       `json:"context"`
	}{r.Code, r.Cubes, r.Context}

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
