package udf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/openeo-udf/datacube"
)

func testCube(t *testing.T) *datacube.DataCube {
	t.Helper()
	cube, err := datacube.New([]float64{1, 2}, []datacube.Dimension{{Name: "x", Labels: []string{"0", "1"}}})
	require.NoError(t, err)
	return cube
}

func TestRequestValidate(t *testing.T) {
	cube := testCube(t)

	tests := []struct {
		name    string
		req     Request
		wantErr string
	}{
		{
			name: "ValidSource",
			req: Request{
				Code:    Code{Language: LanguageStarlark, Source: "def apply_datacube(cubes, context): return cubes[0]"},
				Cubes:   []*datacube.DataCube{cube},
				Context: map[string]any{"factor": 2.0, "band": "red", "flag": true, "none": nil},
			},
		},
		{
			name: "ValidFunctionReference",
			req:  Request{Code: Code{Function: "ndvi"}, Cubes: []*datacube.DataCube{cube}},
		},
		{
			name:    "MissingCode",
			req:     Request{Cubes: []*datacube.DataCube{cube}},
			wantErr: "code.source or code.function is required",
		},
		{
			name:    "SourceAndFunction",
			req:     Request{Code: Code{Language: LanguageCEL, Source: "x", Function: "f"}, Cubes: []*datacube.DataCube{cube}},
			wantErr: "mutually exclusive",
		},
		{
			name:    "UnknownLanguage",
			req:     Request{Code: Code{Language: "python", Source: "x"}, Cubes: []*datacube.DataCube{cube}},
			wantErr: "unsupported language",
		},
		{
			name:    "NoCubes",
			req:     Request{Code: Code{Language: LanguageCEL, Source: "x"}},
			wantErr: "at least one input cube",
		},
		{
			name:    "NilCube",
			req:     Request{Code: Code{Language: LanguageCEL, Source: "x"}, Cubes: []*datacube.DataCube{nil}},
			wantErr: "cube 0 is missing",
		},
		{
			name: "NonPrimitiveContext",
			req: Request{
				Code:    Code{Language: LanguageCEL, Source: "x"},
				Cubes:   []*datacube.DataCube{cube},
				Context: map[string]any{"list": []any{1, 2}},
			},
			wantErr: "non-primitive",
		},
		{
			name: "NegativeBudget",
			req: Request{
				Code:   Code{Language: LanguageCEL, Source: "x"},
				Cubes:  []*datacube.DataCube{cube},
				Budget: &Budget{TimeoutMS: -1},
			},
			wantErr: "must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRequestJSON(t *testing.T) {
	body := `{
		"id": "r1",
		"code": {"language": "cel", "source": "x * params.factor"},
		"cubes": [{"dimensions": [{"name": "x", "labels": ["0", "1"]}], "data": [1, 2]}],
		"context": {"factor": 2},
		"budget": {"timeout_ms": 500}
	}`

	var req Request
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	require.NoError(t, req.Validate())
	assert.Equal(t, LanguageCEL, req.Code.Language)
	assert.Equal(t, []int{2}, req.Cubes[0].Shape())
	assert.Equal(t, int64(500), req.Budget.TimeoutMS)

	t.Run("InvalidCubeSurfacesShapeMismatch", func(t *testing.T) {
		bad := `{"code": {"language": "cel", "source": "x"}, "cubes": [{"dimensions": [], "data": [1, 2]}]}`
		var req Request
		err := json.Unmarshal([]byte(bad), &req)
		require.Error(t, err)
		assert.Equal(t, KindShapeMismatch, KindOf(err))
	})
}

func TestRequestHash(t *testing.T) {
	cube := testCube(t)
	a := &Request{ID: "a", Code: Code{Language: LanguageCEL, Source: "x"}, Cubes: []*datacube.DataCube{cube}, Context: map[string]any{"k": 1.0, "j": "v"}}
	b := &Request{ID: "b", Code: Code{Language: LanguageCEL, Source: "x"}, Cubes: []*datacube.DataCube{cube}, Context: map[string]any{"j": "v", "k": 1.0}, Budget: &Budget{TimeoutMS: 10}}
	c := &Request{Code: Code{Language: LanguageCEL, Source: "x + 1.0"}, Cubes: []*datacube.DataCube{cube}}

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	hc, err := c.Hash()
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.NotEqual(t, ha, hc)
	assert.Len(t, ha, 64)
}

func TestResultValidate(t *testing.T) {
	cube := testCube(t)

	require.NoError(t, Success(cube).Validate())
	require.NoError(t, Failure(ErrTimeout).Validate())

	both := Success(cube)
	both.Error = NewError(KindInternal, "boom")
	require.Error(t, both.Validate())

	require.Error(t, (&Result{}).Validate())

	named := Success(cube.WithName("out"))
	got, ok := named.Cube("out")
	require.True(t, ok)
	assert.Equal(t, "out", got.Name())
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		kind Kind
	}{
		{&datacube.ShapeMismatchError{Reason: "x"}, KindShapeMismatch},
		{fmt.Errorf("decode: %w", &datacube.InvalidCoordinateError{Reason: "x"}), KindInvalidCoordinate},
		{InvalidRequestf("bad"), KindInvalidRequest},
		{fmt.Errorf("run: %w", ErrUserCode), KindUserCode},
		{context.DeadlineExceeded, KindTimeout},
		{ErrResourceExceeded, KindResourceExceeded},
		{ErrCapacityExceeded, KindCapacityExceeded},
		{errors.New("anything else"), KindInternal},
		{NewError(KindUserCode, "fail"), KindUserCode},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.kind, FromError(tt.err).Kind)
		})
	}

	t.Run("ErrorMatchesSentinel", func(t *testing.T) {
		err := NewError(KindTimeout, "too slow").WithDiagnostic("trace")
		assert.ErrorIs(t, err, ErrTimeout)
		assert.NotErrorIs(t, err, ErrUserCode)
		assert.Equal(t, "trace", err.Diagnostic)
		assert.Equal(t, "timeout: too slow", err.Error())
	})
}
