package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/openeo-udf/datacube"
	"github.com/isdmx/openeo-udf/udf"
)

func encodeJob(t *testing.T, job *Job) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(job))
	return &buf
}

func sampleRequest(t *testing.T, src string) *udf.Request {
	t.Helper()
	cube, err := datacube.New([]float64{1, 2, 3, 4}, []datacube.Dimension{
		{Name: "time", Labels: []string{"a", "b"}},
		{Name: "x", Labels: []string{"0", "1"}},
	})
	require.NoError(t, err)
	return &udf.Request{
		ID:    "job-1",
		Code:  udf.Code{Language: udf.LanguageStarlark, Source: src},
		Cubes: []*datacube.DataCube{cube},
	}
}

func newRunner(t *testing.T, in io.Reader) (*Runner, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	return &Runner{
		Stdin:       in,
		Stdout:      &out,
		Stderr:      &errOut,
		LimitMemory: func(int64) error { return nil },
		OnExceeded:  func() { t.Error("memory budget unexpectedly exceeded") },
	}, &out, &errOut
}

func TestRun(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		in := encodeJob(t, &Job{
			Request:   sampleRequest(t, "def apply_datacube(cubes, context):\n    print('hi')\n    return cubes[0].reduce('time', 'sum')\n"),
			TimeoutMS: 5000,
			MemoryMB:  512,
		})
		r, out, errOut := newRunner(t, in)

		code := r.Run(context.Background())
		require.Equal(t, ExitOK, code, errOut.String())

		var res udf.Result
		require.NoError(t, json.Unmarshal(out.Bytes(), &res))
		require.True(t, res.OK(), "unexpected error: %+v", res.Error)
		assert.Equal(t, "job-1", res.RequestID)
		assert.Equal(t, []float64{4, 6}, res.Cubes[0].Values())
		assert.Equal(t, "hi\n", res.Stdout)
	})

	t.Run("UserError", func(t *testing.T) {
		in := encodeJob(t, &Job{Request: sampleRequest(t, "def apply_datacube(cubes, context):\n    fail('nope')\n")})
		r, out, _ := newRunner(t, in)

		code := r.Run(context.Background())
		require.Equal(t, ExitOK, code)

		var res udf.Result
		require.NoError(t, json.Unmarshal(out.Bytes(), &res))
		require.NotNil(t, res.Error)
		assert.Equal(t, udf.KindUserCode, res.Error.Kind)
		assert.Contains(t, res.Error.Message, "nope")
	})

	t.Run("Timeout", func(t *testing.T) {
		in := encodeJob(t, &Job{
			Request:   sampleRequest(t, "def apply_datacube(cubes, context):\n    while True:\n        pass\n"),
			TimeoutMS: 50,
		})
		r, out, _ := newRunner(t, in)

		code := r.Run(context.Background())
		require.Equal(t, ExitOK, code)

		var res udf.Result
		require.NoError(t, json.Unmarshal(out.Bytes(), &res))
		require.NotNil(t, res.Error)
		assert.Equal(t, udf.KindTimeout, res.Error.Kind)
	})

	t.Run("StepLimit", func(t *testing.T) {
		in := encodeJob(t, &Job{
			Request:  sampleRequest(t, "def apply_datacube(cubes, context):\n    while True:\n        pass\n"),
			MaxSteps: 1000,
		})
		r, out, _ := newRunner(t, in)

		require.Equal(t, ExitOK, r.Run(context.Background()))

		var res udf.Result
		require.NoError(t, json.Unmarshal(out.Bytes(), &res))
		require.NotNil(t, res.Error)
		assert.Equal(t, udf.KindResourceExceeded, res.Error.Kind)
	})

	t.Run("BadInput", func(t *testing.T) {
		r, out, errOut := newRunner(t, strings.NewReader("{not json"))
		code := r.Run(context.Background())
		assert.Equal(t, ExitBadInput, code)
		assert.Empty(t, out.String())
		assert.Contains(t, errOut.String(), "decode job")
	})

	t.Run("MissingRequest", func(t *testing.T) {
		r, _, errOut := newRunner(t, strings.NewReader("{}"))
		code := r.Run(context.Background())
		assert.Equal(t, ExitBadInput, code)
		assert.Contains(t, errOut.String(), "no request")
	})
}

func TestWatchdog(t *testing.T) {
	t.Run("Exceeded", func(t *testing.T) {
		var calls atomic.Int32
		w := newWatchdog(1, time.Millisecond, func() { calls.Add(1) })
		defer w.stop()

		assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("WithinBudget", func(t *testing.T) {
		var calls atomic.Int32
		w := newWatchdog(1<<40, time.Millisecond, func() { calls.Add(1) })
		time.Sleep(20 * time.Millisecond)
		w.stop()
		w.stop()
		assert.Zero(t, calls.Load())
	})
}

func TestIsWorker(t *testing.T) {
	t.Setenv(EnvWorker, "")
	assert.False(t, IsWorker())
	t.Setenv(EnvWorker, "1")
	assert.True(t, IsWorker())
}
