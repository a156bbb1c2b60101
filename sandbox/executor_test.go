package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/openeo-udf/datacube"
	"github.com/isdmx/openeo-udf/udf"
	"github.com/isdmx/openeo-udf/worker"
)

// MockCommandRunner implements CommandRunner for testing
type MockCommandRunner struct {
	mu    sync.Mutex
	calls [][]string
	stdin [][]byte
	run   func(ctx context.Context, args []string, stdin []byte) (string, string, int, error)
}

func (m *MockCommandRunner) RunCommand(ctx context.Context, args []string, stdin []byte) (stdout, stderr string, exitCode int, err error) {
	m.mu.Lock()
	m.calls = append(m.calls, args)
	m.stdin = append(m.stdin, stdin)
	m.mu.Unlock()

	if m.run == nil {
		return "", "", 0, nil
	}
	return m.run(ctx, args, stdin)
}

func (m *MockCommandRunner) Calls() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]string(nil), m.calls...)
}

// MockFileSystem implements FileSystem for testing
type MockFileSystem struct {
	mu           sync.Mutex
	mkdirTempErr error
	removeAllErr error
	removed      []string
}

func (m *MockFileSystem) MkdirTemp(_, _ string) (string, error) {
	if m.mkdirTempErr != nil {
		return "", m.mkdirTempErr
	}
	return "/tmp/test", nil
}

func (m *MockFileSystem) RemoveAll(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, path)
	return m.removeAllErr
}

func testRequest(t *testing.T, src string) *udf.Request {
	t.Helper()
	cube, err := datacube.New([]float64{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
	}, []datacube.Dimension{
		{Name: "time", Labels: []string{"t0", "t1", "t2"}},
		{Name: "x", Labels: []string{"0", "1"}},
		{Name: "y", Labels: []string{"0", "1"}},
	})
	require.NoError(t, err)
	return &udf.Request{
		ID:    "req-42",
		Code:  udf.Code{Language: udf.LanguageStarlark, Source: src},
		Cubes: []*datacube.DataCube{cube},
	}
}

const meanOverTime = `
def apply_datacube(cubes, context):
    return cubes[0].reduce("time", "mean")
`

func encodedResult(t *testing.T, res *udf.Result) string {
	t.Helper()
	b, err := json.Marshal(res)
	require.NoError(t, err)
	return string(b)
}

func TestDockerExecutorConstructors(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := &Config{TimeoutSec: 30, MemoryMB: 512}

	t.Run("DefaultConstructor", func(t *testing.T) {
		executor := NewDockerExecutor(logger, config)
		require.NotNil(t, executor)
		assert.Equal(t, config, executor.config)
		assert.Equal(t, "docker", executor.cli)
		assert.NotNil(t, executor.cmdRunner)
		assert.NotNil(t, executor.fs)
	})

	t.Run("ConstructorWithOptions", func(t *testing.T) {
		mockRunner := &MockCommandRunner{}
		mockFS := &MockFileSystem{}

		executor := NewDockerExecutor(logger, config,
			WithDockerCommandRunner(mockRunner),
			WithDockerFileSystem(mockFS),
		)
		assert.Equal(t, mockRunner, executor.cmdRunner)
		assert.Equal(t, mockFS, executor.fs)
	})
}

func TestPodmanExecutorConstructors(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := &Config{TimeoutSec: 30, MemoryMB: 512}

	mockRunner := &MockCommandRunner{}
	mockFS := &MockFileSystem{}
	executor := NewPodmanExecutor(logger, config,
		WithPodmanCommandRunner(mockRunner),
		WithPodmanFileSystem(mockFS),
	)
	assert.Equal(t, "podman", executor.cli)
	assert.Equal(t, mockRunner, executor.cmdRunner)
	assert.Equal(t, mockFS, executor.fs)
}

func TestContainerExecutorExecute(t *testing.T) {
	logger := zaptest.NewLogger(t)
	config := &Config{TimeoutSec: 30, MemoryMB: 512, MaxSteps: 1000, Image: "registry.local/udf-worker:1"}

	t.Run("Success", func(t *testing.T) {
		cube, err := datacube.New([]float64{5, 6, 7, 8}, []datacube.Dimension{
			{Name: "x", Labels: []string{"0", "1"}},
			{Name: "y", Labels: []string{"0", "1"}},
		})
		require.NoError(t, err)

		mockRunner := &MockCommandRunner{
			run: func(_ context.Context, _ []string, _ []byte) (string, string, int, error) {
				return encodedResult(t, &udf.Result{RequestID: "req-42", Cubes: []*datacube.DataCube{cube}}), "", 0, nil
			},
		}
		mockFS := &MockFileSystem{}
		executor := NewDockerExecutor(logger, config, WithDockerCommandRunner(mockRunner), WithDockerFileSystem(mockFS))

		res := executor.Execute(context.Background(), ExecuteRequest{
			Request:  testRequest(t, meanOverTime),
			Timeout:  5 * time.Second,
			MemoryMB: 256,
		})
		require.True(t, res.OK(), "unexpected error: %+v", res.Error)
		assert.Equal(t, []float64{5, 6, 7, 8}, res.Cubes[0].Values())

		calls := mockRunner.Calls()
		require.Len(t, calls, 1)
		cmd := strings.Join(calls[0], " ")
		assert.True(t, strings.HasPrefix(cmd, "docker run "))
		assert.Contains(t, cmd, "--network none")
		assert.Contains(t, cmd, "--cap-drop ALL")
		assert.Contains(t, cmd, "--user nobody")
		assert.Contains(t, cmd, "--read-only")
		assert.Contains(t, cmd, "--memory 256m")
		assert.Contains(t, cmd, "-e "+worker.EnvWorker+"=1")
		assert.Contains(t, cmd, "-i")
		assert.Equal(t, "registry.local/udf-worker:1", calls[0][len(calls[0])-1])

		var job worker.Job
		require.NoError(t, json.Unmarshal(mockRunner.stdin[0], &job))
		assert.Equal(t, int64(5000), job.TimeoutMS)
		assert.Equal(t, 256, job.MemoryMB)
		assert.Equal(t, uint64(1000), job.MaxSteps)
		assert.Equal(t, "req-42", job.Request.ID)

		assert.Equal(t, []string{"/tmp/test"}, mockFS.removed)
	})

	t.Run("OOMKilled", func(t *testing.T) {
		mockRunner := &MockCommandRunner{
			run: func(context.Context, []string, []byte) (string, string, int, error) {
				return "", "", 137, nil
			},
		}
		executor := NewDockerExecutor(logger, config, WithDockerCommandRunner(mockRunner), WithDockerFileSystem(&MockFileSystem{}))

		res := executor.Execute(context.Background(), ExecuteRequest{Request: testRequest(t, meanOverTime)})
		require.NotNil(t, res.Error)
		assert.Equal(t, udf.KindResourceExceeded, res.Error.Kind)
		assert.Equal(t, "req-42", res.RequestID)
	})

	t.Run("WorkerCrash", func(t *testing.T) {
		mockRunner := &MockCommandRunner{
			run: func(context.Context, []string, []byte) (string, string, int, error) {
				return "", "panic: something broke", 2, nil
			},
		}
		executor := NewPodmanExecutor(logger, config, WithPodmanCommandRunner(mockRunner), WithPodmanFileSystem(&MockFileSystem{}))

		res := executor.Execute(context.Background(), ExecuteRequest{Request: testRequest(t, meanOverTime)})
		require.NotNil(t, res.Error)
		assert.Equal(t, udf.KindInternal, res.Error.Kind)
		assert.Contains(t, res.Error.Diagnostic, "something broke")
	})

	t.Run("RunnerError", func(t *testing.T) {
		mockRunner := &MockCommandRunner{
			run: func(context.Context, []string, []byte) (string, string, int, error) {
				return "", "", 0, errors.New("docker: executable file not found")
			},
		}
		executor := NewDockerExecutor(logger, config, WithDockerCommandRunner(mockRunner), WithDockerFileSystem(&MockFileSystem{}))

		res := executor.Execute(context.Background(), ExecuteRequest{Request: testRequest(t, meanOverTime)})
		require.NotNil(t, res.Error)
		assert.Equal(t, udf.KindInternal, res.Error.Kind)
	})

	t.Run("Timeout", func(t *testing.T) {
		mockRunner := &MockCommandRunner{
			run: func(ctx context.Context, args []string, _ []byte) (string, string, int, error) {
				if args[1] == "kill" {
					return "", "", 0, nil
				}
				<-ctx.Done()
				return "", "", -1, nil
			},
		}
		executor := NewDockerExecutor(logger, config, WithDockerCommandRunner(mockRunner), WithDockerFileSystem(&MockFileSystem{}))

		res := executor.Execute(context.Background(), ExecuteRequest{
			Request: testRequest(t, meanOverTime),
			Timeout: 10 * time.Millisecond,
		})
		require.NotNil(t, res.Error)
		assert.Equal(t, udf.KindTimeout, res.Error.Kind)

		calls := mockRunner.Calls()
		require.Len(t, calls, 2)
		assert.Equal(t, []string{"docker", "kill", "openeo-udf-req-42"}, calls[1])
	})

	t.Run("ScratchDirectoryError", func(t *testing.T) {
		mockRunner := &MockCommandRunner{}
		executor := NewDockerExecutor(logger, config,
			WithDockerCommandRunner(mockRunner),
			WithDockerFileSystem(&MockFileSystem{mkdirTempErr: os.ErrPermission}))

		res := executor.Execute(context.Background(), ExecuteRequest{Request: testRequest(t, meanOverTime)})
		require.NotNil(t, res.Error)
		assert.Equal(t, udf.KindInternal, res.Error.Kind)
		assert.Empty(t, mockRunner.Calls())
	})
}

func TestDecodeWorkerOutput(t *testing.T) {
	tests := []struct {
		name     string
		stdout   string
		stderr   string
		exitCode int
		memoryMB int
		kind     udf.Kind
	}{
		{"WatchdogExit", "", worker.ResourceExceededMessage, worker.ExitResourceExceeded, 0, udf.KindResourceExceeded},
		{"RuntimeOOM", "", "fatal error: runtime: out of memory", 2, 32, udf.KindResourceExceeded},
		{"RuntimeCannotAllocate", "", "runtime: cannot allocate memory\nfatal error: runtime: cannot allocate memory\n\ngoroutine 1 [running]:", 2, 32, udf.KindResourceExceeded},
		{"AllocFailureWithoutBudget", "", "fatal error: runtime: cannot allocate memory", 2, 0, udf.KindInternal},
		{"NonZeroExit", "", "segfault", 139, 32, udf.KindInternal},
		{"Garbage", "not json", "", 0, 0, udf.KindInternal},
		{"EmptyResult", "{}", "", 0, 0, udf.KindInternal},
		{"ErrorResult", `{"error":{"kind":"user_code","message":"boom"}}`, "", 0, 0, udf.KindUserCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := decodeWorkerOutput("id-1", tt.stdout, tt.stderr, tt.exitCode, tt.memoryMB)
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.kind, res.Error.Kind)
			assert.Equal(t, "id-1", res.RequestID)
		})
	}
}

func TestFactory(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("Backends", func(t *testing.T) {
		for backend, want := range map[string]any{
			"":             &ProcessExecutor{},
			BackendProcess: &ProcessExecutor{},
			BackendDocker:  &DockerExecutor{},
			BackendPodman:  &PodmanExecutor{},
		} {
			executor, err := NewExecutor(logger, &Config{Backend: backend, TimeoutSec: 1})
			require.NoError(t, err, backend)
			assert.IsType(t, want, executor, backend)
		}
	})

	t.Run("InProcessRequiresOptIn", func(t *testing.T) {
		_, err := NewExecutor(logger, &Config{Backend: BackendInProcess})
		require.Error(t, err)

		executor, err := NewExecutor(logger, &Config{Backend: BackendInProcess, EnableInProcess: true})
		require.NoError(t, err)
		assert.IsType(t, &InProcessExecutor{}, executor)
	})

	t.Run("Unsupported", func(t *testing.T) {
		_, err := NewExecutor(logger, &Config{Backend: "firecracker"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported backend")
	})
}

func TestInProcessExecutor(t *testing.T) {
	executor := NewInProcessExecutor(zaptest.NewLogger(t), &Config{TimeoutSec: 5})

	t.Run("Success", func(t *testing.T) {
		res := executor.Execute(context.Background(), ExecuteRequest{Request: testRequest(t, meanOverTime)})
		require.True(t, res.OK(), "unexpected error: %+v", res.Error)
		assert.Equal(t, []float64{5, 6, 7, 8}, res.Cubes[0].Values())
	})

	t.Run("Timeout", func(t *testing.T) {
		res := executor.Execute(context.Background(), ExecuteRequest{
			Request: testRequest(t, "def apply_datacube(cubes, context):\n    while True:\n        pass\n"),
			Timeout: 50 * time.Millisecond,
		})
		require.NotNil(t, res.Error)
		assert.Equal(t, udf.KindTimeout, res.Error.Kind)
	})
}
