package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/isdmx/openeo-udf/udf"
)

// ExecuteRequest is a resolved UDF request and the budget it runs under
type ExecuteRequest struct {
	Request *udf.Request
	// Timeout and MemoryMB fall back to the executor's Config when zero.
	Timeout  time.Duration
	MemoryMB int
}

// Executor defines the interface for sandbox execution. Execute always
// returns a result; failures are reported through Result.Error.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) *udf.Result
}

// Backend names
const (
	BackendProcess   = "process"
	BackendDocker    = "docker"
	BackendPodman    = "podman"
	BackendInProcess = "inprocess"
)

// Config holds configuration shared by the executors
type Config struct {
	Backend      string
	TimeoutSec   int
	MemoryMB     int
	MaxSteps     uint64
	CELCostLimit uint64
	// WorkerBinary is started by the process backend, the running executable if empty.
	WorkerBinary string
	// Image is run by the container backends.
	Image string
	// EnableInProcess allows the inprocess backend.
	EnableInProcess bool
}

func (c *Config) timeout(req ExecuteRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c *Config) memoryMB(req ExecuteRequest) int {
	if req.MemoryMB > 0 {
		return req.MemoryMB
	}
	return c.MemoryMB
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string, stdin []byte) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments, feeding stdin to it
func (RealCommandRunner) RunCommand(ctx context.Context, args []string, stdin []byte) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}
