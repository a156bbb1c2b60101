package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/openeo-udf/udf"
	"github.com/isdmx/openeo-udf/worker"
)

// defaultKillGrace is how long a worker may outlive its time budget before
// its process group is killed; the worker reports its own timeout first.
const defaultKillGrace = 500 * time.Millisecond

// ProcessExecutor implements Executor by starting a worker process per request
type ProcessExecutor struct {
	logger    *zap.Logger
	config    *Config
	fs        FileSystem
	binary    string
	killGrace time.Duration
}

// ProcessExecutorOption defines a functional option for ProcessExecutor
type ProcessExecutorOption func(*ProcessExecutor)

// WithProcessFileSystem sets the FileSystem for ProcessExecutor
func WithProcessFileSystem(fs FileSystem) ProcessExecutorOption {
	return func(p *ProcessExecutor) {
		p.fs = fs
	}
}

// WithProcessBinary sets the worker binary for ProcessExecutor
func WithProcessBinary(path string) ProcessExecutorOption {
	return func(p *ProcessExecutor) {
		p.binary = path
	}
}

// WithProcessKillGrace sets how long a worker may overrun its time budget
func WithProcessKillGrace(d time.Duration) ProcessExecutorOption {
	return func(p *ProcessExecutor) {
		p.killGrace = d
	}
}

// NewProcessExecutor creates a new ProcessExecutor. Without a configured
// worker binary the running executable is used.
func NewProcessExecutor(logger *zap.Logger, config *Config, opts ...ProcessExecutorOption) (*ProcessExecutor, error) {
	executor := &ProcessExecutor{
		logger:    logger,
		config:    config,
		fs:        &RealFileSystem{},
		binary:    config.WorkerBinary,
		killGrace: defaultKillGrace,
	}

	for _, opt := range opts {
		opt(executor)
	}

	if executor.binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate worker binary: %w", err)
		}
		executor.binary = self
	}

	return executor, nil
}

// Execute runs the request in a fresh worker process
func (p *ProcessExecutor) Execute(ctx context.Context, req ExecuteRequest) *udf.Result {
	requestID := req.Request.ID

	ec, err := NewExecutionContext(p.logger, p.fs, requestID)
	if err != nil {
		return failure(requestID, udf.NewError(udf.KindInternal, "failed to create execution directory: %v", err))
	}
	defer ec.Close()

	payload, err := encodeJob(p.config, req)
	if err != nil {
		return failure(requestID, udf.NewError(udf.KindInternal, "failed to encode job: %v", err))
	}

	timeout := p.config.timeout(req)

	cmd := exec.Command(p.binary) //nolint:gosec // Worker binary comes from configuration
	cmd.Dir = ec.Dir
	cmd.Env = []string{
		worker.EnvWorker + "=1",
		"HOME=" + ec.Dir,
		"TMPDIR=" + ec.Dir,
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return failure(requestID, udf.NewError(udf.KindInternal, "failed to start worker: %v", err))
	}
	waited := false
	ec.OnClose(func() error {
		if waited {
			return nil
		}
		return killProcessGroup(cmd)
	})

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout + p.killGrace)
	defer timer.Stop()

	select {
	case err := <-done:
		waited = true
		exitCode := 0
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return failure(requestID, udf.NewError(udf.KindInternal, "failed to wait for worker: %v", err))
			}
			exitCode = exitErr.ExitCode()
		}
		p.logger.Debug("worker finished",
			zap.String("execution_id", ec.ID),
			zap.Int("exit_code", exitCode),
			zap.Int("stdout_bytes", stdoutBuf.Len()))
		return decodeWorkerOutput(requestID, stdoutBuf.String(), stderrBuf.String(), exitCode, p.config.memoryMB(req))
	case <-timer.C:
		p.stop(cmd, done, ec.ID)
		waited = true
		return timeoutResult(requestID, timeout)
	case <-ctx.Done():
		p.stop(cmd, done, ec.ID)
		waited = true
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return timeoutResult(requestID, timeout)
		}
		return failure(requestID, udf.NewError(udf.KindInternal, "execution cancelled: %v", ctx.Err()))
	}
}

func (p *ProcessExecutor) stop(cmd *exec.Cmd, done <-chan error, id string) {
	if err := killProcessGroup(cmd); err != nil {
		p.logger.Warn("failed to kill worker", zap.String("execution_id", id), zap.Error(err))
	}
	<-done
}
