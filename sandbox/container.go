package sandbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/openeo-udf/udf"
	"github.com/isdmx/openeo-udf/worker"
)

// DefaultImage is the worker image run by the container backends
const DefaultImage = "openeo-udf-worker:latest"

// containerStopTimeout bounds the kill command sent after a timeout
const containerStopTimeout = 10 * time.Second

// containerExecutor runs the worker image with a container CLI such as
// docker or podman
type containerExecutor struct {
	logger    *zap.Logger
	config    *Config
	cmdRunner CommandRunner
	fs        FileSystem
	cli       string
}

// Execute runs the request in a fresh container
func (c *containerExecutor) Execute(ctx context.Context, req ExecuteRequest) *udf.Result {
	requestID := req.Request.ID

	ec, err := NewExecutionContext(c.logger, c.fs, requestID)
	if err != nil {
		return failure(requestID, udf.NewError(udf.KindInternal, "failed to create execution directory: %v", err))
	}
	defer ec.Close()

	payload, err := encodeJob(c.config, req)
	if err != nil {
		return failure(requestID, udf.NewError(udf.KindInternal, "failed to encode job: %v", err))
	}

	timeout := c.config.timeout(req)
	containerName := "openeo-udf-" + ec.ID
	cmdArgs := c.runArgs(containerName, ec.Dir, c.config.memoryMB(req))

	ctxWithTimeout, cancel := context.WithTimeout(ctx, timeout+defaultKillGrace)
	defer cancel()

	stdout, stderr, exitCode, err := c.cmdRunner.RunCommand(ctxWithTimeout, cmdArgs, payload)

	if ctxWithTimeout.Err() != nil {
		c.kill(containerName)
		if ctx.Err() == context.Canceled {
			return failure(requestID, udf.NewError(udf.KindInternal, "execution cancelled: %v", ctx.Err()))
		}
		return timeoutResult(requestID, timeout)
	}

	if err != nil {
		return failure(requestID, udf.NewError(udf.KindInternal, "failed to execute container: %v", err))
	}

	if exitCode == exitOOMKilled {
		return failure(requestID, udf.NewError(udf.KindResourceExceeded, "container was killed after exceeding its memory budget").
			WithDiagnostic(tail(stderr)))
	}

	c.logger.Debug("container finished",
		zap.String("container", containerName),
		zap.Int("exit_code", exitCode))
	return decodeWorkerOutput(requestID, stdout, stderr, exitCode, c.config.memoryMB(req))
}

// runArgs builds the run command with security restrictions
func (c *containerExecutor) runArgs(containerName, workdir string, memoryMB int) []string {
	image := c.config.Image
	if image == "" {
		image = DefaultImage
	}

	args := []string{
		c.cli, "run",
		"--name", containerName,
		"--rm", // Remove container after execution
		"-i",   // Job on stdin
		"--network", "none",
		"--read-only",
		"--tmpfs", "/tmp",
		"-v", workdir + ":/workdir",
		"--workdir", "/workdir",
		"--security-opt", "no-new-privileges:true",
		"--user", "nobody", // Run as non-privileged user
		"--cap-drop", "ALL", // Drop all capabilities
		"--pids-limit", "64",
		"-e", worker.EnvWorker + "=1",
	}
	if memoryMB > 0 {
		args = append(args,
			"--memory", fmt.Sprintf("%dm", memoryMB),
			"--memory-swap", fmt.Sprintf("%dm", memoryMB))
	}

	return append(args, image)
}

func (c *containerExecutor) kill(containerName string) {
	ctx, cancel := context.WithTimeout(context.Background(), containerStopTimeout)
	defer cancel()

	_, stderr, exitCode, err := c.cmdRunner.RunCommand(ctx, []string{c.cli, "kill", containerName}, nil)
	if err != nil || exitCode != 0 {
		c.logger.Warn("failed to stop container after timeout",
			zap.String("container", containerName),
			zap.String("stderr", stderr),
			zap.Error(err))
	}
}
