package sandbox

import "go.uber.org/zap"

// DockerExecutor implements Executor using Docker
type DockerExecutor struct {
	containerExecutor
}

// DockerExecutorOption defines a functional option for DockerExecutor
type DockerExecutorOption func(*DockerExecutor)

// WithDockerCommandRunner sets the CommandRunner for DockerExecutor
func WithDockerCommandRunner(cmdRunner CommandRunner) DockerExecutorOption {
	return func(d *DockerExecutor) {
		d.cmdRunner = cmdRunner
	}
}

// WithDockerFileSystem sets the FileSystem for DockerExecutor
func WithDockerFileSystem(fs FileSystem) DockerExecutorOption {
	return func(d *DockerExecutor) {
		d.fs = fs
	}
}

// NewDockerExecutor creates a new DockerExecutor with default implementations and optional interfaces
func NewDockerExecutor(logger *zap.Logger, config *Config, opts ...DockerExecutorOption) *DockerExecutor {
	executor := &DockerExecutor{
		containerExecutor: containerExecutor{
			logger:    logger,
			config:    config,
			cmdRunner: &RealCommandRunner{},
			fs:        &RealFileSystem{},
			cli:       "docker",
		},
	}

	for _, opt := range opts {
		opt(executor)
	}

	return executor
}
