package sandbox

import "go.uber.org/zap"

// PodmanExecutor implements Executor using Podman
type PodmanExecutor struct {
	containerExecutor
}

// PodmanExecutorOption defines a functional option for PodmanExecutor
type PodmanExecutorOption func(*PodmanExecutor)

// WithPodmanCommandRunner sets the CommandRunner for PodmanExecutor
func WithPodmanCommandRunner(cmdRunner CommandRunner) PodmanExecutorOption {
	return func(p *PodmanExecutor) {
		p.cmdRunner = cmdRunner
	}
}

// WithPodmanFileSystem sets the FileSystem for PodmanExecutor
func WithPodmanFileSystem(fs FileSystem) PodmanExecutorOption {
	return func(p *PodmanExecutor) {
		p.fs = fs
	}
}

// NewPodmanExecutor creates a new PodmanExecutor with default implementations and optional interfaces
func NewPodmanExecutor(logger *zap.Logger, config *Config, opts ...PodmanExecutorOption) *PodmanExecutor {
	executor := &PodmanExecutor{
		containerExecutor: containerExecutor{
			logger:    logger,
			config:    config,
			cmdRunner: &RealCommandRunner{},
			fs:        &RealFileSystem{},
			cli:       "podman",
		},
	}

	for _, opt := range opts {
		opt(executor)
	}

	return executor
}
