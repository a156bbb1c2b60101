package sandbox

import (
	"fmt"

	"go.uber.org/zap"
)

// NewExecutor creates an appropriate sandbox executor based on the configuration
func NewExecutor(logger *zap.Logger, config *Config) (Executor, error) {
	switch config.Backend {
	case BackendProcess, "":
		return NewProcessExecutor(logger, config)
	case BackendDocker:
		return NewDockerExecutor(logger, config), nil
	case BackendPodman:
		return NewPodmanExecutor(logger, config), nil
	case BackendInProcess:
		if !config.EnableInProcess {
			return nil, fmt.Errorf("backend %q requires sandbox.enable_inprocess_backend", BackendInProcess)
		}
		logger.Warn("in-process backend enabled: UDFs run without memory isolation")
		return NewInProcessExecutor(logger, config), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", config.Backend)
	}
}
