package sandbox

import (
	"context"

	"go.uber.org/zap"

	"github.com/isdmx/openeo-udf/engine"
	"github.com/isdmx/openeo-udf/udf"
)

// InProcessExecutor runs the engine on the calling goroutine. It offers no
// memory isolation: use it for development and tests only.
type InProcessExecutor struct {
	logger *zap.Logger
	config *Config
	engine *engine.Engine
}

// NewInProcessExecutor creates a new InProcessExecutor
func NewInProcessExecutor(logger *zap.Logger, config *Config) *InProcessExecutor {
	return &InProcessExecutor{
		logger: logger,
		config: config,
		engine: engine.New(engine.Options{
			MaxSteps:     config.MaxSteps,
			CELCostLimit: config.CELCostLimit,
		}),
	}
}

// Execute runs the request with the time budget applied through the context
func (e *InProcessExecutor) Execute(ctx context.Context, req ExecuteRequest) *udf.Result {
	timeout := e.config.timeout(req)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return e.engine.Run(ctx, req.Request)
}
