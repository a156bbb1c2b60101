package sandbox

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ExecutionContext owns the resources of a single execution. Cleanup
// functions run in reverse registration order when Close is called.
type ExecutionContext struct {
	ID  string
	Dir string

	logger   *zap.Logger
	mu       sync.Mutex
	cleanups []func() error
	closed   bool
}

// NewExecutionContext creates a scratch directory for the execution. An empty
// id is replaced by a random one.
func NewExecutionContext(logger *zap.Logger, fs FileSystem, id string) (*ExecutionContext, error) {
	if id == "" {
		id = uuid.NewString()
	}
	dir, err := fs.MkdirTemp("", "openeo-udf-*")
	if err != nil {
		return nil, err
	}

	ec := &ExecutionContext{
		ID:     id,
		Dir:    dir,
		logger: logger.With(zap.String("execution_id", id)),
	}
	ec.OnClose(func() error { return fs.RemoveAll(dir) })
	return ec, nil
}

// OnClose registers fn to run on Close. After Close fn runs immediately.
func (c *ExecutionContext) OnClose(fn func() error) {
	c.mu.Lock()
	if !c.closed {
		c.cleanups = append(c.cleanups, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.run(fn)
}

// Close releases every resource of the execution. It is safe to call more
// than once.
func (c *ExecutionContext) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cleanups := c.cleanups
	c.cleanups = nil
	c.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		c.run(cleanups[i])
	}
}

func (c *ExecutionContext) run(fn func() error) {
	if err := fn(); err != nil {
		c.logger.Warn("execution cleanup failed", zap.Error(err))
	}
}
