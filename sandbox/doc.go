// Package sandbox runs UDF requests in isolation.
//
// Every backend implements the Executor interface. The process backend
// re-executes a worker binary in its own process group; the docker and podman
// backends run a worker image in a locked-down container; the inprocess
// backend runs the engine on the calling goroutine and is meant for
// development and tests only.
//
// Executors never return Go errors. Crashes, timeouts and exhausted budgets
// all come back as the error variant of a udf.Result.
//
// Usage:
//
//	executor, err := sandbox.NewExecutor(logger, &sandbox.Config{Backend: "process", TimeoutSec: 30, MemoryMB: 512})
//	result := executor.Execute(ctx, sandbox.ExecuteRequest{
//	    Request: req,
//	    Timeout: 10 * time.Second,
//	})
package sandbox
