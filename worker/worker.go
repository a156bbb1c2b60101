package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/isdmx/openeo-udf/engine"
	"github.com/isdmx/openeo-udf/udf"
)

// EnvWorker switches a binary into worker mode when set to "1"
const EnvWorker = "OPENEO_UDF_WORKER"

// Exit codes of a worker process
const (
	ExitOK = 0
	// ExitBadInput means the job could not be decoded or the result not written.
	ExitBadInput = 2
	// ExitResourceExceeded means the heap watchdog stopped the worker.
	ExitResourceExceeded = 3
)

// ResourceExceededMessage is printed to stderr before ExitResourceExceeded
const ResourceExceededMessage = "udf worker: memory budget exceeded"

// Job is the message a sandbox sends to a worker
type Job struct {
	Request      *udf.Request `json:"request"`
	TimeoutMS    int64        `json:"timeout_ms,omitempty"`
	MemoryMB     int          `json:"memory_mb,omitempty"`
	MaxSteps     uint64       `json:"max_steps,omitempty"`
	CELCostLimit uint64       `json:"cel_cost_limit,omitempty"`
}

// Timeout returns the job's time budget
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutMS) * time.Millisecond
}

// IsWorker reports whether the process was started as a worker
func IsWorker() bool {
	return os.Getenv(EnvWorker) == "1"
}

// Runner executes a single job
type Runner struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// LimitMemory applies the budget in bytes to the whole process.
	LimitMemory func(bytes int64) error
	// OnExceeded is called by the heap watchdog and is expected not to return.
	OnExceeded func()
}

// Main runs the worker on stdin and stdout and exits the process
func Main() {
	r := &Runner{
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		LimitMemory: limitProcessMemory,
		OnExceeded: func() {
			fmt.Fprintln(os.Stderr, ResourceExceededMessage)
			os.Exit(ExitResourceExceeded)
		},
	}
	os.Exit(r.Run(context.Background()))
}

// Run executes one job and returns the process exit code
func (r *Runner) Run(ctx context.Context) int {
	var job Job
	dec := json.NewDecoder(r.Stdin)
	dec.UseNumber()
	if err := dec.Decode(&job); err != nil {
		fmt.Fprintf(r.Stderr, "udf worker: decode job: %v\n", err)
		return ExitBadInput
	}
	if job.Request == nil {
		fmt.Fprintln(r.Stderr, "udf worker: job has no request")
		return ExitBadInput
	}

	if job.MemoryMB > 0 {
		limit := int64(job.MemoryMB) << 20
		if r.LimitMemory != nil {
			if err := r.LimitMemory(limit); err != nil {
				fmt.Fprintf(r.Stderr, "udf worker: memory limit not applied: %v\n", err)
			}
		}
		if r.OnExceeded != nil {
			w := newWatchdog(uint64(limit), watchdogInterval, r.OnExceeded)
			defer w.stop()
		}
	}

	if job.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout())
		defer cancel()
	}

	eng := engine.New(engine.Options{
		MaxSteps:     job.MaxSteps,
		CELCostLimit: job.CELCostLimit,
	})
	res := eng.Run(ctx, job.Request)

	if err := json.NewEncoder(r.Stdout).Encode(res); err != nil {
		fmt.Fprintf(r.Stderr, "udf worker: encode result: %v\n", err)
		return ExitBadInput
	}
	return ExitOK
}

func limitProcessMemory(bytes int64) error {
	debug.SetMemoryLimit(bytes)
	return setAddressSpaceLimit(bytes + addressSpaceHeadroom)
}
