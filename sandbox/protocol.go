package sandbox

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/isdmx/openeo-udf/udf"
	"github.com/isdmx/openeo-udf/worker"
)

// maxDiagnosticBytes caps the stderr tail attached to internal errors
const maxDiagnosticBytes = 4096

// exitOOMKilled is the exit status of a container killed by the OOM killer
const exitOOMKilled = 137

func encodeJob(cfg *Config, req ExecuteRequest) ([]byte, error) {
	return json.Marshal(&worker.Job{
		Request:      req.Request,
		TimeoutMS:    cfg.timeout(req).Milliseconds(),
		MemoryMB:     cfg.memoryMB(req),
		MaxSteps:     cfg.MaxSteps,
		CELCostLimit: cfg.CELCostLimit,
	})
}

// decodeWorkerOutput turns a finished worker into a result. memoryMB is the
// budget the worker ran under, zero if none was applied.
func decodeWorkerOutput(requestID, stdout, stderr string, exitCode, memoryMB int) *udf.Result {
	if exitCode == worker.ExitResourceExceeded || isOutOfMemory(stderr, memoryMB) {
		return failure(requestID, udf.NewError(udf.KindResourceExceeded, "execution exceeded its memory budget").
			WithDiagnostic(tail(stderr)))
	}
	if exitCode != worker.ExitOK {
		return failure(requestID, udf.NewError(udf.KindInternal, "worker exited with code %d", exitCode).
			WithDiagnostic(tail(stderr)))
	}

	dec := json.NewDecoder(strings.NewReader(stdout))
	dec.UseNumber()
	var res udf.Result
	if err := dec.Decode(&res); err != nil {
		return failure(requestID, udf.NewError(udf.KindInternal, "undecodable worker output: %v", err).
			WithDiagnostic(tail(stderr)))
	}
	if err := res.Validate(); err != nil {
		return failure(requestID, udf.NewError(udf.KindInternal, "invalid worker result: %v", err).
			WithDiagnostic(tail(stderr)))
	}
	if res.RequestID == "" {
		res.RequestID = requestID
	}
	return &res
}

// runtimeAllocFailures are the fatal errors of a Go runtime that hit its
// address space limit
var runtimeAllocFailures = []string{
	"runtime: out of memory",
	"runtime: cannot allocate memory",
}

func isOutOfMemory(stderr string, memoryMB int) bool {
	if strings.Contains(stderr, worker.ResourceExceededMessage) {
		return true
	}
	if memoryMB <= 0 || !strings.Contains(stderr, "fatal error: runtime:") {
		return false
	}
	for _, msg := range runtimeAllocFailures {
		if strings.Contains(stderr, msg) {
			return true
		}
	}
	return false
}

func timeoutResult(requestID string, timeout time.Duration) *udf.Result {
	return failure(requestID, udf.NewError(udf.KindTimeout, "execution exceeded its time budget of %s", timeout))
}

func failure(requestID string, err *udf.Error) *udf.Result {
	return &udf.Result{RequestID: requestID, Error: err}
}

func tail(s string) string {
	if len(s) <= maxDiagnosticBytes {
		return s
	}
	return "..." + s[len(s)-maxDiagnosticBytes:]
}
