// Package worker implements the hidden worker mode of the binaries.
//
// A worker reads one Job as JSON from stdin, applies the memory budget to its
// own process, runs the engine and writes one udf.Result as JSON to stdout.
// The sandbox package starts workers and interprets their exit status.
package worker
