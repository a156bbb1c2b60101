// Package main is a command line runner for a single UDF request.
//
// The request comes from a JSON or YAML file (--request) or is assembled
// from flags: the code (--code file.star|file.cel or --function name), input
// cubes (--cube, repeatable, local files or s3:// objects), context
// parameters (--param key=value) and a budget (--timeout, --memory-mb).
//
// It runs the request through the same sandbox as the server, or sends it
// to a running server with --server. The result is written as JSON to
// --output or stdout.
//
// Exit codes: 0 success result, 1 error result, 2 usage or input error.
package main
