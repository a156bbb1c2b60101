// Package main is the entry point for the openEO UDF server.
//
// The server runs user-defined functions written in Starlark or CEL over
// labeled multi-dimensional data cubes. Every execution happens in an
// isolated worker with a time and memory budget; a bounded pool admits
// requests and rejects the excess with capacity_exceeded.
//
// It serves REST (http), MCP over stdio (mcp-stdio) or MCP over HTTP
// (mcp-http), selected by server.transport.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
