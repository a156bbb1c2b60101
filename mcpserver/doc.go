// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes tools
// for UDF execution. It uses the mark3labs/mcp-go library to handle the
// protocol details and provides the run_udf tool as the primary interface:
// its request argument is a udf.Request in JSON, its text content the
// udf.Result in JSON, flagged with IsError when the result is an error.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, dispatcher, registry)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
