// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package implements an MCP-compliant server that exposes the
// UDF dispatcher as tools. It uses the mark3labs/mcp-go library to handle
// the protocol details.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/openeo-udf/config"
	"github.com/isdmx/openeo-udf/registry"
	"github.com/isdmx/openeo-udf/udf"
)

// Dispatcher runs requests
type Dispatcher interface {
	Submit(ctx context.Context, req *udf.Request) *udf.Result
}

// FunctionLister lists registered functions
type FunctionLister interface {
	List() []registry.Function
}

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	dispatcher Dispatcher
	functions  FunctionLister
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
	serving    atomic.Bool
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, dispatcher Dispatcher, functions FunctionLister) (*MCPServer, error) {
	s := &MCPServer{
		config:     cfg,
		logger:     logger,
		dispatcher: dispatcher,
		functions:  functions,
	}

	// Create the MCP server
	s.mcpServer = server.NewMCPServer("openeo-udf", "1.0.0", server.WithToolCapabilities(false))

	s.registerRunUDFTool()
	s.registerListFunctionsTool()

	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)

	return s, nil
}

// registerRunUDFTool registers the run_udf tool
func (s *MCPServer) registerRunUDFTool() {
	tool := mcp.Tool{
		Name:        "run_udf",
		Description: "Run a user-defined function (Starlark or CEL) over labeled data cubes",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"request": map[string]any{
					"type":        "string",
					"description": "UDF request as JSON: code, cubes, optional cube_refs, context and budget",
				},
			},
			Required: []string{"request"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRunUDF)
}

// registerListFunctionsTool registers the list_functions tool
func (s *MCPServer) registerListFunctionsTool() {
	tool := mcp.Tool{
		Name:        "list_functions",
		Description: "List the functions that run_udf requests may reference by name",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}

	s.mcpServer.AddTool(tool, s.handleListFunctions)
}

// handleRunUDF handles the run_udf tool
func (s *MCPServer) handleRunUDF(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := request.RequireString("request")
	if err != nil {
		return nil, fmt.Errorf("request parameter is required: %w", err)
	}

	var req udf.Request
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		e := udf.FromError(err)
		if e.Kind == udf.KindInternal {
			e = udf.NewError(udf.KindInvalidRequest, "malformed request: %v", err)
		}
		return s.toolResult(&udf.Result{Error: e})
	}

	s.logger.Info("udf requested over MCP",
		zap.String("language", string(req.Code.Language)),
		zap.String("function", req.Code.Function),
		zap.Int("cubes", len(req.Cubes)))

	return s.toolResult(s.dispatcher.Submit(ctx, &req))
}

// handleListFunctions handles the list_functions tool
func (s *MCPServer) handleListFunctions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(s.functions.List())
	if err != nil {
		return nil, fmt.Errorf("failed to encode functions: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func (s *MCPServer) toolResult(res *udf.Result) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(res)
	if err != nil {
		s.logger.Error("failed to encode udf result", zap.Error(err))
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
		IsError: !res.OK(),
	}, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP and blocks until Shutdown
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	s.serving.Store(true)
	return s.httpServer.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP transport if it was started
func (s *MCPServer) Shutdown(ctx context.Context) error {
	if !s.serving.Load() {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
