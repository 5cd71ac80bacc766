// Package mcp exposes the registry to MCP-compatible AI agents. Tools cover
// listing applications and commands, invoking a command and polling its
// status; resources give read-only snapshots of the same data.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/qcrbox/qcrbox/internal/model"
)

// Registry is the coordinator surface the MCP server uses.
type Registry interface {
	InvokeCommand(ctx context.Context, req model.InvocationRequest) (string, error)
	GetCalculationStatus(ctx context.Context, id string) (model.CalculationStatusView, error)
	ListApplications(ctx context.Context) ([]model.ApplicationSummary, error)
	ListCommands(ctx context.Context, filter model.CommandFilter) ([]model.CommandSummary, error)
}

// Server wraps the MCP server with the registry.
type Server struct {
	mcpServer *mcpserver.MCPServer
	registry  Registry
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools
// and prompts.
func New(registry Registry, logger *slog.Logger, version string) *Server {
	s := &Server{
		registry: registry,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"qcrbox",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithRecovery(),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("encode result: " + err.Error()), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
