package mcp

import (
	"context"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/qcrbox/qcrbox/internal/coordinator"
	"github.com/qcrbox/qcrbox/internal/ctxutil"
	"github.com/qcrbox/qcrbox/internal/model"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("qcrbox_list_applications",
			mcplib.WithDescription(`List the applications registered with QCrBox.

Each entry carries the slug and version used to address the application
and the names of the commands it provides.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleListApplications,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("qcrbox_list_commands",
			mcplib.WithDescription(`List invocable commands with their parameters.

Use this before qcrbox_invoke_command to learn which arguments a command
takes, their types and which are required.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("application_slug", mcplib.Description("Only list commands of this application")),
			mcplib.WithString("application_version", mcplib.Description("Only list commands of this application version")),
			mcplib.WithString("name", mcplib.Description("Only list commands with this name")),
		),
		s.handleListCommands,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("qcrbox_invoke_command",
			mcplib.WithDescription(`Run a command on a client that provides it.

Returns a calculation_id immediately. The command runs asynchronously;
poll qcrbox_get_calculation_status until the status is completed, failed
or cancelled. application_slug and application_version may be omitted when
the command name is unique across applications.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("command_name", mcplib.Description("Command to run"), mcplib.Required()),
			mcplib.WithString("application_slug", mcplib.Description("Application providing the command")),
			mcplib.WithString("application_version", mcplib.Description("Application version; requires application_slug")),
			mcplib.WithObject("arguments", mcplib.Description("Command arguments keyed by parameter name")),
			mcplib.WithString("correlation_id", mcplib.Description("Caller-chosen id carried through logs")),
		),
		s.handleInvokeCommand,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("qcrbox_get_calculation_status",
			mcplib.WithDescription(`Get the status, output and status history of a calculation.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("calculation_id", mcplib.Description("Id returned by qcrbox_invoke_command"), mcplib.Required()),
		),
		s.handleGetCalculationStatus,
	)
}

func (s *Server) handleListApplications(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	apps, err := s.registry.ListApplications(ctx)
	if err != nil {
		s.logger.Error("mcp: list applications", "request_id", ctxutil.RequestIDFromContext(ctx), "error", err)
		return errorResult(fmt.Sprintf("list applications failed: %v", err)), nil
	}
	return jsonResult(apps)
}

func (s *Server) handleListCommands(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	cmds, err := s.registry.ListCommands(ctx, model.CommandFilter{
		ApplicationSlug:    request.GetString("application_slug", ""),
		ApplicationVersion: request.GetString("application_version", ""),
		Name:               request.GetString("name", ""),
	})
	if err != nil {
		s.logger.Error("mcp: list commands", "request_id", ctxutil.RequestIDFromContext(ctx), "error", err)
		return errorResult(fmt.Sprintf("list commands failed: %v", err)), nil
	}
	return jsonResult(cmds)
}

func (s *Server) handleInvokeCommand(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	req := model.InvocationRequest{
		ApplicationSlug:    request.GetString("application_slug", ""),
		ApplicationVersion: request.GetString("application_version", ""),
		CommandName:        request.GetString("command_name", ""),
		CorrelationID:      request.GetString("correlation_id", ""),
		Arguments:          map[string]any{},
	}
	if req.CommandName == "" {
		return errorResult("command_name is required"), nil
	}
	if raw, ok := request.GetArguments()["arguments"]; ok && raw != nil {
		args, ok := raw.(map[string]any)
		if !ok {
			return errorResult("arguments must be an object"), nil
		}
		req.Arguments = args
	}

	id, err := s.registry.InvokeCommand(ctx, req)
	if err != nil {
		if isCallerError(err) {
			return errorResult(err.Error()), nil
		}
		s.logger.Error("mcp: invoke command",
			"command", req.CommandName,
			"request_id", ctxutil.RequestIDFromContext(ctx),
			"error", err,
		)
		return errorResult(fmt.Sprintf("invoke failed: %v", err)), nil
	}
	return jsonResult(model.InvokeCommandResponse{CalculationID: id, Href: "/calculations/" + id})
}

func (s *Server) handleGetCalculationStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("calculation_id", "")
	if id == "" {
		return errorResult("calculation_id is required"), nil
	}
	view, err := s.registry.GetCalculationStatus(ctx, id)
	if err != nil {
		if isCallerError(err) || errors.Is(err, coordinator.ErrClientUnreachable) {
			return errorResult(err.Error()), nil
		}
		s.logger.Error("mcp: calculation status",
			"calculation_id", id,
			"request_id", ctxutil.RequestIDFromContext(ctx),
			"error", err,
		)
		return errorResult(fmt.Sprintf("status lookup failed: %v", err)), nil
	}
	return jsonResult(view)
}

// isCallerError reports errors caused by the request rather than the system.
func isCallerError(err error) bool {
	return errors.Is(err, coordinator.ErrInvalidArguments) ||
		errors.Is(err, coordinator.ErrAmbiguousCommand) ||
		errors.Is(err, coordinator.ErrUnknownApplication) ||
		errors.Is(err, coordinator.ErrUnknownCommand) ||
		errors.Is(err, coordinator.ErrNotFound)
}
