package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/qcrbox/qcrbox/internal/model"
)

func (s *Server) registerPrompts() {
	// run-command walks the agent through invoking one command and
	// collecting its result.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("run-command",
			mcplib.WithPromptDescription("Invoke a QCrBox command and wait for its result"),
			mcplib.WithArgument("command_name",
				mcplib.ArgumentDescription("Name of the command to run"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("application_slug",
				mcplib.ArgumentDescription("Application providing the command, if the name is not unique"),
			),
		),
		s.handleRunCommandPrompt,
	)

	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("qcrbox-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining how to work with QCrBox"),
		),
		s.handleSetupPrompt,
	)
}

func (s *Server) handleRunCommandPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	name := request.Params.Arguments["command_name"]
	if name == "" {
		return nil, fmt.Errorf("command_name argument is required")
	}
	cmds, err := s.registry.ListCommands(ctx, model.CommandFilter{
		ApplicationSlug: request.Params.Arguments["application_slug"],
		Name:            name,
	})
	if err != nil {
		return nil, fmt.Errorf("mcp: run-command prompt: %w", err)
	}
	if len(cmds) == 0 {
		return nil, fmt.Errorf("no registered command named %q", name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run the QCrBox command %q.\n\n", name)
	if len(cmds) > 1 {
		b.WriteString("Several applications provide it; pass application_slug and application_version:\n")
		for _, c := range cmds {
			fmt.Fprintf(&b, "- %s %s\n", c.ApplicationSlug, c.ApplicationVersion)
		}
		b.WriteString("\n")
	}
	cmd := cmds[0]
	if len(cmd.Parameters) == 0 {
		b.WriteString("It takes no arguments.\n")
	} else {
		b.WriteString("Parameters:\n")
		for _, p := range cmd.Parameters {
			req := "optional"
			if p.Required {
				req = "required"
			}
			fmt.Fprintf(&b, "- %s (%s, %s)", p.Name, p.DType, req)
			if p.Description != "" {
				fmt.Fprintf(&b, ": %s", p.Description)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString(`
1. CALL qcrbox_invoke_command with command_name and an arguments object.
2. POLL qcrbox_get_calculation_status with the returned calculation_id
   until status is completed, failed or cancelled.
3. REPORT stdout on success, or stderr and the last status event comment
   on failure.`)

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Run %s", name),
		Messages: []mcplib.PromptMessage{
			{
				Role:    mcplib.RoleUser,
				Content: mcplib.TextContent{Type: "text", Text: b.String()},
			},
		},
	}, nil
}

func (s *Server) handleSetupPrompt(context.Context, mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Working with QCrBox",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to QCrBox, a registry of crystallography applications.
Each application runs on one or more clients and offers commands.

## Workflow

1. qcrbox_list_applications or qcrbox_list_commands to find a command and
   its parameters.
2. qcrbox_invoke_command to start it. You get a calculation_id back at once.
3. qcrbox_get_calculation_status until the calculation is completed, failed
   or cancelled. Calculations pass through submitted,
   checking_client_availability and running first.

A calculation fails with "no client available" when no client serving the
application answers in time. Retry later or ask an operator to start one.`,
				},
			},
		},
	}, nil
}
