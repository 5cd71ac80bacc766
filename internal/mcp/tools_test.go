package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcrbox/qcrbox/internal/coordinator"
	"github.com/qcrbox/qcrbox/internal/model"
	"github.com/qcrbox/qcrbox/internal/testutil"
)

type fakeRegistry struct {
	invoked []model.InvocationRequest
	fail    error
}

func (f *fakeRegistry) InvokeCommand(_ context.Context, req model.InvocationRequest) (string, error) {
	if f.fail != nil {
		return "", f.fail
	}
	f.invoked = append(f.invoked, req)
	return "qcrbox_calc_0x01", nil
}

func (f *fakeRegistry) GetCalculationStatus(_ context.Context, id string) (model.CalculationStatusView, error) {
	if id != "qcrbox_calc_0x01" {
		return model.CalculationStatusView{}, fmt.Errorf("%w: %s", coordinator.ErrNotFound, id)
	}
	return model.CalculationStatusView{
		CalculationStatusDetails: model.CalculationStatusDetails{CalculationID: id, Status: model.StatusCompleted, Stdout: "10\n"},
		CommandName:              "count_to_10",
	}, nil
}

func (f *fakeRegistry) ListApplications(context.Context) ([]model.ApplicationSummary, error) {
	return []model.ApplicationSummary{{ID: 1, Slug: "counter", Version: "0.1", Commands: []string{"count_to_10", "echo_text"}}}, nil
}

func (f *fakeRegistry) ListCommands(_ context.Context, filter model.CommandFilter) ([]model.CommandSummary, error) {
	all := []model.CommandSummary{
		{ApplicationSlug: "counter", ApplicationVersion: "0.1", Name: "count_to_10", ImplementedAs: model.ImplementedAsCLI, Parameters: []model.ParameterSpec{}},
		{ApplicationSlug: "counter", ApplicationVersion: "0.1", Name: "echo_text", ImplementedAs: model.ImplementedAsCLI,
			Parameters: []model.ParameterSpec{{Name: "text", DType: model.DTypeStr, Required: true, Description: "what to echo"}}},
		{ApplicationSlug: "other", ApplicationVersion: "2", Name: "echo_text", ImplementedAs: model.ImplementedAsCLI,
			Parameters: []model.ParameterSpec{{Name: "text", DType: model.DTypeStr, Required: true}}},
	}
	var out []model.CommandSummary
	for _, c := range all {
		if filter.Matches(c.ApplicationSlug, c.ApplicationVersion, c.Name) {
			out = append(out, c)
		}
	}
	return out, nil
}

func newTestServer() (*Server, *fakeRegistry) {
	reg := &fakeRegistry{}
	return New(reg, testutil.TestLogger(), "test"), reg
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func TestListApplicationsTool(t *testing.T) {
	s, _ := newTestServer()
	result, err := s.handleListApplications(context.Background(), toolRequest("qcrbox_list_applications", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var apps []model.ApplicationSummary
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &apps))
	require.Len(t, apps, 1)
	assert.Equal(t, "counter", apps[0].Slug)
}

func TestListCommandsToolFilters(t *testing.T) {
	s, _ := newTestServer()
	result, err := s.handleListCommands(context.Background(), toolRequest("qcrbox_list_commands", map[string]any{
		"name": "echo_text",
	}))
	require.NoError(t, err)

	var cmds []model.CommandSummary
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &cmds))
	assert.Len(t, cmds, 2)
}

func TestInvokeCommandTool(t *testing.T) {
	s, reg := newTestServer()
	result, err := s.handleInvokeCommand(context.Background(), toolRequest("qcrbox_invoke_command", map[string]any{
		"command_name":     "echo_text",
		"application_slug": "counter",
		"arguments":        map[string]any{"text": "hi"},
		"correlation_id":   "c-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, parseToolText(t, result))

	var resp model.InvokeCommandResponse
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, "qcrbox_calc_0x01", resp.CalculationID)
	assert.Equal(t, "/calculations/qcrbox_calc_0x01", resp.Href)

	require.Len(t, reg.invoked, 1)
	assert.Equal(t, "counter", reg.invoked[0].ApplicationSlug)
	assert.Equal(t, "hi", reg.invoked[0].Arguments["text"])
	assert.Equal(t, "c-1", reg.invoked[0].CorrelationID)
}

func TestInvokeCommandToolErrors(t *testing.T) {
	s, reg := newTestServer()
	ctx := context.Background()

	result, err := s.handleInvokeCommand(ctx, toolRequest("qcrbox_invoke_command", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "command_name is required")

	result, err = s.handleInvokeCommand(ctx, toolRequest("qcrbox_invoke_command", map[string]any{
		"command_name": "echo_text",
		"arguments":    "text=hi",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "arguments must be an object")

	reg.fail = fmt.Errorf("%w: missing required parameter text", coordinator.ErrInvalidArguments)
	result, err = s.handleInvokeCommand(ctx, toolRequest("qcrbox_invoke_command", map[string]any{"command_name": "echo_text"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "text")

	reg.fail = errors.New("disk on fire")
	result, err = s.handleInvokeCommand(ctx, toolRequest("qcrbox_invoke_command", map[string]any{"command_name": "echo_text"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "invoke failed")
}

func TestGetCalculationStatusTool(t *testing.T) {
	s, _ := newTestServer()
	ctx := context.Background()

	result, err := s.handleGetCalculationStatus(ctx, toolRequest("qcrbox_get_calculation_status", map[string]any{
		"calculation_id": "qcrbox_calc_0x01",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var view model.CalculationStatusView
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &view))
	assert.Equal(t, model.StatusCompleted, view.Status)
	assert.Equal(t, "10\n", view.Stdout)

	result, err = s.handleGetCalculationStatus(ctx, toolRequest("qcrbox_get_calculation_status", map[string]any{
		"calculation_id": "qcrbox_calc_0xmissing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "not found")

	result, err = s.handleGetCalculationStatus(ctx, toolRequest("qcrbox_get_calculation_status", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestToolsAreRegistered(t *testing.T) {
	s, _ := newTestServer()
	resp := s.MCPServer().HandleMessage(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	for _, name := range []string{
		"qcrbox_list_applications",
		"qcrbox_list_commands",
		"qcrbox_invoke_command",
		"qcrbox_get_calculation_status",
	} {
		assert.Contains(t, string(data), name)
	}
}
