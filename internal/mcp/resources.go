package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	applicationsURI        = "qcrbox://applications"
	calculationURIPrefix   = "qcrbox://calculations/"
	calculationURITemplate = calculationURIPrefix + "{id}"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			applicationsURI,
			"Registered Applications",
			mcplib.WithResourceDescription("Applications registered with QCrBox and their commands"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleApplicationsResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			calculationURITemplate,
			"Calculation Status",
			mcplib.WithTemplateDescription("Status, output and history of one calculation"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleCalculationResource,
	)
}

func (s *Server) handleApplicationsResource(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	apps, err := s.registry.ListApplications(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: applications: %w", err)
	}
	return jsonResource(applicationsURI, apps)
}

func (s *Server) handleCalculationResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseCalculationURI(uri)
	if err != nil {
		return nil, err
	}
	view, err := s.registry.GetCalculationStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: calculation %s: %w", id, err)
	}
	return jsonResource(uri, view)
}

// parseCalculationURI extracts the id from qcrbox://calculations/{id}.
func parseCalculationURI(uri string) (string, error) {
	id, ok := strings.CutPrefix(uri, calculationURIPrefix)
	if !ok {
		return "", fmt.Errorf("mcp: invalid calculation URI: %s", uri)
	}
	if id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("mcp: invalid calculation URI: empty or nested id in %s", uri)
	}
	return id, nil
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
