// Package mcp exposes the PII engine as Model Context Protocol tools so that
// assistants can scan, classify and redact text and work the incident queue.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	piiguard "github.com/SamuelRCrider/pii-guard"
	"github.com/SamuelRCrider/pii-guard/core"
	"github.com/SamuelRCrider/pii-guard/utils"
)

// GuardServer wraps the MCP server with a Guard.
type GuardServer struct {
	guard    *piiguard.Guard
	server   *server.MCPServer
	handlers map[string]server.ToolHandlerFunc
}

// NewGuardServer creates an MCP server with every tool registered.
func NewGuardServer(guard *piiguard.Guard) *GuardServer {
	s := &GuardServer{
		guard:    guard,
		server:   server.NewMCPServer("pii-guard", piiguard.Version),
		handlers: make(map[string]server.ToolHandlerFunc),
	}

	s.registerTools()
	return s
}

// MCPServer returns the underlying MCP server instance.
func (s *GuardServer) MCPServer() *server.MCPServer {
	return s.server
}

// ServeStdio serves MCP over the given streams until ctx is done.
func (s *GuardServer) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.server).Listen(ctx, in, out)
}

func (s *GuardServer) registerTools() {
	s.addTool("scan_text",
		gomcp.NewTool("scan_text",
			gomcp.WithDescription("Detect PII in plain text and return findings grouped by type"),
			gomcp.WithString("text",
				gomcp.Required(),
				gomcp.Description("Text to scan"),
			),
			gomcp.WithString("types",
				gomcp.Description("Comma-separated PII types to enable (default: current settings)"),
			),
		),
		s.handleScanText,
	)

	s.addTool("classify_text",
		gomcp.NewTool("classify_text",
			gomcp.WithDescription("Assign a classification level to text using the configured keywords"),
			gomcp.WithString("text",
				gomcp.Required(),
				gomcp.Description("Text to classify"),
			),
		),
		s.handleClassifyText,
	)

	s.addTool("redact_text",
		gomcp.NewTool("redact_text",
			gomcp.WithDescription("Replace detected PII in text with redaction markers or masked values"),
			gomcp.WithString("text",
				gomcp.Required(),
				gomcp.Description("Text to redact"),
			),
			gomcp.WithBoolean("mask",
				gomcp.Description("Mask values instead of replacing them with [REDACTED:<type>]"),
			),
		),
		s.handleRedactText,
	)

	s.addTool("tokenize_text",
		gomcp.NewTool("tokenize_text",
			gomcp.WithDescription("Replace detected PII with reversible @@token_...@@ placeholders kept in the vault"),
			gomcp.WithString("text",
				gomcp.Required(),
				gomcp.Description("Text to tokenize"),
			),
		),
		s.handleTokenizeText,
	)

	s.addTool("detokenize_text",
		gomcp.NewTool("detokenize_text",
			gomcp.WithDescription("Restore the original values behind vault tokens in text"),
			gomcp.WithString("text",
				gomcp.Required(),
				gomcp.Description("Text containing tokens"),
			),
		),
		s.handleDetokenizeText,
	)

	s.addTool("list_incidents",
		gomcp.NewTool("list_incidents",
			gomcp.WithDescription("List recorded PII incidents, newest first"),
			gomcp.WithNumber("limit",
				gomcp.Description("Maximum number of incidents (default 50)"),
			),
		),
		s.handleListIncidents,
	)

	s.addTool("update_incident_status",
		gomcp.NewTool("update_incident_status",
			gomcp.WithDescription("Move an incident to Quarantined, Resolved or Dismissed"),
			gomcp.WithString("id",
				gomcp.Required(),
				gomcp.Description("Incident id"),
			),
			gomcp.WithString("status",
				gomcp.Required(),
				gomcp.Description("New status"),
				gomcp.Enum(statusNames()...),
			),
		),
		s.handleUpdateIncidentStatus,
	)

	s.addTool("delete_incident",
		gomcp.NewTool("delete_incident",
			gomcp.WithDescription("Delete an incident record"),
			gomcp.WithString("id",
				gomcp.Required(),
				gomcp.Description("Incident id"),
			),
		),
		s.handleDeleteIncident,
	)

	s.addTool("get_settings",
		gomcp.NewTool("get_settings",
			gomcp.WithDescription("Show the effective detection and classification settings"),
		),
		s.handleGetSettings,
	)

	s.addTool("save_settings",
		gomcp.NewTool("save_settings",
			gomcp.WithDescription("Update settings with a partial JSON object; omitted keys keep their values"),
			gomcp.WithString("settings",
				gomcp.Required(),
				gomcp.Description(`JSON such as {"email":false,"enableQuarantine":true}`),
			),
		),
		s.handleSaveSettings,
	)
}

func (s *GuardServer) addTool(name string, tool gomcp.Tool, handler server.ToolHandlerFunc) {
	s.handlers[name] = handler
	s.server.AddTool(tool, handler)
}

// handleScanText returns the aggregated findings as JSON. An explicit types
// list replaces the saved detector settings.
func (s *GuardServer) handleScanText(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	text, ok := req.Params.Arguments["text"].(string)
	if !ok {
		return gomcp.NewToolResultError(`missing required argument "text"`), nil
	}

	var findings []utils.AggregatedFinding
	if types := optionalString(req, "types"); types != "" {
		cfg := core.ConfigFromTypes(splitList(types)...)
		findings = s.guard.DetectWith(text, &cfg)
	} else {
		findings = s.guard.Detect(ctx, text)
	}
	if findings == nil {
		findings = []utils.AggregatedFinding{}
	}

	return jsonResult(findings)
}

// handleClassifyText returns the matched level and its content label.
func (s *GuardServer) handleClassifyText(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	text, err := requireString(req, "text")
	if err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}

	level := s.guard.Classify(ctx, text)
	return jsonResult(map[string]interface{}{
		"level": level,
		"label": core.LabelFor(level),
	})
}

// handleRedactText returns the rewritten text.
func (s *GuardServer) handleRedactText(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	text, err := requireString(req, "text")
	if err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}

	mask, _ := req.Params.Arguments["mask"].(bool)
	out, _ := s.guard.Redact(ctx, text, mask)
	return gomcp.NewToolResultText(out), nil
}

func (s *GuardServer) handleTokenizeText(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	text, err := requireString(req, "text")
	if err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}

	out, _, err := s.guard.Tokenize(ctx, text)
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("failed to tokenize: %v", err)), nil
	}
	return gomcp.NewToolResultText(out), nil
}

func (s *GuardServer) handleDetokenizeText(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	text, err := requireString(req, "text")
	if err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}
	return gomcp.NewToolResultText(s.guard.Detokenize(ctx, text)), nil
}

// handleListIncidents returns incidents as a JSON array.
func (s *GuardServer) handleListIncidents(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	limit := 0
	if v, ok := req.Params.Arguments["limit"].(float64); ok {
		limit = int(v)
	}
	return jsonResult(s.guard.Incidents().List(ctx, limit))
}

func (s *GuardServer) handleUpdateIncidentStatus(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	id, err := requireString(req, "id")
	if err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}
	raw, err := requireString(req, "status")
	if err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}

	status, ok := core.ParseStatus(raw)
	if !ok {
		return gomcp.NewToolResultError(fmt.Sprintf("unknown status %q", raw)), nil
	}
	if !s.guard.Incidents().UpdateStatus(ctx, id, status) {
		return gomcp.NewToolResultError(fmt.Sprintf("could not move incident %s to %s", id, status)), nil
	}
	return gomcp.NewToolResultText(fmt.Sprintf("incident %s is now %s", id, status)), nil
}

func (s *GuardServer) handleDeleteIncident(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	id, err := requireString(req, "id")
	if err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}
	if !s.guard.Incidents().Delete(ctx, id) {
		return gomcp.NewToolResultError(fmt.Sprintf("could not delete incident %s", id)), nil
	}
	return gomcp.NewToolResultText(fmt.Sprintf("incident %s deleted", id)), nil
}

func (s *GuardServer) handleGetSettings(ctx context.Context, _ gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	return jsonResult(s.guard.Settings().Get(ctx))
}

// handleSaveSettings applies a partial settings document.
func (s *GuardServer) handleSaveSettings(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	raw, err := requireString(req, "settings")
	if err != nil {
		return gomcp.NewToolResultError(err.Error()), nil
	}

	var patch core.StoredSettings
	if err := json.Unmarshal([]byte(raw), &patch); err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("invalid settings JSON: %v", err)), nil
	}

	saved, err := s.guard.Settings().Save(ctx, patch)
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("failed to save settings: %v", err)), nil
	}
	return jsonResult(saved)
}

func jsonResult(v interface{}) (*gomcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return gomcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return gomcp.NewToolResultText(string(data)), nil
}

// requireString reads a non-empty string argument.
func requireString(req gomcp.CallToolRequest, name string) (string, error) {
	v, ok := req.Params.Arguments[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing required argument %q", name)
	}
	return v, nil
}

func optionalString(req gomcp.CallToolRequest, name string) string {
	v, _ := req.Params.Arguments[name].(string)
	return v
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func statusNames() []string {
	names := make([]string, len(core.AllStatuses))
	for i, st := range core.AllStatuses {
		names[i] = string(st)
	}
	return names
}
