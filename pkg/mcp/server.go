package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rmax-ai/raciflow/pkg/client"
	"github.com/rmax-ai/raciflow/pkg/validation"
)

// Server adapts raciflow-d to the Model Context Protocol.
type Server struct {
	mcpServer *server.MCPServer
	apiClient *client.Client
}

// NewServer creates a new MCP server instance.
func NewServer(apiURL string, opts ...client.Option) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"raciflow",
			"1.0.0",
		),
		apiClient: client.NewClient(apiURL, opts...),
	}
	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// --- Resources ---

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(
		"raciflow://matrix",
		"Responsibility Matrix",
		mcp.WithResourceDescription("The stored RACI/RASCI matrix, task -> role -> codes"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadMatrix)

	s.mcpServer.AddResource(mcp.NewResource(
		"raciflow://graph",
		"Process Graph",
		mcp.WithResourceDescription("Process nodes and edges, including synthetic roles, gateways and chain steps"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadGraph)

	s.mcpServer.AddResource(mcp.NewResource(
		"raciflow://result",
		"Last Reconciliation Result",
		mcp.WithResourceDescription("Counters, errors and warnings of the most recent pass"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadResult)

	s.mcpServer.AddResource(mcp.NewResource(
		"raciflow://events",
		"Raciflow Event Log",
		mcp.WithResourceDescription("Recent edits, flushes, validation failures and deletions"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadEvents)
}

// --- Tools ---

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"set_cell",
		mcp.WithDescription("Set the responsibility codes of a role on a task. The edit is buffered and applied after validation."),
		mcp.WithString("task", mcp.Required(), mcp.Description("Task name as it appears in the process")),
		mcp.WithString("role", mcp.Required(), mcp.Description("Role name (e.g., 'Reviewer')")),
		mcp.WithString("cell", mcp.Required(), mcp.Description("Codes from R, A, S, C, I (e.g., 'RA'); empty clears the cell")),
	), s.handleSetCell)

	s.mcpServer.AddTool(mcp.NewTool(
		"flush",
		mcp.WithDescription("Apply buffered edits now. Invalid matrices stay buffered unless force is set."),
		mcp.WithBoolean("force", mcp.Description("Store the matrix even if it is invalid (default false)")),
	), s.handleFlush)

	s.mcpServer.AddTool(mcp.NewTool(
		"validate_matrix",
		mcp.WithDescription("Validate the matrix including buffered edits. Returns errors and warnings."),
	), s.handleValidate)

	s.mcpServer.AddTool(mcp.NewTool(
		"delete_node",
		mcp.WithDescription("Delete a graph node. Deleting a synthetic step re-links the flow around it."),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("The node ID from raciflow://graph")),
	), s.handleDeleteNode)
}

// --- Prompts ---

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt(
		"raciflow-aware",
		mcp.WithPromptDescription("Provides context about responsibility codes and how edits reach the process graph"),
	), s.handleGetPrompt)
}

// --- Handlers ---

func textResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleReadMatrix(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	m, err := s.apiClient.Matrix(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch matrix: %w", err)
	}
	return textResource(request.Params.URI, m)
}

func (s *Server) handleReadGraph(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	g, err := s.apiClient.Graph(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch graph: %w", err)
	}
	return textResource(request.Params.URI, g)
}

func (s *Server) handleReadResult(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	p, err := s.apiClient.Result(ctx)
	if errors.Is(err, client.ErrNoPass) {
		return textResource(request.Params.URI, map[string]string{"status": "no pass yet"})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch result: %w", err)
	}
	return textResource(request.Params.URI, p)
}

func (s *Server) handleReadEvents(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	events, err := s.apiClient.GetEvents(ctx, client.EventsOptions{Limit: 50})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	return textResource(request.Params.URI, events)
}

func (s *Server) handleSetCell(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	edit := client.CellEdit{
		Task: mcp.ParseString(request, "task", ""),
		Role: mcp.ParseString(request, "role", ""),
		Cell: mcp.ParseString(request, "cell", ""),
	}
	buf, err := s.apiClient.SetCell(ctx, edit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Buffered %s/%s = %q\nBuffer: %s, %d pending",
		edit.Task, edit.Role, edit.Cell, buf.State, len(buf.Pending))), nil
}

func (s *Server) handleFlush(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	force := mcp.ParseBoolean(request, "force", false)
	out, err := s.apiClient.Flush(ctx, force)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	if !out.Flushed {
		return mcp.NewToolResultText("Not applied, the matrix is invalid:\n" + formatIssues(out.Validation)), nil
	}

	msg := fmt.Sprintf("Applied %d edits.", out.Applied)
	if p, err := s.apiClient.Result(ctx); err == nil {
		r := p.Result
		msg += fmt.Sprintf("\nRoles created: %d\nAssignments: %d\nChain steps: %d\nGateways: %d\nRemoved: %d",
			r.RolesCreated, r.Assignments, r.ChainNodes, r.GatewaysCreated, r.ElementsRemoved)
		for _, e := range r.Errors {
			msg += "\nerror: " + e
		}
	}
	return mcp.NewToolResultText(msg), nil
}

func (s *Server) handleValidate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	vr, err := s.apiClient.Validate(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	if vr.IsValid && len(vr.Warnings) == 0 {
		return mcp.NewToolResultText("Valid, no issues."), nil
	}
	status := "Invalid"
	if vr.IsValid {
		status = "Valid with warnings"
	}
	return mcp.NewToolResultText(status + ":\n" + formatIssues(vr)), nil
}

func (s *Server) handleDeleteNode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "node_id", "")
	if err := s.apiClient.DeleteNode(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Deleted node %s", id)), nil
}

func formatIssues(vr validation.Result) string {
	var b strings.Builder
	for _, issue := range vr.Errors {
		fmt.Fprintf(&b, "- [error] %s: %s\n", issue.Rule, issue.Message)
	}
	for _, issue := range vr.Warnings {
		fmt.Fprintf(&b, "- [warning] %s: %s\n", issue.Rule, issue.Message)
	}
	return b.String()
}

func (s *Server) handleGetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	if name != "raciflow-aware" {
		return nil, fmt.Errorf("prompt not found: %s", name)
	}

	promptText := `You are editing a responsibility matrix that raciflow turns into process structure.

Codes per (task, role) cell:
- R Responsible: does the work. Exactly one R per task.
- A Accountable: approves. At most one A per task; becomes an "Approve <role>" step after the task.
- S Support: helps the Responsible role; assigned alongside it through a parallel gateway.
- C Consulted: becomes a "Consult <role>" step after the task.
- I Informed: becomes an "Inform <role>" step after the task.

Edits made with 'set_cell' are buffered. They are applied on 'flush' only when the
matrix is valid; use 'validate_matrix' to see what blocks it. Read raciflow://result
after a flush to see what changed in the graph.
`

	return mcp.NewGetPromptResult(
		"raciflow-aware",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(promptText)),
		},
	), nil
}
