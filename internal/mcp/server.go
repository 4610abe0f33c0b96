// Package mcp exposes investigations and the approval gate over the Model
// Context Protocol. A chat bot connected to it is the approval channel of
// `faultline serve`.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/moolen/faultline/internal/logging"
	"github.com/moolen/faultline/internal/mcp/tools"
)

// Tool is implemented by every tool in the tools package.
type Tool interface {
	Execute(ctx context.Context, input json.RawMessage) (interface{}, error)
}

// Server wraps the mcp-go server with the faultline tools.
type Server struct {
	mcpServer *server.MCPServer
	tools     map[string]Tool
	logger    *logging.Logger
}

// NewServer creates the MCP server. investigator is usually the supervisor;
// approvals its gate.
func NewServer(investigator tools.Investigator, approvals tools.Approvals, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"faultline",
			version,
			server.WithToolCapabilities(false),
			server.WithLogging(),
		),
		tools:  make(map[string]Tool),
		logger: logging.GetLogger("mcp"),
	}
	s.registerTools(investigator, approvals)
	s.registerPrompts()
	return s
}

func (s *Server) registerTools(investigator tools.Investigator, approvals tools.Approvals) {
	s.registerTool(
		"start_investigation",
		"Start a layered fault investigation along a device path. Returns the diagnosis report, or a suspended state with the plan ID when write tasks need approval.",
		tools.NewStartInvestigationTool(investigator),
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Natural-language fault description, e.g. 'packet loss between SW1 and R2'",
				},
				"path": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Ordered device IDs along the fault path",
				},
			},
			"required": []string{"query", "path"},
		},
	)

	s.registerTool(
		"list_pending_approvals",
		"List change plans waiting for a human decision, oldest first",
		tools.NewListPendingApprovalsTool(approvals),
		map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
	)

	s.registerTool(
		"get_change_plan",
		"Get every write task of a change plan together with the investigation that proposed it",
		tools.NewGetChangePlanTool(approvals),
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"plan_id": map[string]interface{}{
					"type":        "string",
					"description": "Plan ID from list_pending_approvals",
				},
			},
			"required": []string{"plan_id"},
		},
	)

	s.registerTool(
		"decide_change_plan",
		"Approve, edit or reject a whole change plan. The suspended investigation or batch continues and its result is returned.",
		tools.NewDecideChangePlanTool(investigator),
		map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"plan_id": map[string]interface{}{
					"type":        "string",
					"description": "Plan ID to decide",
				},
				"status": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"approved", "edited", "rejected"},
					"description": "Decision for all tasks of the plan",
				},
				"edits": map[string]interface{}{
					"type":                 "object",
					"additionalProperties": map[string]interface{}{"type": "object"},
					"description":          "Optional: parameter overrides keyed by task ID (status edited only)",
				},
				"comment": map[string]interface{}{
					"type":        "string",
					"description": "Optional: reason recorded with the decision",
				},
				"decided_by": map[string]interface{}{
					"type":        "string",
					"description": "Optional: who decided (default: mcp)",
				},
			},
			"required": []string{"plan_id", "status"},
		},
	)
}

func (s *Server) registerTool(name, description string, tool Tool, inputSchema map[string]interface{}) {
	s.tools[name] = tool

	schemaJSON, err := json.Marshal(inputSchema)
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal schema for tool %s: %v", name, err))
	}
	s.mcpServer.AddTool(mcp.NewToolWithRawSchema(name, description, schemaJSON), s.createToolHandler(name, tool))
}

func (s *Server) createToolHandler(name string, tool Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(request.Params.Arguments)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid arguments: %v", err)), nil
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			s.logger.WithContext(ctx).Warn("Tool %s failed: %v", name, err)
			return mcp.NewToolResultError(fmt.Sprintf("Tool execution failed: %v", err)), nil
		}

		resultJSON, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to format result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(resultJSON)), nil
	}
}

func (s *Server) registerPrompts() {
	reviewPrompt := mcp.Prompt{
		Name:        "review_pending_changes",
		Description: "Walk through pending change plans and decide each one",
		Arguments: []mcp.PromptArgument{
			{Name: "reviewer", Description: "Optional name recorded as decided_by", Required: false},
		},
	}
	s.mcpServer.AddPrompt(reviewPrompt, func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		text := "Call list_pending_approvals. For each plan, call get_change_plan, summarise the write tasks per device " +
			"with their rollback notes, and ask me whether to approve, edit or reject before calling decide_change_plan."
		if reviewer := request.Params.Arguments["reviewer"]; reviewer != "" {
			text += fmt.Sprintf(" Record decided_by as %q.", reviewer)
		}
		return &mcp.GetPromptResult{
			Description: "Change plan review workflow",
			Messages: []mcp.PromptMessage{
				{Role: mcp.RoleUser, Content: mcp.TextContent{Type: "text", Text: text}},
			},
		}, nil
	})

	triagePrompt := mcp.Prompt{
		Name:        "triage_network_fault",
		Description: "Investigate a reported network fault along a device path",
		Arguments: []mcp.PromptArgument{
			{Name: "symptom", Description: "What users observe, e.g. 'packet loss'", Required: true},
			{Name: "path", Description: "Comma-separated device IDs along the path", Required: true},
		},
	}
	s.mcpServer.AddPrompt(triagePrompt, func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		symptom := request.Params.Arguments["symptom"]
		path := request.Params.Arguments["path"]
		text := fmt.Sprintf("Call start_investigation with query %q and path [%s]. "+
			"Report the root cause, confidence and recommended action. If the investigation is suspended, "+
			"show the change plan with get_change_plan and wait for my decision.", symptom, path)
		return &mcp.GetPromptResult{
			Description: "Network fault triage workflow",
			Messages: []mcp.PromptMessage{
				{Role: mcp.RoleUser, Content: mcp.TextContent{Type: "text", Text: text}},
			},
		}, nil
	})
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves MCP on in/out until ctx is done or in is closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("Serving MCP on stdio")
	return server.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
}

// HTTPHandler returns a stateless streamable HTTP handler mounted at path.
func (s *Server) HTTPHandler(path string) http.Handler {
	return server.NewStreamableHTTPServer(
		s.mcpServer,
		server.WithEndpointPath(path),
		server.WithStateLess(true),
	)
}
