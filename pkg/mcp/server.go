// Package mcp exposes the plan engine over the Model Context Protocol so an
// agent can validate, execute and inspect plans as tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/CarterPerez-dev/angela-cli-sub000/internal/engine"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/history"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/validation"
)

// ServerDeps holds the dependencies for creating an AngelaServer.
type ServerDeps struct {
	Engine    *engine.Engine
	Validator *validation.PlanValidator
	History   *history.Store
	Logger    *slog.Logger
}

// AngelaServer wraps an MCP server with plan-engine tool handlers.
type AngelaServer struct {
	engine    *engine.Engine
	validator *validation.PlanValidator
	history   *history.Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewAngelaServer creates an AngelaServer with the plan tools registered.
func NewAngelaServer(deps ServerDeps) *AngelaServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &AngelaServer{
		engine:    deps.Engine,
		validator: deps.Validator,
		history:   deps.History,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"angela",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Angela executes structured automation plans. Use plan_validate to check a plan document, plan_execute to run it (dry_run supported), plan_render for a Mermaid diagram, plan_history to inspect past runs, and plan_schedule to manage recurring cron runs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *AngelaServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *AngelaServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *AngelaServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: renderTool(), Handler: s.handleRender},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("plan_execute",
		mcp.WithDescription("Validate and execute a plan document"),
		mcp.WithString("plan", mcp.Required(), mcp.Description("The plan document as a JSON string")),
		mcp.WithBoolean("dry_run", mcp.Description("Simulate execution without running any payloads")),
		mcp.WithObject("variables", mcp.Description("Initial variables for the run")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("plan_validate",
		mcp.WithDescription("Validate a plan document without executing it"),
		mcp.WithString("plan", mcp.Required(), mcp.Description("The plan document as a JSON string")),
	)
}

func renderTool() mcp.Tool {
	return mcp.NewTool("plan_render",
		mcp.WithDescription("Render a plan's dependency graph as Mermaid flowchart text"),
		mcp.WithString("plan", mcp.Required(), mcp.Description("The plan document as a JSON string")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("plan_history",
		mcp.WithDescription("List recent plan runs"),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs to return (default 20)")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("plan_schedule",
		mcp.WithDescription("Manage recurring plan runs on cron schedules"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("add", "list", "remove"),
			mcp.Description("Schedule operation to perform")),
		mcp.WithString("name", mcp.Description("Schedule name (add)")),
		mcp.WithString("cron", mcp.Description("Five-field cron expression (add)")),
		mcp.WithString("plan", mcp.Description("The plan document as a JSON string (add)")),
		mcp.WithString("id", mcp.Description("Schedule ID (remove)")),
	)
}
