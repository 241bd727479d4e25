// Package mcp exposes registered graphs as Model Context Protocol tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/opgraph/internal/builtin"
	"github.com/rendis/opgraph/internal/host"
	"github.com/rendis/opgraph/internal/logging"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Host   *host.Host
	Kinds  *builtin.Registry
	Logger *slog.Logger
}

// Server wraps an MCP server with the graph tool handlers.
type Server struct {
	host      *host.Host
	kinds     *builtin.Registry
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  ClientNotifier
	mcpServer *server.MCPServer

	// background runs started with async=true; tests wait on it.
	async chan struct{}
}

// NewServer creates a Server with every graph tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	s := &Server{
		host:     deps.Host,
		kinds:    deps.Kinds,
		logger:   logger,
		sessions: NewSessionRegistry(),
		async:    make(chan struct{}, 64),
	}

	mcpSrv := server.NewMCPServer(
		"opgraph",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("opgraph runs superstep workflow graphs. Use graph.list to discover graphs, graph.run to start one, graph.status to inspect a run, graph.respond to answer its pending input requests and graph.cancel to stop it."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

const version = "1.0.0"

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: respondTool(), Handler: s.handleRespond},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("graph.run",
		mcp.WithDescription("Start a run of a registered graph"),
		mcp.WithString("graph", mcp.Required(), mcp.Description("Name of the graph to run")),
		mcp.WithString("input", mcp.Description("Run input as JSON; text that is not valid JSON is passed as a string")),
		mcp.WithBoolean("async", mcp.Description("Return immediately and push the result as a notification")),
		mcp.WithString("client_id", mcp.Description("Caller identity used to route notifications")),
	)
}

func respondTool() mcp.Tool {
	return mcp.NewTool("graph.respond",
		mcp.WithDescription("Answer pending input requests of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithObject("responses", mcp.Required(), mcp.Description("Responses keyed by request ID")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("graph.status",
		mcp.WithDescription("Get the status of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithBoolean("events", mcp.Description("Include the full event log")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("graph.list",
		mcp.WithDescription("List registered graphs or executor kinds"),
		mcp.WithString("resource",
			mcp.Enum("graphs", "kinds"),
			mcp.Description("What to list (default graphs)"),
		),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("graph.cancel",
		mcp.WithDescription("Cancel a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("graph.diagram",
		mcp.WithDescription("Render a graph as a diagram, optionally with the progress of a run"),
		mcp.WithString("graph", mcp.Required(), mcp.Description("Name of the graph")),
		mcp.WithString("format",
			mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format; image is a base64 PNG"),
		),
		mcp.WithString("run_id", mcp.Description("Overlay the executor outcomes of this run")),
	)
}
