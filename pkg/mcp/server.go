package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tokenflow-io/tokenflow/internal/engine"
	"github.com/tokenflow-io/tokenflow/internal/store"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine *engine.Engine
	Store  store.Store
	Logger *slog.Logger
}

// Server wraps an MCP server with process orchestration tool handlers.
type Server struct {
	engine    *engine.Engine
	store     store.Store
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *LaneNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		engine:   deps.Engine,
		store:    deps.Store,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"tokenflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Tokenflow is a business process orchestration engine. Use process.load to register a process definition, process.run to start an instance, process.tasks to list ready user tasks, process.complete to finish one, process.message to deliver correlated messages, process.preview to inspect the execution tree, process.reset to rewind to an earlier task, and process.snapshot to capture or restore execution state."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewLaneNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: loadTool(), Handler: s.handleLoad},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: tasksTool(), Handler: s.handleTasks},
		{Tool: completeTool(), Handler: s.handleComplete},
		{Tool: messageTool(), Handler: s.handleMessage},
		{Tool: resetTool(), Handler: s.handleReset},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: previewTool(), Handler: s.handlePreview},
		{Tool: snapshotTool(), Handler: s.handleSnapshot},
	}
}

// --- Tool definitions ---

func loadTool() mcp.Tool {
	return mcp.NewTool("process.load",
		mcp.WithDescription("Register a process definition for execution"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Process definition document")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("process.run",
		mcp.WithDescription("Start an instance of a registered process definition"),
		mcp.WithString("definition_id", mcp.Required(), mcp.Description("ID of the registered process definition")),
		mcp.WithObject("input", mcp.Description("Initial process data")),
		mcp.WithString("lane", mcp.Description("Lane of the caller, used for task-ready notifications")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("process.status",
		mcp.WithDescription("Get the state of a process instance: data, completion, live tasks"),
		mcp.WithString("process_id", mcp.Required(), mcp.Description("ID of the process instance")),
	)
}

func tasksTool() mcp.Tool {
	return mcp.NewTool("process.tasks",
		mcp.WithDescription("List ready user tasks of a process instance, optionally filtered by lane"),
		mcp.WithString("process_id", mcp.Required(), mcp.Description("ID of the process instance")),
		mcp.WithString("lane", mcp.Description("Only tasks assigned to this lane")),
	)
}

func completeTool() mcp.Tool {
	return mcp.NewTool("process.complete",
		mcp.WithDescription("Complete a ready user task with data and advance the process"),
		mcp.WithString("process_id", mcp.Required(), mcp.Description("ID of the process instance")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the ready user task")),
		mcp.WithObject("data", mcp.Description("Task result data merged into process data")),
		mcp.WithString("lane", mcp.Description("Lane of the caller, used for task-ready notifications")),
	)
}

func messageTool() mcp.Tool {
	return mcp.NewTool("process.message",
		mcp.WithDescription("Deliver a named external message; correlation properties are validated against the instance's conversation"),
		mcp.WithString("process_id", mcp.Required(), mcp.Description("ID of the process instance")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Message name")),
		mcp.WithObject("payload", mcp.Description("Message payload")),
	)
}

func resetTool() mcp.Tool {
	return mcp.NewTool("process.reset",
		mcp.WithDescription("Rewind a process instance to an earlier task, discarding downstream state"),
		mcp.WithString("process_id", mcp.Required(), mcp.Description("ID of the process instance")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task instance to reset to")),
		mcp.WithObject("data", mcp.Description("Data overrides seeded into the reset task")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("process.cancel",
		mcp.WithDescription("Cancel a process instance and every live task in it"),
		mcp.WithString("process_id", mcp.Required(), mcp.Description("ID of the process instance")),
	)
}

func previewTool() mcp.Tool {
	return mcp.NewTool("process.preview",
		mcp.WithDescription("Render the instance tree plus predicted future nodes without executing anything"),
		mcp.WithString("process_id", mcp.Required(), mcp.Description("ID of the process instance")),
	)
}

func snapshotTool() mcp.Tool {
	return mcp.NewTool("process.snapshot",
		mcp.WithDescription("Capture or restore a full execution state snapshot"),
		mcp.WithString("process_id", mcp.Required(), mcp.Description("ID of the process instance")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("save", "restore"),
			mcp.Description("save captures the current state; restore rebuilds from the newest matching snapshot"),
		),
		mcp.WithString("label", mcp.Description("Snapshot label")),
	)
}
