// Package mcp exposes orca over the Model Context Protocol so agents can
// start runs, answer approvals and follow run events.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/orca/internal/engine"
	"github.com/rendis/orca/internal/expressions"
	"github.com/rendis/orca/internal/logging"
	"github.com/rendis/orca/internal/runner"
	"github.com/rendis/orca/internal/scheduler"
	"github.com/rendis/orca/internal/store"
	"github.com/rendis/orca/internal/streaming"
)

// Runner is the run service behind the tools. Satisfied by *runner.Service.
type Runner interface {
	Start(ctx context.Context, goal string, opts runner.StartOptions) (*runner.RunInfo, error)
	Wait(ctx context.Context, runID string) (*runner.RunInfo, error)
	Approve(runID, stepID string, d engine.ApprovalDecision) error
	Status(ctx context.Context, runID string) (*runner.RunInfo, error)
	Events(ctx context.Context, runID string, since int64) ([]*store.Event, error)
	Cancel(runID string) error
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*runner.RunInfo, error)
	Subscribe(ctx context.Context, filter streaming.EventFilter) (<-chan streaming.StreamEvent, func(), error)
}

// Schedules is the optional scheduler behind orca.schedules.
type Schedules interface {
	Jobs() []scheduler.JobStatus
	RunNow(ctx context.Context, name string) (*runner.RunInfo, error)
}

// ServerDeps holds the dependencies for creating an OrcaServer.
type ServerDeps struct {
	Runner    Runner
	Schedules Schedules
	Logger    *slog.Logger
	Version   string
}

// OrcaServer wraps an MCP server with orca tool handlers.
type OrcaServer struct {
	runner    Runner
	schedules Schedules
	jq        *expressions.GoJQEngine
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewOrcaServer creates an OrcaServer with every tool registered.
// orca.schedules is only registered when a scheduler is given.
func NewOrcaServer(deps ServerDeps) *OrcaServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := &OrcaServer{
		runner:    deps.Runner,
		schedules: deps.Schedules,
		jq:        expressions.NewGoJQEngine(),
		sessions:  NewSessionRegistry(),
		logger:    logging.OrDefault(deps.Logger),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, cs server.ClientSession) {
		s.sessions.Remove(cs.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"orca",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Orca plans a natural-language goal into steps and runs them. Use orca.run to start a goal, "+
			"orca.status to follow it, orca.approve to answer a parked approval, orca.events to read the event log "+
			"and orca.cancel to stop a run."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Run events are pushed to the session that started the run.
func (s *OrcaServer) Serve(ctx context.Context) error {
	notifier := NewRunNotifier(s.mcpServer, s.sessions, s.logger)
	if err := notifier.Watch(ctx, s.runner); err != nil {
		return err
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *OrcaServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *OrcaServer) tools() []server.ServerTool {
	tools := []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: runsTool(), Handler: s.handleRuns},
	}
	if s.schedules != nil {
		tools = append(tools, server.ServerTool{Tool: schedulesTool(), Handler: s.handleSchedules})
	}
	return tools
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("orca.run",
		mcp.WithDescription("Plan and start a run for a natural-language goal"),
		mcp.WithString("goal", mcp.Required(), mcp.Description("What to do, in plain language")),
		mcp.WithBoolean("auto_approve", mcp.Description("Approve every gated step without asking (default: false)")),
		mcp.WithBoolean("wait", mcp.Description("Block until the run finishes (default: false)")),
		mcp.WithObject("metadata", mcp.Description("Caller metadata visible to row validators")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("orca.approve",
		mcp.WithDescription("Approve or reject a step waiting for approval"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("step_id", mcp.Description("Step to answer (default: the run's only pending step)")),
		mcp.WithBoolean("approved", mcp.Required(), mcp.Description("true to approve, false to reject")),
		mcp.WithString("reason", mcp.Description("Reason recorded with the decision")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("orca.status",
		mcp.WithDescription("Get a run's status, steps, pending approvals and diagram"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("orca.events",
		mcp.WithDescription("Read a run's event log"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithNumber("since", mcp.Description("Only events with a sequence greater than this")),
		mcp.WithString("filter", mcp.Description("jq expression applied to the event list")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("orca.cancel",
		mcp.WithDescription("Cancel an active run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("orca.runs",
		mcp.WithDescription("List runs, newest first"),
		mcp.WithString("status",
			mcp.Enum("pending", "active", "suspended", "completed", "failed", "cancelled"),
			mcp.Description("Only runs with this status"),
		),
		mcp.WithString("since", mcp.Description("Only runs created at or after this RFC3339 time")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default: 50)")),
		mcp.WithNumber("offset", mcp.Description("Runs to skip")),
	)
}

func schedulesTool() mcp.Tool {
	return mcp.NewTool("orca.schedules",
		mcp.WithDescription("List scheduled goals, or run one now"),
		mcp.WithString("run_now", mcp.Description("Name of a schedule to run immediately")),
	)
}
