// Package mcp exposes genchain to agents as MCP tools over stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/genchain/internal/lifecycle"
	"github.com/rendis/genchain/internal/orchestrator"
	"github.com/rendis/genchain/internal/store"
	"github.com/rendis/genchain/internal/streaming"
	"github.com/rendis/genchain/pkg/schema"
)

// Engine is the orchestrator surface the tools drive.
type Engine interface {
	Define(ctx context.Context, tpl *schema.WorkflowTemplate) error
	Start(ctx context.Context, req orchestrator.StartRequest) (*store.Execution, error)
	Status(ctx context.Context, executionID string) (*orchestrator.ExecutionStatus, error)
	Sweep(ctx context.Context, timeout time.Duration) (*lifecycle.SweepReport, error)
}

// GenerationReader loads single generations.
type GenerationReader interface {
	GetGeneration(ctx context.Context, id string) (*store.Generation, error)
}

// ServerDeps holds the dependencies for creating a Server. Hub is optional;
// without it no completion notifications are pushed.
type ServerDeps struct {
	Engine       Engine
	Generations  GenerationReader
	Hub          streaming.EventHub
	SweepTimeout time.Duration
	WatchTimeout time.Duration
	Logger       *slog.Logger
}

// Server wraps an MCP server with genchain tool handlers.
type Server struct {
	engine       Engine
	generations  GenerationReader
	hub          streaming.EventHub
	sessions     *SessionRegistry
	notifier     Notifier
	sweepTimeout time.Duration
	watchTimeout time.Duration
	logger       *slog.Logger
	mcpServer    *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	s := &Server{
		engine:       deps.Engine,
		generations:  deps.Generations,
		hub:          deps.Hub,
		sessions:     NewSessionRegistry(),
		sweepTimeout: deps.SweepTimeout,
		watchTimeout: deps.WatchTimeout,
		logger:       logger,
	}
	if s.sweepTimeout <= 0 {
		s.sweepTimeout = 30 * time.Minute
	}
	if s.watchTimeout <= 0 {
		s.watchTimeout = time.Hour
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"genchain",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("genchain runs chained AI generation workflows. Use genchain.define to register a template, "+
			"genchain.run to start it for a user, genchain.status to follow an execution and genchain.generation to inspect one generation."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
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

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: generationTool(), Handler: s.handleGeneration},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: sweepTool(), Handler: s.handleSweep},
	}
}

func runTool() mcp.Tool {
	return mcp.NewTool("genchain.run",
		mcp.WithDescription("Start a workflow execution from a registered template"),
		mcp.WithString("template_id", mcp.Required(), mcp.Description("ID of the workflow template")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User whose tokens pay for the run")),
		mcp.WithObject("input", mcp.Description("User input referenced as {{user_input.*}} by the steps")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("genchain.status",
		mcp.WithDescription("Get a workflow execution with its generations and events"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func generationTool() mcp.Tool {
	return mcp.NewTool("genchain.generation",
		mcp.WithDescription("Get one generation record"),
		mcp.WithString("generation_id", mcp.Required(), mcp.Description("ID of the generation")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("genchain.define",
		mcp.WithDescription("Register a workflow template"),
		mcp.WithObject("template", mcp.Required(),
			mcp.Description("Template with id, name, steps[] (step_number, model_record_id, prompt_template, input_mappings, parameters, output_key) and optional user_input_schema")),
	)
}

func sweepTool() mcp.Tool {
	return mcp.NewTool("genchain.sweep",
		mcp.WithDescription("Fail and refund generations stuck without a provider callback"),
		mcp.WithString("timeout", mcp.Description("Age after which a generation counts as stuck, e.g. 30m (default: server setting)")),
	)
}
