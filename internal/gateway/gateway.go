// Package gateway serves the call tools to the assistant over stdio JSON-RPC
// (Model Context Protocol). Logs must never touch stdout; the logger is
// expected to write to stderr.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"call-me/internal/domain"
)

// Server wraps an MCP stdio server around the call tool.
type Server struct {
	mcp    *server.MCPServer
	call   domain.Tool
	logger *slog.Logger
}

// New builds the gateway and registers one MCP tool per call action. The
// assistant sees flat tools (initiate_call, continue_call, ...) while the
// dispatch stays in one place in the tool layer.
func New(call domain.Tool, version string, logger *slog.Logger) *Server {
	s := &Server{
		mcp: server.NewMCPServer("call-me", version,
			server.WithToolCapabilities(false),
		),
		call:   call,
		logger: logger,
	}

	s.register(mcp.NewTool("initiate_call",
		mcp.WithDescription("Start a session with the operator: deliver the opening message and wait for their first reply."),
		mcp.WithString("message", mcp.Required(), mcp.Description("What to say to the operator")),
	))
	s.register(mcp.NewTool("continue_call",
		mcp.WithDescription("Say something in an active session and wait for the operator's reply."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID from initiate_call")),
		mcp.WithString("message", mcp.Required(), mcp.Description("What to say to the operator")),
	))
	s.register(mcp.NewTool("speak_to_user",
		mcp.WithDescription("Say something in an active session without waiting for a reply."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID from initiate_call")),
		mcp.WithString("message", mcp.Required(), mcp.Description("What to say to the operator")),
	))
	s.register(mcp.NewTool("end_call",
		mcp.WithDescription("Say an optional goodbye, then end the session."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID from initiate_call")),
		mcp.WithString("message", mcp.Description("Optional goodbye message")),
	))
	s.register(mcp.NewTool("get_status",
		mcp.WithDescription("Inspect an active session: state, timing, and turn count."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID from initiate_call")),
	))
	s.register(mcp.NewTool("listen_for_commands",
		mcp.WithDescription("Watch the chat for operator commands while no session is active (chat mode only). Blocks until cancelled or the listen bound elapses."),
	))

	return s
}

func (s *Server) register(t mcp.Tool) {
	s.mcp.AddTool(t, s.handler(t.Name))
}

// handler adapts an MCP tool call into the tool layer's action dispatch.
func (s *Server) handler(action string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		args["action"] = action

		raw, err := json.Marshal(args)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("marshal params: %v", err)), nil
		}

		res, err := s.call.Execute(ctx, raw)
		if err != nil {
			s.logger.Error("tool execution failed", "action", action, "error", err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		if res.IsError {
			return mcp.NewToolResultError(res.Content), nil
		}
		return mcp.NewToolResultText(res.Content), nil
	}
}

// Run serves the tools over stdin/stdout until stdin closes.
func (s *Server) Run() error {
	s.logger.Info("tool gateway listening on stdio")
	return server.ServeStdio(s.mcp)
}

// HandleMessage processes one raw JSON-RPC message. Exposed for tests and
// alternative transports.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcp.HandleMessage(ctx, message)
}
