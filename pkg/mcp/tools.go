package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/genchain/internal/orchestrator"
	"github.com/rendis/genchain/internal/streaming"
	"github.com/rendis/genchain/pkg/schema"
)

// handleRun starts an execution and, when a hub is wired, pushes a
// notification to the caller's session once it settles.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := req.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError("template_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	var input schema.Params
	if err := decodeArgument(req, "input", &input); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid input: %v", err)), nil
	}

	s.captureSession(ctx, userID)

	exec, err := s.engine.Start(ctx, orchestrator.StartRequest{TemplateID: templateID, UserID: userID, Input: input})
	if err != nil {
		if exec == nil {
			return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"execution": exec, "error": err.Error()})
	}
	s.watch(exec.ID, userID)
	return marshalResult(map[string]any{"execution": exec})
}

// handleStatus returns an execution with its generations and events.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	status, err := s.engine.Status(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(status)
}

func (s *Server) handleGeneration(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("generation_id")
	if err != nil {
		return mcp.NewToolResultError("generation_id is required"), nil
	}
	gen, err := s.generations.GetGeneration(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("generation lookup failed: %v", err)), nil
	}
	return marshalResult(gen)
}

// handleDefine validates and stores a template.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, ok := req.GetArguments()["template"]; !ok {
		return mcp.NewToolResultError("template is required"), nil
	}
	var tpl schema.WorkflowTemplate
	if err := decodeArgument(req, "template", &tpl); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid template: %v", err)), nil
	}
	if err := s.engine.Define(ctx, &tpl); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("define failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"template_id": tpl.ID,
		"name":        tpl.Name,
		"total_steps": tpl.TotalSteps(),
	})
}

func (s *Server) handleSweep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	timeout := s.sweepTimeout
	if raw := req.GetString("timeout", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return mcp.NewToolResultError(fmt.Sprintf("invalid timeout %q", raw)), nil
		}
		timeout = d
	}
	report, err := s.engine.Sweep(ctx, timeout)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("sweep failed: %v", err)), nil
	}
	ids := make([]string, 0, len(report.Failed))
	for _, g := range report.Failed {
		ids = append(ids, g.ID)
	}
	return marshalResult(map[string]any{"failed": ids, "refunded": report.Refunded, "stalled": report.Stalled})
}

// watch notifies userID when the execution settles. It gives up after the
// watch timeout.
func (s *Server) watch(executionID, userID string) {
	if s.hub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.watchTimeout)
	events, unsubscribe, err := s.hub.Subscribe(ctx, streaming.EventFilter{
		SubjectID:  executionID,
		EventTypes: []string{schema.EventExecutionCompleted, schema.EventExecutionFailed},
	})
	if err != nil {
		cancel()
		s.logger.Warn("watch execution", "execution_id", executionID, "error", err)
		return
	}
	go func() {
		defer cancel()
		defer unsubscribe()
		select {
		case <-ctx.Done():
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload := map[string]any{
				"execution_id": executionID,
				"event_type":   ev.EventType,
				"payload":      ev.Payload,
			}
			if err := s.notifier.Notify(ctx, userID, payload); err != nil {
				s.logger.Warn("notify execution settled", "execution_id", executionID, "error", err)
			}
		}
	}()
}

// captureSession maps the user to the calling MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, userID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// decodeArgument round-trips an object argument through JSON into target.
// A missing argument leaves target untouched.
func decodeArgument(req mcp.CallToolRequest, name string, target any) error {
	raw, ok := req.GetArguments()[name]
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
