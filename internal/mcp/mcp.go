// Package mcp implements the Model Context Protocol server for Dandori.
//
// The MCP server exposes run orchestration through MCP tools and
// resources, so MCP-compatible agents can start runs, answer approval
// gates, and inspect thread state without going through the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/dandori/internal/engine"
	"github.com/ashita-ai/dandori/internal/model"
	"github.com/ashita-ai/dandori/internal/registry"
)

// Server wraps the MCP server with Dandori's engine and tool registry.
type Server struct {
	mcpServer *mcpserver.MCPServer
	engine    *engine.Engine
	registry  *registry.Registry
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(eng *engine.Engine, reg *registry.Registry, version string, logger *slog.Logger) *Server {
	s := &Server{
		engine:   eng,
		registry: reg,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"dandori",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// dandori://tools — the current tool registry.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"dandori://tools",
			"Registered Tools",
			mcplib.WithResourceDescription("All registered task workers and their availability"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleToolsResource,
	)

	// dandori://thread/{id}/history — full message history for a thread.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"dandori://thread/{id}/history",
			"Thread History",
			mcplib.WithTemplateDescription("Message history and run state for a specific thread"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleThreadHistory,
	)
}

func (s *Server) registerTools() {
	// dandori_start_run — kick off a new orchestration run.
	s.mcpServer.AddTool(
		mcplib.NewTool("dandori_start_run",
			mcplib.WithDescription("Start an orchestration run. Returns the run and thread identifiers."),
			mcplib.WithString("input", mcplib.Description("The task for the run to accomplish"), mcplib.Required()),
			mcplib.WithString("thread_id", mcplib.Description("Existing thread to continue; omit to start a new thread")),
		),
		s.handleStartRun,
	)

	// dandori_thread_status — inspect a thread's latest run.
	s.mcpServer.AddTool(
		mcplib.NewTool("dandori_thread_status",
			mcplib.WithDescription("Get the latest run status, iteration count, and final messages for a thread"),
			mcplib.WithString("thread_id", mcplib.Description("Thread identifier"), mcplib.Required()),
		),
		s.handleThreadStatus,
	)

	// dandori_submit_approval — answer a pending approval gate.
	s.mcpServer.AddTool(
		mcplib.NewTool("dandori_submit_approval",
			mcplib.WithDescription("Approve or reject a run that is suspended awaiting approval"),
			mcplib.WithString("thread_id", mcplib.Description("Thread identifier"), mcplib.Required()),
			mcplib.WithString("decision", mcplib.Description("Either \"approve\" or \"reject\""), mcplib.Required()),
			mcplib.WithString("approver_identity", mcplib.Description("Identity of the human making the decision"), mcplib.Required()),
		),
		s.handleSubmitApproval,
	)

	// dandori_resume_thread — resume after a crash or restart.
	s.mcpServer.AddTool(
		mcplib.NewTool("dandori_resume_thread",
			mcplib.WithDescription("Resume a thread from its latest checkpoint. Safe to call on terminal threads."),
			mcplib.WithString("thread_id", mcplib.Description("Thread identifier"), mcplib.Required()),
		),
		s.handleResumeThread,
	)
}

func (s *Server) handleToolsResource(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.registry.List(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal tools: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "dandori://tools",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleThreadHistory(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	raw := strings.TrimSuffix(strings.TrimPrefix(uri, "dandori://thread/"), "/history")
	threadID, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid thread history URI: %s", uri)
	}

	cp, err := s.engine.Status(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("mcp: thread history: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"thread_id": cp.ThreadID,
		"run":       cp.Run,
		"version":   cp.Version,
		"messages":  cp.Messages,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal history: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleStartRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	input := request.GetString("input", "")
	if input == "" {
		return errorResult("input is required"), nil
	}

	req := model.StartRunRequest{Input: input}
	if raw := request.GetString("thread_id", ""); raw != "" {
		threadID, err := uuid.Parse(raw)
		if err != nil {
			return errorResult("thread_id must be a UUID"), nil
		}
		req.ThreadID = &threadID
	}

	run, err := s.engine.Start(ctx, req)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to start run: %v", err)), nil
	}

	resultData, _ := json.Marshal(map[string]any{
		"run_id":    run.ID,
		"thread_id": run.ThreadID,
		"status":    run.Status,
	})
	return textResult(string(resultData)), nil
}

func (s *Server) handleThreadStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	threadID, err := uuid.Parse(request.GetString("thread_id", ""))
	if err != nil {
		return errorResult("thread_id must be a UUID"), nil
	}

	cp, err := s.engine.Status(ctx, threadID)
	if err != nil {
		return errorResult(fmt.Sprintf("status lookup failed: %v", err)), nil
	}

	// Only the tail of the transcript; the history resource has the rest.
	tail := cp.Messages
	if len(tail) > 5 {
		tail = tail[len(tail)-5:]
	}
	resultData, _ := json.MarshalIndent(map[string]any{
		"run_id":          cp.Run.ID,
		"status":          cp.Run.Status,
		"iteration_count": cp.Run.IterationCount,
		"reason":          cp.Run.Reason,
		"version":         cp.Version,
		"last_messages":   tail,
	}, "", "  ")
	return textResult(string(resultData)), nil
}

func (s *Server) handleSubmitApproval(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	threadID, err := uuid.Parse(request.GetString("thread_id", ""))
	if err != nil {
		return errorResult("thread_id must be a UUID"), nil
	}

	req := model.ApprovalRequest{
		Decision:         model.ApprovalDecision(request.GetString("decision", "")),
		ApproverIdentity: request.GetString("approver_identity", ""),
	}
	if err := req.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	run, err := s.engine.Approve(ctx, threadID, req)
	if err != nil {
		return errorResult(fmt.Sprintf("approval failed: %v", err)), nil
	}

	resultData, _ := json.Marshal(map[string]any{
		"run_id": run.ID,
		"status": run.Status,
		"reason": run.Reason,
	})
	return textResult(string(resultData)), nil
}

func (s *Server) handleResumeThread(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	threadID, err := uuid.Parse(request.GetString("thread_id", ""))
	if err != nil {
		return errorResult("thread_id must be a UUID"), nil
	}

	run, err := s.engine.Resume(ctx, threadID)
	if err != nil {
		return errorResult(fmt.Sprintf("resume failed: %v", err)), nil
	}

	resultData, _ := json.Marshal(map[string]any{
		"run_id": run.ID,
		"status": run.Status,
	})
	return textResult(string(resultData)), nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
