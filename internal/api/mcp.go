package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/mentor/internal/orchestrator"
	"github.com/kalambet/mentor/internal/provider"
	"github.com/kalambet/mentor/internal/resilience"
	"github.com/kalambet/mentor/internal/session"
	"github.com/kalambet/mentor/internal/skill"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *provider.Registry
	Stats        *resilience.Stats
	UserID       string // default learner when a tool call names none
}

// NewMCPServer creates an MCP server with the mentor tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"mentor",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("mentor routes programming questions to specialised helpers and adapts answers to the learner's skill level. Reuse session_id across calls to keep context."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask the mentor a question. Returns the merged answer with suggestions and follow-ups."),
			mcp.WithString("message", mcp.Description("The question or request"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Session to continue; a new one is created when empty")),
			mcp.WithString("user_id", mcp.Description("Learner id; defaults to the server's configured user")),
			mcp.WithString("type", mcp.Description("Explicit domain: concept, code, debug, docs, deploy, workflow or tech_advice")),
			mcp.WithString("feedback", mcp.Description("Learner feedback on the previous answer: understood, confusion, too_simple, too_complex, help")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("set_learning_mode",
			mcp.WithDescription("Turn learning mode on or off for a session, optionally declaring a skill level."),
			mcp.WithString("session_id", mcp.Description("Session id"), mcp.Required()),
			mcp.WithBoolean("enabled", mcp.Description("Whether learning mode is on"), mcp.Required()),
			mcp.WithString("user_id", mcp.Description("Learner id, needed when the session does not exist yet")),
			mcp.WithString("skill_level", mcp.Description("Declared level: beginner, intermediate, advanced or expert")),
			mcp.WithString("domain", mcp.Description("Domain the declared level applies to; all domains when empty")),
		),
		mcpSetLearningMode(deps),
	)

	s.AddTool(
		mcp.NewTool("session_summary",
			mcp.WithDescription("Show the active topic, recent turns and skill levels for a session."),
			mcp.WithString("session_id", mcp.Description("Session id"), mcp.Required()),
		),
		mcpSessionSummary(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"mentor://providers",
			"Providers",
			mcp.WithResourceDescription("Registered domain providers and their circuit breaker state as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProviders(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		resp, err := deps.Orchestrator.Process(ctx, orchestrator.Request{
			SessionID: req.GetString("session_id", ""),
			UserID:    req.GetString("user_id", deps.UserID),
			Message:   message,
			Type:      req.GetString("type", ""),
			Feedback:  req.GetString("feedback", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}
		if resp.Error != nil {
			return mcpError(resp.Error.Error()), nil
		}
		return mcpJSON(resp)
	}
}

func mcpSetLearningMode(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		enabled, ok := req.GetArguments()["enabled"].(bool)
		if !ok {
			return mcpError("enabled is required and must be a boolean"), nil
		}

		lm := orchestrator.LearningModeRequest{
			SessionID: sessionID,
			UserID:    req.GetString("user_id", deps.UserID),
			Enabled:   enabled,
			Domain:    req.GetString("domain", ""),
		}
		if s := req.GetString("skill_level", ""); s != "" {
			l, err := skill.ParseLevel(s)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			lm.SkillLevel = &l
		}

		summary, err := deps.Orchestrator.SetLearningMode(ctx, lm)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to set learning mode: %v", err)), nil
		}
		return mcpJSON(summary)
	}
}

func mcpSessionSummary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}

		summary, err := deps.Orchestrator.SessionSummary(ctx, sessionID)
		if errors.Is(err, session.ErrNotFound) {
			return mcpError(fmt.Sprintf("session %s not found or expired", sessionID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load session: %v", err)), nil
		}
		return mcpJSON(summary)
	}
}

func mcpResourceProviders(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(providerStatuses(AppDeps{Registry: deps.Registry, Stats: deps.Stats}))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal providers: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
