package api

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/mentor/internal/orchestrator"
	"github.com/kalambet/mentor/internal/provider"
	"github.com/kalambet/mentor/internal/session"
)

func newTestMCPDeps(t *testing.T) MCPDeps {
	t.Helper()
	deps := newDeps(t, session.NewMemoryStore(nil, 0),
		answer(provider.Concept, "A goroutine is a lightweight thread."),
		answer(provider.Code, "func main() {}"),
	)
	return MCPDeps{
		Orchestrator: deps.Orchestrator,
		Registry:     deps.Registry,
		Stats:        deps.Stats,
		UserID:       "local",
	}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func TestMCPTool_Ask(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpAsk(deps)

	result, err := handler(context.Background(), makeCallToolRequest("ask", map[string]interface{}{
		"message":    "explain goroutines",
		"session_id": "s1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var resp orchestrator.Response
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("failed to parse response JSON: %v", err)
	}
	if resp.SessionID != "s1" || !strings.Contains(resp.Content, "lightweight thread") {
		t.Errorf("response = %+v", resp)
	}

	// The default user owns the session.
	summary, err := deps.Orchestrator.SessionSummary(context.Background(), "s1")
	if err != nil {
		t.Fatalf("SessionSummary: %v", err)
	}
	if summary.UserID != "local" {
		t.Errorf("UserID = %q, want local", summary.UserID)
	}
}

func TestMCPTool_Ask_Errors(t *testing.T) {
	handler := mcpAsk(newTestMCPDeps(t))

	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"missing message", map[string]interface{}{}},
		{"empty message", map[string]interface{}{"message": "   "}},
		{"bad type", map[string]interface{}{"message": "hi", "type": "poetry"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handler(context.Background(), makeCallToolRequest("ask", tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.IsError {
				t.Errorf("expected IsError, got %s", toolText(t, result))
			}
		})
	}
}

func TestMCPTool_SetLearningMode(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpSetLearningMode(deps)

	result, err := handler(context.Background(), makeCallToolRequest("set_learning_mode", map[string]interface{}{
		"session_id":  "s1",
		"enabled":     true,
		"skill_level": "intermediate",
		"domain":      "code",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var summary orchestrator.SessionSummary
	if err := json.Unmarshal([]byte(toolText(t, result)), &summary); err != nil {
		t.Fatalf("failed to parse summary JSON: %v", err)
	}
	if !summary.LearningMode || summary.Skills["code"].String() != "intermediate" {
		t.Errorf("summary = %+v", summary)
	}
}

func TestMCPTool_SetLearningMode_Errors(t *testing.T) {
	handler := mcpSetLearningMode(newTestMCPDeps(t))

	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"missing session", map[string]interface{}{"enabled": true}},
		{"missing enabled", map[string]interface{}{"session_id": "s1"}},
		{"enabled not bool", map[string]interface{}{"session_id": "s1", "enabled": "yes"}},
		{"bad level", map[string]interface{}{"session_id": "s1", "enabled": true, "skill_level": "guru"}},
		{"bad domain", map[string]interface{}{"session_id": "s1", "enabled": true, "skill_level": "expert", "domain": "poetry"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := handler(context.Background(), makeCallToolRequest("set_learning_mode", tt.args))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !result.IsError {
				t.Errorf("expected IsError, got %s", toolText(t, result))
			}
		})
	}
}

func TestMCPTool_SessionSummary(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpSessionSummary(deps)

	result, err := handler(context.Background(), makeCallToolRequest("session_summary", map[string]interface{}{"session_id": "nope"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("unknown session: %s", toolText(t, result))
	}

	if _, err := mcpAsk(deps)(context.Background(), makeCallToolRequest("ask", map[string]interface{}{
		"message": "explain goroutines", "session_id": "s1",
	})); err != nil {
		t.Fatal(err)
	}

	result, err = handler(context.Background(), makeCallToolRequest("session_summary", map[string]interface{}{"session_id": "s1"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var summary orchestrator.SessionSummary
	if err := json.Unmarshal([]byte(toolText(t, result)), &summary); err != nil {
		t.Fatalf("failed to parse summary JSON: %v", err)
	}
	if summary.Turns != 1 || summary.ActiveTopic == nil {
		t.Errorf("summary = %+v", summary)
	}
}

func TestMCPResource_Providers(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpResourceProviders(deps)

	contents, err := handler(context.Background(), makeReadResourceRequest("mentor://providers"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var statuses []ProviderStatus
	if err := json.Unmarshal([]byte(tc.Text), &statuses); err != nil {
		t.Fatalf("failed to parse providers JSON: %v", err)
	}
	registered := 0
	for _, st := range statuses {
		if st.Registered {
			registered++
		}
	}
	if registered != 2 {
		t.Errorf("registered = %d, want 2", registered)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps := newTestMCPDeps(t)
	ask := mcpAsk(deps)
	summary := mcpSessionSummary(deps)

	var wg sync.WaitGroup
	errs := make(chan error, 20)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ask(context.Background(), makeCallToolRequest("ask", map[string]interface{}{
				"message": "explain goroutines",
			})); err != nil {
				errs <- err
			}
			if _, err := summary(context.Background(), makeCallToolRequest("session_summary", map[string]interface{}{
				"session_id": "s1",
			})); err != nil {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
}
