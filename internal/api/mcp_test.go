package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/storyloom/internal/knowledge"
)

func newTestMCPDeps(t *testing.T, gen *stubGenerator) (MCPDeps, *testEnv) {
	t.Helper()
	env := setupHandler(t, gen)
	return MCPDeps{Jobs: env.manager, Knowledge: env.kb, Version: "test"}, env
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

func callTool(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	result, err := h(context.Background(), makeCallToolRequest(name, args))
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", name, err)
	}
	return result
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &stubGenerator{})
	s := NewMCPServer(deps)
	if s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_StartJobAndStatus(t *testing.T) {
	deps, env := newTestMCPDeps(t, &stubGenerator{})

	result := callTool(t, mcpStartJob(deps), "start_job", map[string]interface{}{
		"session_id":          "m1",
		"concept":             "海怪传说",
		"multi_chapter":       false,
		"total_chapters_hint": 1,
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var ack map[string]string
	if err := json.Unmarshal([]byte(toolText(t, result)), &ack); err != nil {
		t.Fatalf("parsing ack: %v", err)
	}
	if ack["status"] != "started" || ack["session_id"] != "m1" {
		t.Errorf("ack = %v", ack)
	}

	env.manager.Wait()

	result = callTool(t, mcpJobStatus(deps), "job_status", map[string]interface{}{"session_id": "m1"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), `"phase":"DONE"`) {
		t.Errorf("status = %s", toolText(t, result))
	}

	result = callTool(t, mcpGetDocumentation(deps), "get_documentation", map[string]interface{}{"session_id": "m1"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), `"characters"`) {
		t.Errorf("documentation = %s", toolText(t, result))
	}
}

func TestMCPTool_StartJob_AlreadyRunning(t *testing.T) {
	gen := holdingGenerator()
	deps, _ := newTestMCPDeps(t, gen)
	defer close(gen.hold)

	args := map[string]interface{}{"session_id": "busy", "concept": "海怪"}
	if r := callTool(t, mcpStartJob(deps), "start_job", args); r.IsError {
		t.Fatalf("first start failed: %s", toolText(t, r))
	}
	<-gen.entered

	r := callTool(t, mcpStartJob(deps), "start_job", args)
	if !r.IsError || !strings.Contains(toolText(t, r), "already running") {
		t.Errorf("second start = %s", toolText(t, r))
	}
}

func TestMCPTool_MissingArguments(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &stubGenerator{})
	tests := []struct {
		name    string
		handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)
	}{
		{"start_job", mcpStartJob(deps)},
		{"job_status", mcpJobStatus(deps)},
		{"cancel_job", mcpCancelJob(deps)},
		{"add_knowledge", mcpAddKnowledge(deps)},
		{"get_documentation", mcpGetDocumentation(deps)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if r := callTool(t, tt.handler, tt.name, map[string]interface{}{}); !r.IsError {
				t.Errorf("expected error result, got %s", toolText(t, r))
			}
		})
	}
}

func TestMCPTool_UnknownSession(t *testing.T) {
	deps, _ := newTestMCPDeps(t, &stubGenerator{})
	for name, h := range map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"job_status":        mcpJobStatus(deps),
		"cancel_job":        mcpCancelJob(deps),
		"get_documentation": mcpGetDocumentation(deps),
	} {
		r := callTool(t, h, name, map[string]interface{}{"session_id": "ghost"})
		if !r.IsError {
			t.Errorf("%s: expected error result", name)
		}
	}
}

func TestMCPTool_AddAndSearchKnowledge(t *testing.T) {
	deps, env := newTestMCPDeps(t, &stubGenerator{})

	result := callTool(t, mcpAddKnowledge(deps), "add_knowledge", map[string]interface{}{
		"title":          "三幕结构",
		"content":        "开端、对抗、结局",
		"knowledge_type": "technique",
		"tags":           []interface{}{"structure"},
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	id := toolText(t, result)
	entry, ok := env.kb.Get(id)
	if !ok {
		t.Fatalf("entry %s not stored", id)
	}
	if entry.Source != "mcp" || entry.KnowledgeType != knowledge.TypeTechnique {
		t.Errorf("entry = %+v", entry)
	}

	result = callTool(t, mcpSearchKnowledge(deps), "search_knowledge", map[string]interface{}{
		"query": "三幕",
		"limit": 3,
	})
	var found []knowledge.Entry
	if err := json.Unmarshal([]byte(toolText(t, result)), &found); err != nil {
		t.Fatalf("parsing results: %v", err)
	}
	if len(found) != 1 || found[0].ID != id {
		t.Errorf("results = %+v", found)
	}

	result = callTool(t, mcpSearchKnowledge(deps), "search_knowledge", map[string]interface{}{})
	if got := toolText(t, result); got != "[]" {
		t.Errorf("empty search = %s, want []", got)
	}
}
