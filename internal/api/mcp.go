package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/storyloom/internal/knowledge"
	"github.com/kalambet/storyloom/internal/workflow"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Jobs      Jobs
	Knowledge Knowledge
	Version   string
}

// NewMCPServer creates an MCP server exposing the job control and knowledge
// tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"storyloom",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("storyloom writes long-form stories in phases. Start a job, poll its status, and consult the knowledge base and story documentation."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("start_job",
			mcp.WithDescription("Start a story generation job for a concept. Fails if the session already has a running job."),
			mcp.WithString("concept", mcp.Description("Story concept"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Session id; generated when empty")),
			mcp.WithBoolean("multi_chapter", mcp.Description("Write several chapters instead of one")),
			mcp.WithNumber("total_chapters_hint", mcp.Description("Expected number of chapters")),
			mcp.WithNumber("total_target_length", mcp.Description("Target story length in characters")),
		),
		mcpStartJob(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Return the latest status of a session's job."),
			mcp.WithString("session_id", mcp.Description("Session id"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_job",
			mcp.WithDescription("Cancel a running job at its next phase, chapter or review round."),
			mcp.WithString("session_id", mcp.Description("Session id"), mcp.Required()),
		),
		mcpCancelJob(deps),
	)

	s.AddTool(
		mcp.NewTool("search_knowledge",
			mcp.WithDescription("Search the knowledge base by text and tags, best match first."),
			mcp.WithString("query", mcp.Description("Search text")),
			mcp.WithArray("tags", mcp.Description("Entries must carry all of these tags"), mcp.WithStringItems()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchKnowledge(deps),
	)

	s.AddTool(
		mcp.NewTool("add_knowledge",
			mcp.WithDescription("Add a reusable snippet to the knowledge base. Adding the same title and content again updates the entry."),
			mcp.WithString("title", mcp.Description("Entry title")),
			mcp.WithString("content", mcp.Description("Entry text"), mcp.Required()),
			mcp.WithString("knowledge_type", mcp.Description("example, technique, background or template")),
			mcp.WithArray("tags", mcp.Description("Tags"), mcp.WithStringItems()),
			mcp.WithString("source", mcp.Description("Where the snippet comes from")),
		),
		mcpAddKnowledge(deps),
	)

	s.AddTool(
		mcp.NewTool("get_documentation",
			mcp.WithDescription("Return the story documentation (characters, timeline, world rules, plot points, settings) of a session."),
			mcp.WithString("session_id", mcp.Description("Session id"), mcp.Required()),
		),
		mcpGetDocumentation(deps),
	)

	return s
}

func mcpStartJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		concept, err := req.RequireString("concept")
		if err != nil || concept == "" {
			return mcpError("concept is required"), nil
		}

		ack, err := deps.Jobs.Start(ctx, workflow.StartRequest{
			SessionID:         req.GetString("session_id", ""),
			Concept:           concept,
			MultiChapter:      req.GetBool("multi_chapter", false),
			TotalChaptersHint: req.GetInt("total_chapters_hint", 0),
			TotalTargetLength: req.GetInt("total_target_length", 0),
		})
		if errors.Is(err, workflow.ErrJobAlreadyRunning) {
			return mcpError(fmt.Sprintf("job already running: %v", err)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to start job: %v", err)), nil
		}
		return mcpJSON(ack)
	}
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		session, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		st, err := deps.Jobs.Status(session)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(st)
	}
}

func mcpCancelJob(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		session, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		if err := deps.Jobs.Cancel(session); err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(fmt.Sprintf("Cancel requested for session %s", session)), nil
	}
}

func mcpSearchKnowledge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", knowledge.DefaultLimit)
		if limit > 50 {
			limit = 50
		}
		results := deps.Knowledge.Search(req.GetString("query", ""), req.GetStringSlice("tags", nil), limit)
		if results == nil {
			results = []knowledge.Entry{}
		}
		return mcpJSON(results)
	}
}

func mcpAddKnowledge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		entry, err := deps.Knowledge.Add(knowledge.AddRequest{
			Title:         req.GetString("title", ""),
			Content:       content,
			Tags:          req.GetStringSlice("tags", nil),
			KnowledgeType: knowledge.Type(req.GetString("knowledge_type", "")),
			Source:        req.GetString("source", "mcp"),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to add: %v", err)), nil
		}
		return mcpText(entry.ID), nil
	}
}

func mcpGetDocumentation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		session, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		doc, err := deps.Jobs.Documentation(session)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpJSON(doc)
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
