package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/dispatch/internal/jobs"
	"github.com/kalambet/dispatch/internal/pipeline"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Generator Generator
	Interests InterestManager
	History   HistorySearcher
	Dedup     DuplicateChecker
}

// NewMCPServer creates an MCP server with all dispatch tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"dispatch",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("dispatch builds personalized newsletters from a user's interests and remembers what it already delivered."),
		server.WithRecovery(),
	)

	userArg := mcp.WithString("user_id", mcp.Description("Id of the user the call acts for"), mcp.Required())

	s.AddTool(
		mcp.NewTool("generate_newsletter",
			mcp.WithDescription("Generate a newsletter for the user from their active interests. Items already delivered are never repeated."),
			userArg,
		),
		mcpGenerateNewsletter(deps),
	)

	s.AddTool(
		mcp.NewTool("list_interests",
			mcp.WithDescription("List the user's interests."),
			userArg,
			mcp.WithBoolean("include_inactive", mcp.Description("Also list removed interests")),
		),
		mcpListInterests(deps),
	)

	s.AddTool(
		mcp.NewTool("search_history",
			mcp.WithDescription("Semantically search items previously delivered to the user."),
			userArg,
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("check_duplicate",
			mcp.WithDescription("Check whether a URL or a piece of text duplicates something already delivered to the user."),
			userArg,
			mcp.WithString("url", mcp.Description("Candidate URL")),
			mcp.WithString("text", mcp.Description("Candidate headline or snippet")),
		),
		mcpCheckDuplicate(deps),
	)

	return s
}

func requireUser(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	id, err := req.RequireString("user_id")
	if err != nil || strings.TrimSpace(id) == "" {
		return "", mcpError("user_id is required")
	}
	return strings.TrimSpace(id), nil
}

func mcpGenerateNewsletter(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, bad := requireUser(req)
		if bad != nil {
			return bad, nil
		}

		res, err := deps.Generator.Generate(ctx, userID)
		if err != nil {
			if pe, ok := pipeline.AsPipelineError(err); ok {
				return mcpError(fmt.Sprintf("%s: %v", pe.Kind, pe.Cause)), nil
			}
			return mcpError(fmt.Sprintf("generation failed: %v", err)), nil
		}

		out := struct {
			jobs.Outcome
			Newsletter *newsletterJSON `json:"newsletter,omitempty"`
		}{Outcome: jobs.OutcomeFrom(res)}
		if res.Newsletter != nil {
			n := toNewsletterJSON(*res.Newsletter)
			out.Newsletter = &n
		}
		return mcpJSON(out)
	}
}

func mcpListInterests(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, bad := requireUser(req)
		if bad != nil {
			return bad, nil
		}

		list := deps.Interests.ListActive
		if req.GetBool("include_inactive", false) {
			list = deps.Interests.ListAll
		}
		found, err := list(ctx, userID)
		if err != nil {
			return mcpError(fmt.Sprintf("listing interests failed: %v", err)), nil
		}

		out := make([]interestJSON, len(found))
		for i, in := range found {
			out[i] = toInterestJSON(in)
		}
		return mcpJSON(out)
	}
}

func mcpSearchHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, bad := requireUser(req)
		if bad != nil {
			return bad, nil
		}
		query, err := req.RequireString("query")
		if err != nil || strings.TrimSpace(query) == "" {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		hits, err := deps.History.Search(ctx, userID, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(hits) == 0 {
			return mcpText("[]"), nil
		}

		out := make([]hitJSON, len(hits))
		for i, h := range hits {
			out[i] = hitJSON(h)
		}
		return mcpJSON(out)
	}
}

func mcpCheckDuplicate(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, bad := requireUser(req)
		if bad != nil {
			return bad, nil
		}
		url := req.GetString("url", "")
		text := req.GetString("text", "")
		if strings.TrimSpace(url) == "" && strings.TrimSpace(text) == "" {
			return mcpError("url or text is required"), nil
		}

		v, err := deps.Dedup.Check(ctx, userID, url, text)
		if err != nil {
			return mcpError(fmt.Sprintf("duplicate check failed: %v", err)), nil
		}
		return mcpJSON(v)
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
