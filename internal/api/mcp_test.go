package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/dispatch/internal/dedup"
	"github.com/kalambet/dispatch/internal/interests"
	"github.com/kalambet/dispatch/internal/pipeline"
	"github.com/kalambet/dispatch/internal/retrieval"
	"github.com/kalambet/dispatch/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{
		Generator: &mockGenerator{},
		Interests: interests.NewManager(store),
		History:   &mockHistory{},
		Dedup:     &mockDedup{},
	}, store
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

// --- tests ---

func TestNewMCPServer_RegistersTools(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	s := NewMCPServer(deps)

	tools := s.ListTools()
	for _, name := range []string{"generate_newsletter", "list_interests", "search_history", "check_duplicate"} {
		if _, ok := tools[name]; !ok {
			t.Errorf("tool %q not registered", name)
		}
	}
}

func TestMCPTool_GenerateNewsletter(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	nl := commitNewsletter(t, store, testUser, "https://a.example/1")
	gen := &mockGenerator{res: pipeline.Result{RunID: "run-1", State: pipeline.StateCompleted, Newsletter: &nl}}
	deps.Generator = gen

	result, err := mcpGenerateNewsletter(deps)(context.Background(), makeCallToolRequest("generate_newsletter", map[string]interface{}{
		"user_id": testUser,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if len(gen.users) != 1 || gen.users[0] != testUser {
		t.Errorf("generated for %v", gen.users)
	}

	var out struct {
		RunID        string          `json:"run_id"`
		NewsletterID string          `json:"newsletter_id"`
		ItemCount    int             `json:"item_count"`
		Newsletter   *newsletterJSON `json:"newsletter"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &out); err != nil {
		t.Fatalf("parsing result: %v", err)
	}
	if out.RunID != "run-1" || out.NewsletterID != nl.ID || out.ItemCount != 1 || out.Newsletter == nil {
		t.Errorf("result = %+v", out)
	}
}

func TestMCPTool_GenerateNewsletter_ReportsKind(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Generator = &mockGenerator{err: &pipeline.PipelineError{
		Kind: pipeline.KindAllSourcesFailed, Stage: pipeline.StateResearching, Cause: errors.New("every provider failed"),
	}}

	result, _ := mcpGenerateNewsletter(deps)(context.Background(), makeCallToolRequest("generate_newsletter", map[string]interface{}{
		"user_id": testUser,
	}))
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if text := toolText(t, result); !strings.HasPrefix(text, "all_sources_failed") {
		t.Errorf("text = %q, want kind prefix", text)
	}
}

func TestMCPTool_RequiresUser(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, _ := mcpListInterests(deps)(context.Background(), makeCallToolRequest("list_interests", map[string]interface{}{}))
	if !result.IsError {
		t.Fatal("expected error without user_id")
	}
}

func TestMCPTool_ListInterests(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	m := deps.Interests.(*interests.Manager)
	ctx := context.Background()
	if _, err := m.Add(ctx, testUser, "Rust"); err != nil {
		t.Fatal(err)
	}
	gone, err := m.Add(ctx, testUser, "Crypto")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Deactivate(ctx, testUser, gone.ID); err != nil {
		t.Fatal(err)
	}

	result, _ := mcpListInterests(deps)(ctx, makeCallToolRequest("list_interests", map[string]interface{}{
		"user_id": testUser,
	}))
	var active []interestJSON
	if err := json.Unmarshal([]byte(toolText(t, result)), &active); err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Label != "Rust" {
		t.Errorf("active = %+v", active)
	}

	result, _ = mcpListInterests(deps)(ctx, makeCallToolRequest("list_interests", map[string]interface{}{
		"user_id":          testUser,
		"include_inactive": true,
	}))
	var all []interestJSON
	if err := json.Unmarshal([]byte(toolText(t, result)), &all); err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("all = %+v, want 2", all)
	}
}

func TestMCPTool_SearchHistory(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	hist := &mockHistory{hits: []retrieval.Hit{
		{ID: "c1", URL: "https://a.example/1", Score: 0.9},
		{ID: "c2", URL: "https://a.example/2", Score: 0.8},
	}}
	deps.History = hist

	result, _ := mcpSearchHistory(deps)(context.Background(), makeCallToolRequest("search_history", map[string]interface{}{
		"user_id": testUser,
		"query":   "rust",
		"limit":   500,
	}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if hist.topK != 50 {
		t.Errorf("topK = %d, want clamp to 50", hist.topK)
	}
	var hits []hitJSON
	if err := json.Unmarshal([]byte(toolText(t, result)), &hits); err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Errorf("hits = %+v", hits)
	}
}

func TestMCPTool_SearchHistory_Empty(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, _ := mcpSearchHistory(deps)(context.Background(), makeCallToolRequest("search_history", map[string]interface{}{
		"user_id": testUser,
		"query":   "anything",
	}))
	if text := toolText(t, result); text != "[]" {
		t.Errorf("text = %q, want []", text)
	}
}

func TestMCPTool_CheckDuplicate(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	deps.Dedup = &mockDedup{verdict: dedup.Verdict{Duplicate: true, Reason: dedup.ReasonSimilar, Score: 0.97, MatchURL: "https://a.example/1"}}

	result, _ := mcpCheckDuplicate(deps)(context.Background(), makeCallToolRequest("check_duplicate", map[string]interface{}{
		"user_id": testUser,
		"text":    "Rust 2.0 released",
	}))
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var v dedup.Verdict
	if err := json.Unmarshal([]byte(toolText(t, result)), &v); err != nil {
		t.Fatal(err)
	}
	if !v.Duplicate || v.Reason != dedup.ReasonSimilar || v.MatchURL != "https://a.example/1" {
		t.Errorf("verdict = %+v", v)
	}
}

func TestMCPTool_CheckDuplicate_NeedsInput(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, _ := mcpCheckDuplicate(deps)(context.Background(), makeCallToolRequest("check_duplicate", map[string]interface{}{
		"user_id": testUser,
	}))
	if !result.IsError {
		t.Fatal("expected error without url or text")
	}
}
